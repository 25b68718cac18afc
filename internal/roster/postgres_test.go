package roster_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/roster"
	"qrattend/internal/testhelpers"
)

func TestPostgresRoster(t *testing.T) {
	p := roster.NewPostgres(testhelpers.MigratedDB(t))
	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, attendance.Attendee{ID: "s1", Roll: "01", Name: "Asha", CohortID: "cse-a"}))

	a, err := p.Attendee(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, attendance.Attendee{ID: "s1", Roll: "01", Name: "Asha", CohortID: "cse-a"}, *a)

	// Re-seeding moves the attendee.
	require.NoError(t, p.Upsert(ctx, attendance.Attendee{ID: "s1", Roll: "07", Name: "Asha", CohortID: "cse-b"}))
	cohort, err := p.CohortOf(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "cse-b", cohort)

	missing, err := p.Attendee(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
	cohort, err = p.CohortOf(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, cohort)
}
