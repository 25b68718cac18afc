package roster_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/roster"
)

const seed = `
cohorts:
  - id: cse-a
    attendees:
      - {id: s1, roll: "01", name: Asha}
      - {id: s2, roll: "02", name: Ben}
  - id: cse-b
    attendees:
      - {id: s3, roll: "01", name: Chen}
`

func TestParse(t *testing.T) {
	got, err := roster.Parse([]byte(seed))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, attendance.Attendee{ID: "s1", Roll: "01", Name: "Asha", CohortID: "cse-a"}, got[0])
	assert.Equal(t, "cse-b", got[2].CohortID)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := roster.Parse([]byte("cohorts:\n  - attendees: [{id: s1}]\n"))
	assert.Error(t, err, "cohort without id")

	_, err = roster.Parse([]byte("cohorts:\n  - id: c\n    attendees: [{roll: '1'}]\n"))
	assert.Error(t, err, "attendee without id")

	_, err = roster.Parse([]byte("cohorts:\n  - id: a\n    attendees: [{id: s1}]\n  - id: b\n    attendees: [{id: s1}]\n"))
	assert.Error(t, err, "duplicate attendee")

	_, err = roster.Parse([]byte("cohorts: ["))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	got, err := roster.LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = roster.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := roster.NewMemory(attendance.Attendee{ID: "s1", Roll: "01", Name: "Asha", CohortID: "cse-a"})

	cohort, err := m.CohortOf(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "cse-a", cohort)

	cohort, err = m.CohortOf(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, cohort)

	a, err := m.Attendee(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, a)

	m.Put(attendance.Attendee{ID: "s1", Roll: "01", Name: "Asha", CohortID: "cse-b"})
	cohort, _ = m.CohortOf(ctx, "s1")
	assert.Equal(t, "cse-b", cohort)
}
