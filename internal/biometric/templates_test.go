package biometric_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/biometric"
	"qrattend/internal/testhelpers"
)

func TestPostgresTemplates(t *testing.T) {
	store := biometric.NewPostgresTemplates(testhelpers.MigratedDB(t))
	ctx := context.Background()
	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	none, err := store.Template(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, store.PutTemplate(ctx, "s1", []float32{0.6, 0.8}, at))
	got, err := store.Template(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, got)

	// Re-enrollment replaces the template.
	require.NoError(t, store.PutTemplate(ctx, "s1", []float32{1, 0, 0}, at.Add(time.Hour)))
	got, err = store.Template(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, got)
}
