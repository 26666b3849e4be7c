package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zangezia/backupdesk/internal/store/sqlite"
	"github.com/zangezia/backupdesk/pkg/models"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "backupdesk.db")

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)

	_, err = s.Get(ctx, "servers")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	require.NoError(t, s.Set(ctx, "servers", []byte(`[1]`)))
	require.NoError(t, s.Set(ctx, "servers", []byte(`[1,2]`)))

	got, err := s.Get(ctx, "servers")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[1,2]`), got)
	require.NoError(t, s.Close())

	// Reopening runs the migrations again and keeps the data.
	s, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err = s.Get(ctx, "servers")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[1,2]`), got)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "")
	assert.Error(t, err)
}
