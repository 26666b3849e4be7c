package migrations_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/zangezia/backupdesk/internal/store/sqlite/migrations"
)

func TestMigratorUpDown(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	m, err := migrations.NewMigrator(db)
	require.NoError(t, err)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "a second run is a no-op")
	_, err = db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ('k', x'00', 0)`)
	require.NoError(t, err)

	require.NoError(t, m.Down(ctx))
	_, err = db.ExecContext(ctx, `SELECT 1 FROM kv`)
	assert.Error(t, err, "table is dropped")
}

func TestNewMigratorRequiresDB(t *testing.T) {
	_, err := migrations.NewMigrator(nil)
	assert.Error(t, err)
}
