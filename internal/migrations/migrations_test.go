package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllIsOrdered(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "001_connections", all[0].Version)
	assert.Equal(t, "002_locations", all[1].Version)
	assert.Contains(t, all[0].SQL, "CREATE TABLE IF NOT EXISTS connections")
}

func TestApplyIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	applied, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_connections", "002_locations"}, applied)

	applied, err = Apply(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, applied)

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='locations'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "locations", name)
}

func TestApplyClosedDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Apply(context.Background(), db)
	assert.Error(t, err)
}
