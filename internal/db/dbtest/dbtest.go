// Package dbtest opens throwaway SQLite-backed stores for tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-gatescan/internal/db"
)

// New returns an in-memory store with the full schema. A single connection
// keeps the in-memory database alive and serializes writers the way row
// locks would.
func New(t *testing.T) *db.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	store := db.New(bunDB)
	require.NoError(t, store.CreateSchema(context.Background()))
	return store
}
