// Package storagetest provides migrated databases for tests.
package storagetest

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/storage"
)

var dbCounter atomic.Int64

// OpenSQLite returns a migrated, private in-memory sqlite database that is
// closed when the test ends
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:caseguard_test_%d?mode=memory&cache=shared&_foreign_keys=on", dbCounter.Add(1))
	db, err := sql.Open(string(storage.SQLite), dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.Migrate(context.Background(), db))
	return db
}
