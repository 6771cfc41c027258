package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/storage"
	"github.com/platinummonkey/caseguard/pkg/storage/storagetest"
)

// testMatrix is the feature × action matrix seeded for store tests
var testMatrix = map[string][]string{
	"cases":   {"read", "create", "export"},
	"roles":   {"read", "create", "update", "assign", "delete"},
	"billing": {"view", "manage"},
	"chat":    {"send", "read"},
}

func seedMatrix(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	actions := map[string]bool{}
	for feature, acts := range testMatrix {
		_, err := db.ExecContext(ctx, `INSERT INTO modules (key, name) VALUES ($1, $2)`, feature, feature)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `INSERT INTO features (id, module_key, key) VALUES ($1, $2, $3)`,
			FeatureID(feature), feature, feature)
		require.NoError(t, err)

		for _, action := range acts {
			if !actions[action] {
				actions[action] = true
				_, err = db.ExecContext(ctx, `INSERT INTO actions (id, key) VALUES ($1, $2)`, ActionID(action), action)
				require.NoError(t, err)
			}
			_, err = db.ExecContext(ctx, `INSERT INTO feature_actions (feature_id, action_id) VALUES ($1, $2)`,
				FeatureID(feature), ActionID(action))
			require.NoError(t, err)
		}
	}
}

func matrixSize() int {
	n := 0
	for _, acts := range testMatrix {
		n += len(acts)
	}
	return n
}

// newTestStore returns a sqlite-backed store with the test matrix and the
// super_admin, org_admin and client system roles
func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := storagetest.OpenSQLite(t)
	seedMatrix(t, db)

	store := NewStore(db, storage.SQLite)
	for _, slug := range []string{"super_admin", "org_admin", "client"} {
		require.NoError(t, store.CreateRole(context.Background(), &Role{
			ID:        SystemRoleID(slug),
			Slug:      slug,
			Name:      slug,
			System:    true,
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}))
	}
	return store, db
}

func grantKeys(t *testing.T, store *Store, roleID string, keys ...string) {
	t.Helper()
	ctx := context.Background()
	refs, err := store.ResolveGrantRefs(ctx, keys)
	require.NoError(t, err)
	require.NoError(t, store.SetGrants(ctx, roleID, refs))
}
