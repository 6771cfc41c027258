// Package catalog loads the permission and plan catalog from YAML and
// applies it to the database.
//
// The catalog lists modules, the features of each module with the actions
// they support, the system roles with their seed grants, and the plans.
// A feature key must begin with its module key: the decision engine gates
// a permission on the module named by its first segment.
//
//	cat, err := catalog.Load("configs/catalog.yaml")
//	summary, err := catalog.Apply(ctx, db, cat)
//
// Apply is an idempotent upsert. Re-running it refreshes names and plan
// contents and adds missing grants; it never revokes a grant an
// administrator made.
package catalog
