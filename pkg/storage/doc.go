// Package storage opens the relational store and the redis cache and owns
// the schema.
//
// Two SQL drivers are supported. postgres (lib/pq) is the production
// backend; sqlite3 (mattn/go-sqlite3) serves single-node deployments and
// tests. Every query in the repository uses $n placeholders, numbered in
// order of first appearance, which both drivers accept.
//
//	db, err := storage.Open(ctx, cfg.Database)
//	if err := storage.Migrate(ctx, db); err != nil { ... }
//	dialect := storage.DialectFor(cfg.Database.Driver)
//
// Dialect covers the few statements that differ, such as row locks.
//
// Migrations are versioned and recorded in schema_migrations; each one is
// idempotent so re-running Migrate is safe.
package storage
