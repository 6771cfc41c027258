// Package audit records who changed what. Emission is fire-and-forget:
// LogEvent never returns an error and never blocks on the database, so an
// audit outage cannot fail a business operation.
//
//	emitter := audit.NewAsyncEmitter(ctx, audit.NewSQLStore(db), audit.EmitterConfig{}, logger, metrics)
//	defer emitter.Close(5 * time.Second)
//
//	emitter.LogEvent(ctx, audit.Event{
//	    SubjectID:  actor.SubjectID,
//	    TenantID:   tenantID,
//	    Module:     "roles",
//	    Action:     "delete_role",
//	    EntityType: "role",
//	    EntityID:   roleID,
//	})
//
// Operations whose authz.Requirement carries an AuditSpec are also recorded
// by Middleware after a 2xx response.
package audit
