package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/caseguard/pkg/async"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// GrantSource resolves the flattened permission keys of a subject in a
// tenant from the relational store. An empty tenantID resolves system role
// grants only.
type GrantSource interface {
	ResolveGrantSet(ctx context.Context, subjectID, systemRole, tenantID string) ([]string, error)
}

// SubjectRoleSource resolves a subject's system role outside of a request,
// where no token claims are at hand
type SubjectRoleSource interface {
	SystemRole(ctx context.Context, subjectID string) (string, error)
}

// RebuilderConfig tunes grant set rebuilds
type RebuilderConfig struct {
	TTL          time.Duration // grant set TTL, 0 uses the store default
	Timeout      time.Duration
	Debounce     time.Duration // 0 disables debouncing
	DebounceSize int
}

// Rebuilder repopulates grant sets after cache misses. Concurrent rebuilds of
// the same (subject, tenant) pair share one repository round trip, and a pair
// is scheduled at most once per debounce window.
type Rebuilder struct {
	source  GrantSource
	roles   SubjectRoleSource
	store   entitlements.Store
	cfg     RebuilderConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	group singleflight.Group

	mu     sync.Mutex
	recent *expirable.LRU[string, struct{}]
}

// NewRebuilder creates a Rebuilder
func NewRebuilder(source GrantSource, store entitlements.Store, cfg RebuilderConfig, logger *observability.Logger, metrics *observability.Metrics) *Rebuilder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	r := &Rebuilder{
		source:  source,
		store:   store,
		cfg:     cfg,
		logger:  observability.Default(logger),
		metrics: metrics,
	}
	if cfg.Debounce > 0 {
		r.recent = expirable.NewLRU[string, struct{}](cfg.DebounceSize, nil, cfg.Debounce)
	}
	return r
}

// WithRoles enables RebuildSubject
func (r *Rebuilder) WithRoles(src SubjectRoleSource) *Rebuilder {
	r.roles = src
	return r
}

func rebuildKey(subjectID, tenantID string) string {
	return subjectID + ":" + entitlements.TenantKey(tenantID)
}

// Schedule rebuilds the grant set in the background. It never blocks the caller.
func (r *Rebuilder) Schedule(identity *Identity, tenantID string) {
	if identity == nil {
		return
	}
	if !r.admit(rebuildKey(identity.SubjectID, tenantID)) {
		r.metrics.RecordRebuild("deduped")
		return
	}

	async.SafeGo(context.Background(), r.cfg.Timeout, "grant rebuild", r.logger, func(ctx context.Context) error {
		return r.Rebuild(ctx, identity, tenantID)
	})
}

func (r *Rebuilder) admit(key string) bool {
	if r.recent == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recent.Contains(key) {
		return false
	}
	r.recent.Add(key, struct{}{})
	return true
}

// Forget clears the debounce entry so the next miss rebuilds immediately
func (r *Rebuilder) Forget(subjectID, tenantID string) {
	if r.recent == nil {
		return
	}
	r.mu.Lock()
	r.recent.Remove(rebuildKey(subjectID, tenantID))
	r.mu.Unlock()
}

// Rebuild resolves and caches the grant set synchronously. The invalidation
// generation is read before the repository, and the result is discarded if
// an invalidation ran in between.
func (r *Rebuilder) Rebuild(ctx context.Context, identity *Identity, tenantID string) error {
	key := rebuildKey(identity.SubjectID, tenantID)

	gen, err := r.store.GrantGeneration(ctx, identity.SubjectID, tenantID)
	if err != nil {
		r.metrics.RecordRebuild("error")
		r.Forget(identity.SubjectID, tenantID)
		return err
	}

	// rebuilds under different generations never share a result
	written, err, shared := r.group.Do(key+"@"+gen.String(), func() (interface{}, error) {
		keys, err := r.source.ResolveGrantSet(ctx, identity.SubjectID, identity.Role, tenantID)
		if err != nil {
			return false, fmt.Errorf("failed to resolve grant set: %w", err)
		}
		ok, err := r.store.SetGrantSetIfCurrent(ctx, identity.SubjectID, tenantID, keys, r.cfg.TTL, gen)
		if err != nil {
			return false, fmt.Errorf("failed to cache grant set: %w", err)
		}
		return ok, nil
	})

	switch {
	case err != nil:
		r.metrics.RecordRebuild("error")
		r.Forget(identity.SubjectID, tenantID)
		return err
	case shared:
		r.metrics.RecordRebuild("deduped")
	case !written.(bool):
		r.metrics.RecordRebuild("stale")
		r.Forget(identity.SubjectID, tenantID)
		r.logger.WithField("key", key).Debug("grant set invalidated during rebuild, result discarded")
	default:
		r.metrics.RecordRebuild("ok")
		r.logger.WithField("key", key).Debug("grant set rebuilt")
	}
	return nil
}

// RebuildSubject rebuilds the grant set of a pair whose assignments changed,
// looking up the subject's system role first
func (r *Rebuilder) RebuildSubject(ctx context.Context, subjectID, tenantID string) error {
	if r.roles == nil {
		return fmt.Errorf("no subject role source configured")
	}
	role, err := r.roles.SystemRole(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("failed to resolve system role: %w", err)
	}
	return r.Rebuild(ctx, &Identity{SubjectID: subjectID, Role: role, TenantID: tenantID}, tenantID)
}
