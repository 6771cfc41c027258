package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/auth"
	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/billing"
	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/middleware"
	"github.com/platinummonkey/caseguard/pkg/observability"
	"github.com/platinummonkey/caseguard/pkg/rbac"
)

// maxBodyBytes caps JSON request bodies
const maxBodyBytes = 1 << 20

// SessionManager runs the token lifecycle
type SessionManager interface {
	Refresh(ctx context.Context, rawRefresh string) (auth.TokenPair, error)
	VerifyMFA(ctx context.Context, identity *authz.Identity, code string) (auth.TokenPair, error)
	Logout(ctx context.Context, subjectID string) error
}

// RoleService manages roles and grants
type RoleService interface {
	CreateRole(ctx context.Context, actor *authz.Identity, tenantID, name, description string) (*rbac.Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]rbac.Role, error)
	GetRolePermissions(ctx context.Context, actor *authz.Identity, tenantID, roleID string) ([]rbac.Grant, error)
	GrantPermissions(ctx context.Context, actor *authz.Identity, tenantID, roleID string, keys []string) error
	AssignRole(ctx context.Context, actor *authz.Identity, tenantID, subjectID, roleID string) error
	RevokeRole(ctx context.Context, actor *authz.Identity, tenantID, subjectID, roleID string) error
	GetUserRoles(ctx context.Context, subjectID, tenantID string) ([]rbac.Role, error)
	DeleteRole(ctx context.Context, actor *authz.Identity, tenantID, roleID string) error
}

// BillingService manages plans and subscriptions
type BillingService interface {
	Plans(ctx context.Context) ([]billing.Plan, error)
	CreatePlan(ctx context.Context, actor *authz.Identity, plan *billing.Plan) (*billing.Plan, error)
	Current(ctx context.Context, tenantID string) (*billing.Subscription, error)
	Subscribe(ctx context.Context, actor *authz.Identity, tenantID, planID string) (*billing.Subscription, error)
	Cancel(ctx context.Context, actor *authz.Identity, tenantID, reason string) error
}

// CacheFlusher drops every cached grant set
type CacheFlusher interface {
	FlushPermissions(ctx context.Context) (int, error)
}

// Config wires the server's collaborators
type Config struct {
	Tokens   middleware.TokenVerifier
	Engine   middleware.Authorizer
	Table    *authz.Table
	Sessions SessionManager
	Roles    RoleService
	Billing  BillingService
	Cache    CacheFlusher
	Audit    audit.Emitter

	// RateLimiter guards token refresh and MFA verification; nil disables it
	RateLimiter *middleware.RateLimiter
	// Realtime serves /api/v1/ws when set
	Realtime http.Handler
	// Tracing wraps the router with otelhttp
	Tracing bool

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the caseguard HTTP API
type Server struct {
	cfg     Config
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// NewServer builds the router
func NewServer(cfg Config) *Server {
	if cfg.Audit == nil {
		cfg.Audit = audit.NopEmitter{}
	}
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		logger: observability.Default(cfg.Logger),
	}

	s.router.Use(
		httputil.Recovery(s.logger),
		middleware.RequestID(s.logger),
		middleware.Metrics(cfg.Metrics),
		middleware.Logging(),
	)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.setupRoutes()

	s.handler = s.router
	if cfg.Tracing {
		s.handler = otelhttp.NewHandler(s.router, "caseguard.api")
	}
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Auth routes
	s.route(v1, http.MethodPost, "/auth/refresh", authz.OpAuthRefresh, s.refresh, unauthenticated(), s.rateLimited())
	s.route(v1, http.MethodPost, "/auth/logout", authz.OpAuthLogout, s.logout)
	s.route(v1, http.MethodPost, "/auth/mfa/verify", authz.OpAuthMFAVerify, s.verifyMFA, s.rateLimited())

	// Role routes
	s.route(v1, http.MethodGet, "/roles", authz.OpRolesList, s.listRoles)
	s.route(v1, http.MethodPost, "/roles", authz.OpRolesCreate, s.createRole)
	s.route(v1, http.MethodPost, "/roles/grant", authz.OpRolesGrant, s.grantPermissions)
	s.route(v1, http.MethodPost, "/roles/assign", authz.OpRolesAssign, s.assignRole)
	s.route(v1, http.MethodPost, "/roles/revoke", authz.OpRolesRevoke, s.revokeRole)
	s.route(v1, http.MethodGet, "/roles/user/{userId}", authz.OpRolesUser, s.getUserRoles)
	s.route(v1, http.MethodGet, "/roles/{id}/permissions", authz.OpRolesPermissions, s.getRolePermissions)
	s.route(v1, http.MethodDelete, "/roles/{id}", authz.OpRolesDelete, s.deleteRole)

	// Subscription routes
	s.route(v1, http.MethodGet, "/subscription/plans", authz.OpSubscriptionPlans, s.listPlans)
	s.route(v1, http.MethodPost, "/subscription/plans", authz.OpSubscriptionCreate, s.createPlan)
	s.route(v1, http.MethodGet, "/subscription", authz.OpSubscriptionGet, s.getSubscription)
	s.route(v1, http.MethodPost, "/subscription", authz.OpSubscribe, s.subscribe)
	s.route(v1, http.MethodPost, "/subscription/cancel", authz.OpSubscriptionCancel, s.cancelSubscription)

	// Admin routes
	s.route(v1, http.MethodPost, "/admin/cache/flush", authz.OpCacheFlush, s.flushCache)

	// The websocket transport authenticates its own handshake
	if s.cfg.Realtime != nil {
		v1.Handle("/ws", s.cfg.Realtime).Methods(http.MethodGet)
	}
}

type routeOption struct {
	anonymous bool
	before    []func(http.Handler) http.Handler
}

// unauthenticated skips access token parsing. Token refresh presents a
// refresh token, which must not be mistaken for an expired access token.
func unauthenticated() routeOption { return routeOption{anonymous: true} }

func (s *Server) rateLimited() routeOption {
	if s.cfg.RateLimiter == nil {
		return routeOption{}
	}
	return routeOption{before: []func(http.Handler) http.Handler{s.cfg.RateLimiter.Handler}}
}

// route registers h for op behind the authorization pipeline
func (s *Server) route(r *mux.Router, method, path, op string, h http.HandlerFunc, opts ...routeOption) {
	anonymous := false
	var limiters []func(http.Handler) http.Handler
	for _, o := range opts {
		anonymous = anonymous || o.anonymous
		limiters = append(limiters, o.before...)
	}

	var chain []func(http.Handler) http.Handler
	if !anonymous {
		chain = append(chain, middleware.Authenticate(s.cfg.Tokens))
	}
	chain = append(chain, limiters...)
	chain = append(chain,
		middleware.Authorize(s.cfg.Engine, s.cfg.Table, op, s.logger),
		audit.Middleware(s.cfg.Audit, s.cfg.Table, op),
		httputil.MaxBytes(maxBodyBytes),
	)

	r.Handle(path, httputil.Chain(chain...)(h)).Methods(method)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the router for tests and route inspection
func (s *Server) Router() *mux.Router {
	return s.router
}
