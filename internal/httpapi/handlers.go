package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"parcela.org/internal/audit"
	"parcela.org/internal/auth"
	"parcela.org/internal/authz"
	"parcela.org/internal/obs"
	"parcela.org/internal/roles"
	"parcela.org/internal/workflow"
)

const serviceName = "parcela-api"

// ReadinessChecker reports whether dependencies can serve traffic.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database. A nil DB (in-memory mode) is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services behind the HTTP API. All but Ready and Logger are required.
type Deps struct {
	Tokens    *auth.Issuer
	Authz     *authz.Service
	Roles     *roles.Service
	Workflows *workflow.Service
	Audit     *audit.Recorder
	Ready     ReadinessChecker
	Logger    *zap.SugaredLogger
}

// API is the HTTP layer.
type API struct {
	tokens    *auth.Issuer
	authz     *authz.Service
	roles     *roles.Service
	workflows *workflow.Service
	recorder  *audit.Recorder
	ready     ReadinessChecker
	log       *zap.SugaredLogger
	version   string

	ratePerSec     float64
	rateBurst      int
	maxBodyBytes   int64
	allowedOrigins []string
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket. A zero rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithAllowedOrigins extends the CORS allow list beyond localhost.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) {
		a.allowedOrigins = append(a.allowedOrigins, origins...)
	}
}

func New(d Deps, version string, opts ...Option) (*API, error) {
	switch {
	case d.Tokens == nil:
		return nil, errors.New("httpapi: token issuer is required")
	case d.Authz == nil:
		return nil, errors.New("httpapi: authz service is required")
	case d.Roles == nil:
		return nil, errors.New("httpapi: roles service is required")
	case d.Workflows == nil:
		return nil, errors.New("httpapi: workflow service is required")
	case d.Audit == nil:
		return nil, errors.New("httpapi: audit recorder is required")
	}
	a := &API{
		tokens:       d.Tokens,
		authz:        d.Authz,
		roles:        d.Roles,
		workflows:    d.Workflows,
		recorder:     d.Audit,
		ready:        d.Ready,
		log:          d.Logger,
		version:      version,
		ratePerSec:   50,
		rateBurst:    100,
		maxBodyBytes: 1 << 20,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.log == nil {
		a.log = zap.NewNop().Sugar()
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handler builds the router with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestContext,
		AccessLog(a.log),
		obs.Instrument,
		middleware.Recoverer,
		SecurityHeaders,
		CORS(a.allowedOrigins...),
		func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBodyBytes) },
	)
	if a.ratePerSec > 0 {
		r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(a.withAuth)

		v1.Get("/me", a.me)
		v1.Get("/permissions", a.listPermissions)

		v1.Route("/roles", func(rr chi.Router) {
			rr.Get("/", a.listRoles)
			rr.Post("/", a.createRole)
			rr.Get("/stats", a.roleStats)
			rr.Get("/{id}", a.getRole)
			rr.Put("/{id}", a.updateRole)
			rr.Delete("/{id}", a.deleteRole)
		})
		v1.Put("/actors/{id}/role", a.assignRole)

		v1.Route("/workflows", func(wr chi.Router) {
			wr.Get("/", a.listWorkflows)
			wr.Post("/", a.createWorkflow)
			wr.Get("/pending", a.listPending)
			wr.Get("/mine", a.listMine)
			wr.Get("/counts", a.statusCounts)
			wr.Get("/{id}", a.getWorkflow)
			wr.Post("/{id}/decision", a.decideWorkflow)
			wr.Post("/{id}/cancel", a.cancelWorkflow)
		})
		v1.Get("/targets/{id}/history", a.targetHistory)

		v1.Get("/audit", a.listAudit)
		v1.Post("/audit", a.recordAudit)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.log.Warnw("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

type meResponse struct {
	Principal  authz.Principal `json:"principal"`
	Privileged bool            `json:"privileged"`
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Principal: p, Privileged: p.IsPrivileged()})
}

// recordAuditEvent appends an audit entry for a completed request. Failures
// are logged and do not fail the request.
func (a *API) recordAuditEvent(ctx context.Context, action audit.Action, entityType, entityID string, metadata map[string]string) {
	p, _ := authz.PrincipalFromContext(ctx)
	if _, err := a.recorder.Record(ctx, audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    p.ActorID,
		Metadata:   metadata,
	}); err != nil {
		a.log.Warnw("audit record failed", "action", action, "entity_type", entityType, "entity_id", entityID, "error", err)
	}
}
