// Package httpapi is keygate's HTTP surface: the authenticated, rate limited
// /v1 proxy routes, health endpoints and the key admin API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/johnrirwin/keygate/internal/apierror"
	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/metrics"
	"github.com/johnrirwin/keygate/internal/models"
	"github.com/johnrirwin/keygate/internal/ratelimit"
)

// Permissions checked on the /v1 routes.
const (
	PermissionChat  = "chat"
	PermissionUsage = "usage"
)

// KeyManager is the key storage the admin API needs.
type KeyManager interface {
	Create(ctx context.Context, params models.CreateAPIKeyParams, keyHash string) (*models.APIKey, error)
	GetByID(ctx context.Context, id string) (*models.APIKey, error)
	List(ctx context.Context, principalID string) ([]models.APIKey, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// UsageStore persists and summarizes proxied requests.
type UsageStore interface {
	Record(ctx context.Context, rec models.UsageRecord) error
	Summary(ctx context.Context, params models.UsageQueryParams) (*models.UsageSummary, error)
}

// Deps wires the router. Limiter, IPLimiter, Usage, Metrics and Upstream are
// optional.
type Deps struct {
	Keys      KeyManager
	Usage     UsageStore
	Auth      *auth.Middleware
	Limiter   *ratelimit.Limiter
	IPLimiter *ratelimit.Limiter
	Upstream  http.Handler
	Checks    []HealthCheck
	Metrics   *metrics.Metrics
	Logger    *logging.Logger

	MaxBodyBytes int64
	Environment  string
	Version      string
	Now          func() time.Time
}

// Server holds the handlers behind the router.
type Server struct {
	deps    Deps
	logger  *logging.Logger
	started time.Time
}

// NewRouter builds the chi router for every HTTP route.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := &Server{deps: deps, logger: deps.Logger.Named("http"), started: deps.Now()}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(securityHeaders)
	r.Use(deps.Metrics.Middleware)
	r.Use(s.limitBody)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierror.Write(w, http.StatusNotFound, apierror.NotFound())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierror.Write(w, http.StatusMethodNotAllowed, apierror.New(
			apierror.TypeInvalidRequest, apierror.CodeMethodNotAllowed, "Method Not Allowed"))
	})

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)

	upstream := deps.Upstream
	if upstream == nil {
		upstream = http.HandlerFunc(upstreamUnavailable)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(s.ipLimit).Get("/models", upstream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAPIKey)

			r.Get("/rate_limit", s.handleRateLimitStatus)
			r.With(deps.Auth.RequirePermission(PermissionUsage)).Get("/usage", s.handleUsage)
			r.With(
				deps.Auth.RequirePermission(PermissionChat),
				s.rateLimit,
				s.recordUsage,
			).Post("/chat/completions", upstream.ServeHTTP)
		})
	})

	if deps.Keys != nil {
		admin := NewAdminAPI(deps.Keys, deps.Logger)
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(deps.Auth.RequireAdmin)
			admin.RegisterRoutes(r)
		})
	}

	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "keygate",
		"version":     s.deps.Version,
		"environment": s.deps.Environment,
		"endpoints": map[string]string{
			"health":     "/health",
			"chat":       "/v1/chat/completions",
			"models":     "/v1/models",
			"usage":      "/v1/usage",
			"rate_limit": "/v1/rate_limit",
		},
	})
}

// rateLimit applies the principal window chain. It is a pass-through when no
// limiter is configured.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return ratelimit.NewMiddleware(s.deps.Limiter, s.deps.Logger).Handler(next)
}

// ipLimit applies the per-address windows on anonymous routes.
func (s *Server) ipLimit(next http.Handler) http.Handler {
	if s.deps.IPLimiter == nil {
		return next
	}
	return ratelimit.NewMiddleware(s.deps.IPLimiter, s.deps.Logger).Handler(next)
}

// handleRateLimitStatus handles GET /v1/rate_limit. It reports counters
// without consuming a request.
func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"object": "rate_limit", "windows": []ratelimit.WindowResult{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	decision, err := s.deps.Limiter.Status(ctx, ratelimit.SubjectFromRequest(r))
	if err != nil {
		s.logger.Error("Failed to read rate limit status", logging.WithError(err))
		apierror.Write(w, http.StatusServiceUnavailable, apierror.New(
			apierror.TypeServiceUnavailable, apierror.CodeRateLimitUnavailable,
			"Rate limit status is temporarily unavailable."))
		return
	}

	ratelimit.SetHeaders(w, decision)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object":    "rate_limit",
		"limit":     decision.Limit,
		"remaining": decision.Remaining,
		"reset":     decision.ResetUnix(),
		"windows":   decision.Results,
	})
}

func upstreamUnavailable(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, http.StatusBadGateway, apierror.New(
		apierror.TypeInternal, apierror.CodeUpstream, "No upstream is configured."))
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
