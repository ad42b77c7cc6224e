package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/johnrirwin/keygate/internal/apierror"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/models"
)

// Middleware guards HTTP handlers with API key or admin token checks.
type Middleware struct {
	validator *Validator
	tokens    *AdminTokens
	logger    *logging.Logger
}

// NewMiddleware builds the HTTP guards. tokens may be nil, in which case only
// API keys holding the admin permission reach admin routes.
func NewMiddleware(validator *Validator, tokens *AdminTokens, logger *logging.Logger) *Middleware {
	if logger == nil {
		logger = logging.Default()
	}
	return &Middleware{validator: validator, tokens: tokens, logger: logger.Named("auth")}
}

// RequireAPIKey authenticates the bearer key and attaches the principal.
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.validator.Validate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequirePermission rejects principals lacking perm. It must run after
// RequireAPIKey or RequireAdmin.
func (m *Middleware) RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				m.writeError(w, r, ErrMissingCredential)
				return
			}
			if !principal.HasPermission(perm) {
				m.writeError(w, r, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin accepts an operator token or an API key with the admin
// permission.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			m.writeError(w, r, err)
			return
		}

		var principal *Principal
		if m.tokens != nil && !strings.HasPrefix(raw, KeyPrefix) {
			claims, err := m.tokens.Verify(raw)
			if err != nil {
				m.logger.Debug("Admin token rejected", logging.WithError(err))
				m.writeError(w, r, ErrInvalidCredential)
				return
			}
			principal = claims.Principal()
		} else {
			principal, err = m.validator.ValidateKey(r.Context(), raw)
			if err != nil {
				m.writeError(w, r, err)
				return
			}
		}

		if !principal.HasPermission(models.PermissionAdmin) {
			m.writeError(w, r, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (m *Middleware) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := HTTPError(err)
	if status == http.StatusInternalServerError {
		m.logger.Error("Authentication store failure",
			logging.WithField("path", r.URL.Path),
			logging.WithError(err),
		)
	}
	apierror.Write(w, status, body)
}

// HTTPError maps an auth error to its status and response body. Store
// failures are reported as a generic 500; the cause stays in server logs.
func HTTPError(err error) (int, apierror.Error) {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return http.StatusUnauthorized, apierror.MissingAPIKey()
	case errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized, apierror.InvalidAPIKey()
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, apierror.New(apierror.TypePermission, apierror.CodeInsufficientPermissions,
			"Your API key does not have permission to access this resource.")
	default:
		return http.StatusInternalServerError, apierror.AuthError()
	}
}
