package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/johnrirwin/keygate/internal/apierror"
	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/logging"
)

// Response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Middleware applies a Limiter to HTTP requests.
type Middleware struct {
	limiter *Limiter
	logger  *logging.Logger
}

func NewMiddleware(limiter *Limiter, logger *logging.Logger) *Middleware {
	if logger == nil {
		logger = logging.Default()
	}
	return &Middleware{limiter: limiter, logger: logger.Named("ratelimit")}
}

// SubjectFromRequest builds the Subject from the authenticated principal, if
// any, and the client address.
func SubjectFromRequest(r *http.Request) Subject {
	subject := Subject{ClientIP: ClientIP(r)}
	if p := auth.GetPrincipal(r.Context()); p != nil {
		subject.PrincipalID = p.ID
		subject.Quota = p.Quota
	}
	return subject
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := m.limiter.Check(r.Context(), SubjectFromRequest(r))
		if err != nil {
			if d, ok := IsExceeded(err); ok {
				WriteExceeded(w, d)
				return
			}
			if errors.Is(err, ErrStoreUnavailable) {
				apierror.Write(w, http.StatusServiceUnavailable, apierror.New(
					apierror.TypeServiceUnavailable, apierror.CodeRateLimitUnavailable,
					"Rate limiting is temporarily unavailable. Please retry shortly."))
				return
			}
			m.logger.Error("Unexpected rate limit error", logging.WithError(err))
			apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
			return
		}

		SetHeaders(w, decision)
		next.ServeHTTP(w, r)
	})
}

// SetHeaders writes the X-RateLimit-* headers for d. Nothing is written
// when no window applied.
func SetHeaders(w http.ResponseWriter, d *Decision) {
	if d == nil || len(d.Results) == 0 {
		return
	}
	h := w.Header()
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetUnix(), 10))
}

// WriteExceeded sends the 429 response for a rejecting decision.
func WriteExceeded(w http.ResponseWriter, d *Decision) {
	SetHeaders(w, d)
	retryAfter := d.RetryAfterSeconds()
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))
	apierror.Write(w, http.StatusTooManyRequests, apierror.New(
		apierror.TypeRateLimitExceeded, apierror.CodeRateLimitExceeded,
		fmt.Sprintf("Rate limit exceeded. Please try again in %d seconds.", retryAfter)))
}
