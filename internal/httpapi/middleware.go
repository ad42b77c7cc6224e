package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/johnrirwin/keygate/internal/apierror"
	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/models"
)

const HeaderRequestID = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "requestID"

// RequestIDFromContext returns the id assigned by the request ID middleware.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// requestID reuses a caller supplied UUID or assigns a new one, and echoes it
// in the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("Panic while handling request",
				logging.WithField("panic", fmt.Sprint(rec)),
				logging.WithField("path", r.URL.Path),
				logging.WithField("requestId", RequestIDFromContext(r.Context())),
				logging.WithField("stack", string(debug.Stack())),
			)
			apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// limitBody rejects declared oversize bodies up front and caps the rest.
func (s *Server) limitBody(next http.Handler) http.Handler {
	limit := s.deps.MaxBodyBytes
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			writeTooLarge(w, limit)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func writeTooLarge(w http.ResponseWriter, limit int64) {
	apierror.Write(w, http.StatusRequestEntityTooLarge, apierror.New(
		apierror.TypeInvalidRequest, apierror.CodeRequestTooLarge,
		fmt.Sprintf("Request body exceeds the %d byte limit.", limit)))
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// recordUsage writes a usage row for every request that reached it, once the
// response is complete. Write failures are logged and counted but never
// change the response.
func (s *Server) recordUsage(next http.Handler) http.Handler {
	if s.deps.Usage == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.deps.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		principal := auth.GetPrincipal(r.Context())
		if principal == nil {
			return
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		end := s.deps.Now()
		record := models.UsageRecord{
			PrincipalID: principal.ID,
			KeyID:       principal.KeyID,
			Method:      r.Method,
			Path:        r.URL.Path,
			StatusCode:  status,
			LatencyMs:   end.Sub(start).Milliseconds(),
			CreatedAt:   end,
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if err := s.deps.Usage.Record(ctx, record); err != nil {
			s.deps.Metrics.RecordUsageWriteError()
			s.logger.Warn("Failed to record usage",
				logging.WithField("principalId", principal.ID),
				logging.WithField("requestId", RequestIDFromContext(r.Context())),
				logging.WithError(err),
			)
		}
	})
}
