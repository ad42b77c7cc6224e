package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/johnrirwin/keygate/internal/logging"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
}

type healthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	RequestID   string                 `json:"request_id,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Version     string                 `json:"version"`
	Checks      map[string]checkResult `json:"checks"`
}

type detailedHealthResponse struct {
	healthResponse
	UptimeSeconds  int64                  `json:"uptime_seconds"`
	ResponseTimeMs int64                  `json:"response_time_ms"`
	Runtime        map[string]interface{} `json:"runtime"`
	Configuration  map[string]interface{} `json:"configuration"`
}

// runChecks probes every dependency. Healthy means every check passed.
func (s *Server) runChecks(ctx context.Context) (healthResponse, bool) {
	resp := healthResponse{
		Status:      "healthy",
		Timestamp:   s.deps.Now().UTC(),
		RequestID:   RequestIDFromContext(ctx),
		Environment: s.deps.Environment,
		Version:     s.deps.Version,
		Checks:      make(map[string]checkResult, len(s.deps.Checks)),
	}

	healthy := true
	for _, hc := range s.deps.Checks {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		start := time.Now()
		err := hc.Check(checkCtx)
		cancel()

		result := checkResult{Status: "connected", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			healthy = false
			result.Status = "error"
			s.logger.Warn("Health check failed", logging.WithField("check", hc.Name), logging.WithError(err))
		}
		resp.Checks[hc.Name] = result
	}
	if !healthy {
		resp.Status = "degraded"
	}
	return resp, healthy
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, healthy := s.runChecks(r.Context())
	writeJSON(w, healthStatus(healthy), resp)
}

// handleHealthDetailed handles GET /health/detailed
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp, healthy := s.runChecks(r.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	windows := []string{}
	if s.deps.Limiter != nil {
		for _, win := range s.deps.Limiter.Windows() {
			windows = append(windows, win.Name)
		}
	}

	writeJSON(w, healthStatus(healthy), detailedHealthResponse{
		healthResponse: resp,
		UptimeSeconds:  int64(s.deps.Now().Sub(s.started).Seconds()),
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Runtime: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"heap_alloc": mem.HeapAlloc,
			"go_version": runtime.Version(),
		},
		Configuration: map[string]interface{}{
			"log_level":          string(s.deps.Logger.Level()),
			"rate_limit_windows": windows,
			"ip_rate_limited":    s.deps.IPLimiter != nil,
			"max_body_bytes":     s.deps.MaxBodyBytes,
		},
	})
}

func healthStatus(healthy bool) int {
	if healthy {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
