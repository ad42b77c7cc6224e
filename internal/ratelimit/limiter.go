package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/johnrirwin/keygate/internal/logging"
)

const (
	tracerName = "github.com/johnrirwin/keygate/internal/ratelimit"

	// DefaultKeyPrefix starts every counter key.
	DefaultKeyPrefix = "rate_limit"
	// DefaultGrace keeps counters a little past their window so replicas
	// with skewed clocks still see them.
	DefaultGrace = 10 * time.Second

	// UnknownSubject is the shared bucket for requests with no address.
	UnknownSubject = "unknown"
)

// Subject identifies who a request is counted against.
type Subject struct {
	PrincipalID string
	ClientIP    string
	// Quota is the principal's quota_per_window; 0 means none.
	Quota int64
}

func (s Subject) id(scope Scope) string {
	if scope == ScopePrincipal && s.PrincipalID != "" {
		return s.PrincipalID
	}
	if s.ClientIP != "" {
		return s.ClientIP
	}
	return UnknownSubject
}

// keyScope labels counter keys. Anonymous requests on principal windows get
// their own label so an address never collides with a principal id or with
// an ip window of the same duration.
func (s Subject) keyScope(scope Scope) string {
	if scope == ScopePrincipal && s.PrincipalID == "" {
		return "anon"
	}
	return string(scope)
}

// Recorder receives limiter events, typically for metrics.
type Recorder interface {
	RecordRateLimit(window string, allowed bool)
	RecordRateLimitStoreError(window string)
}

type Config struct {
	Windows      []Window
	KeyPrefix    string
	Grace        time.Duration
	StoreTimeout time.Duration
	Recorder     Recorder
	Now          func() time.Time
}

// Limiter evaluates a chain of fixed windows against a Store.
type Limiter struct {
	store  Store
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer
}

func New(store Store, cfg Config, logger *logging.Logger) (*Limiter, error) {
	if err := ValidateWindows(cfg.Windows); err != nil {
		return nil, err
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("ratelimit"),
		tracer: otel.Tracer(tracerName),
	}, nil
}

func (l *Limiter) Windows() []Window {
	return append([]Window(nil), l.cfg.Windows...)
}

// Store exposes the counter store for health checks.
func (l *Limiter) Store() Store {
	return l.store
}

func (l *Limiter) key(w Window, subject Subject, index int64) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d",
		l.cfg.KeyPrefix, subject.keyScope(w.Scope), subject.id(w.Scope), w.Duration.Milliseconds(), index)
}

// Check consumes one request from every window in order. The first window at
// its ceiling rejects with an *ExceededError and later windows are not
// touched. Store failures admit on fail-open windows and return
// ErrStoreUnavailable on fail-closed ones.
func (l *Limiter) Check(ctx context.Context, subject Subject) (*Decision, error) {
	ctx, span := l.tracer.Start(ctx, "ratelimit.check")
	defer span.End()

	now := l.cfg.Now()
	decision := &Decision{Allowed: true, Results: make([]WindowResult, 0, len(l.cfg.Windows))}

	for _, w := range l.cfg.Windows {
		limit := w.limitFor(subject.Quota)
		index, resetMs := w.bounds(now)
		reset := time.UnixMilli(resetMs)
		key := l.key(w, subject, index)

		storeCtx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
		count, admitted, err := l.store.Take(storeCtx, key, limit, w.Duration+l.cfg.Grace)
		cancel()

		if err != nil {
			l.recordStoreError(w.Name)
			span.RecordError(err)
			if w.FailPolicy == FailClosed {
				l.logger.Error("Rate limit store unavailable, rejecting",
					logging.WithField("window", w.Name),
					logging.WithError(err),
				)
				decision.Allowed = false
				decision.Window = w.Name
				return decision, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			l.logger.Warn("Rate limit store unavailable, admitting",
				logging.WithField("window", w.Name),
				logging.WithError(err),
			)
			decision.Results = append(decision.Results, WindowResult{
				Window: w.Name, Limit: limit, Remaining: limit, Reset: reset, Degraded: true,
			})
			continue
		}

		if !admitted {
			l.record(w.Name, false)
			decision.Allowed = false
			decision.Window = w.Name
			decision.Limit = limit
			decision.Remaining = 0
			decision.Reset = reset
			decision.RetryAfter = time.Duration(resetMs-now.UnixMilli()) * time.Millisecond
			decision.Results = append(decision.Results, WindowResult{
				Window: w.Name, Limit: limit, Remaining: 0, Used: count, Reset: reset,
			})
			span.SetAttributes(
				attribute.Bool("ratelimit.allowed", false),
				attribute.String("ratelimit.window", w.Name),
			)
			return decision, &ExceededError{Decision: decision}
		}

		l.record(w.Name, true)
		decision.Results = append(decision.Results, WindowResult{
			Window: w.Name, Limit: limit, Remaining: nonNegative(limit - count), Used: count, Reset: reset,
		})
	}

	l.applyMostRestrictive(decision)
	span.SetAttributes(attribute.Bool("ratelimit.allowed", true))
	return decision, nil
}

// Status reports every window without consuming. Any store error is
// returned wrapped in ErrStoreUnavailable.
func (l *Limiter) Status(ctx context.Context, subject Subject) (*Decision, error) {
	now := l.cfg.Now()
	decision := &Decision{Allowed: true, Results: make([]WindowResult, 0, len(l.cfg.Windows))}

	for _, w := range l.cfg.Windows {
		limit := w.limitFor(subject.Quota)
		index, resetMs := w.bounds(now)

		storeCtx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
		count, err := l.store.Peek(storeCtx, l.key(w, subject, index))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		remaining := nonNegative(limit - count)
		if remaining == 0 {
			decision.Allowed = false
		}
		decision.Results = append(decision.Results, WindowResult{
			Window: w.Name, Limit: limit, Remaining: remaining, Used: count, Reset: time.UnixMilli(resetMs),
		})
	}

	l.applyMostRestrictive(decision)
	if !decision.Allowed {
		decision.RetryAfter = decision.Reset.Sub(now)
	}
	return decision, nil
}

// applyMostRestrictive copies the result with the fewest remaining requests
// into the decision headline. Ties go to the earlier window in the chain.
func (l *Limiter) applyMostRestrictive(d *Decision) {
	for i, r := range d.Results {
		if i == 0 || r.Remaining < d.Remaining {
			d.Window = r.Window
			d.Limit = r.Limit
			d.Remaining = r.Remaining
			d.Reset = r.Reset
		}
	}
}

func (l *Limiter) record(window string, allowed bool) {
	if l.cfg.Recorder != nil {
		l.cfg.Recorder.RecordRateLimit(window, allowed)
	}
}

func (l *Limiter) recordStoreError(window string) {
	if l.cfg.Recorder != nil {
		l.cfg.Recorder.RecordRateLimitStoreError(window)
	}
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// IsExceeded returns the rejecting decision if err is a rate limit rejection.
func IsExceeded(err error) (*Decision, bool) {
	var exceeded *ExceededError
	if errors.As(err, &exceeded) {
		return exceeded.Decision, true
	}
	return nil, false
}
