// Package grpcapi serves keygate's gRPC endpoint. Calls pass through the same
// API key validation and rate limiting as the HTTP API, except for the
// methods a GuardConfig exempts.
package grpcapi

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/ratelimit"
)

// GuardConfig lists full method prefixes that get lighter treatment.
type GuardConfig struct {
	// Public methods skip authentication and rate limiting.
	Public []string
	// Unmetered methods are authenticated but not rate limited.
	Unmetered []string
}

// DefaultGuardConfig leaves the health service public and lets callers read
// their rate limit status without spending a request.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Public:    []string{HealthMethodPrefix},
		Unmetered: []string{RateLimitStatusMethod},
	}
}

// Guard authenticates and rate limits gRPC calls.
type Guard struct {
	validator *auth.Validator
	limiter   *ratelimit.Limiter
	cfg       GuardConfig
	logger    *logging.Logger
}

// NewGuard builds a Guard. limiter may be nil to skip rate limiting.
func NewGuard(validator *auth.Validator, limiter *ratelimit.Limiter, cfg GuardConfig, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.Default()
	}
	return &Guard{validator: validator, limiter: limiter, cfg: cfg, logger: logger.Named("grpc")}
}

func hasPrefix(fullMethod string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(fullMethod, prefix) {
			return true
		}
	}
	return false
}

// admit runs validation and rate limiting and returns the context carrying
// the principal.
func (g *Guard) admit(ctx context.Context, fullMethod string) (context.Context, error) {
	if hasPrefix(fullMethod, g.cfg.Public) {
		return ctx, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	principal, err := g.validator.Validate(ctx, first(md, "authorization"))
	if err != nil {
		return ctx, g.authStatus(fullMethod, err)
	}
	ctx = auth.WithPrincipal(ctx, principal)

	if g.limiter == nil || hasPrefix(fullMethod, g.cfg.Unmetered) {
		return ctx, nil
	}

	subject := ratelimit.Subject{
		PrincipalID: principal.ID,
		ClientIP:    clientIP(ctx, md),
		Quota:       principal.Quota,
	}
	decision, err := g.limiter.Check(ctx, subject)
	if err != nil {
		if d, ok := ratelimit.IsExceeded(err); ok {
			_ = grpc.SetTrailer(ctx, rateLimitMD(d, true))
			return ctx, status.Errorf(codes.ResourceExhausted,
				"rate limit exceeded, retry in %d seconds", d.RetryAfterSeconds())
		}
		if errors.Is(err, ratelimit.ErrStoreUnavailable) {
			return ctx, status.Error(codes.Unavailable, "rate limiting temporarily unavailable")
		}
		g.logger.Error("Unexpected rate limit error", logging.WithError(err))
		return ctx, status.Error(codes.Internal, "internal error")
	}
	if len(decision.Results) > 0 {
		_ = grpc.SetHeader(ctx, rateLimitMD(decision, false))
	}
	return ctx, nil
}

func (g *Guard) authStatus(method string, err error) error {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return status.Error(codes.Unauthenticated, "missing api key")
	case errors.Is(err, auth.ErrInvalidCredential):
		return status.Error(codes.Unauthenticated, "invalid api key")
	default:
		g.logger.Error("Authentication store failure",
			logging.WithField("method", method),
			logging.WithError(err),
		)
		return status.Error(codes.Internal, "internal server error during authentication")
	}
}

// UnaryServerInterceptor applies the guard and logs each call.
func (g *Guard) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		ctx, err := g.admit(ctx, info.FullMethod)
		if err != nil {
			g.logCall(info.FullMethod, start, err)
			return nil, err
		}
		resp, err := handler(ctx, req)
		g.logCall(info.FullMethod, start, err)
		return resp, err
	}
}

// StreamServerInterceptor applies the guard once, when the stream opens.
func (g *Guard) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		ctx, err := g.admit(ss.Context(), info.FullMethod)
		if err != nil {
			g.logCall(info.FullMethod, start, err)
			return err
		}
		err = handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
		g.logCall(info.FullMethod, start, err)
		return err
	}
}

func (g *Guard) logCall(method string, start time.Time, err error) {
	fields := logging.WithFields(map[string]interface{}{
		"method":     method,
		"durationMs": time.Since(start).Milliseconds(),
		"code":       status.Code(err).String(),
	})
	if err != nil && status.Code(err) == codes.Internal {
		g.logger.Error("grpc request error", fields)
		return
	}
	g.logger.Debug("grpc request", fields)
}

type guardedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *guardedStream) Context() context.Context {
	return s.ctx
}

func rateLimitMD(d *ratelimit.Decision, rejected bool) metadata.MD {
	md := metadata.Pairs(
		"x-ratelimit-limit", strconv.FormatInt(d.Limit, 10),
		"x-ratelimit-remaining", strconv.FormatInt(d.Remaining, 10),
		"x-ratelimit-reset", strconv.FormatInt(d.ResetUnix(), 10),
	)
	if rejected {
		md.Set("retry-after", strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
	return md
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// clientIP follows the HTTP precedence using metadata, then the peer address.
func clientIP(ctx context.Context, md metadata.MD) string {
	if ip := strings.TrimSpace(first(md, "cf-connecting-ip")); ip != "" {
		return ip
	}
	if xff := first(md, "x-forwarded-for"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		if ip = strings.TrimSpace(ip); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(first(md, "x-real-ip")); ip != "" {
		return ip
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return ""
}
