package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/cache"
	"github.com/johnrirwin/keygate/internal/config"
	"github.com/johnrirwin/keygate/internal/database"
	"github.com/johnrirwin/keygate/internal/grpcapi"
	"github.com/johnrirwin/keygate/internal/httpapi"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/metrics"
	"github.com/johnrirwin/keygate/internal/ratelimit"
	"github.com/johnrirwin/keygate/internal/tracing"
)

// ServeCmd runs the gateway until SIGINT or SIGTERM.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer flush(logger, "tracing", shutdownTracing)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		if m, err = metrics.New(); err != nil {
			return err
		}
		defer flush(logger, "metrics", m.Shutdown)
	}

	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	store, closeStore, err := newCounterStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	keys := database.NewAPIKeyStore(db)

	validatorCfg := auth.ValidatorConfig{TouchMode: cfg.Auth.TouchMode, StoreTimeout: cfg.Auth.StoreTimeout}
	limiterCfg := ratelimit.Config{
		Windows:      cfg.RateLimit.Windows,
		Grace:        cfg.RateLimit.Grace,
		StoreTimeout: cfg.RateLimit.StoreTimeout,
	}
	if m != nil {
		validatorCfg.Recorder = m
		limiterCfg.Recorder = m
	}
	validator := auth.NewValidator(keys, validatorCfg, logger)
	defer validator.Wait()

	limiter, err := ratelimit.New(store, limiterCfg, logger)
	if err != nil {
		return err
	}
	var ipLimiter *ratelimit.Limiter
	if len(cfg.RateLimit.IPWindows) > 0 {
		ipCfg := limiterCfg
		ipCfg.Windows = cfg.RateLimit.IPWindows
		if ipLimiter, err = ratelimit.New(store, ipCfg, logger); err != nil {
			return err
		}
	}

	var tokens *auth.AdminTokens
	if cfg.Auth.AdminJWTSecret != "" {
		if tokens, err = auth.NewAdminTokens(cfg.Auth.AdminJWTSecret); err != nil {
			return err
		}
	}

	upstream, err := httpapi.NewUpstream(httpapi.UpstreamConfig{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.Upstream.APIKey == "" {
		logger.Warn("UPSTREAM_API_KEY is not set; upstream requests will be unauthenticated")
	}

	checks := []httpapi.HealthCheck{
		{Name: "database", Check: db.PingContext},
		{Name: "rate_limit_store", Check: store.Ping},
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Keys:         keys,
		Usage:        database.NewUsageStore(db),
		Auth:         auth.NewMiddleware(validator, tokens, logger),
		Limiter:      limiter,
		IPLimiter:    ipLimiter,
		Upstream:     upstream,
		Checks:       checks,
		Metrics:      m,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Environment:  cfg.Environment,
		Version:      cfg.Tracing.Version,
	})

	var handler http.Handler = router
	if m != nil && cfg.Metrics.Addr == "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/", router)
		handler = mux
	}

	servers := []*http.Server{newHTTPServer(cfg.Server.HTTPAddr, handler)}
	if m != nil && cfg.Metrics.Addr != "" {
		servers = append(servers, newHTTPServer(cfg.Metrics.Addr, m.Handler()))
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("HTTP server listening", logging.WithField("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	var grpcServer *grpcapi.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		guard := grpcapi.NewGuard(validator, limiter, grpcapi.DefaultGuardConfig(), logger)
		grpcServer = grpcapi.NewServer(guard, map[string]grpcapi.Checker{
			"database":         db.PingContext,
			"rate_limit_store": store.Ping,
		}, logger)

		g.Go(func() error {
			grpcServer.WatchHealth(gctx)
			return nil
		})
		g.Go(func() error {
			logger.Info("gRPC server listening", logging.WithField("addr", cfg.Server.GRPCAddr))
			return grpcServer.Serve(lis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP shutdown failed", logging.WithField("addr", srv.Addr), logging.WithError(err))
			}
		}
		if grpcServer != nil {
			grpcServer.Shutdown()
		}
		return nil
	})

	logger.Info("keygate started",
		logging.WithField("environment", cfg.Environment),
		logging.WithField("cache", cfg.Cache.Backend),
		logging.WithField("windows", len(cfg.RateLimit.Windows)),
	)

	return g.Wait()
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// newCounterStore returns the rate limit store for the configured backend
// and its cleanup func.
func newCounterStore(ctx context.Context, cfg config.Config) (ratelimit.Store, func(), error) {
	if cfg.Cache.Backend != config.CacheRedis {
		counters := cache.New()
		return ratelimit.NewMemoryStore(counters), counters.Stop, nil
	}

	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func newRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Cache.RedisAddr, err)
	}
	return client, nil
}

// flush runs a shutdown hook with a short deadline and logs any failure.
func flush(logger *logging.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("Shutdown hook failed", logging.WithField("component", name), logging.WithError(err))
	}
}
