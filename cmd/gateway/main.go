// The gateway binary terminates client HTTP and WebSocket traffic at
// the platform edge: it authenticates requests, applies quotas,
// negotiates API versions and forwards to the backend services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/studyhive/edge/internal/authsvc"
	"github.com/studyhive/edge/internal/broadcast"
	"github.com/studyhive/edge/internal/cache"
	"github.com/studyhive/edge/internal/circuitbreaker"
	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/gateway"
	"github.com/studyhive/edge/internal/metrics"
	"github.com/studyhive/edge/internal/proxy"
	"github.com/studyhive/edge/internal/ratelimit"
	"github.com/studyhive/edge/internal/trust"
)

// Exit codes: 0 clean stop, 1 bad configuration, 2 required dependency
// unreachable at startup, 3 runtime failure.
const (
	exitConfig     = 1
	exitDependency = 2
	exitRuntime    = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", "error", err)
		code := exitRuntime
		var xe *exitError
		if errors.As(err, &xe) {
			code = xe.code
		}
		os.Exit(code)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/gateway.yaml", "gateway config file")
	flag.Parse()

	manager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		return fail(exitConfig, err)
	}
	cfg := manager.Current()

	log := cfg.Log.Logger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCache(cfg.Cache, log)
	if err != nil {
		return fail(exitDependency, err)
	}
	defer c.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewGateway(reg)

	revocations := trust.NewRevocationSet(c)
	verifier, err := trust.NewVerifier(trust.Config{
		HMACSecret:       cfg.Auth.HMACSecret,
		RSAPublicKeyFile: cfg.Auth.RSAPublicKeyFile,
		Leeway:           cfg.Auth.Leeway.Std(),
	}, revocations, log)
	if err != nil {
		return fail(exitConfig, fmt.Errorf("trust: %w", err))
	}
	var signer *trust.Signer
	if cfg.Auth.HMACSecret != "" {
		signer = trust.NewSigner(cfg.Auth.HMACSecret, cfg.Auth.AccessTokenTTL.Std())
	}

	limiter := ratelimit.New(c, cfg.RateLimit, cfg.Auth.BypassRole, m, log)
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(),
		func(name string, _, to circuitbreaker.State) {
			m.RecordBreakerState(name, int(to), to.String())
		}, log)
	forwarder := proxy.NewForwarder(cfg.Proxy, breakers, m, log)
	hub := broadcast.NewHub(cfg.Broadcast, c, m, log)
	auth := authsvc.New(verifier, revocations, signer, cfg.Auth.MaxTokenTTL.Std(), log)

	gw, err := gateway.New(cfg, gateway.Deps{
		Verifier:  verifier,
		Auth:      auth,
		Limiter:   limiter,
		Forwarder: forwarder,
		Hub:       hub,
		Metrics:   m,
		Gatherer:  reg,
		Log:       log,
	})
	if err != nil {
		return fail(exitConfig, err)
	}

	manager.OnReload(func(next *config.Config) {
		if err := gw.Reload(next); err != nil {
			log.Error("reload rejected, previous routing stays live", "error", err)
		}
	})
	manager.WatchHUP(ctx)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("gateway listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return hub.Run(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return fail(exitRuntime, err)
	}
	log.Info("gateway stopped")
	return nil
}

// buildCache selects Redis when configured; the in-memory cache keeps
// single-node deployments and local runs working without one.
func buildCache(cfg config.CacheConfig, log *slog.Logger) (cache.Cache, error) {
	if cfg.Backend == "" || cfg.Backend == "memory" {
		log.Warn("using in-process cache; quotas and revocations are per-instance")
		return cache.NewMemory(), nil
	}
	return cache.NewRedis(cache.RedisConfig{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		PoolSize:  cfg.PoolSize,
		KeyPrefix: cfg.KeyPrefix,
	}, log)
}
