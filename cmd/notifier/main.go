// The notifier binary runs the notification plane: it accepts delivery
// requests over HTTP, renders templates, applies recipient preferences
// and fans messages out through the durable broker, with a digest
// scheduler batching the quiet hours.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/studyhive/edge/internal/cache"
	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/metrics"
	"github.com/studyhive/edge/internal/notify"
	"github.com/studyhive/edge/internal/producer"
	"github.com/studyhive/edge/internal/templates"
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
		slog.Error("notifier exited", "error", err)
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

	configPath := flag.String("config", "configs/notifier.yaml", "notifier config file")
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

	reg := prometheus.NewRegistry()
	m := metrics.NewNotifier(reg)

	store, db, err := buildStore(ctx, cfg.Store, log)
	if err != nil {
		return fail(exitDependency, err)
	}
	defer store.Close()

	var tplStore templates.Store
	if db != nil {
		ps := templates.NewPostgresStore(db)
		if err := ps.EnsureSchema(ctx); err != nil {
			return fail(exitDependency, err)
		}
		tplStore = ps
	} else {
		tplStore = templates.NewMemoryStore()
	}
	tplSvc, err := templates.NewService(ctx, tplStore, cfg.Templates, m, log)
	if err != nil {
		return fail(exitConfig, fmt.Errorf("templates: %w", err))
	}
	if cfg.Templates.SeedFile != "" {
		tpls, err := templates.LoadSeedFile(cfg.Templates.SeedFile)
		if err != nil {
			return fail(exitConfig, err)
		}
		if err := tplSvc.Seed(ctx, tpls); err != nil {
			return fail(exitDependency, err)
		}
	}

	var transport producer.Transport
	if cfg.Producer.URL != "" {
		amqp, err := producer.DialAMQP(cfg.Producer, log)
		if err != nil {
			return fail(exitDependency, err)
		}
		transport = amqp
	} else {
		log.Warn("no amqp url configured; using the in-process broker")
		transport = producer.NewMemoryTransport()
	}
	prod := producer.New(transport, cfg.Producer, m, log)
	defer prod.Close()

	svc := notify.NewService(store, tplSvc, prod, cfg.Notify, m, log)
	scheduler := notify.NewDigestScheduler(svc, cfg.Notify.DigestInterval.Std(), log)

	// Direct token verification is optional; deployments behind the
	// gateway rely on the forwarded identity headers instead.
	var verifier *trust.Verifier
	if cfg.Auth.HMACSecret != "" || cfg.Auth.RSAPublicKeyFile != "" {
		c, err := buildCache(cfg.Cache, log)
		if err != nil {
			return fail(exitDependency, err)
		}
		defer c.Close()
		verifier, err = trust.NewVerifier(trust.Config{
			HMACSecret:       cfg.Auth.HMACSecret,
			RSAPublicKeyFile: cfg.Auth.RSAPublicKeyFile,
			Leeway:           cfg.Auth.Leeway.Std(),
		}, trust.NewRevocationSet(c), log)
		if err != nil {
			return fail(exitConfig, fmt.Errorf("trust: %w", err))
		}
	}

	router := notify.NewRouter(
		notify.NewHandlers(svc, log),
		templates.NewHandlers(tplSvc, log),
		verifier,
		m,
		reg,
		log,
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("notifier listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return scheduler.Run(gctx)
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
	log.Info("notifier stopped")
	return nil
}

// buildStore opens Postgres when a DSN is configured and falls back to
// the in-memory store otherwise. The *sql.DB is shared with the
// template store when present.
func buildStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (notify.Store, *sql.DB, error) {
	if cfg.DSN == "" {
		log.Warn("no postgres dsn configured; notifications are not durable")
		return notify.NewMemoryStore(), nil, nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}

	store := notify.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, db, nil
}

func buildCache(cfg config.CacheConfig, log *slog.Logger) (cache.Cache, error) {
	if cfg.Backend == "" || cfg.Backend == "memory" {
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
