package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/statusboard/internal/app/migrate"
	"github.com/splax/statusboard/internal/catalog"
	httpx "github.com/splax/statusboard/internal/http"
	"github.com/splax/statusboard/internal/probe"
	"github.com/splax/statusboard/internal/repository"
	"github.com/splax/statusboard/internal/repository/file"
	"github.com/splax/statusboard/internal/repository/postgres"
	"github.com/splax/statusboard/internal/service/board"
	"github.com/splax/statusboard/internal/service/bootstrap"
	"github.com/splax/statusboard/internal/service/monitor"
	"github.com/splax/statusboard/internal/service/persist"
	"github.com/splax/statusboard/internal/telemetry"
	"github.com/splax/statusboard/internal/ws"
	"github.com/splax/statusboard/pkg/config"
	"github.com/splax/statusboard/pkg/logger"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.LoadBoardConfig()
	if err != nil {
		logger.New("statusboard", slog.LevelInfo).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New("statusboard", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fallback, err := openFallback(cfg, log)
	if err != nil {
		log.Error("failed to open fallback store", "backend", cfg.FallbackBackend, "error", err)
		os.Exit(1)
	}
	defer fallback.Close()

	var documents *postgres.Repository
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		runner, err := migrate.New(dsn, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		documents = postgres.New(pool)
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	loader := bootstrap.New(log,
		bootstrap.Remote(&http.Client{Timeout: cfg.ProbeTimeout}, strings.TrimSpace(cfg.RemoteSnapshotURL)),
		bootstrap.Fallback(fallback, cfg.FallbackKey),
	)
	initial, source := loader.Load(ctx)
	log.Info("catalog loaded", "source", source, "projects", len(initial.Projects))
	store := catalog.New(initial)

	fetcher := probe.NewHTTPFetcher(cfg.ProbeUserAgent)
	defer fetcher.Close()
	engine := probe.New(fetcher, log,
		probe.WithTimeouts(cfg.ProbeTimeout, cfg.OpaqueProbeTimeout),
		probe.WithObserver(metrics),
	)

	hub := ws.NewHub()
	defer hub.Close()

	var svc *board.Service
	coord := persist.New(store, persist.Options{
		Fallback:     fallback,
		FallbackKey:  cfg.FallbackKey,
		QuietPeriod:  cfg.SaveQuietPeriod,
		WatchHandles: cfg.WatchConnectedFile,
		Logger:       log,
		Observer:     metrics,
		OnWarning:    func(err error) { svc.PersistenceWarning(err) },
		OnReload:     func(source string) { svc.CatalogReloaded(source) },
	})
	svc = board.New(store, engine, coord, hub, log, board.Options{
		Concurrency:   cfg.ProbeConcurrency,
		RatePerSecond: float64(cfg.ProbeRatePerSecond),
		Fallback:      fallback,
	})

	var handles httpx.HandleFactory
	if root := strings.TrimSpace(cfg.ConnectRoot); root != "" {
		handles.File = func(path string) (repository.FileHandle, error) { return file.OpenWithin(root, path, log) }
	}
	if documents != nil {
		handles.Document = func(name string) (repository.FileHandle, error) { return documents.Handle(name) }
	}
	connectConfigured(ctx, svc, handles, cfg, log)

	if ctl := monitor.New(svc, cfg.RefreshInterval, log, monitor.WithMinSweep(engine.Budget())); ctl != nil {
		go ctl.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Config{
		Logger:      log,
		Board:       svc,
		Hub:         hub,
		Handles:     handles,
		Limiter:     limiter,
		Auth:        httpx.NewAuthenticator(cfg.JWTSecret, cfg.AdminPasswordHash, cfg.AccessTokenTTL),
		Metrics:     metrics,
		BaseContext: ctx,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("statusboard starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		coord.Close(shutdownCtx)
		log.Info("statusboard stopped")
	case err := <-errorCh:
		coord.Close(context.Background())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// connectConfigured adopts the handle named in configuration, if any. The
// configured file is trusted and not confined to CONNECT_ROOT. A failure
// leaves the board on fallback-only persistence.
func connectConfigured(ctx context.Context, svc *board.Service, handles httpx.HandleFactory, cfg config.BoardConfig, log *slog.Logger) {
	var (
		handle repository.FileHandle
		err    error
	)
	switch {
	case strings.TrimSpace(cfg.ConnectedFile) != "":
		handle, err = file.Open(cfg.ConnectedFile, log)
	case strings.TrimSpace(cfg.ConnectedDocument) != "":
		if handles.Document == nil {
			log.Warn("CONNECTED_DOCUMENT set without DATABASE_URL", "document", cfg.ConnectedDocument)
			return
		}
		handle, err = handles.Document(cfg.ConnectedDocument)
	default:
		return
	}
	if err != nil {
		log.Warn("configured handle unavailable", "error", err)
		return
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := svc.Connect(connectCtx, handle); err != nil {
		log.Warn("failed to connect configured handle", "handle", handle.Name(), "error", err)
		return
	}
	log.Info("connected", "handle", handle.Name())
}
