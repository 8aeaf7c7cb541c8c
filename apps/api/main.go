package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	conflictshandler "github.com/classtab/roster-sync/domains/conflicts/be/handler"
	conflictsrepo "github.com/classtab/roster-sync/domains/conflicts/be/repo"
	conflictsservice "github.com/classtab/roster-sync/domains/conflicts/be/service"
	synchandler "github.com/classtab/roster-sync/domains/sync/be/handler"
	syncrepo "github.com/classtab/roster-sync/domains/sync/be/repo"
	syncservice "github.com/classtab/roster-sync/domains/sync/be/service"
	platformlogging "github.com/classtab/roster-sync/platform/go/logging"
	"github.com/classtab/roster-sync/platform/go/persistence"
	"github.com/classtab/roster-sync/platform/go/provider"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`

	MaxConcurrentSyncs int  `env:"MAX_CONCURRENT_SYNCS" envDefault:"4"`
	ContinueOnError    bool `env:"SYNC_CONTINUE_ON_ERROR" envDefault:"true"`

	// ProviderConfigDir holds per-tenant provider settings documents laid out
	// as <dir>/<tenant-id>/<provider>.json.
	ProviderConfigDir string `env:"PROVIDER_CONFIG_DIR" envDefault:"./.data/providers"`
	SecretPrefix      string `env:"SECRET_PREFIX" envDefault:"SIS_SECRET"`

	// Schedules lists recurring syncs as <tenant-id>/<provider>=<interval>,
	// e.g. "9f3c.../static=30m,9f3c.../other=1h".
	Schedules string `env:"SYNC_SCHEDULES"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	schedules, err := parseSchedules(cfg.Schedules)
	if err != nil {
		logger.Fatal("parse sync schedules", zap.Error(err))
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	if err := persistence.BootstrapRosterSchema(ctx, pool); err != nil {
		logger.Fatal("bootstrap roster schema", zap.Error(err))
	}

	mappingStore, err := persistence.NewMappingStore(pool)
	if err != nil {
		logger.Fatal("init mapping store", zap.Error(err))
	}
	directoryStore, err := persistence.NewDirectoryStore(pool)
	if err != nil {
		logger.Fatal("init directory store", zap.Error(err))
	}
	runStore, err := persistence.NewRunStore(pool)
	if err != nil {
		logger.Fatal("init run store", zap.Error(err))
	}
	deltaStore, err := persistence.NewDeltaStateStore(pool)
	if err != nil {
		logger.Fatal("init delta state store", zap.Error(err))
	}
	conflictStore, err := persistence.NewConflictStore(pool)
	if err != nil {
		logger.Fatal("init conflict store", zap.Error(err))
	}

	mappings := syncrepo.NewPostgresMappings(mappingStore)

	conflictService := conflictsservice.New(conflictsrepo.NewPostgres(conflictStore), mappings, logger)
	conflictHTTPHandler := conflictshandler.New(conflictService, logger)

	registry := provider.NewRegistry()
	if err := registry.Register(provider.TypeStatic, provider.StaticFactory()); err != nil {
		logger.Fatal("register static provider", zap.Error(err))
	}
	if err := registry.Register(provider.TypeCSVDir, provider.CSVDirFactory()); err != nil {
		logger.Fatal("register csv-dir provider", zap.Error(err))
	}

	syncService := syncservice.New(
		syncservice.Config{
			MaxConcurrentSyncs: cfg.MaxConcurrentSyncs,
			ContinueOnError:    cfg.ContinueOnError,
		},
		syncservice.Deps{
			Registry:  registry,
			Configs:   syncrepo.NewFileConfigs(cfg.ProviderConfigDir),
			Secrets:   provider.EnvSecretResolver{Prefix: cfg.SecretPrefix},
			Runs:      syncrepo.NewPostgresRuns(runStore),
			Mappings:  mappings,
			Directory: syncrepo.NewPostgresDirectory(directoryStore),
			Delta:     syncrepo.NewPostgresDelta(deltaStore),
			Conflicts: conflictService,
			Locks:     syncservice.NewLockRegistry(),
			Logger:    logger,
		},
	)
	syncHTTPHandler := synchandler.New(syncService, logger)

	scheduler := syncservice.NewScheduler(syncService, schedules, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	apiRouter := chi.NewRouter()
	syncHTTPHandler.Mount(apiRouter)
	conflictHTTPHandler.Mount(apiRouter)

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server",
			zap.String("port", cfg.Port),
			zap.Strings("providers", registry.Types()),
			zap.Int("schedules", len(schedules)),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// parseSchedules decodes the SYNC_SCHEDULES document. Each entry looks like
// <tenant-id>/<provider>=<interval>; entries are comma separated.
func parseSchedules(raw string) ([]syncservice.Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []syncservice.Schedule
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scopePart, intervalPart, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("schedule %q: want <tenant-id>/<provider>=<interval>", entry)
		}
		tenantPart, providerPart, ok := strings.Cut(scopePart, "/")
		if !ok || providerPart == "" {
			return nil, fmt.Errorf("schedule %q: want <tenant-id>/<provider>=<interval>", entry)
		}
		tenantID, err := uuid.Parse(strings.TrimSpace(tenantPart))
		if err != nil {
			return nil, fmt.Errorf("schedule %q: bad tenant id: %w", entry, err)
		}
		interval, err := time.ParseDuration(strings.TrimSpace(intervalPart))
		if err != nil {
			return nil, fmt.Errorf("schedule %q: bad interval: %w", entry, err)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("schedule %q: interval must be positive", entry)
		}
		out = append(out, syncservice.Schedule{
			Scope: syncservice.Scope{
				TenantID: tenantID,
				Provider: strings.TrimSpace(providerPart),
			},
			Interval: interval,
		})
	}
	return out, nil
}
