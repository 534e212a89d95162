package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/microsoft/spektate/internal/domain"
	"github.com/microsoft/spektate/internal/httpx"
	"github.com/microsoft/spektate/internal/pipeline"
	"github.com/microsoft/spektate/internal/scm"
	"github.com/microsoft/spektate/internal/service/cache"
	"github.com/microsoft/spektate/internal/service/deployments"
	"github.com/microsoft/spektate/internal/service/enrich"
	"github.com/microsoft/spektate/internal/service/flux"
	"github.com/microsoft/spektate/internal/service/ingest"
	"github.com/microsoft/spektate/internal/storage/migrate"
	"github.com/microsoft/spektate/internal/storage/postgres"
	"github.com/microsoft/spektate/internal/ws"
	"github.com/microsoft/spektate/pkg/config"
	"github.com/microsoft/spektate/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("spektate", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	store := postgres.New(pool)
	defer store.Close()

	source, release, manifest, err := buildProviders(cfg)
	if err != nil {
		log.Error("failed to configure pipeline providers", "error", err)
		os.Exit(1)
	}

	repos := scm.New(cfg.ProviderTimeout)
	deploySvc := deployments.New(store, source, release, manifest, cfg.PartitionKey, log)
	enricher := enrich.New(repos, manifestRepoFromConfig(cfg), cfg.SourceRepoToken, cfg.ManifestToken, log)

	snapshots := cache.New(deploySvc, enricher, cache.NewMetrics(), log)
	hub := ws.NewHub(log)
	scheduler := cache.NewScheduler(snapshots, cfg.CacheRefreshInterval, hub, log)
	go scheduler.Run(ctx)

	ingestSvc := ingest.New(store, cfg.PartitionKey, log)
	fluxSvc := flux.New(store, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	version := config.GetString("DOCKER_VERSION", "")
	router := httpx.NewRouter(log, cfg, snapshots, deploySvc, ingestSvc, fluxSvc, repos, hub, limiter, version, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// buildProviders returns the stage-1, stage-2 and stage-3 pipeline clients
// for the configured provider.
func buildProviders(cfg config.Config) (source, release, manifest pipeline.Provider, err error) {
	kind, err := cfg.PipelineKind()
	if err != nil {
		return nil, nil, nil, err
	}
	switch kind {
	case config.PipelineAzureDevOps:
		azdo := pipeline.NewAzureDevOps(cfg.PipelineOrg, cfg.PipelineProject, cfg.PipelineToken, cfg.ProviderTimeout)
		return azdo, azdo, azdo, nil
	case config.PipelineGitLab:
		src := pipeline.NewGitLab(cfg.SourceRepoProject, cfg.PipelineToken, cfg.ProviderTimeout)
		hld := pipeline.NewGitLab(cfg.HLDRepoProject, cfg.PipelineToken, cfg.ProviderTimeout)
		return src, src, hld, nil
	default:
		src := pipeline.NewGitHubActions(cfg.SourceRepo, cfg.PipelineToken, cfg.ProviderTimeout)
		hld := pipeline.NewGitHubActions(cfg.HLDRepo, cfg.PipelineToken, cfg.ProviderTimeout)
		return src, src, hld, nil
	}
}

// manifestRepoFromConfig resolves the repository polled for cluster sync
// tags. A zero-kind handle disables the lookup.
func manifestRepoFromConfig(cfg config.Config) domain.Repository {
	switch {
	case cfg.ManifestRepo != "" && cfg.ManifestUsername != "":
		return domain.GitHubRepo(cfg.ManifestUsername, cfg.ManifestRepo)
	case cfg.ManifestRepo != "" && cfg.PipelineOrg != "":
		return domain.AzureDevOpsRepo(cfg.PipelineOrg, cfg.PipelineProject, cfg.ManifestRepo)
	case cfg.ManifestProject != "":
		return domain.GitLabRepo(cfg.ManifestProject)
	}
	return domain.Repository{}
}
