package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/budget"
	"github.com/santralab/santral/internal/cache"
	"github.com/santralab/santral/internal/capacity"
	"github.com/santralab/santral/internal/config"
	"github.com/santralab/santral/internal/dispatch"
	"github.com/santralab/santral/internal/httpapi"
	"github.com/santralab/santral/internal/logging"
	"github.com/santralab/santral/internal/metering"
	"github.com/santralab/santral/internal/observability"
	"github.com/santralab/santral/internal/reliability"
	"github.com/santralab/santral/internal/retrieval"
	"github.com/santralab/santral/internal/session"
	"github.com/santralab/santral/internal/tenant"
	"github.com/santralab/santral/internal/voice"
)

// BuildResult is the assembled platform. Cleanup must run on shutdown; it
// flushes async writers and closes the external clients.
type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Tenants      *tenant.Registry
	Metrics      *observability.Metrics
	Providers    ProviderInfo

	Cleanup func() error
}

// Build wires every subsystem from configuration. External integrations are
// resolved once here: a redis ledger when REDIS_URL is set, postgres
// metering when DATABASE_URL is set, qdrant retrieval when QDRANT_URL is
// set, with in-process fallbacks otherwise.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	fail := func(err error) (*BuildResult, error) {
		closeAll(closers, log)
		return nil, err
	}

	tenants, err := tenant.NewRegistry(cfg.ProfileDir, logging.Component(log, "tenant"))
	if err != nil {
		return fail(fmt.Errorf("tenant registry: %w", err))
	}
	if err := tenants.Watch(ctx); err != nil {
		// Hot reload is a convenience; startup proceeds on the loaded set.
		log.Warn().Err(err).Msg("profile watcher unavailable")
	}

	var ledger budget.Ledger = budget.NewMemoryLedger()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("redis url: %w", err))
		}
		client := redis.NewClient(opts)
		closers = append(closers, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
		ledger = budget.NewRedisLedger(client)
	}

	meterStore, err := metering.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("metering store: %w", err))
	}
	closers = append(closers, meterStore.Close)

	recorder := metering.NewRecorder(meterStore, ledger, logging.Component(log, "metering"))
	governor := budget.NewGovernor(ledger)
	breakers := reliability.NewRegistry(reliability.Settings{})

	providers, err := resolveProviders(cfg, breakers, logging.Component(log, "voice"))
	if err != nil {
		return fail(err)
	}

	var docStore retrieval.DocumentStore
	if strings.TrimSpace(cfg.QdrantURL) != "" {
		qdrantStore, err := retrieval.NewQdrantStore(retrieval.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
		})
		if err != nil {
			return fail(fmt.Errorf("qdrant store: %w", err))
		}
		closers = append(closers, qdrantStore.Close)
		docStore = qdrantStore
	} else {
		docStore = newProfileDocs(tenants, providers.embedder)
	}
	retriever := retrieval.New(docStore, providers.embedder, logging.Component(log, "retrieval"))

	respCache := cache.New(cfg.ResponseCacheTTL, cfg.ResponseCacheSize)
	tenants.OnChange(func(tenantID string) {
		retriever.InvalidateTenant(tenantID)
		dropped := respCache.InvalidateTenant(tenantID)
		log.Info().Str("tenant", tenantID).Int("cache_entries_dropped", dropped).
			Msg("profile changed, tenant caches invalidated")
	})

	workers := capacity.NewRouter()
	if err := workers.Register(cfg.WorkerID, cfg.WorkerCapacity); err != nil {
		return fail(fmt.Errorf("register worker: %w", err))
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)
	sessions.OnEnd(func(s *session.Session, cause string) {
		workers.Release(s.CallID)
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		metrics.ObserveSessionEvent(cause)

		minutes := s.Minutes()
		recorder.RecordUsage(s.TenantID, s.ID, budget.ResourceMinutes, minutes, "session")
		metrics.AddUsage(s.TenantID, string(budget.ResourceMinutes), minutes)
		recorder.RecordSummary(metering.SessionSummary{
			SessionID:       s.ID,
			TenantID:        s.TenantID,
			CallID:          s.CallID,
			Language:        s.Language,
			Turns:           s.TurnCount,
			Interruptions:   s.InterruptionCount,
			DurationSeconds: s.LastActivityAt.Sub(s.StartedAt).Seconds(),
			StartedAt:       s.StartedAt,
			EndedAt:         s.LastActivityAt,
		})
	})
	sessions.StartJanitor(ctx, cfg.SessionSweepInterval)

	dispatcher := dispatch.New(dispatch.Config{
		WebhookURL: cfg.ToolWebhookURL,
		Timeout:    cfg.ToolWebhookTimeout,
	}, logging.Component(log, "dispatch"))

	orchestrator := voice.NewOrchestrator(voice.Config{
		Sessions:   sessions,
		Tenants:    tenants,
		STT:        providers.stt,
		TTS:        providers.tts,
		Generator:  providers.generator,
		Retriever:  retriever,
		Cache:      respCache,
		Governor:   governor,
		Recorder:   recorder,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Log:        logging.Component(log, "voice"),
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:       sessions,
		Tenants:        tenants,
		Orchestrator:   orchestrator,
		Governor:       governor,
		Cache:          respCache,
		Retriever:      retriever,
		Capacity:       workers,
		Metrics:        metrics,
		ProviderHealth: providers.health,
		Log:            logging.Component(log, "http"),
	})

	finalClosers := closers
	cleanup := func() error {
		dispatcher.Flush()
		recorder.Flush()
		return closeAll(finalClosers, log)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Tenants:      tenants,
		Metrics:      metrics,
		Providers:    providers.info,
		Cleanup:      cleanup,
	}, nil
}

func closeAll(closers []func() error, log zerolog.Logger) error {
	var errs []string
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Warn().Err(err).Msg("cleanup step failed")
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
