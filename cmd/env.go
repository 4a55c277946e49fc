package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/forkline/ops-cli/internal/batch"
	"github.com/forkline/ops-cli/internal/config"
	"github.com/forkline/ops-cli/internal/connector"
	"github.com/forkline/ops-cli/internal/pipeline"
	"github.com/forkline/ops-cli/internal/ratelimit"
	"github.com/forkline/ops-cli/internal/resilience"
	"github.com/forkline/ops-cli/internal/store"
	"github.com/forkline/ops-cli/pkg/automation"
	"github.com/forkline/ops-cli/pkg/creative"
	"github.com/forkline/ops-cli/pkg/webscrape"
)

// env bundles the orchestrator's wired components for the commands.
type env struct {
	Store   store.Store
	Adapter *connector.Adapter
	Sched   *pipeline.Scheduler
	Engine  *pipeline.Engine
	Machine *pipeline.Machine
	Coord   *batch.Coordinator
}

// openStore selects the persistence backend from config.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv wires the store, external clients, resilience stack, and
// orchestrator.
func initEnv(ctx context.Context) (*env, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit.Defaults, cfg.RateLimit.Resources)
	breakers := resilience.NewResourceBreakers(resilience.CircuitConfig{})
	adapter := connector.NewAdapter(limiter, breakers, resilience.RetryConfig{
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
		BaseDelay:   cfg.Orchestrator.BaseDelay,
	})

	scrapeClient := webscrape.NewClient(cfg.Webscrape.Key, webscrape.WithBaseURL(cfg.Webscrape.BaseURL))
	autoClient := automation.NewClient(cfg.Automation.Key, automation.WithBaseURL(cfg.Automation.BaseURL))
	creativeClient := creative.NewClient(cfg.Creative.Key, cfg.Creative.Model, int64(cfg.Creative.MaxTokens))

	registry := connector.NewRegistry(
		connector.NewExtractLeads(scrapeClient, adapter, connector.ExtractLeadsConfig{
			PollInterval: cfg.Webscrape.PollInterval,
			PollTimeout:  cfg.Webscrape.PollTimeout,
			MaxLeads:     cfg.Webscrape.MaxLeadsPerCall,
		}),
		connector.NewEnrichContacts(scrapeClient, adapter),
		connector.NewValidateProfile(),
		connector.NewPlatformMatch(autoClient, adapter),
		connector.NewSubmitRegistration(autoClient, adapter, connector.SubmitRegistrationConfig{
			PollInterval: cfg.Automation.PollInterval,
			PollTimeout:  cfg.Automation.PollTimeout,
		}),
		connector.NewGenerateAssets(creativeClient, adapter),
	)

	sched := pipeline.NewScheduler(cfg.Orchestrator.SchedulerWorkers, cfg.Orchestrator.SchedulerQueueSize)
	defs := pipeline.Definitions()
	engine := pipeline.NewEngine(st, registry, sched, defs, cfg.Orchestrator.AutoAdvance)
	machine := pipeline.NewMachine(st, engine, defs)
	coord := batch.NewCoordinator(st, machine, engine, cfg.Batch.MaxConcurrentJobs)

	return &env{
		Store:   st,
		Adapter: adapter,
		Sched:   sched,
		Engine:  engine,
		Machine: machine,
		Coord:   coord,
	}, nil
}

// Close drains the scheduler and releases the store.
func (e *env) Close(ctx context.Context) {
	if err := e.Sched.Shutdown(ctx); err != nil {
		zap.L().Warn("scheduler shutdown", zap.Error(err))
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}
