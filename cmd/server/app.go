package main

import (
	"context"

	"github.com/labstack/echo/v4"

	"chainflow/internal/api"
	"chainflow/internal/chains"
	"chainflow/internal/config"
	"chainflow/internal/dispatch"
	"chainflow/internal/executor"
	"chainflow/internal/logging"
	"chainflow/internal/mcp"
	"chainflow/internal/ops"
	"chainflow/internal/repository"
	"chainflow/internal/runs"
	"chainflow/internal/scheduler"
	"chainflow/internal/services"
	"chainflow/internal/trigger"
	"chainflow/internal/webhooks"
)

// app is the wired service graph.
type app struct {
	scheduler *scheduler.Scheduler
	webhooks  *webhooks.Queue
	router    *echo.Echo
}

func newApp(ctx context.Context, cfg *config.Config, repo repository.Repository, logger *logging.Logger) *app {
	var provider services.Provider
	if cfg.Provider.APIKey != "" {
		provider = services.NewHTTPProvider(cfg.Provider.URL, cfg.Provider.APIKey, cfg.Provider.Model)
	} else {
		logger.Warn("provider.api_key not set; instructions are sent verbatim")
		provider = services.EchoProvider{}
	}

	var crm services.CRM
	if cfg.CRM.URL != "" {
		crm = services.NewHTTPCRM(ctx, services.CRMOptions{
			URL:          cfg.CRM.URL,
			TokenURL:     cfg.CRM.TokenURL,
			ClientID:     cfg.CRM.ClientID,
			ClientSecret: cfg.CRM.ClientSecret,
		})
	} else {
		logger.Warn("crm.url not set; CRM actions are recorded in memory only")
		crm = services.NewMemoryCRM()
	}

	pool := dispatch.NewPool(provider, dispatch.Config{
		ConcurrencyLimit: cfg.Dispatch.ConcurrencyLimit,
		MaxPending:       cfg.Dispatch.MaxPending,
		RequestTimeout:   cfg.Dispatch.RequestTimeout,
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		RatePerSecond:    cfg.Dispatch.RatePerSecond,
		Burst:            cfg.Dispatch.Burst,
	}, logger.With("component", "dispatch"))

	tracker := runs.NewTracker(repo, logger.With("component", "runs"))
	exec := executor.New(tracker, crm, pool, executor.Config{
		MaxAttempts:     cfg.Scheduler.MaxAttempts,
		TickInterval:    cfg.Scheduler.TickInterval,
		MaxBackoffTicks: cfg.Scheduler.MaxBackoffTicks,
	}, logger.With("component", "executor"))
	sched := scheduler.New(repo, tracker, exec, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		Workers:      cfg.Scheduler.Workers,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, logger.With("component", "scheduler"))

	evaluator := trigger.NewEvaluator(repo, tracker, logger.With("component", "trigger"))
	queue := webhooks.NewQueue(repo, evaluator, webhooks.Config{
		Workers:           cfg.Webhooks.Workers,
		MaxAttempts:       cfg.Webhooks.MaxAttempts,
		InitialBackoff:    cfg.Webhooks.InitialBackoff,
		MaxBackoff:        cfg.Webhooks.MaxBackoff,
		PollInterval:      cfg.Webhooks.PollInterval,
		VisibilityTimeout: cfg.Webhooks.VisibilityTimeout,
		Secret:            cfg.Webhooks.Secret,
	}, logger.With("component", "webhooks"))
	if cfg.Webhooks.Secret == "" {
		logger.Warn("webhooks.secret not set; inbound signatures are not verified")
	}

	opsService := ops.NewService(pool, sched, queue, repo)
	server := api.NewServer(api.Deps{
		Chains:    chains.NewService(repo, logger.With("component", "chains")),
		Tracker:   tracker,
		Runs:      repo,
		Evaluator: evaluator,
		Webhooks:  queue,
		Ops:       opsService,
		DB:        repo,
		Logger:    logger,
	})
	router := api.NewRouter(server, logger)
	mcp.Mount(router, mcp.NewServer(opsService).GetMCPServer())
	logger.Info("REST API and MCP handlers mounted")

	return &app{scheduler: sched, webhooks: queue, router: router}
}
