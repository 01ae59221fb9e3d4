package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chainflow/internal/config"
	"chainflow/internal/logging"
	"chainflow/internal/repository"
	"chainflow/internal/tls"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "chainflow",
		Short:        "Automation chain service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and webhook workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(configPath)
			if err != nil {
				return err
			}
			cfg.DB.AutoMigrate = true
			repo, err := openRepository(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			repo.Close()
			logger.Info("Schema up to date", "driver", cfg.DB.Driver)
			return nil
		},
	})
	return root
}

func load(configPath string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.NewLoggerWithConfig(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	logger.Info("Configuration loaded",
		"config_file", configPath,
		"db_driver", cfg.DB.Driver,
		"tick_interval", cfg.Scheduler.TickInterval,
		"dispatch_concurrency", cfg.Dispatch.ConcurrencyLimit,
	)
	return cfg, logger, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("Starting chainflow")

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()
	logger.Info("Database connected", "driver", cfg.DB.Driver)

	app := newApp(ctx, cfg, repo, logger)
	if err := app.scheduler.Start(ctx); err != nil {
		return err
	}
	defer app.scheduler.Stop()
	app.webhooks.Start(ctx)
	defer app.webhooks.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.TLS.Enable {
		generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("tls setup failed: %w", err)
		}
		if generated {
			logger.Warn("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			return err
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
	}

	// Deferred Stop calls drain the scheduler tick and webhook workers.
	cancel()
	logger.Info("Server stopped gracefully")
	return nil
}

// openRepository opens the configured store.
func openRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	logger.Debug("Initializing database connection", "driver", cfg.DB.Driver, "host", cfg.DB.Host, "name", cfg.DB.Name)
	if cfg.DB.Driver == "memory" {
		logger.Warn("Using in-memory store; state is lost on restart")
	}
	repo, err := repository.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database initialization failed: %w", err)
	}
	return repo, nil
}
