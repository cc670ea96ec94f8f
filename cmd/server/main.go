// Package main is the entry point for the SICC server and its workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/sicc/internal/config"
	"github.com/blueberrycongee/sicc/internal/database"
	"github.com/blueberrycongee/sicc/internal/observability"
	"github.com/blueberrycongee/sicc/internal/secret"
	"github.com/blueberrycongee/sicc/internal/secret/vault"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime is what every subcommand needs before it does its own work.
type runtime struct {
	manager *config.Manager
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sicc",
		Short:         "Self-improving conversational context service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to configuration file")

	load := func() (*runtime, error) { return loadRuntime(configPath) }

	root.AddCommand(
		newServeCmd(load),
		newWorkerCmd(load),
		newMigrateCmd(load),
		newKeysCmd(load),
		newTokenCmd(load),
		newReembedCmd(load),
	)
	return root
}

func loadRuntime(path string) (*runtime, error) {
	bootstrap := observability.NewLogger(observability.LoggerConfig{})
	manager, err := config.NewManager(path, bootstrap)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := manager.Get()
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	if err := resolveSecrets(context.Background(), cfg, logger); err != nil {
		_ = manager.Close()
		return nil, err
	}
	return &runtime{manager: manager, cfg: cfg, logger: logger}, nil
}

// resolveSecrets swaps secret references in cfg for their values. The
// resolver is closed afterwards; reloads only touch non-secret fields.
func resolveSecrets(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	r := secret.NewResolver()
	defer r.Close()
	if cfg.Secrets.Vault.Enabled {
		p, err := vault.New(cfg.Secrets.Vault, logger)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		var provider secret.Provider = p
		if cfg.Secrets.CacheTTL > 0 {
			provider = secret.NewCachedProvider(p, cfg.Secrets.CacheTTL)
		}
		r.Register(secret.SchemeVault, provider)
	}
	return cfg.ResolveSecrets(ctx, r)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(load func() (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the learning hook and (with the memory broker) the workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger
	logger.Info("starting SICC", "version", version)

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing backends failed", "error", err)
		}
	}()

	h := a.newHook()
	h.Start()
	bindReload(rt.manager, a, h)
	if err := rt.manager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer rt.manager.Close()

	if a.db != nil {
		go database.ReportPoolStats(ctx, a.db, 15*time.Second, logger)
	}

	var jobs *jobRunner
	if a.inProcessBroker() {
		jobs = startJobRunner(ctx, a, logger)
	}

	authMW, err := initAuth(cfg, a.db, logger)
	if err != nil {
		return err
	}
	mux := buildMux(cfg, a, h, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      buildMiddlewareStack(cfg, authMW, logger)(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	res := h.Stop(shutdownCtx)
	logger.Info("learning hook stopped", "processed", res.Processed, "spilled", res.Spilled)
	if jobs != nil {
		jobs.Stop()
	}

	logger.Info("server stopped")
	return nil
}

func newWorkerCmd(load func() (*runtime, error)) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume background tasks from the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.inProcessBroker() {
				rt.logger.Warn("worker started with the memory broker; it will only see its own scheduled tasks")
			}

			jobs := newJobRunner(a, !noScheduler, rt.logger)
			jobs.Start(ctx)
			<-ctx.Done()
			jobs.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "only execute tasks, never schedule periodic ones")
	return cmd
}

func newMigrateCmd(load func() (*runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			if !rt.cfg.Database.Enabled {
				return errors.New("database is not enabled")
			}
			ctx := cmd.Context()
			db, err := database.Open(ctx, rt.cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(ctx, db, rt.cfg.Embedding.Dimension); err != nil {
				return err
			}
			rt.logger.Info("schema is up to date", "embedding_dimension", rt.cfg.Embedding.Dimension)
			return nil
		},
	}
}

func newReembedCmd(load func() (*runtime, error)) *cobra.Command {
	var clientID, agentID string
	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "Recompute memory embeddings for an agent after an embedding model change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.memories.Reembed(ctx, clientID, agentID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-embedded %d memories\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id owning the agent")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
