package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/toolgate/internal/audit"
	"github.com/fentz26/toolgate/internal/config"
	"github.com/fentz26/toolgate/internal/connectors/mcpsdk"
	"github.com/fentz26/toolgate/internal/controlplane"
	"github.com/fentz26/toolgate/internal/logging"
	"github.com/fentz26/toolgate/internal/mcp"
	"github.com/fentz26/toolgate/internal/metrics"
	"github.com/fentz26/toolgate/internal/modelconfig"
	"github.com/fentz26/toolgate/internal/permissions"
	"github.com/fentz26/toolgate/internal/store"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the toolgate daemon",
	Long: `Starts the toolgate daemon. It loads the model and server files, opens
the permission store, starts every enabled tool server and serves the HTTP API.`,
	RunE: runDaemon,
}

func init() {
	f := daemonCmd.Flags()
	f.String("listen-addr", "", "Listen address for the API server")
	f.String("data-dir", "", "Directory holding the database and config files")
	f.String("db-path", "", "Path to SQLite database")
	f.String("models-file", "", "Path to the model file")
	f.String("servers-file", "", "Path to the tool server file")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
	f.String("log-format", "", "Log format (json, console)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	logger.Info().Str("data_dir", cfg.DataDir).Msg("starting toolgate daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modelRegistry, err := modelconfig.Load(cfg.ModelsFile)
	if err != nil {
		return err
	}
	active := modelRegistry.ResolveActive()
	logger.Info().Str("model", active.Key).Str("format", string(active.ToolCallFormat)).Msg("active model resolved")

	serverCfg, err := mcp.LoadConfig(cfg.ServersFile)
	if err != nil {
		return err
	}

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error().Err(err).Msg("database close failed")
		}
	}()

	grants, err := permissions.Open(ctx, s, permissions.WithLogger(logger))
	if err != nil {
		return err
	}

	m := metrics.New()
	catalog := mcp.NewRegistry(serverCfg.GetPriority)
	supervisor := mcp.NewSupervisor(serverCfg, mcpsdk.New(controlplane.Version), catalog,
		mcp.WithSupervisorLogger(logger),
		mcp.WithObserver(m),
	)
	defer supervisor.StopAll()

	recorder := audit.NewRecorder(s, logger)
	router := mcp.NewRouter(grants, catalog, supervisor,
		mcp.WithAuditor(recorder),
		mcp.WithInvocationObserver(m),
		mcp.WithRouterLogger(logger),
		mcp.WithCallTimeout(serverCfg.CallTimeout),
	)

	service := controlplane.NewService(modelRegistry, supervisor, grants, router, recorder, s)
	server := controlplane.NewServer(service, cfg.ListenAddr, m.Handler(), logger)

	// A server that fails to start stays Failed; the daemon keeps going.
	if err := supervisor.StartAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("some tool servers failed to start")
	}
	logger.Info().
		Int("servers", len(supervisor.ConfiguredServers())).
		Int("tools", catalog.TotalToolCount()).
		Msg("tool servers started")

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
