//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsturma/joblet/pkg/api"
	"github.com/jsturma/joblet/pkg/config"
	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/manager"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job engine and API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Logging.Level),
			JSONOutput: cfg.Logging.JSON,
		})
		logger := log.WithComponent("main")

		engine, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		engine.Start(ctx)

		server := api.NewServer(engine, cfg.Server, engine.Metrics().Handler())
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				cancel()
				engine.Shutdown()
				return fmt.Errorf("api server: %w", err)
			}
		}

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api shutdown")
		}
		engine.Shutdown()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to YAML configuration file")
	rootCmd.AddCommand(serveCmd)
}
