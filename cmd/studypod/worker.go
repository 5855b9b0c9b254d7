package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maauso/studypod-api/internal/bootstrap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume generation tasks from Redis",
	Long: `Worker runs an asynq worker that executes episode generations queued
by API servers sharing the same Redis (REDIS_ADDR). It also runs the stuck
episode reaper. The process stops on Ctrl+C or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.RedisEnabled() {
			return errors.New("worker requires REDIS_ADDR")
		}

		deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if err := deps.Start(ctx, true); err != nil {
			_ = deps.Close(context.Background())
			return err
		}

		<-ctx.Done()
		logger.Info("stopping worker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := deps.Close(shutdownCtx); err != nil {
			logger.Warn("worker did not stop cleanly", slog.String("error", err.Error()))
			return err
		}
		return nil
	},
}
