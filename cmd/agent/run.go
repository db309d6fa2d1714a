package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ageniuscoder/corelink/internal/config"
	"github.com/ageniuscoder/corelink/internal/logger"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel)

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}
}
