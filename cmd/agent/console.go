package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ageniuscoder/corelink/internal/config"
	"github.com/ageniuscoder/corelink/internal/console"
	"github.com/ageniuscoder/corelink/internal/logger"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newConsoleCmd() *cobra.Command {
	var (
		logFile string
		refresh time.Duration
	)
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run the agent with an interactive terminal console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer f.Close()
			log := logger.NewWithWriter(f, cfg.LogLevel)

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.start(cmd.Context()); err != nil {
				return err
			}

			p := tea.NewProgram(console.New(a.session, a.events, refresh), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "corelink-agent.log", "where logs go while the console owns the terminal")
	cmd.Flags().DurationVar(&refresh, "refresh", time.Second, "status refresh interval")
	return cmd
}
