package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/perch/internal/config"
	"github.com/ehrlich-b/perch/internal/daemon"
	"github.com/ehrlich-b/perch/internal/logger"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "perchd",
		Short:   "perch daemon: multi-device access to coding agent sessions",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(config.FilePath(dir))
			if err != nil {
				return err
			}

			logFile := cfg.Logging.File
			if logFile == "" {
				logFile = config.LogPath(dir)
			}
			if err := logger.Init(cfg.Logging.Level, logFile); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			d, err := daemon.New(dir, version)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
