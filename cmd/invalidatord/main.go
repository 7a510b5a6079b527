package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"invalidator/internal/config"
	"invalidator/internal/daemon"
	"invalidator/internal/logging"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "invalidatord",
	Short:         "Versioned invalidation delivery",
	Long:          "invalidatord records invalidation payloads and delivers them to watchers in version order, recovering anything a transport dropped.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "invalidator.yaml", "path to config file")
	rootCmd.AddCommand(serveCmd, watchCmd, publishCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log, logErr := logging.New(config.LogConfig{Level: "info", Format: "console"})
		if logErr != nil {
			fmt.Fprintln(os.Stderr, err)
		} else {
			log.Error("command failed", zap.Error(err))
			_ = log.Sync()
		}
		stop()
		os.Exit(1)
	}
}

// setup loads the config and builds the logger and daemon every subcommand needs.
func setup() (*daemon.Daemon, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	d, err := daemon.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return d, log, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Record invalidations and answer recovery queries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		return d.Serve(cmd.Context())
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Deliver watched objects in version order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		return d.Watch(cmd.Context())
	},
}
