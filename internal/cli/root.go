// Package cli defines the storf command tree.
package cli

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"storf/internal/app"
	"storf/internal/config"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "storf",
		Short:         "StORF-Reporter job service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(ServerCmd(load))
	rootCmd.AddCommand(WorkerCmd(load))
	rootCmd.AddCommand(StatsCmd(load))
	rootCmd.AddCommand(SweepCmd(load))
	rootCmd.AddCommand(HashPasswordCmd())
	return rootCmd
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

type configLoader func() (*config.Config, error)

// withContainer runs fn with a container whose context ends on SIGINT or
// SIGTERM.
func withContainer(load configLoader, fn func(ctx context.Context, c *app.Container) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	return fn(ctx, c)
}
