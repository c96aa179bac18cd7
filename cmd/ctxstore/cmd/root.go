/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ssargent/ctxstore/pkg/config"
	"github.com/ssargent/ctxstore/pkg/di"
	"github.com/ssargent/ctxstore/pkg/store"
)

var container *di.Container

// SetContainer injects the dependency container used by every command
func SetContainer(c *di.Container) {
	container = c
}

// errUnhealthy is returned by commands that found integrity problems; it maps to exit code 2
var errUnhealthy = errors.New("store is unhealthy")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ctxstore",
	Short: "ctxstore - append-only context store",
	Long: `ctxstore administers a directory of append-only context logs: one
flat file per category, each with an index and a lock marker.

Examples:
  ctxstore health --data-dir ./context
  ctxstore tail decisions -n 5
  ctxstore serve --config ~/.config/ctxstore/config.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if container == nil {
			return fmt.Errorf("dependency container not initialized")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		container.Configure(cfg, cmd.ErrOrStderr())
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errUnhealthy) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: OS-specific location)")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Store root directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table or json")
}

// loadConfig reads the config file named by --config, or the default path
// when it exists, and applies flag overrides. A missing default file means
// default settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = config.GetDefaultConfigPath()
	}

	var cfg *config.Config
	switch {
	case config.ConfigExists(path):
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case explicit:
		return nil, fmt.Errorf("config file does not exist: %s (run 'ctxstore config init')", path)
	default:
		cfg = config.DefaultConfig()
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withStore opens the configured store for the duration of fn
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s *store.Store) error) error {
	s, err := container.OpenStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			container.Logger().Warn("closing store", "error", err)
		}
	}()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, s)
}
