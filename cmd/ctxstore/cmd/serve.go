/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssargent/ctxstore/pkg/api"
	"github.com/ssargent/ctxstore/pkg/config"
	"github.com/ssargent/ctxstore/pkg/store"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP API",
	Long: `Start the admin HTTP API: health, stats, tail, filtered reads and index
rebuilds under /api/v1 (X-API-Key required) and Prometheus metrics on /metrics.

When the configured admin key is "auto" a key is generated for this run and
printed once.

Examples:
  ctxstore serve
  ctxstore serve --port 9000 --bind 0.0.0.0`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := container.Config()
		if cmd.Flags().Changed("port") {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("bind") {
			cfg.Bind, _ = cmd.Flags().GetString("bind")
		}

		apiKey := cfg.Security.AdminAPIKey
		if apiKey == "auto" {
			generated, err := config.GenerateSecureKey(32)
			if err != nil {
				return err
			}
			apiKey = generated
			cmd.Printf("Generated admin API key for this run: %s\n", apiKey)
			cmd.Printf("Run 'ctxstore config init' to persist one.\n")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withStore(cmd, func(_ context.Context, s *store.Store) error {
			starter := container.GetServerFactory().CreateServerStarter()
			if starter == nil {
				return fmt.Errorf("no server starter configured")
			}
			cmd.Printf("Serving %s on %s:%d\n", cfg.DataDir, cfg.Bind, cfg.Port)
			return starter.Start(ctx, s, api.ServerConfig{
				Bind:        cfg.Bind,
				Port:        cfg.Port,
				APIKey:      apiKey,
				CORSOrigins: cfg.Security.CORSOrigins,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on (overrides config)")
	serveCmd.Flags().String("bind", "127.0.0.1", "Address to bind to (overrides config)")
}
