/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssargent/ctxstore/pkg/store"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check every category log and index for integrity",
	Long: `Check every category log against its index: checksums, sequence order,
partial tails and lock markers. Nothing is repaired.

Exits 0 when healthy or degraded, 2 when unhealthy or when checksum or
sequence problems were found.

Examples:
  ctxstore health
  ctxstore health -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s *store.Store) error {
			report, err := s.HealthCheck(ctx)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if outputFormat(cmd) == "json" {
				err = outputJSON(out, report)
			} else {
				err = outputHealth(out, report)
			}
			if err != nil {
				return err
			}

			if integrity := report.Err(); integrity != nil {
				return fmt.Errorf("%w: %v", errUnhealthy, integrity)
			}
			if report.Status == store.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
