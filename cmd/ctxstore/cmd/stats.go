/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ssargent/ctxstore/pkg/store"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [category...]",
	Short: "Summarise categories from their indexes",
	Long: `Summarise categories from their indexes without reading the logs.
With no arguments every category that has a log file is listed.

Examples:
  ctxstore stats
  ctxstore stats decisions insights -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(_ context.Context, s *store.Store) error {
			categories := args
			if len(categories) == 0 {
				var err error
				if categories, err = s.Categories(); err != nil {
					return err
				}
			}

			summaries := make([]*store.Summary, 0, len(categories))
			for _, c := range categories {
				summary, err := s.Stats(c)
				if err != nil {
					return err
				}
				summaries = append(summaries, summary)
			}

			if outputFormat(cmd) == "json" {
				return outputJSON(cmd.OutOrStdout(), summaries)
			}
			return outputSummaries(cmd.OutOrStdout(), summaries)
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
