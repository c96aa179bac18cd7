/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ssargent/ctxstore/pkg/store"
)

// rebuildCmd represents the rebuild-index command
var rebuildCmd = &cobra.Command{
	Use:   "rebuild-index [category...]",
	Short: "Rescan logs and replace their indexes",
	Long: `Rescan category logs under their write locks and atomically replace
their indexes. With no arguments every category is rebuilt.

Examples:
  ctxstore rebuild-index
  ctxstore rebuild-index decisions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s *store.Store) error {
			categories := args
			if len(categories) == 0 {
				var err error
				if categories, err = s.Categories(); err != nil {
					return err
				}
			}
			for _, c := range categories {
				if err := s.RebuildCategoryIndex(ctx, c); err != nil {
					return err
				}
				cmd.Printf("Rebuilt index for %s\n", c)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}
