/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssargent/ctxstore/pkg/api"
	"github.com/ssargent/ctxstore/pkg/query"
	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/store"
)

// tailCmd represents the tail command
var tailCmd = &cobra.Command{
	Use:   "tail <category>",
	Short: "Print the most recent entries of a category",
	Long: `Print the last n entries of a category, oldest first.

Examples:
  ctxstore tail decisions
  ctxstore tail conversations -n 50 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		if n < 1 {
			return fmt.Errorf("--lines must be at least 1")
		}
		return withStore(cmd, func(ctx context.Context, s *store.Store) error {
			entries, err := s.ReadTail(ctx, args[0], n)
			if err != nil {
				return err
			}
			return printEntries(cmd, args[0], entries, 0)
		})
	},
}

// queryCmd represents the query command
var queryCmd = &cobra.Command{
	Use:   "query <category>",
	Short: "Print the entries of a category that match a filter",
	Long: `Stream a category and print the entries that match every given filter.

Examples:
  ctxstore query decisions --min-priority high
  ctxstore query insights --text cache --since 2025-01-01T00:00:00Z
  ctxstore query conversations --kind LINKS --limit 10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := filterFromFlags(cmd)
		if err != nil {
			return err
		}
		pred, err := filter.Predicate()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(cmd, func(ctx context.Context, s *store.Store) error {
			it, err := s.ReadFiltered(ctx, args[0], pred)
			if err != nil {
				return err
			}
			defer it.Close()

			var entries []record.Entry
			for (limit <= 0 || len(entries) < limit) && it.Next() {
				entries = append(entries, it.Entry())
			}
			if err := it.Err(); err != nil {
				return err
			}
			for _, d := range it.Diagnostics() {
				container.Logger().Warn("recovered while reading", "category", args[0], "diagnostic", d.String())
			}
			return printEntries(cmd, args[0], entries, it.Offset())
		})
	},
}

func printEntries(cmd *cobra.Command, category string, entries []record.Entry, next int64) error {
	if outputFormat(cmd) == "json" {
		return outputJSON(cmd.OutOrStdout(), api.NewEntriesResponse(category, entries, next))
	}
	return outputEntries(cmd.OutOrStdout(), entries)
}

func filterFromFlags(cmd *cobra.Command) (*query.Filter, error) {
	f := &query.Filter{}
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	for _, k := range kinds {
		f.Kinds = append(f.Kinds, strings.ToUpper(k))
	}
	f.MinPriority, _ = cmd.Flags().GetString("min-priority")
	f.MinConfidence, _ = cmd.Flags().GetString("min-confidence")
	f.Text, _ = cmd.Flags().GetString("text")
	f.FromSeq, _ = cmd.Flags().GetUint64("from-seq")
	f.ToSeq, _ = cmd.Flags().GetUint64("to-seq")
	f.NonStandard, _ = cmd.Flags().GetBool("non-standard")

	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		v, _ := cmd.Flags().GetString(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", name, err)
		}
		*dst = t
	}
	return f, nil
}

func init() {
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)

	tailCmd.Flags().IntP("lines", "n", 10, "Number of entries to print")

	queryCmd.Flags().StringSlice("kind", nil, "Section kinds to select (repeatable)")
	queryCmd.Flags().String("min-priority", "", "Minimum decision priority: low, medium, high, critical")
	queryCmd.Flags().String("min-confidence", "", "Minimum confidence: low, medium, high")
	queryCmd.Flags().String("text", "", "Case-insensitive text to look for")
	queryCmd.Flags().String("since", "", "Only entries at or after this RFC 3339 time")
	queryCmd.Flags().String("until", "", "Only entries before this RFC 3339 time")
	queryCmd.Flags().Uint64("from-seq", 0, "First sequence number")
	queryCmd.Flags().Uint64("to-seq", 0, "Last sequence number")
	queryCmd.Flags().Bool("non-standard", false, "Only entries carrying enum values outside the vocabulary")
	queryCmd.Flags().Int("limit", 0, "Maximum entries to print (0 for all)")
}
