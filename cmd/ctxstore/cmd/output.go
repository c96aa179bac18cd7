package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssargent/ctxstore/pkg/query"
	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/store"
)

const summaryWidth = 60

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputSummaries displays category summaries in table format
func outputSummaries(w io.Writer, summaries []*store.Summary) error {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No categories found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "CATEGORY\tRECORDS\tLINES\tLAST SEQ\tSIZE\tSTRATEGY\tINDEXED\tUPDATED")
	for _, s := range summaries {
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%t\t%s\n",
			s.Category, s.Records, s.Lines, s.LastSeq, formatBytes(s.Size), s.Strategy, s.Indexed, updated)
	}
	return nil
}

// outputEntries displays entries in table format
func outputEntries(w io.Writer, entries []record.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "SEQ\tKIND\tSUMMARY")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", e.Seq, e.Kind(), summarise(e.Record))
	}
	return nil
}

// outputHealth displays a health report in table format
func outputHealth(w io.Writer, report *store.HealthReport) error {
	fmt.Fprintf(w, "Status: %s (gap policy %s)\n", report.Status, report.GapPolicy)

	if len(report.Files) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\nCATEGORY\tSTATUS\tRECORDS\tLAST SEQ\tSIZE\tINDEX\tLOCK")
		for _, name := range sortedKeys(report.Files) {
			f := report.Files[name]
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				f.Category, f.Status, f.Records, f.LastSeq, formatBytes(f.Size), indexState(f), lockState(f))
		}
		tw.Flush()
	}

	if len(report.Issues) > 0 {
		fmt.Fprintln(w, "\nIssues:")
		for _, d := range report.Issues {
			fmt.Fprintf(w, "  %s\n", d.String())
		}
	}
	return nil
}

func summarise(r record.Record) string {
	text := strings.Join(query.Texts(r), " | ")
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > summaryWidth {
		text = text[:summaryWidth-3] + "..."
	}
	return text
}

func indexState(f *store.FileHealth) string {
	switch {
	case !f.IndexPresent:
		return "missing"
	case len(f.Mismatches) > 0:
		return fmt.Sprintf("%d mismatches", len(f.Mismatches))
	}
	return "ok"
}

func lockState(f *store.FileHealth) string {
	switch {
	case f.Lock.Stale:
		return "stale"
	case f.Lock.Held:
		return "held"
	}
	return "free"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
