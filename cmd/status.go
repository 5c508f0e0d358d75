package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/camberville/eventline/internal/store"
)

var statusLookback time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	Long:  "Displays event counts by source, upcoming events, and idempotency key states.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(ctx, statusLookback)
		if err != nil {
			return eris.Wrap(err, "store stats")
		}

		formatStats(os.Stdout, stats)
		return nil
	},
}

// formatStats writes a tabular representation of store stats to w.
func formatStats(out io.Writer, stats *store.Stats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "total events\t%d\n", stats.TotalEvents)
	_, _ = fmt.Fprintf(w, "upcoming events\t%d\n", stats.UpcomingEvents)
	_, _ = fmt.Fprintf(w, "missing place\t%d\n", stats.MissingPlace)
	_, _ = fmt.Fprintf(w, "ingested last %s\t%d\n", stats.Lookback, stats.IngestedSince)

	sources := make([]string, 0, len(stats.EventsBySource))
	for s := range stats.EventsBySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		_, _ = fmt.Fprintf(w, "source %s\t%d\n", s, stats.EventsBySource[s])
	}

	statuses := make([]string, 0, len(stats.KeysByStatus))
	for s := range stats.KeysByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "keys %s\t%d\n", s, stats.KeysByStatus[s])
	}
	_ = w.Flush()
}

func init() {
	statusCmd.Flags().DurationVar(&statusLookback, "lookback", 24*time.Hour, "window for recent-ingest counts")
	rootCmd.AddCommand(statusCmd)
}
