package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/camberville/eventline/internal/model"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List upcoming events",
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

		events, err := st.ListUpcoming(ctx, eventsLimit)
		if err != nil {
			return eris.Wrap(err, "list upcoming")
		}

		formatEvents(os.Stdout, events)
		return nil
	},
}

// formatEvents writes a tabular representation of events to w.
func formatEvents(out io.Writer, events []model.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTART\tNAME\tSOURCE\tTYPES\tVENUE")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t------\t-----\t-----")
	for _, ev := range events {
		venue := ""
		if ev.LocationName != nil {
			venue = *ev.LocationName
		} else if ev.Address != nil {
			venue = *ev.Address
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID,
			ev.StartDate.Format("2006-01-02 15:04"),
			ev.Name,
			ev.Source,
			strings.Join(ev.EventTypes, ","),
			venue,
		)
	}
	_ = w.Flush()
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to list")
	rootCmd.AddCommand(eventsCmd)
}
