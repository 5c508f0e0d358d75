package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camberville/eventline/internal/adapter"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sweep configured feeds on an interval",
	Long:  "Fetches every configured feed, ingests its listings, and repeats on the sync interval until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if len(cfg.Feeds) == 0 {
			return eris.New("no feeds configured")
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		adapters := make([]adapter.Adapter, 0, len(cfg.Feeds))
		for _, f := range cfg.Feeds {
			opts := []adapter.FeedOption{}
			if f.Confidence > 0 {
				opts = append(opts, adapter.WithConfidence(f.Confidence))
			}
			if f.RateLimit > 0 {
				opts = append(opts, adapter.WithRateLimit(f.RateLimit))
			}
			adapters = append(adapters, adapter.NewFeedAdapter(f.Name, f.URL, opts...))
		}

		runner := adapter.NewRunner(env.Coordinator, env.Collector, adapters, cfg.Sync.Interval)

		if syncOnce {
			runner.Sweep(ctx)
			return nil
		}

		zap.L().Info("starting sync loop",
			zap.Int("feeds", len(adapters)),
			zap.Duration("interval", cfg.Sync.Interval),
		)
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			return eris.Wrap(err, "sync run")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "sweep all feeds once and exit")
	rootCmd.AddCommand(syncCmd)
}
