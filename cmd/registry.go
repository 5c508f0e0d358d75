package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camberville/eventline/internal/registry"
)

var registrySeedFile string

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage registered sources and event types",
}

var registrySeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load sources and event types from a seed file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		seed, err := registry.LoadSeedFile(registrySeedFile)
		if err != nil {
			return err
		}

		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		reg := registry.New(st, cfg.Registry.CacheTTL)
		if err := reg.Seed(ctx, seed); err != nil {
			return eris.Wrap(err, "seed registry")
		}

		zap.L().Info("registry seeded",
			zap.Int("sources", len(seed.Sources)),
			zap.Int("event_types", len(seed.EventTypes)),
		)
		return nil
	},
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show registered sources and event types",
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

		sources, err := st.ListSources(ctx)
		if err != nil {
			return eris.Wrap(err, "list sources")
		}
		types, err := st.ListEventTypes(ctx)
		if err != nil {
			return eris.Wrap(err, "list event types")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "KIND\tNAME")
		_, _ = fmt.Fprintln(w, "----\t----")
		for _, s := range sources {
			_, _ = fmt.Fprintf(w, "source\t%s\n", s)
		}
		for _, t := range types {
			_, _ = fmt.Fprintf(w, "type\t%s\n", t)
		}
		return w.Flush()
	},
}

func init() {
	registrySeedCmd.Flags().StringVarP(&registrySeedFile, "file", "f", "registry.yaml", "seed file path")
	registryCmd.AddCommand(registrySeedCmd)
	registryCmd.AddCommand(registryListCmd)
	rootCmd.AddCommand(registryCmd)
}
