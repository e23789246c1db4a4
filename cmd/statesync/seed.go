package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/statesync/seed"
)

func (a *app) seeder(ctx context.Context) (*seed.Seeder, error) {
	docs, err := a.openDocs(ctx)
	if err != nil {
		return nil, err
	}
	return seed.New(docs, seed.DemoPlan(a.cfg.Seed.DemoSize),
		seed.WithMetaCollection(a.cfg.Sync.MetaCollection),
		seed.WithSchemaVersion(a.cfg.Seed.SchemaVersion),
		seed.WithRateLimit(a.cfg.Seed.RatePerSecond),
		seed.WithLogger(a.logger),
		seed.WithMetrics(a.registry.CoreMetrics()),
	)
}

func newSeedCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the demo dataset level by level",
		Long: `Seed writes the demo collections in dependency order. A run that was
interrupted resumes at the level it stopped in. Without --force an already
populated collection is left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.seeder(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.SeedAll(cmd.Context(), force); err != nil {
				return err
			}
			fmt.Fprintln(a.out(cmd), "Seeding complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "wipe and reseed forceable collections")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the persisted seeding progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.seeder(cmd.Context())
			if err != nil {
				return err
			}
			st, err := s.State(cmd.Context())
			if err != nil {
				return err
			}
			seeded, err := s.Seeded(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.out(cmd))
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"seeded": seeded, "state": st})
		},
	})
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every seeded document and the seeding flag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete data without --yes")
			}
			s, err := a.seeder(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.ClearAllData(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out(cmd), "All seeded data cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
