package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360/statesync/backup"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/syncstore"
)

// storeSource exports values straight from the store
type storeSource struct {
	ctx   context.Context
	store *syncstore.Store
}

func (s storeSource) Snapshot(key string) ([]byte, error) {
	value, found, err := s.store.Get(s.ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, key)
	}
	return value, nil
}

func (a *app) backupService(ctx context.Context) (*backup.Service, *syncstore.Store, error) {
	store, err := a.syncStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc := backup.New(store,
		backup.WithSource(storeSource{ctx: ctx, store: store}),
		backup.WithNamespacePrefix(a.cfg.Sync.NamespacePrefix),
		backup.WithLogger(a.logger),
	)
	return svc, store, nil
}

func newExportCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export [keys...]",
		Short: "Write a snapshot of the given keys, or of every key, to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, store, err := a.backupService(ctx)
			if err != nil {
				return err
			}

			keys := args
			if len(keys) == 0 {
				all, err := store.Keys(ctx)
				if err != nil {
					return err
				}
				for _, k := range all {
					if strings.HasPrefix(k, a.cfg.Sync.NamespacePrefix) {
						keys = append(keys, k)
					}
				}
			}

			snap, err := svc.Export(keys)
			if err != nil {
				return err
			}
			if out == "-" {
				enc := json.NewEncoder(a.out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			if err := backup.WriteFile(out, snap); err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "Exported %d keys to %s\n", len(keys), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "-", "snapshot file, - for stdout")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var in string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore a snapshot file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := backup.ReadFile(in)
			if err != nil {
				return err
			}
			svc, _, err := a.backupService(cmd.Context())
			if err != nil {
				return err
			}

			summary, err := svc.Import(cmd.Context(), raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "Restored %d, skipped %d, failed %d\n",
				len(summary.Restored), len(summary.Skipped), len(summary.Failed))
			return summary.Err()
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "snapshot file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}
