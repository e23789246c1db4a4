package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/statesync/errors"
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the stored value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.syncStore(cmd.Context())
			if err != nil {
				return err
			}
			value, found, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", errors.ErrNotFound, args[0])
			}

			var buf bytes.Buffer
			if err := json.Indent(&buf, value, "", "  "); err != nil {
				return errors.WrapInvalid(err, "cli", "get", "format value")
			}
			buf.WriteByte('\n')
			_, err = buf.WriteTo(a.out(cmd))
			return err
		},
	}
}

func newGCCmd(a *app) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete shard documents no longer referenced by any key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := a.cfg.Sync.GCGrace
			if cmd.Flags().Changed("grace") {
				d = grace
			}

			store, err := a.syncStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := store.CollectGarbage(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "Removed %d orphaned shards\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "only remove shards older than this (default: sync.gc_grace)")
	return cmd
}
