package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/statesync/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = a.out(cmd).Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			created, err := config.WriteDefault(path)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(a.out(cmd), "%s already exists\n", path)
				return nil
			}
			fmt.Fprintf(a.out(cmd), "Wrote %s\n", path)
			return nil
		},
	})
	return cmd
}
