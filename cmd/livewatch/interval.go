package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newIntervalCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interval",
		Short: "Print the durable check interval in seconds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			seconds, err := store.CheckInterval(cmd.Context())
			if err != nil {
				return fmt.Errorf("read check interval: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), seconds)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set SECONDS",
		Short: "Update the check interval; a running instance picks it up on its next tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.Atoi(args[0])
			if err != nil || seconds <= 0 {
				return fmt.Errorf("interval must be a positive integer, got %q", args[0])
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetCheckInterval(cmd.Context(), seconds); err != nil {
				return fmt.Errorf("update check interval: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "check interval set to %ds\n", seconds)
			return nil
		},
	})
	return cmd
}
