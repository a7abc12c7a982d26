package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Ask the running backup or restore to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "control", false)
		if err != nil {
			return err
		}
		defer a.close()

		tenant := a.cfg.Tenant.ID
		held, err := a.leases.IsHeld(cmd.Context(), tenant)
		if err != nil {
			return err
		}
		if err := a.leases.Abort(cmd.Context(), tenant); err != nil {
			return err
		}

		if held {
			fmt.Fprintln(cmd.OutOrStdout(), "Abort requested. The running operation will stop shortly.")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "No operation is running. The abort flag is cleared when the next one starts.")
		}
		return nil
	},
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a backup or restore is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "control", false)
		if err != nil {
			return err
		}
		defer a.close()

		tenant := a.cfg.Tenant.ID
		held, err := a.leases.IsHeld(cmd.Context(), tenant)
		if err != nil {
			return err
		}
		aborting, err := a.leases.ShouldAbort(cmd.Context(), tenant)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			return json.NewEncoder(out).Encode(map[string]any{
				"tenant":          tenant,
				"running":         held,
				"abort_requested": held && aborting,
			})
		}

		switch {
		case held && aborting:
			fmt.Fprintf(out, "%s: operation running, abort requested\n", tenant)
		case held:
			fmt.Fprintf(out, "%s: operation running\n", tenant)
		default:
			fmt.Fprintf(out, "%s: idle\n", tenant)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(abortCmd, statusCmd)
}
