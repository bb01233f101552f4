package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"calbot/internal/reconcile"
)

// NewOnceCommand creates the command that runs one pass of every handler
// and prints the reports.
func NewOnceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "once",
		Short:         "Run a single reconciliation pass of every handler and exit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(rootOpts.Config)
			if err != nil {
				return err
			}
			defer a.Close()

			// REST calls work without opening the websocket.
			reports, runErr := reconcile.RunOnce(ctx, a.rec)
			if err := writeReports(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			return runErr
		},
	}
}

func writeReports(w io.Writer, reports []reconcile.PassReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return fmt.Errorf("write reports: %w", err)
	}
	return nil
}
