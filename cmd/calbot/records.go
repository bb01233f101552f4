package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"calbot/internal/model"
	"calbot/internal/store"
)

type recordsOutput struct {
	Events []model.EventRecord `json:"events"`
	Vetoes []model.Veto        `json:"vetoes"`
}

// NewRecordsCommand creates the command that dumps the persisted state.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "records",
		Short:         "Print stored event records and vetoes as JSON",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := store.Open(rootOpts.Config.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.List(ctx)
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}
			vetoes, err := st.ListVetoes(ctx)
			if err != nil {
				return fmt.Errorf("list vetoes: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(recordsOutput{Events: recs, Vetoes: vetoes})
		},
	}
}
