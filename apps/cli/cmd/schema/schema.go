package schemacmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/classtab/roster-sync/platform/go/persistence"
)

// Command groups schema helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Database schema utilities",
	}

	cmd.AddCommand(applyCommand())
	return cmd
}

func applyCommand() *cobra.Command {
	var databaseURL string

	c := &cobra.Command{
		Use:   "apply",
		Short: "Apply the roster schema (idempotent; safe to rerun)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
			if err != nil {
				return fmt.Errorf("init pool: %w", err)
			}
			defer persistence.ClosePool(pool)

			if err := persistence.BootstrapRosterSchema(ctx, pool); err != nil {
				return fmt.Errorf("apply roster schema: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Roster schema applied.")
			return nil
		},
	}

	c.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string")
	_ = c.MarkFlagRequired("database-url")

	return c
}
