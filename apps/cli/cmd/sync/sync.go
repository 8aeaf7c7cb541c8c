package synccmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/classtab/roster-sync/apps/cli/api"
)

// runDocument mirrors the API's sync run wire shape.
type runDocument struct {
	ID          string                `json:"id"`
	Provider    string                `json:"provider"`
	Status      string                `json:"status"`
	FullSync    bool                  `json:"fullSync"`
	Trigger     string                `json:"trigger"`
	TriggeredBy string                `json:"triggeredBy"`
	Stats       map[string]*typeStats `json:"stats"`
	Errors      []map[string]any      `json:"errors"`
	Warnings    []string              `json:"warnings"`
	StartedAt   time.Time             `json:"startedAt"`
	CompletedAt *time.Time            `json:"completedAt"`
}

type typeStats struct {
	Fetched     int `json:"fetched"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
	Errors      int `json:"errors"`
}

// Command groups sync operations against a running API server.
func Command() *cobra.Command {
	var (
		apiURL   string
		tenantID string
		provider string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger and inspect sync runs",
	}

	cmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:3000", "Base URL of the API server")
	cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.PersistentFlags().StringVar(&provider, "provider", "", "Provider name")
	_ = cmd.MarkPersistentFlagRequired("tenant")
	_ = cmd.MarkPersistentFlagRequired("provider")

	cmd.AddCommand(triggerCommand(&apiURL, &tenantID, &provider))
	cmd.AddCommand(cancelCommand(&apiURL, &tenantID, &provider))
	cmd.AddCommand(statusCommand(&apiURL, &tenantID, &provider))
	cmd.AddCommand(historyCommand(&apiURL, &tenantID, &provider))

	return cmd
}

func syncPath(tenantID, provider string) string {
	return fmt.Sprintf("/api/v1/tenants/%s/providers/%s/sync", tenantID, provider)
}

func triggerCommand(apiURL, tenantID, provider *string) *cobra.Command {
	var (
		full        bool
		triggeredBy string
	)

	c := &cobra.Command{
		Use:   "trigger",
		Short: "Start a sync run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			body := map[string]any{"full": full}
			if triggeredBy != "" {
				body["triggeredBy"] = triggeredBy
			}

			var out struct {
				SyncRunID string `json:"syncRunId"`
				Status    string `json:"status"`
			}
			if err := api.New(*apiURL).Post(ctx, syncPath(*tenantID, *provider)+"/", body, &out); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sync run %s %s.\n", out.SyncRunID, out.Status)
			return nil
		},
	}

	c.Flags().BoolVar(&full, "full", false, "Force a full sync even when a delta token exists")
	c.Flags().StringVar(&triggeredBy, "triggered-by", "", "Operator identity recorded on the run")

	return c
}

func cancelCommand(apiURL, tenantID, provider *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Request cancellation of the running sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := api.New(*apiURL).Post(ctx, syncPath(*tenantID, *provider)+"/cancel", nil, nil); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Cancellation requested.")
			return nil
		},
	}
}

func statusCommand(apiURL, tenantID, provider *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show delta state and the latest run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var out struct {
				Provider         string       `json:"provider"`
				SyncStatus       string       `json:"syncStatus"`
				LastSyncTime     *time.Time   `json:"lastSyncTime"`
				LastFullSyncTime *time.Time   `json:"lastFullSyncTime"`
				HasDeltaToken    bool         `json:"hasDeltaToken"`
				LastRun          *runDocument `json:"lastRun"`
			}
			if err := api.New(*apiURL).Get(ctx, syncPath(*tenantID, *provider)+"/status", &out); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Provider:    %s\n", out.Provider)
			fmt.Fprintf(w, "State:       %s\n", out.SyncStatus)
			fmt.Fprintf(w, "Delta token: %v\n", out.HasDeltaToken)
			if out.LastSyncTime != nil {
				fmt.Fprintf(w, "Last sync:   %s\n", out.LastSyncTime.Format(time.RFC3339))
			}
			if out.LastFullSyncTime != nil {
				fmt.Fprintf(w, "Last full:   %s\n", out.LastFullSyncTime.Format(time.RFC3339))
			}
			if out.LastRun != nil {
				fmt.Fprintln(w)
				printRun(w, *out.LastRun)
			}
			return nil
		},
	}
}

func historyCommand(apiURL, tenantID, provider *string) *cobra.Command {
	var (
		limit  int
		offset int
	)

	c := &cobra.Command{
		Use:   "history",
		Short: "List past sync runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var out struct {
				Runs  []runDocument `json:"runs"`
				Total int           `json:"total"`
			}
			path := fmt.Sprintf("%s/history?limit=%d&offset=%d", syncPath(*tenantID, *provider), limit, offset)
			if err := api.New(*apiURL).Get(ctx, path, &out); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tSTATUS\tMODE\tTRIGGER\tSTARTED\tERRORS")
			for _, run := range out.Runs {
				mode := "delta"
				if run.FullSync {
					mode = "full"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
					run.ID, run.Status, mode, run.Trigger,
					run.StartedAt.Format(time.RFC3339), len(run.Errors))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d runs.\n", len(out.Runs), out.Total)
			return nil
		},
	}

	c.Flags().IntVar(&limit, "limit", 20, "Page size")
	c.Flags().IntVar(&offset, "offset", 0, "Page offset")

	return c
}

func printRun(w io.Writer, run runDocument) {
	fmt.Fprintf(w, "Run %s (%s", run.ID, run.Status)
	if run.FullSync {
		fmt.Fprint(w, ", full")
	}
	fmt.Fprintln(w, ")")

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tFETCHED\tCREATED\tUPDATED\tDEACTIVATED\tERRORS")
	for _, entityType := range []string{"schools", "classes", "users", "enrollments"} {
		stats := run.Stats[entityType]
		if stats == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
			entityType, stats.Fetched, stats.Created, stats.Updated, stats.Deactivated, stats.Errors)
	}
	_ = tw.Flush()
	for _, warning := range run.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
