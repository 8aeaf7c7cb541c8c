package conflictscmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/classtab/roster-sync/apps/cli/api"
)

// conflictDocument mirrors the API's conflict wire shape.
type conflictDocument struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Severity       string     `json:"severity"`
	KeyA           string     `json:"keyA"`
	KeyB           string     `json:"keyB"`
	CanonicalA     *string    `json:"canonicalA"`
	CanonicalB     *string    `json:"canonicalB"`
	Description    string     `json:"description"`
	DetectedCount  int        `json:"detectedCount"`
	ResolvedBy     string     `json:"resolvedBy"`
	ResolvedAt     *time.Time `json:"resolvedAt"`
	ResolutionNote string     `json:"resolutionNote"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Command groups identity conflict operations against a running API server.
func Command() *cobra.Command {
	var (
		apiURL   string
		tenantID string
	)

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve identity conflicts",
	}

	cmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:3000", "Base URL of the API server")
	cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "Tenant id")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	cmd.AddCommand(listCommand(&apiURL, &tenantID))
	cmd.AddCommand(showCommand(&apiURL, &tenantID))
	cmd.AddCommand(resolveCommand(&apiURL, &tenantID))

	return cmd
}

func conflictsPath(tenantID string) string {
	return fmt.Sprintf("/api/v1/tenants/%s/sync/conflicts", tenantID)
}

func listCommand(apiURL, tenantID *string) *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	c := &cobra.Command{
		Use:   "list",
		Short: "List identity conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			path := fmt.Sprintf("%s?limit=%d&offset=%d", conflictsPath(*tenantID), limit, offset)
			if status != "" {
				path += "&status=" + status
			}

			var out struct {
				Conflicts []conflictDocument `json:"conflicts"`
				Total     int                `json:"total"`
			}
			if err := api.New(*apiURL).Get(ctx, path, &out); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSEVERITY\tSEEN\tKEYS")
			for _, c := range out.Conflicts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s | %s\n",
					c.ID, c.Type, c.Status, c.Severity, c.DetectedCount, c.KeyA, c.KeyB)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d conflicts.\n", len(out.Conflicts), out.Total)
			return nil
		},
	}

	c.Flags().StringVar(&status, "status", "", "Filter by status (e.g. OPEN, DISMISSED)")
	c.Flags().IntVar(&limit, "limit", 50, "Page size")
	c.Flags().IntVar(&offset, "offset", 0, "Page offset")

	return c
}

func showCommand(apiURL, tenantID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show one conflict in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var c conflictDocument
			if err := api.New(*apiURL).Get(ctx, conflictsPath(*tenantID)+"/"+args[0], &c); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Conflict:    %s\n", c.ID)
			fmt.Fprintf(w, "Type:        %s (%s)\n", c.Type, c.Severity)
			fmt.Fprintf(w, "Status:      %s\n", c.Status)
			fmt.Fprintf(w, "Keys:        %s | %s\n", c.KeyA, c.KeyB)
			if c.CanonicalA != nil && c.CanonicalB != nil {
				fmt.Fprintf(w, "Canonicals:  %s | %s\n", *c.CanonicalA, *c.CanonicalB)
			}
			fmt.Fprintf(w, "Seen:        %d times since %s\n", c.DetectedCount, c.CreatedAt.Format(time.RFC3339))
			if c.Description != "" {
				fmt.Fprintf(w, "Detail:      %s\n", c.Description)
			}
			if c.ResolvedAt != nil {
				fmt.Fprintf(w, "Resolved:    by %s at %s\n", c.ResolvedBy, c.ResolvedAt.Format(time.RFC3339))
				if c.ResolutionNote != "" {
					fmt.Fprintf(w, "Note:        %s\n", c.ResolutionNote)
				}
			}
			return nil
		},
	}
}

func resolveCommand(apiURL, tenantID *string) *cobra.Command {
	var (
		action     string
		resolvedBy string
		note       string
		winner     string
	)

	c := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict (merge, keep-separate, manual, dismiss)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			body := map[string]any{
				"action":     action,
				"resolvedBy": resolvedBy,
			}
			if note != "" {
				body["note"] = note
			}
			if winner != "" {
				body["winner"] = winner
			}

			var c conflictDocument
			path := conflictsPath(*tenantID) + "/" + args[0] + "/resolve"
			if err := api.New(*apiURL).Post(ctx, path, body, &c); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s is now %s.\n", c.ID, c.Status)
			return nil
		},
	}

	c.Flags().StringVar(&action, "action", "", "Resolution action: merge, keep-separate, manual, or dismiss")
	c.Flags().StringVar(&resolvedBy, "resolved-by", "", "Operator identity recorded on the conflict")
	c.Flags().StringVar(&note, "note", "", "Free-form resolution note")
	c.Flags().StringVar(&winner, "winner", "", "Surviving canonical user id on merge")
	_ = c.MarkFlagRequired("action")
	_ = c.MarkFlagRequired("resolved-by")

	return c
}
