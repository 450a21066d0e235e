package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	conversationsPage  int
	conversationsLimit int
	conversationsJSON  bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().IntVar(&conversationsPage, "page", 1, "page number")
	conversationsCmd.Flags().IntVarP(&conversationsLimit, "limit", "n", 20, "page size")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEngineConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		page, err := newRESTClient(cfg).ListConversations(ctx, chatsync.PageRequest{Page: conversationsPage, Limit: conversationsLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if conversationsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}

		if len(page.Items) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tNAME\tUNREAD\tLAST ACTIVITY")
		for _, c := range page.Items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Kind, c.Name, c.UnreadCount, c.LastActivity.Format(time.RFC3339))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if page.Info.HasNextPage {
			fmt.Fprintf(out, "\nMore available: --page %d\n", page.Info.CurrentPage+1)
		}
		return nil
	},
}
