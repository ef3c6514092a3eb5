package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/car/internal/lifecycle"
)

func newInboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Attention items across configured repos",
	}
	cmd.AddCommand(newInboxListCmd(a), newInboxResolveCmd(a))
	return cmd
}

func newInboxListCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items needing a human decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services()
			if err != nil {
				return err
			}
			items, err := svc.Inbox(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("inbox is empty")
				return nil
			}
			for _, it := range items {
				line := fmt.Sprintf("%-10s %-20s run=%s", it.RepoID, it.ItemType, it.RunID)
				if it.DispatchSeq > 0 {
					line += fmt.Sprintf(" seq=%d mode=%s", it.DispatchSeq, it.Mode)
				}
				if it.Summary != "" {
					line += " " + it.Summary
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "machine-readable output")
	return cmd
}

func newInboxResolveCmd(a *app) *cobra.Command {
	var runID, itemType, reason string
	var seq int
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Dismiss an item so it stops resurfacing",
		RunE: func(_ *cobra.Command, _ []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id is required")
			}
			root, err := filepath.Abs(a.repoRoot)
			if err != nil {
				return err
			}
			if err := lifecycle.Dismiss(root, lifecycle.Dismissal{
				RunID:    runID,
				ItemType: itemType,
				Seq:      seq,
				Reason:   reason,
			}); err != nil {
				return err
			}
			fmt.Printf("dismissed run_id=%s\n", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run whose item to dismiss")
	cmd.Flags().StringVar(&itemType, "item-type", "", "restrict the dismissal to one item type")
	cmd.Flags().IntVar(&seq, "seq", 0, "restrict the dismissal to one dispatch seq")
	cmd.Flags().StringVar(&reason, "reason", "", "why the item was resolved")
	return cmd
}
