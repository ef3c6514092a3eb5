package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle runs whose workers died",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rs, err := a.repo(ctx)
			if err != nil {
				return err
			}
			if watch {
				rs.Reconciler.Watch(ctx)
				return nil
			}
			stats := rs.Reconciler.ReconcileAll(ctx)
			fmt.Printf("scanned=%d transitioned=%d skipped=%d errors=%d\n",
				stats.Scanned, stats.Transitioned, stats.Skipped, stats.Errors)
			if stats.Errors > 0 {
				return fmt.Errorf("%d runs failed to reconcile", stats.Errors)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reconcile continuously until interrupted")
	return cmd
}
