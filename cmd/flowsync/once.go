package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sync cycle and exit",
	Long:  "Push pending operations and pull the remote delta once. Exit status reflects the cycle outcome.",
	RunE:  runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	rt, err := buildAgent()
	if err != nil {
		return err
	}
	defer rt.cache.Close()

	ctx := context.Background()

	// One skew measurement first so merge comparisons are calibrated.
	if err := rt.skew.Refresh(ctx); err != nil {
		rt.logger.Warn("clock skew refresh failed", "error", err)
	}

	if err := rt.coord.RunOnce(ctx); err != nil {
		return err
	}

	status := rt.coord.Status().Get()
	fmt.Fprintf(cmd.OutOrStdout(), "Sync complete: state=%s pending=%d\n",
		status.State, status.PendingCount)
	return nil
}
