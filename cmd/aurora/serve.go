package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aurora-admin/aurora/pkg/manager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full control plane",
	Long: `Run the control API, the worker pool and the periodic scheduler
in one process.

This is the normal single-node deployment. Extra capacity comes from
additional 'aurora worker' processes pointed at the same redis; the
scheduler must only ever run here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntime()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mgr, err := manager.New(ctx, cfg, manager.Options{
			API:       true,
			Scheduler: true,
			Version:   Version,
		})
		if err != nil {
			return fmt.Errorf("failed to start: %v", err)
		}
		return mgr.Run(ctx)
	},
}
