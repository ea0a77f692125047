package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aurora-admin/aurora/pkg/manager"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone worker pool",
	Long: `Run only the job worker pool against the shared redis queue.

Workers scale horizontally: every process competes for the same jobs,
and the per-server locks inside each job keep host mutations safe. The
API and the scheduler stay with the serve process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntime()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mgr, err := manager.New(ctx, cfg, manager.Options{Version: Version})
		if err != nil {
			return fmt.Errorf("failed to start: %v", err)
		}
		return mgr.Run(ctx)
	},
}
