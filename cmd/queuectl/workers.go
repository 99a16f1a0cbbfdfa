package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Soumish2004/Flam-QueueCTL/internal/supervisor"
	"github.com/Soumish2004/Flam-QueueCTL/internal/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage worker processes",
	}
	cmd.AddCommand(workerStartCmd(), workerStopCmd(), workerRunCmd())
	return cmd
}

func workerStartCmd() *cobra.Command {
	var (
		count      int
		foreground bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start worker processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if foreground && count > 1 {
				return fmt.Errorf("foreground mode supports exactly 1 worker, got %d", count)
			}

			// Foreground: run the loop in this process so execution is
			// visible live. Ctrl-C finishes the in-flight job, then exits.
			if foreground {
				return runWorkerLoop(cmd, "")
			}

			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			started, err := supervisor.New(e.store).Start(cmd.Context(), count)
			if err != nil {
				return err
			}
			fmt.Printf("Started %d worker(s)\n", len(started))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of workers to start")
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run one worker in the foreground")
	return cmd
}

func workerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop all worker processes",
		Long:  "Stop all workers. Each worker finishes its current job before exiting.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			stopped, err := supervisor.New(e.store).Stop(cmd.Context())
			if err != nil {
				return err
			}
			if stopped == 0 {
				fmt.Println("No workers to stop")
				return nil
			}
			fmt.Printf("Stopped %d worker(s)\n", stopped)
			return nil
		},
	}
}

// workerRunCmd is the detached worker entry point the supervisor re-execs.
// Hidden: operators use `worker start`.
func workerRunCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run a single worker loop in this process",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkerLoop(cmd, workerID)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker identity (generated if empty)")
	return cmd
}

// runWorkerLoop runs one worker execution loop until SIGTERM or SIGINT.
func runWorkerLoop(cmd *cobra.Command, workerID string) error {
	e, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	worker.NewRunner(e.store, workerID, e.cfg.PollInterval).Run(ctx)
	return nil
}
