package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Soumish2004/Flam-QueueCTL/internal/queue"
	"github.com/Soumish2004/Flam-QueueCTL/internal/store"
	"github.com/Soumish2004/Flam-QueueCTL/internal/supervisor"
)

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		id          string
		command     string
		maxRetries  int
		timeout     int
		backoffBase int
		priority    int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a new job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			ctx := cmd.Context()

			// Per-job flags win; otherwise the config table, then compiled
			// defaults.
			defMaxRetries, defBackoffBase, err := e.store.JobDefaults(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-retries") {
				maxRetries = defMaxRetries
			}
			if !cmd.Flags().Changed("backoff-base") {
				backoffBase = defBackoffBase
			}
			if maxRetries < 0 {
				return fmt.Errorf("max-retries must be non-negative, got %d", maxRetries)
			}
			if timeout < 1 {
				return fmt.Errorf("timeout must be positive, got %d", timeout)
			}
			if backoffBase < 1 {
				return fmt.Errorf("backoff-base must be at least 1, got %d", backoffBase)
			}

			job := &queue.Job{
				ID:          id,
				Command:     command,
				MaxRetries:  maxRetries,
				Timeout:     timeout,
				BackoffBase: backoffBase,
				Priority:    priority,
			}
			if err := e.store.Enqueue(ctx, job); err != nil {
				return err
			}
			fmt.Printf("Job %q enqueued successfully\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "unique job identifier")
	cmd.Flags().StringVar(&command, "command", "", "shell command to execute")
	cmd.Flags().IntVar(&maxRetries, "max-retries", queue.DefaultMaxRetries, "maximum retry attempts before the DLQ")
	cmd.Flags().IntVar(&timeout, "timeout", int(queue.DefaultTimeout/time.Second), "execution timeout in seconds")
	cmd.Flags().IntVar(&backoffBase, "backoff-base", queue.DefaultBackoffBase, "base for exponential backoff")
	cmd.Flags().IntVar(&priority, "priority", queue.DefaultPriority, "job priority (higher = more urgent)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

// ── list / show / status ──────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.Filter{}
			if state != "" {
				st := queue.State(state)
				if !st.Valid() {
					return fmt.Errorf("unknown state %q", state)
				}
				filter.State = st
			}

			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			jobs, err := e.store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				if state != "" {
					fmt.Printf("No jobs with state %q\n", state)
				} else {
					fmt.Println("No jobs found")
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCOMMAND\tSTATE\tATTEMPTS\tPRIORITY\tWAIT\tEFFECTIVE\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\n",
					j.ID, truncate(j.Command, 40), j.State,
					j.Attempts, j.MaxRetries,
					j.Priority, j.WaitingTime, j.EffectivePriority(),
					fmtTime(j.CreatedAt),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (pending, processing, completed, failed, dead)")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show detailed information about a job, including its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			job, err := e.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %q not found", args[0])
			}

			fmt.Printf("Job:          %s\n", job.ID)
			fmt.Printf("Command:      %s\n", job.Command)
			fmt.Printf("State:        %s\n", job.State)
			fmt.Printf("Attempts:     %d/%d\n", job.Attempts, job.MaxRetries)
			fmt.Printf("Priority:     %d\n", job.Priority)
			fmt.Printf("Waiting time: %d\n", job.WaitingTime)
			fmt.Printf("Effective:    %d (priority + waiting_time)\n", job.EffectivePriority())
			fmt.Printf("Timeout:      %ds\n", job.Timeout)
			if job.ExecutionTime != nil {
				fmt.Printf("Exec time:    %.3fs\n", *job.ExecutionTime)
			}
			if job.NextRetryAt != nil {
				fmt.Printf("Next retry:   %s\n", fmtTime(*job.NextRetryAt))
			}
			if job.LockedBy != nil {
				fmt.Printf("Locked by:    %s\n", *job.LockedBy)
			}
			fmt.Printf("Created:      %s\n", fmtTime(job.CreatedAt))
			fmt.Printf("Updated:      %s\n", fmtTime(job.UpdatedAt))
			if job.ErrorMessage != nil && *job.ErrorMessage != "" {
				fmt.Printf("\nError:\n%s\n", *job.ErrorMessage)
			}
			if job.Output != nil && *job.Output != "" {
				fmt.Printf("\nOutput:\n%s\n", *job.Output)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts by state and active workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			ctx := cmd.Context()

			counts, err := e.store.CountByState(ctx)
			if err != nil {
				return err
			}
			workers, err := supervisor.New(e.store).Active(ctx)
			if err != nil {
				return err
			}

			total := 0
			for _, n := range counts {
				total += n
			}
			fmt.Printf("Total jobs:   %d\n", total)
			fmt.Printf("  pending:    %d\n", counts[queue.StatePending])
			fmt.Printf("  processing: %d\n", counts[queue.StateProcessing])
			fmt.Printf("  completed:  %d\n", counts[queue.StateCompleted])
			fmt.Printf("  failed:     %d\n", counts[queue.StateFailed])
			fmt.Printf("  dead (DLQ): %d\n", counts[queue.StateDead])
			fmt.Printf("Workers:      %d active\n", len(workers))
			for _, w := range workers {
				fmt.Printf("  %s (pid %d, since %s)\n", w.ID, w.PID, fmtTime(w.StartedAt))
			}
			return nil
		},
	}
}

// ── dequeue / clear / release ─────────────────────────────────────────────────

func dequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dequeue <job-id>",
		Short: "Remove a job from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			removed, err := e.store.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("job %q not found", args[0])
			}
			fmt.Printf("Job %q removed from queue\n", args[0])
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes && !confirm("This will delete ALL jobs. Are you sure? [y/N] ") {
				fmt.Println("Aborted")
				return nil
			}
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("All jobs cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip confirmation")
	return cmd
}

func releaseCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Reset stale processing jobs back to pending",
		Long: `Reset jobs stuck in processing back to pending.

A worker that crashes mid-execution leaves its job locked in the processing
state. After stopping workers, run this to make such jobs claimable again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.store.ReleaseStale(cmd.Context(), staleAfter)
			if err != nil {
				return err
			}
			fmt.Printf("Released %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Minute, "minimum lock age to consider a job stuck")
	return cmd
}

// ── dlq ───────────────────────────────────────────────────────────────────────

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue operations",
	}
	cmd.AddCommand(dlqListCmd(), dlqRetryCmd(), dlqClearCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs in the dead-letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			jobs, err := e.store.ListDead(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("Dead-letter queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCOMMAND\tATTEMPTS\tERROR\tFAILED AT")
			for _, j := range jobs {
				errMsg := ""
				if j.ErrorMessage != nil {
					errMsg = *j.ErrorMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					j.ID, truncate(j.Command, 30), j.Attempts,
					truncate(errMsg, 40), fmtTime(j.UpdatedAt),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nTotal: %d job(s) in DLQ\n", len(jobs))
			return nil
		},
	}
}

func dlqRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead job back to the pending queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.store.RetryDead(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Job %q moved back to pending queue\n", args[0])
			return nil
		},
	}
}

func dlqClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all jobs in the dead-letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.store.ClearDead(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d job(s) from DLQ\n", n)
			return nil
		},
	}
}

// ── config ────────────────────────────────────────────────────────────────────

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage engine-wide defaults (max-retries, backoff-base)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a configuration value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer e.close()

				if err := e.store.SetConfig(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Set %s = %s\n", args[0], args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Get a configuration value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer e.close()

				value, ok, err := e.store.GetConfig(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("config key %q not found", args[0])
				}
				fmt.Printf("%s = %s\n", args[0], value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List all configuration values",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				e, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer e.close()

				cfg, err := e.store.AllConfig(cmd.Context())
				if err != nil {
					return err
				}
				if len(cfg) == 0 {
					fmt.Println("No configuration set")
					return nil
				}
				for k, v := range cfg {
					fmt.Printf("%s = %s\n", k, v)
				}
				return nil
			},
		},
	)
	return cmd
}

// confirm prompts on stdout and reads a y/N answer from stdin.
func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
