package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chainflow/pkg/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	root := &cobra.Command{
		Use:          "chainflowctl",
		Short:        "Operate a running chainflow service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("CHAINFLOW_URL", "http://localhost:8080"), "Service base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	api := func() *client { return newClient(server, timeout) }

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show dispatch, scheduler and webhook counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := api().stats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	})

	var filter models.RunFilter
	var status string
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List chain runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = models.RunStatus(status)
			list, err := api().runs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), list)
			return nil
		},
	}
	runsCmd.Flags().StringVar(&status, "status", "", "pending, active, completed, cancelled or failed")
	runsCmd.Flags().StringVar(&filter.ChainID, "chain", "", "Only runs of this chain")
	runsCmd.Flags().StringVar(&filter.EntityID, "entity", "", "Only runs for this entity")
	runsCmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum rows")
	root.AddCommand(runsCmd)

	var deadLimit int
	deadCmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List webhook jobs that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := api().deadLetters(cmd.Context(), deadLimit)
			if err != nil {
				return err
			}
			printDeadLetters(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	deadCmd.Flags().IntVar(&deadLimit, "limit", 50, "Maximum rows")
	root.AddCommand(deadCmd)

	root.AddCommand(&cobra.Command{
		Use:   "requeue JOB_ID",
		Short: "Put a dead webhook job back in its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().requeue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s job %s\n", color.New(color.FgGreen).Sprint("REQUEUED"), args[0])
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel an open run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := api().cancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s run %s (%s)\n", color.New(color.FgYellow).Sprint("CANCELLED"), run.ID, run.CancelReason)
			return nil
		},
	})
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printStats(w io.Writer, stats *models.OperationalStats) {
	d := stats.Dispatch
	fmt.Fprintln(w, color.New(color.Bold).Sprint("Dispatch"))
	fmt.Fprintf(w, "  active %d/%d  pending %d/%d  total %d  avg %.1fms\n",
		d.ActiveRequests, d.ConcurrencyLimit, d.PendingRequests, d.MaxPending, d.TotalRequests, d.AvgLatencyMs)
	fmt.Fprintf(w, "  failed %s  saturated %s\n", warnCount(d.FailedRequests), warnCount(d.SaturatedRequests))

	s := stats.Scheduler
	fmt.Fprintln(w, color.New(color.Bold).Sprint("Scheduler"))
	fmt.Fprintf(w, "  active runs %d  due steps %d  ticks %d (skipped %d)\n", s.ActiveRuns, s.PendingSteps, s.Ticks, s.SkippedTicks)
	fmt.Fprintf(w, "  failed runs %s\n", warnCount(int64(s.FailedRuns)))

	q := stats.Webhooks
	fmt.Fprintln(w, color.New(color.Bold).Sprint("Webhooks"))
	fmt.Fprintf(w, "  queued %d  processing %d  dead %s\n", q.Queued, q.Processing, warnCount(int64(q.Dead)))
}

func warnCount(n int64) string {
	if n == 0 {
		return color.New(color.FgGreen).Sprint(n)
	}
	return color.New(color.FgRed).Sprint(n)
}

func statusColor(status models.RunStatus) string {
	switch status {
	case models.RunActive, models.RunPending:
		return color.New(color.FgBlue).Sprint(status)
	case models.RunCompleted:
		return color.New(color.FgGreen).Sprint(status)
	case models.RunFailed:
		return color.New(color.FgRed).Sprint(status)
	default:
		return color.New(color.FgYellow).Sprint(status)
	}
}

func printRuns(w io.Writer, list []*models.ChainRun) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHAIN\tENTITY\tSTATUS\tSTEP\tNEXT\tDETAIL")
	for _, run := range list {
		next := "-"
		if run.NextFireAt != nil {
			next = run.NextFireAt.Local().Format(time.DateTime)
		}
		detail := run.CancelReason
		if run.LastError != "" {
			detail = run.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			run.ID, run.ChainID, run.EntityID, statusColor(run.Status), run.CurrentStepIndex+1, next, detail)
	}
	tw.Flush()
}

func printDeadLetters(w io.Writer, jobs []*models.WebhookJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, color.New(color.FgGreen).Sprint("no dead letters"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tATTEMPTS\tRECEIVED\tERROR")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			job.ID, job.SourceID, job.Attempts, job.ReceivedAt.Local().Format(time.DateTime), job.LastError)
	}
	tw.Flush()
}
