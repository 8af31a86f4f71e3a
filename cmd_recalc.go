package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"loadengine/internal/service"
	"loadengine/internal/store"
)

var (
	recalcOwner  int64
	recalcReason string
)

// recalcCmd groups the recalculation job commands
var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Run and manage recalculation jobs",
}

var recalcRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a pending recalculation job to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.engine.Run(ctx, args[0]); err != nil {
				return err
			}
			return printJob(ctx, a, args[0])
		})(cmd, args)
	},
}

var recalcResumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Continue an interrupted job from its last checkpoint",
	Long: `Continue an interrupted job from its last checkpoint. Without a job id every
job left running by a stopped process is resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if len(args) == 1 {
				if err := a.engine.Resume(ctx, args[0]); err != nil {
					return err
				}
				return printJob(ctx, a, args[0])
			}
			summary, err := a.engine.ResumeInterrupted(ctx)
			printSummary("Resumed", summary)
			return err
		})(cmd, args)
	},
}

var recalcPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Run every pending job",
	RunE: withApp(func(ctx context.Context, a *app) error {
		summary, err := a.engine.RunPending(ctx)
		printSummary("Ran", summary)
		return err
	}),
}

var recalcAbortCmd = &cobra.Command{
	Use:   "abort <job-id>",
	Short: "Stop a job; live metrics keep the previous configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.engine.Abort(ctx, args[0], recalcReason); err != nil {
				return err
			}
			return printJob(ctx, a, args[0])
		})(cmd, args)
	},
}

var recalcRollbackCmd = &cobra.Command{
	Use:   "rollback <job-id>",
	Short: "Discard a failed job's staged data and abandon its configuration version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.engine.Rollback(ctx, args[0]); err != nil {
				return err
			}
			return printJob(ctx, a, args[0])
		})(cmd, args)
	},
}

var recalcStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's progress and checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return printJob(ctx, a, args[0])
		})(cmd, args)
	},
}

var recalcListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's recalculation jobs",
	RunE: withApp(func(ctx context.Context, a *app) error {
		reports, err := a.query.Jobs(ctx, recalcOwner)
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Println("No recalculation jobs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATUS\tVERSIONS\tAS OF\tBATCHES\tSTAGED\tCREATED")
		for _, rep := range reports {
			j := rep.Job
			fmt.Fprintf(w, "%s\t%s\tv%d -> v%d\t%s\t%d\t%s\t%s\n",
				j.ID, j.Status, j.PreviousVersion, j.TargetVersion, j.AsOf,
				j.BatchesDone, humanize.Comma(int64(rep.StagedRows)), humanize.Time(j.CreatedAt))
		}
		return w.Flush()
	}),
}

func init() {
	rootCmd.AddCommand(recalcCmd)
	recalcCmd.AddCommand(recalcRunCmd, recalcResumeCmd, recalcPendingCmd,
		recalcAbortCmd, recalcRollbackCmd, recalcStatusCmd, recalcListCmd)

	recalcAbortCmd.Flags().StringVar(&recalcReason, "reason", "", "Reason recorded on the job")
	recalcListCmd.Flags().Int64Var(&recalcOwner, "owner", 0, "Owner id")
	_ = recalcListCmd.MarkFlagRequired("owner")
}

func printJob(ctx context.Context, a *app, id string) error {
	rep, err := a.engine.Status(ctx, id)
	if err != nil {
		return err
	}
	j := rep.Job

	fmt.Printf("Job %s (owner %d)\n", j.ID, j.OwnerID)
	fmt.Printf("  Status:    %s\n", j.Status)
	fmt.Printf("  Versions:  v%d -> v%d\n", j.PreviousVersion, j.TargetVersion)
	fmt.Printf("  As of:     %s\n", j.AsOf)
	fmt.Printf("  Batches:   %d\n", j.BatchesDone)
	if !j.Cursor.IsZero() {
		fmt.Printf("  Through:   %s\n", j.Cursor)
	}
	fmt.Printf("  Created:   %s\n", humanize.Time(j.CreatedAt))
	if j.StartedAt != nil {
		fmt.Printf("  Started:   %s\n", humanize.Time(*j.StartedAt))
	}
	if j.FinishedAt != nil {
		fmt.Printf("  Finished:  %s\n", humanize.Time(*j.FinishedAt))
		if j.StartedAt != nil {
			fmt.Printf("  Took:      %s\n", j.FinishedAt.Sub(*j.StartedAt).Round(time.Millisecond))
		}
	}
	if rep.StagedRows > 0 {
		fmt.Printf("  Staged:    %s rows\n", humanize.Comma(int64(rep.StagedRows)))
	}
	if j.Error != "" {
		fmt.Printf("  Error:     %s\n", j.Error)
	}

	if len(rep.Checkpoints) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  SEQ\tFROM\tTO\tROWS\tACTIVITIES\tDIGEST")
		for _, cp := range rep.Checkpoints {
			fmt.Fprintf(w, "  %d\t%s\t%s\t%d\t%d\t%s\n",
				cp.Seq, cp.BatchStart, cp.BatchEnd, cp.RowCount, cp.ActivityCount, cp.Digest)
		}
		return w.Flush()
	}
	return nil
}

func printSummary(verb string, s *service.RunSummary) {
	if s == nil {
		return
	}
	if len(s.Completed) == 0 && len(s.Failed) == 0 {
		fmt.Println("No jobs to run")
		return
	}
	fmt.Printf("%s %d job(s)\n", verb, len(s.Completed)+len(s.Failed))
	for _, id := range s.Completed {
		fmt.Printf("  %s  %s\n", id, store.JobCompleted)
	}

	ids := make([]string, 0, len(s.Failed))
	for id := range s.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %s  %v\n", id, s.Failed[id])
	}
}
