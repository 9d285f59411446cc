package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ampherd/ampherd/internal/controller"
	"github.com/ampherd/ampherd/pkg/models"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run plan matrices across repositories",
}

var batchRunCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a batch plan to completion",
	Long: `Execute a batch plan to completion.

Each matrix item becomes one session: the agent runs once, the script
command judges the result, and with mergeOnPass the branch lands on its
base. Interrupting with Ctrl-C aborts the run: queued items are skipped
and in-flight agents are stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			run, err := c.RunBatch(ctx, args[0])
			if err != nil {
				return err
			}
			counts, err := c.BatchProgress(ctx, run.RunID)
			if err != nil {
				return err
			}
			fmt.Printf("run %s %s\n", run.RunID, run.Status)
			for _, status := range []models.BatchItemStatus{
				models.ItemSuccess, models.ItemFail, models.ItemError,
				models.ItemTimeout, models.ItemAborted,
			} {
				if n := counts[status]; n > 0 {
					fmt.Printf("  %-8s %d\n", status, n)
				}
			}
			if run.Status != models.BatchCompleted {
				os.Exit(1)
			}
			return nil
		})
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			runs, err := c.ListBatchRuns(ctx)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%-36s  %-10s  concurrency %d  %s\n",
					r.RunID, r.Status, r.Concurrency,
					r.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		})
	},
}

var batchShowCmd = &cobra.Command{
	Use:   "show <run>",
	Short: "Show a run and its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			run, err := c.GetBatchRun(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("run %s: %s, concurrency %d\n", run.RunID, run.Status, run.Concurrency)
			items, err := c.ListBatchItems(ctx, run.RunID)
			if err != nil {
				return err
			}
			for _, it := range items {
				session := it.SessionID
				if session == "" {
					session = "-"
				}
				fmt.Printf("  %-8s  attempt %d  tokens %-8d  %s  %s\n",
					it.Status, it.Attempt, it.TokensTotal, session, it.Repo)
			}
			return nil
		})
	},
}

var batchAbortCmd = &cobra.Command{
	Use:   "abort <run>",
	Short: "Abort a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			if err := c.AbortBatch(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("abort requested")
			return nil
		})
	},
}

var exportOut string

var batchExportCmd = &cobra.Command{
	Use:   "export <run>",
	Short: "Export a run and its events as NDJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			w := os.Stdout
			if exportOut != "" {
				f, err := os.Create(exportOut)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return c.ExportRun(ctx, w, args[0])
		})
	},
}

func init() {
	batchExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "write to a file instead of stdout")

	batchCmd.AddCommand(batchRunCmd)
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchShowCmd)
	batchCmd.AddCommand(batchAbortCmd)
	batchCmd.AddCommand(batchExportCmd)
}
