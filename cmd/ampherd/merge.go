package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ampherd/ampherd/internal/controller"
	"github.com/ampherd/ampherd/internal/merge"
	"github.com/ampherd/ampherd/pkg/models"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Land a session branch on its base",
	Long: `Merge pipeline for session branches.

The usual flow is preflight, squash, rebase, ff. A rebase that stops on
conflicts leaves the worktree mid-rebase: resolve the files, stage them,
and run continue (or abort to restore the branch).`,
}

var mergePreflightCmd = &cobra.Command{
	Use:   "preflight <session>",
	Short: "Check whether the branch is ready to land",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			report, err := c.Preflight(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ahead %d, behind %d (branchpoint %.8s)\n",
				report.AheadBy, report.BehindBy, report.BranchpointSha)
			fmt.Printf("commits: %d automated, %d manual\n",
				report.AgentCommits, report.ManualCommits)
			if report.TestsPass != nil {
				result := "failing"
				if *report.TestsPass {
					result = "passing"
				}
				fmt.Printf("tests: %s\n", result)
			}
			if report.Ready() {
				fmt.Println("ready to land")
				return nil
			}
			fmt.Println("issues:")
			for _, issue := range report.Issues {
				fmt.Printf("  - %s\n", issue)
			}
			return nil
		})
	},
}

var (
	squashMessage    string
	squashKeepManual bool
)

var mergeSquashCmd = &cobra.Command{
	Use:   "squash <session>",
	Short: "Collapse the branch's work into a single commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			out, err := c.Squash(ctx, args[0], merge.SquashOptions{
				Message:    squashMessage,
				KeepManual: squashKeepManual,
			})
			if err != nil {
				return err
			}
			fmt.Printf("squashed to %.8s\n", out.Sha)
			return nil
		})
	},
}

var mergeRebaseCmd = &cobra.Command{
	Use:   "rebase <session>",
	Short: "Replay the branch onto its base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			out, err := c.Rebase(ctx, args[0])
			if err != nil {
				return err
			}
			printRebaseOutcome(out)
			return nil
		})
	},
}

var mergeContinueCmd = &cobra.Command{
	Use:   "continue <session>",
	Short: "Resume a conflicted rebase after resolving",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			out, err := c.ContinueMerge(ctx, args[0])
			if err != nil {
				return err
			}
			printRebaseOutcome(out)
			return nil
		})
	},
}

var mergeAbortCmd = &cobra.Command{
	Use:   "abort <session>",
	Short: "Abandon a conflicted rebase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			if _, err := c.AbortMerge(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("rebase aborted, branch restored")
			return nil
		})
	},
}

var (
	ffNoFF    bool
	ffMessage string
)

var mergeFFCmd = &cobra.Command{
	Use:   "ff <session>",
	Short: "Fast-forward the base branch onto the session's work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			out, err := c.FastForward(ctx, args[0], merge.FastForwardOptions{
				NoFF:    ffNoFF,
				Message: ffMessage,
			})
			if err != nil {
				return err
			}
			fmt.Printf("landed, base at %.8s\n", out.Sha)
			return nil
		})
	},
}

var mergeHistoryCmd = &cobra.Command{
	Use:   "history <session>",
	Short: "Show the session's merge audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			history, err := c.MergeHistory(ctx, args[0])
			if err != nil {
				return err
			}
			for _, h := range history {
				line := fmt.Sprintf("%s  %-12s  %s",
					h.StartedAt.Local().Format("2006-01-02 15:04:05"), h.Mode, h.Result)
				if len(h.ConflictFiles) > 0 {
					line += "  (" + strings.Join(h.ConflictFiles, ", ") + ")"
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

func printRebaseOutcome(out *merge.StepOutcome) {
	if out.Result == models.MergeConflict {
		fmt.Println("rebase stopped on conflicts:")
		for _, f := range out.ConflictFiles {
			fmt.Printf("  %s\n", f)
		}
		fmt.Println("resolve, stage, then run: ampherd merge continue")
		return
	}
	fmt.Println("rebase completed")
}

func init() {
	mergeSquashCmd.Flags().StringVarP(&squashMessage, "message", "m", "", "squash commit message")
	mergeSquashCmd.Flags().BoolVar(&squashKeepManual, "keep-manual", false, "replay human commits instead of squashing them")

	mergeFFCmd.Flags().BoolVar(&ffNoFF, "no-ff", false, "record a merge commit instead of fast-forwarding")
	mergeFFCmd.Flags().StringVarP(&ffMessage, "message", "m", "", "merge commit message with --no-ff")

	mergeCmd.AddCommand(mergePreflightCmd)
	mergeCmd.AddCommand(mergeSquashCmd)
	mergeCmd.AddCommand(mergeRebaseCmd)
	mergeCmd.AddCommand(mergeContinueCmd)
	mergeCmd.AddCommand(mergeAbortCmd)
	mergeCmd.AddCommand(mergeFFCmd)
	mergeCmd.AddCommand(mergeHistoryCmd)
}
