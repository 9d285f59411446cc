package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ampherd/ampherd/internal/controller"
	"github.com/ampherd/ampherd/internal/session"
	"github.com/ampherd/ampherd/pkg/models"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create and drive agent sessions",
}

var (
	newName     string
	newPrompt   string
	newRepo     string
	newBase     string
	newScript   string
	newModel    string
	newNoCommit bool
	newSkipRun  bool
	newChat     bool
)

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a session and run its first iteration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			repo := newRepo
			if repo == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				repo = cwd
			}
			repo, err := filepath.Abs(repo)
			if err != nil {
				return err
			}
			mode := models.ModeAsync
			if newChat {
				mode = models.ModeInteractive
			}
			sess, err := c.CreateSession(ctx, session.CreateOptions{
				Name:                 newName,
				Prompt:               newPrompt,
				RepoRoot:             repo,
				BaseBranch:           newBase,
				ScriptCommand:        newScript,
				Model:                newModel,
				NoAutoCommit:         newNoCommit,
				Mode:                 mode,
				SkipInitialIteration: newSkipRun || newChat,
			})
			if err != nil {
				return err
			}
			fmt.Printf("session %s created\n", sess.ID)
			fmt.Printf("  branch:   %s\n", sess.BranchName)
			fmt.Printf("  worktree: %s\n", sess.WorktreePath)
			fmt.Printf("  status:   %s\n", sess.Status)
			return nil
		})
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			sessions, err := c.ListSessions(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range sessions {
				last := "never"
				if s.LastRun != nil {
					last = s.LastRun.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("%-36s  %-14s  %-20s  last run %s\n", s.ID, s.Status, s.Name, last)
			}
			return nil
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show one session's state and totals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			sess, err := c.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:        %s\n", sess.ID)
			fmt.Printf("name:      %s\n", sess.Name)
			fmt.Printf("status:    %s\n", sess.Status)
			fmt.Printf("repo:      %s\n", sess.RepoRoot)
			fmt.Printf("branch:    %s (base %s)\n", sess.BranchName, sess.BaseBranch)
			fmt.Printf("worktree:  %s\n", sess.WorktreePath)
			if sess.ThreadID != "" {
				fmt.Printf("thread:    %s\n", sess.ThreadID)
			}
			if sess.Notes != "" {
				fmt.Printf("notes:     %s\n", sess.Notes)
			}

			summary, err := c.Summary(ctx, sess.ID)
			if err != nil {
				return err
			}
			if summary != nil {
				fmt.Printf("iterations: %d, files %d (+%d/-%d), tokens %d, tool calls %d\n",
					summary.Iterations, summary.FilesChanged, summary.LinesAdded,
					summary.LinesDeleted, summary.TokenUsage.TotalTokens, summary.ToolCalls)
			}

			iters, err := c.Iterations(ctx, sess.ID)
			if err != nil {
				return err
			}
			for i, it := range iters {
				test := ""
				if it.TestResult != models.TestNone {
					test = ", tests " + string(it.TestResult)
				}
				fmt.Printf("  #%d %s  %d files (+%d/-%d)%s\n",
					i+1, it.StartedAt.Local().Format("2006-01-02 15:04"),
					it.FilesChanged, it.LinesAdded, it.LinesDeleted, test)
			}
			return nil
		})
	},
}

var (
	iterateNotes   string
	iterateTimeout time.Duration
)

var sessionIterateCmd = &cobra.Command{
	Use:   "iterate <session>",
	Short: "Run one more agent iteration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			it, err := c.Iterate(ctx, args[0], session.IterateOptions{
				Notes:   iterateNotes,
				Timeout: iterateTimeout,
			})
			if err != nil {
				return err
			}
			fmt.Printf("iteration %s finished: %d files (+%d/-%d)",
				it.ID, it.FilesChanged, it.LinesAdded, it.LinesDeleted)
			if it.CommitSha != "" {
				fmt.Printf(", commit %.8s", it.CommitSha)
			}
			if it.TestResult != models.TestNone {
				fmt.Printf(", tests %s", it.TestResult)
			}
			fmt.Println()
			return nil
		})
	},
}

var sessionDiffCmd = &cobra.Command{
	Use:   "diff <session>",
	Short: "Show the session's work as a unified diff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			diff, err := c.Diff(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Print(diff)
			return nil
		})
	},
}

var eventsLimit int

var sessionEventsCmd = &cobra.Command{
	Use:   "events <session>",
	Short: "Print the session's raw event stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			events, err := c.Events(ctx, args[0], eventsLimit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Println(ev.DataJSON)
			}
			return nil
		})
	},
}

var sessionToolsCmd = &cobra.Command{
	Use:   "tools <session>",
	Short: "List the session's tool calls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			calls, err := c.ToolCalls(ctx, args[0])
			if err != nil {
				return err
			}
			for _, tc := range calls {
				status := "ok"
				if !tc.Success {
					status = "failed"
				}
				fmt.Printf("%s  %-20s  %s  %dms\n",
					tc.Timestamp.Local().Format("15:04:05"), tc.ToolName, status, tc.DurationMs)
			}
			return nil
		})
	},
}

var sessionThreadsCmd = &cobra.Command{
	Use:   "threads <session>",
	Short: "List the agent threads the session has used",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			threads, err := c.Threads(ctx, args[0])
			if err != nil {
				return err
			}
			for _, th := range threads {
				fmt.Printf("%s  %d messages, last %s\n",
					th.ID, th.MessageCount, th.LastMessageAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		})
	},
}

var (
	cleanupForce bool
	cleanupPurge bool
)

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup <session>",
	Short: "Remove the session's worktree and branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			err := c.Cleanup(ctx, args[0], session.CleanupOptions{
				Force: cleanupForce,
				Purge: cleanupPurge,
			})
			if models.IsKind(err, models.ErrUnmergedDeletion) {
				return fmt.Errorf("%w\nuse --force to discard the unmerged commits", err)
			}
			if err != nil {
				return err
			}
			fmt.Println("cleaned up")
			return nil
		})
	},
}

var sessionReconcileCmd = &cobra.Command{
	Use:   "reconcile <repo>",
	Short: "Remove orphaned session worktrees under a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			repo, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := c.Reconcile(ctx, repo); err != nil {
				return err
			}
			fmt.Println("reconciled")
			return nil
		})
	},
}

func init() {
	sessionNewCmd.Flags().StringVarP(&newName, "name", "n", "", "session name (required)")
	sessionNewCmd.Flags().StringVarP(&newPrompt, "prompt", "p", "", "initial agent prompt (required)")
	sessionNewCmd.Flags().StringVar(&newRepo, "repo", "", "repository root (default: current directory)")
	sessionNewCmd.Flags().StringVar(&newBase, "base", "", "base branch (default: current branch)")
	sessionNewCmd.Flags().StringVar(&newScript, "script", "", "test command run after each iteration")
	sessionNewCmd.Flags().StringVar(&newModel, "model", "", "pin the agent model")
	sessionNewCmd.Flags().BoolVar(&newNoCommit, "no-commit", false, "do not auto-commit after iterations")
	sessionNewCmd.Flags().BoolVar(&newSkipRun, "skip-run", false, "create without running the first iteration")
	sessionNewCmd.Flags().BoolVar(&newChat, "chat", false, "create an interactive session")

	sessionIterateCmd.Flags().StringVarP(&iterateNotes, "message", "m", "", "steering notes for this iteration")
	sessionIterateCmd.Flags().DurationVar(&iterateTimeout, "timeout", 0, "override the iteration timeout")

	sessionEventsCmd.Flags().IntVar(&eventsLimit, "limit", 200, "maximum events to print (0 for all)")

	sessionCleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "remove even with unmerged commits")
	sessionCleanupCmd.Flags().BoolVar(&cleanupPurge, "purge", false, "also delete the session record and history")

	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionIterateCmd)
	sessionCmd.AddCommand(sessionDiffCmd)
	sessionCmd.AddCommand(sessionEventsCmd)
	sessionCmd.AddCommand(sessionToolsCmd)
	sessionCmd.AddCommand(sessionThreadsCmd)
	sessionCmd.AddCommand(sessionCleanupCmd)
	sessionCmd.AddCommand(sessionReconcileCmd)
}
