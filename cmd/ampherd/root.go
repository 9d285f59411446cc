package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ampherd/ampherd/internal/config"
	"github.com/ampherd/ampherd/internal/controller"
)

var rootCmd = &cobra.Command{
	Use:   "ampherd",
	Short: "Session orchestrator for AI coding agents",
	Long: `Ampherd drives coding-agent sessions in isolated git worktrees.

Each session owns one branch and one worktree. Iterations run the agent,
auto-commit its work, and record diff stats, tool calls, and token usage
in a local SQLite store. Finished branches land on their base through a
squash / rebase / fast-forward pipeline, and batch plans fan the same
flow out across many repos at once.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withController loads config, builds the controller, and hands it to
// fn together with a context that ends on SIGINT/SIGTERM.
func withController(fn func(ctx context.Context, c *controller.Controller) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	c, err := controller.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, c)
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	Execute()
}
