package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ampherd/ampherd/internal/controller"
	"github.com/ampherd/ampherd/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print orchestrator and agent versions",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ampherd version %s\n", version.Get())
		// The agent version is best-effort; the binary may be absent.
		withController(func(ctx context.Context, c *controller.Controller) error {
			if v, err := c.AgentVersion(ctx); err == nil && v != "" {
				fmt.Printf("agent version %s\n", v)
			}
			return nil
		})
	},
}
