package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ampherd/ampherd/internal/controller"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage aggregated per model",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			byModel, err := c.TokenUsageByModel(ctx)
			if err != nil {
				return err
			}
			if len(byModel) == 0 {
				fmt.Println("no usage recorded")
				return nil
			}
			fmt.Printf("%-30s %10s %12s %12s %12s\n",
				"model", "iterations", "prompt", "completion", "total")
			for _, mu := range byModel {
				model := mu.Model
				if model == "" {
					model = "(unknown)"
				}
				fmt.Printf("%-30s %10d %12d %12d %12d\n",
					model, mu.Iterations, mu.Usage.PromptTokens,
					mu.Usage.CompletionTokens, mu.Usage.TotalTokens)
			}
			return nil
		})
	},
}
