package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ampherd/ampherd/internal/agent"
	"github.com/ampherd/ampherd/internal/bus"
	"github.com/ampherd/ampherd/internal/controller"
	"github.com/ampherd/ampherd/pkg/models"
)

var chatCmd = &cobra.Command{
	Use:   "chat <session>",
	Short: "Talk to an interactive session's agent",
	Long: `Attach to an interactive session: the agent process stays alive
between messages and keeps its conversation thread. Type a message and
press enter; /quit detaches and stops the agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(func(ctx context.Context, c *controller.Controller) error {
			sess, err := c.GetSession(ctx, args[0])
			if err != nil {
				return err
			}

			events, unsubscribe := c.Subscribe()
			defer unsubscribe()
			go printSessionEvents(events, sess.ID)

			if _, err := c.StartInteractive(ctx, sess.ID); err != nil {
				return err
			}
			defer c.StopInteractive(context.Background(), sess.ID)

			fmt.Println("connected; /quit to leave")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					return nil
				}
				if err := c.SendInput(ctx, sess.ID, line); err != nil {
					fmt.Fprintf(os.Stderr, "send: %v\n", err)
				}
			}
		})
	},
}

// printSessionEvents renders one session's bus traffic: assistant text
// as prose, tool activity as one-liners, handle transitions as markers.
func printSessionEvents(events <-chan bus.Event, sessionID string) {
	for ev := range events {
		if ev.SessionID != sessionID {
			continue
		}
		switch p := ev.Payload.(type) {
		case bus.HandleState:
			switch agent.HandleState(p.State) {
			case agent.HandleReady:
				fmt.Println("(ready)")
			case agent.HandleClosed:
				fmt.Println("(agent exited)")
			}
		case models.StreamEvent:
			printStreamEvent(p)
		}
	}
}

// streamLine is the slice of an agent event the chat view renders.
type streamLine struct {
	Text    string          `json:"text"`
	Message string          `json:"message"`
	Name    string          `json:"name"`
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args"`
	Input   json.RawMessage `json:"input"`
}

func printStreamEvent(ev models.StreamEvent) {
	var line streamLine
	if json.Unmarshal([]byte(ev.DataJSON), &line) != nil {
		return
	}
	text := line.Text
	if text == "" {
		text = line.Message
	}
	name := line.Name
	if name == "" {
		name = line.Tool
	}
	args := line.Args
	if args == nil {
		args = line.Input
	}
	switch {
	case ev.Type == models.EventAssistant && text != "":
		fmt.Println(text)
	case ev.Type == models.EventToolUse && name != "":
		fmt.Printf("[%s %s]\n", name, summarizeArgs(args))
	}
}

// summarizeArgs compresses tool arguments to a single short token,
// preferring a file path when the args carry one.
func summarizeArgs(argsJSON json.RawMessage) string {
	var m map[string]any
	if json.Unmarshal(argsJSON, &m) == nil {
		for _, key := range []string{"path", "file", "file_path"} {
			if v, ok := m[key].(string); ok && v != "" {
				return v
			}
		}
	}
	s := string(argsJSON)
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
