package controller

import (
	"context"
	"encoding/json"
	"io"
)

// exportLine is one record of a run export: the run itself, then each
// item, then each item session's stream events, in that order.
type exportLine struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportRun streams a batch run as NDJSON: one run line, one line per
// item, and the stream events of every session the run created. The
// output is self-contained for offline scoring.
func (c *Controller) ExportRun(ctx context.Context, w io.Writer, runID string) error {
	run, err := c.GetBatchRun(ctx, runID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(exportLine{Type: "run", Data: run}); err != nil {
		return err
	}

	items, err := c.store.ListBatchItems(ctx, runID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := enc.Encode(exportLine{Type: "item", Data: it}); err != nil {
			return err
		}
	}
	for _, it := range items {
		if it.SessionID == "" {
			continue
		}
		events, err := c.store.ListStreamEvents(ctx, it.SessionID, 0)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := enc.Encode(exportLine{Type: "event", Data: ev}); err != nil {
				return err
			}
		}
	}
	return nil
}
