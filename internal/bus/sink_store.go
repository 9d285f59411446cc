package bus

import (
	"context"

	"github.com/ampherd/ampherd/internal/store"
	"github.com/ampherd/ampherd/pkg/models"
)

// StoreSink persists telemetry events into the store. Replays are
// harmless: tool calls are keyed by their agent-issued id and a
// duplicate insert is swallowed as a conflict.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a sink writing to st.
func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{store: st}
}

// Name identifies the sink in logs.
func (s *StoreSink) Name() string { return "store" }

// Consume writes one event. Usage and progress events are not persisted
// here; token aggregates land with iteration finalize and batch state
// lives on the item rows.
func (s *StoreSink) Consume(ctx context.Context, ev Event) error {
	switch p := ev.Payload.(type) {
	case models.StreamEvent:
		return s.store.AppendStreamEvent(ctx, &p)
	case models.ToolCall:
		err := s.store.InsertToolCall(ctx, &p)
		if models.IsKind(err, models.ErrStoreConflict) {
			return nil
		}
		return err
	case models.FileEdit:
		return s.store.InsertFileEdit(ctx, &p)
	default:
		return nil
	}
}

var _ Sink = (*StoreSink)(nil)
