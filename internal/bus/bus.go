// Package bus is the in-process pub/sub layer between event producers
// (the agent adapter, the worktree manager, the batch scheduler) and
// consumers (store sink, NDJSON sink, UI subscribers). Queues are
// bounded; a full queue blocks the publisher rather than dropping
// telemetry.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/logging"
	"github.com/ampherd/ampherd/pkg/models"
)

// DefaultQueueSize bounds each subscriber queue when the caller passes
// zero.
const DefaultQueueSize = 1024

// Kind names the payload type of a bus event.
type Kind string

const (
	// KindStream carries a models.StreamEvent payload.
	KindStream Kind = "stream"
	// KindToolCall carries a models.ToolCall payload.
	KindToolCall Kind = "tool_call"
	// KindUsage carries a UsagePayload.
	KindUsage Kind = "usage"
	// KindFileEdit carries a models.FileEdit payload.
	KindFileEdit Kind = "file_edit"
	// KindIteration carries an IterationPayload on iteration start/finish.
	KindIteration Kind = "iteration"
	// KindBatchProgress carries a BatchProgress payload on item transitions.
	KindBatchProgress Kind = "batch_progress"
	// KindHandleState carries a HandleState payload from interactive handles.
	KindHandleState Kind = "handle_state"
)

// UsagePayload is an incremental token-usage report attributed to a model.
type UsagePayload struct {
	Model string            `json:"model,omitempty"`
	Usage models.TokenUsage `json:"usage"`
}

// IterationPayload marks an iteration starting or finishing.
type IterationPayload struct {
	IterationID string `json:"iteration_id"`
	// Phase is "started" or "finished".
	Phase string `json:"phase"`
}

// BatchProgress is one batch item state transition.
type BatchProgress struct {
	RunID  string                 `json:"run_id"`
	ItemID string                 `json:"item_id"`
	Status models.BatchItemStatus `json:"status"`
}

// HandleState is an interactive handle lifecycle change.
type HandleState struct {
	HandleID string `json:"handle_id"`
	// State is starting, ready, busy, or closed.
	State string `json:"state"`
}

// Event is one published occurrence. Every event identifies the session
// or batch run it belongs to.
type Event struct {
	Kind        Kind      `json:"kind"`
	SessionID   string    `json:"session_id,omitempty"`
	IterationID string    `json:"iteration_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	// Payload holds the Kind-specific value listed above.
	Payload any `json:"payload"`
}

// Sink consumes events delivered by the bus. Consume is called from a
// single goroutine per sink; sinks never see events out of publish order.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Consume processes one event. Errors are logged, not retried.
	Consume(ctx context.Context, ev Event) error
}

type subscriber struct {
	name string
	ch   chan Event
	done chan struct{}
	// managed is true when the bus owns a drain goroutine for this
	// subscriber; Close waits only on managed queues.
	managed bool
}

// Bus fans published events out to every subscriber. Publish blocks when
// a subscriber queue is full.
type Bus struct {
	queueSize int
	log       *logging.Logger

	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
}

// New creates a bus. queueSize <= 0 falls back to DefaultQueueSize.
func New(queueSize int, log *logging.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{queueSize: queueSize, log: log.WithComponent("bus")}
}

// AddSink attaches a sink and starts its drain goroutine.
func (b *Bus) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := &subscriber{
		name:    sink.Name(),
		ch:      make(chan Event, b.queueSize),
		done:    make(chan struct{}),
		managed: true,
	}
	b.subs = append(b.subs, sub)
	go b.drain(sub, sink)
}

// Subscribe returns a channel of events plus a cancel function. The
// channel closes when the bus closes or cancel is called. Intended for
// UI streaming; slow readers block publishers once the queue fills.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{name: "subscriber", ch: make(chan Event, b.queueSize), done: make(chan struct{})}
	b.subs = append(b.subs, sub)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.remove(sub)
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) drain(sub *subscriber, sink Sink) {
	defer close(sub.done)
	for ev := range sub.ch {
		if err := sink.Consume(context.Background(), ev); err != nil {
			b.log.Warn("sink failed to consume event",
				zap.String("sink", sink.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
}

// Publish delivers ev to every subscriber, blocking on full queues until
// space frees up or ctx is done. Events that identify neither a session
// nor a batch run are refused.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.SessionID == "" && ev.RunID == "" {
		return &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "bus.publish",
			Err:  errors.New("event has neither session id nor run id"),
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("bus is closed")
	}
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting publishes, lets every queue drain, and waits for
// sink goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	for _, sub := range subs {
		if !sub.managed {
			continue
		}
		select {
		case <-sub.done:
		case <-time.After(5 * time.Second):
			b.log.Warn("sink did not drain before close deadline", zap.String("sink", sub.name))
		}
	}
}
