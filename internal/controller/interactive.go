package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ampherd/ampherd/internal/agent"
	"github.com/ampherd/ampherd/internal/bus"
	"github.com/ampherd/ampherd/pkg/models"
)

// handleRegistry tracks the live interactive handle per session. At
// most one handle exists per session; starting a second one replaces
// the first.
type handleRegistry struct {
	mu      sync.Mutex
	handles map[string]*agent.Handle
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{handles: make(map[string]*agent.Handle)}
}

func (r *handleRegistry) get(sessionID string) *agent.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[sessionID]
}

// put registers a handle and returns the one it displaced, if any.
func (r *handleRegistry) put(h *agent.Handle) *agent.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.handles[h.SessionID]
	r.handles[h.SessionID] = h
	return old
}

func (r *handleRegistry) remove(sessionID, handleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[sessionID]; ok && h.ID == handleID {
		delete(r.handles, sessionID)
	}
}

func (r *handleRegistry) stop(sessionID string) {
	if h := r.get(sessionID); h != nil {
		h.Stop()
	}
}

func (r *handleRegistry) stopAll() {
	r.mu.Lock()
	all := make([]*agent.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		all = append(all, h)
	}
	r.mu.Unlock()
	for _, h := range all {
		h.Stop()
	}
}

// StartInteractive spawns a keep-alive agent process for the session
// and begins forwarding its traffic to the bus. The session must be in
// interactive mode. An existing handle for the session is stopped first.
func (c *Controller) StartInteractive(ctx context.Context, ref string) (*agent.Handle, error) {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sess.Mode != models.ModeInteractive {
		return nil, &models.OpError{
			Kind: models.ErrBadInput,
			Op:   "controller.start_interactive",
			Err:  errors.New("session " + sess.Name + " is not interactive"),
		}
	}

	h, err := c.agent.StartHandle(context.Background(), sess.ID, sess.WorktreePath, sess.ThreadID)
	if err != nil {
		return nil, err
	}
	if old := c.handles.put(h); old != nil {
		old.Stop()
	}
	go c.pumpHandle(sess.ID, h)

	if err := c.store.UpdateSessionStatus(ctx, sess.ID, models.SessionRunning, ""); err != nil {
		c.warn("could not mark interactive session running", err)
	}
	return h, nil
}

// SendInput delivers one user message to the session's live handle.
func (c *Controller) SendInput(ctx context.Context, ref, text string) error {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	h := c.handles.get(sess.ID)
	if h == nil {
		return &models.OpError{
			Kind: models.ErrHandleNotReady,
			Op:   "controller.send_input",
			Hint: "start the session first",
		}
	}
	return h.Send(text)
}

// StopInteractive gracefully stops the session's live handle, if any.
func (c *Controller) StopInteractive(ctx context.Context, ref string) error {
	sess, err := c.resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	c.handles.stop(sess.ID)
	if err := c.store.UpdateSessionStatus(ctx, sess.ID, models.SessionIdle, ""); err != nil {
		c.warn("could not mark interactive session idle", err)
	}
	return nil
}

// pumpHandle republishes one handle's event stream onto the bus until
// the process exits, then unregisters the handle. Thread attachments
// observed on the stream are persisted as they arrive.
func (c *Controller) pumpHandle(sessionID string, h *agent.Handle) {
	defer c.handles.remove(sessionID, h.ID)
	ctx := context.Background()

	for hev := range h.Events() {
		switch {
		case hev.Err != nil:
			c.warn("interactive handle error", hev.Err)
		case hev.State != "":
			c.publish(ctx, bus.Event{
				Kind:      bus.KindHandleState,
				SessionID: sessionID,
				Timestamp: time.Now(),
				Payload:   bus.HandleState{HandleID: h.ID, State: string(hev.State)},
			})
		case hev.Event != nil:
			ev := hev.Event
			c.publish(ctx, bus.Event{
				Kind:      bus.KindStream,
				SessionID: sessionID,
				Timestamp: ev.Timestamp,
				Payload: models.StreamEvent{
					SessionID: sessionID,
					Type:      ev.Type,
					Timestamp: ev.Timestamp,
					DataJSON:  string(ev.Raw),
				},
			})
			if ev.Type == models.EventSystem && ev.ThreadID != "" {
				if err := c.store.AttachThread(ctx, sessionID, ev.ThreadID, ""); err != nil &&
					!models.IsKind(err, models.ErrStoreConflict) {
					c.warn("could not attach thread", err)
				}
			}
		}
	}
}

func (c *Controller) publish(ctx context.Context, ev bus.Event) {
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.warn("could not publish event", err)
	}
}
