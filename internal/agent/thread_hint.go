package agent

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ampherd/ampherd/internal/logging"
)

// ThreadHint watches the agent CLI's user-level state file that records
// the most recently used thread id. The value is a resumption hint
// only: it suggests which thread to try, but the store never records a
// thread id until the agent itself confirms it in an init event.
type ThreadHint struct {
	path    string
	log     *logging.Logger
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	last string
	done chan struct{}
}

// DefaultThreadHintPath returns the agent's well-known state file.
func DefaultThreadHintPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "amp", "last-thread-id")
}

// NewThreadHint starts watching path. A missing file is fine; the hint
// stays empty until the agent writes one.
func NewThreadHint(path string, log *logging.Logger) (*ThreadHint, error) {
	if log == nil {
		log = logging.Nop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	h := &ThreadHint{
		path:    path,
		log:     log.WithComponent("agent.thread-hint"),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	// Watch the directory: the agent replaces the file atomically, and
	// a watch on the file itself would die with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	h.reload()
	go h.loop()
	return h, nil
}

// Last returns the most recently observed thread id hint, or empty.
func (h *ThreadHint) Last() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Close stops the watcher.
func (h *ThreadHint) Close() error {
	err := h.watcher.Close()
	<-h.done
	return err
}

func (h *ThreadHint) loop() {
	defer close(h.done)
	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == h.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				h.reload()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn("thread hint watcher error", zap.Error(err))
		}
	}
}

func (h *ThreadHint) reload() {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return
	}
	h.mu.Lock()
	changed := h.last != id
	h.last = id
	h.mu.Unlock()
	if changed {
		h.log.Debug("thread hint updated", zap.String("thread_id", id))
	}
}
