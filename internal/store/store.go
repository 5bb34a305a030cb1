// Package store is the shared key-value state visible to every tab and
// to the background coordinator. It is the only state that survives a
// tab reload. Writes are last-write-wins per key; CompareAndSwap gives
// the one atomic primitive needed for master election.
package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Keys of the shared schema.
const (
	KeyPanelOpen              = "panelOpen"
	KeyBotX                   = "botX"
	KeyBotY                   = "botY"
	KeyRecordingLive          = "recordingLive"
	KeyRecordingPaused        = "recordingPaused"
	KeyRecordingStartTime     = "recordingStartTime"
	KeyRecordingPausedElapsed = "recordingPausedElapsed"
	KeyMicMuted               = "micMuted"
	KeyMasterTabID            = "masterTabId"
	KeyMasterHeartbeat        = "masterHeartbeat"
	KeySessionID              = "sessionId"
	KeyBotActive              = "botActive"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Change is one key written by a committed Set or CompareAndSwap. A nil
// Value means the key was deleted.
type Change struct {
	Key   string `cbor:"key"`
	Value []byte `cbor:"value,omitempty"`
}

// Store is the persistent shared state.
type Store interface {
	// Get returns the current values for keys. Missing keys are absent
	// from the result.
	Get(ctx context.Context, keys ...string) (Values, error)

	// Set writes every entry atomically. A nil value deletes the key.
	Set(ctx context.Context, entries Values) error

	// CompareAndSwap replaces key's value with next only if it currently
	// equals old. A nil old means the key must be absent; a nil next
	// deletes it.
	CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error)

	// Watch registers for change notifications.
	Watch() *Watcher
}

// Watcher receives one batch of changes per committed write.
type Watcher struct {
	C <-chan []Change

	ch      chan []Change
	release func(*Watcher)
	once    sync.Once
}

// Close unregisters the watcher. C is closed once it is released.
func (w *Watcher) Close() {
	w.once.Do(func() { w.release(w) })
}

// Notifier fans change batches out to watchers. A watcher that is not
// keeping up loses batches rather than stalling the writer; readers always
// re-read the latest values, so a dropped batch only delays convergence.
// Store implementations and transports that relay changes share it.
type Notifier struct {
	mu       sync.Mutex
	watchers map[*Watcher]struct{}
	logger   *slog.Logger
}

// NewNotifier returns a notifier with no watchers.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{watchers: make(map[*Watcher]struct{}), logger: logger}
}

// Watch registers a new watcher.
func (n *Notifier) Watch() *Watcher {
	ch := make(chan []Change, 64)
	w := &Watcher{C: ch, ch: ch}
	w.release = n.unwatch
	n.mu.Lock()
	n.watchers[w] = struct{}{}
	n.mu.Unlock()
	return w
}

func (n *Notifier) unwatch(w *Watcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.watchers[w]; ok {
		delete(n.watchers, w)
		close(w.ch)
	}
}

// Notify offers changes to every watcher without blocking.
func (n *Notifier) Notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for w := range n.watchers {
		select {
		case w.ch <- changes:
		default:
			n.logger.Warn("store watcher lagging, dropped change batch", "keys", len(changes))
		}
	}
}

// CloseAll releases every watcher.
func (n *Notifier) CloseAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for w := range n.watchers {
		delete(n.watchers, w)
		close(w.ch)
	}
}

// changesFrom copies entries into a change batch. Batches outlive the
// caller's map, so values are cloned; deletions stay nil.
func changesFrom(entries Values) []Change {
	changes := make([]Change, 0, len(entries))
	for k, v := range entries {
		changes = append(changes, Change{Key: k, Value: bytes.Clone(v)})
	}
	return changes
}
