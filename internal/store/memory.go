package store

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// Memory is an in-process Store. It backs tests and single-process runs
// where nothing needs to survive a restart.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
	notify *Notifier
}

// NewMemory returns an empty in-memory store.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Memory{data: make(map[string][]byte), notify: NewNotifier(logger)}
}

func (m *Memory) Get(ctx context.Context, keys ...string) (Values, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(Values, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = bytes.Clone(v)
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, entries Values) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k, v := range entries {
		if v == nil {
			delete(m.data, k)
		} else {
			m.data[k] = bytes.Clone(v)
		}
	}
	m.notify.Notify(changesFrom(entries))
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	cur, ok := m.data[key]
	if !matches(cur, ok, old) {
		return false, nil
	}
	if next == nil {
		delete(m.data, key)
	} else {
		m.data[key] = bytes.Clone(next)
	}
	m.notify.Notify([]Change{{Key: key, Value: bytes.Clone(next)}})
	return true, nil
}

func (m *Memory) Watch() *Watcher {
	return m.notify.Watch()
}

// Close releases all watchers. Further operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.notify.CloseAll()
	}
	return nil
}

// matches reports whether the current value (present or not) equals the
// expected one. A nil expectation means "absent".
func matches(cur []byte, present bool, want []byte) bool {
	if want == nil {
		return !present
	}
	return present && bytes.Equal(cur, want)
}
