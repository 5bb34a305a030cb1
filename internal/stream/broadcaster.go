// Package stream fans the master tab's mixed frames out to in-process
// consumers (the silence monitor) and to live monitor listeners.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// FrameSource is what the monitor handlers listen to.
type FrameSource interface {
	Subscribe() *Listener
	Unsubscribe(l *Listener)

	// Live reports whether a recording is currently feeding frames.
	Live() bool
}

// Broadcaster fans out PCM frames from one source to N listeners. It
// outlives individual recordings: each recording runs its frames through
// Run, and listeners stay subscribed across recordings.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	live      atomic.Int32
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C    chan []int16 // buffered channel of 20ms PCM frames
	done chan struct{}
	once sync.Once
}

// Done is closed once the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener. Returns a Listener that receives frames.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, 150), // ~3 seconds of buffer at 20ms/frame
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop. Safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Live reports whether Run is currently forwarding a source.
func (b *Broadcaster) Live() bool {
	return b.live.Load() > 0
}

// Run reads frames from source and fans out to all listeners until the
// source closes or ctx is cancelled. Slow listeners get frames dropped
// rather than blocking the broadcast.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	b.live.Add(1)
	defer b.live.Add(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.Publish(frame)
		}
	}
}

// Publish delivers one frame to every listener that has room for it.
func (b *Broadcaster) Publish(frame []int16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- frame:
		default:
			// listener too slow, drop frame to keep broadcast moving
		}
	}
}
