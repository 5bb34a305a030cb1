// Package capturetest provides scripted capture sources for tests.
package capturetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/satindergrewal/spoly/internal/capture"
)

// Track is a scripted track. Tests push frames into it and may end it to
// simulate the user withdrawing the source.
type Track struct {
	id     string
	kind   capture.Kind
	label  string
	frames chan []int16
	ended  chan struct{}

	mu     sync.Mutex
	closed bool
	stops  int
}

// NewTrack creates a track with room for 256 buffered frames.
func NewTrack(id string, kind capture.Kind, label string) *Track {
	t := &Track{id: id, kind: kind, label: label, ended: make(chan struct{})}
	if kind == capture.KindAudio {
		t.frames = make(chan []int16, 256)
	}
	return t
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() capture.Kind     { return t.kind }
func (t *Track) Label() string          { return t.label }
func (t *Track) Frames() <-chan []int16 { return t.frames }
func (t *Track) Ended() <-chan struct{} { return t.ended }

// Push queues a frame. It reports false once the track has ended or the
// buffer is full.
func (t *Track) Push(frame []int16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.frames == nil {
		return false
	}
	select {
	case t.frames <- frame:
		return true
	default:
		return false
	}
}

// End ends the track without counting a Stop call.
func (t *Track) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.end()
}

func (t *Track) end() {
	if t.closed {
		return
	}
	t.closed = true
	if t.frames != nil {
		close(t.frames)
	}
	close(t.ended)
}

// Stop counts the call and ends the track.
func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	t.end()
}

// Stops returns how many times Stop was called.
func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// Source hands out fresh tracks of the configured kinds on every
// Acquire, or fails with Err.
type Source struct {
	Label string
	Kinds []capture.Kind
	Err   error

	// OnAcquire, when set, runs at the start of every Acquire. Tests use
	// it to let time pass or frames pile up while permission is pending.
	OnAcquire func()

	mu       sync.Mutex
	acquires int
	tracks   []*Track
}

// Audio returns a source yielding one audio track.
func Audio(label string) *Source {
	return &Source{Label: label, Kinds: []capture.Kind{capture.KindAudio}}
}

// Denied returns a source that always refuses.
func Denied(label string) *Source {
	return &Source{Label: label, Err: capture.ErrPermissionDenied}
}

func (s *Source) Acquire(ctx context.Context) (*capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.OnAcquire != nil {
		s.OnAcquire()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires++
	if s.Err != nil {
		return nil, fmt.Errorf("%s: %w", s.Label, s.Err)
	}
	var tracks []capture.Track
	for i, kind := range s.Kinds {
		t := NewTrack(fmt.Sprintf("%s-%d-%d", s.Label, s.acquires, i), kind, s.Label)
		s.tracks = append(s.tracks, t)
		tracks = append(tracks, t)
	}
	return capture.NewStream(tracks...), nil
}

// Acquires returns how many times Acquire was called.
func (s *Source) Acquires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires
}

// Tracks returns every track handed out so far.
func (s *Source) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}

// Last returns the most recent track of kind, or nil.
func (s *Source) Last(kind capture.Kind) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.tracks) - 1; i >= 0; i-- {
		if s.tracks[i].kind == kind {
			return s.tracks[i]
		}
	}
	return nil
}

// Balanced reports whether every handed-out track was stopped exactly
// once.
func (s *Source) Balanced() bool {
	for _, t := range s.Tracks() {
		if t.Stops() != 1 {
			return false
		}
	}
	return true
}
