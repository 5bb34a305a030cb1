// Package capture acquires live media sources. A source yields a Stream of
// Tracks; audio tracks deliver interleaved 48 kHz stereo int16 frames of
// 20 ms each.
package capture

import (
	"context"
	"errors"
	"sync"
)

// ErrPermissionDenied means the user refused the source or it is not
// available on this host.
var ErrPermissionDenied = errors.New("capture: permission denied")

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one live media track. Stop releases the underlying device and
// is safe to call more than once.
type Track interface {
	ID() string
	Kind() Kind
	Label() string

	// Frames delivers PCM frames for audio tracks and is closed when the
	// track ends. Video tracks return a nil channel.
	Frames() <-chan []int16

	// Ended is closed when the track ends for any reason.
	Ended() <-chan struct{}

	Stop()
}

// Source acquires a stream. Acquire may block while the user is asked for
// permission.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// Stream groups the tracks returned by one acquisition.
type Stream struct {
	tracks []Track
	ended  chan struct{}
	once   sync.Once
}

// NewStream wraps tracks. The stream ends as soon as any track ends.
func NewStream(tracks ...Track) *Stream {
	s := &Stream{tracks: tracks, ended: make(chan struct{})}
	for _, t := range tracks {
		go func() {
			<-t.Ended()
			s.once.Do(func() { close(s.ended) })
		}()
	}
	return s
}

// Tracks returns every track in the stream.
func (s *Stream) Tracks() []Track {
	return s.tracks
}

// AudioTracks returns the audio tracks in the stream.
func (s *Stream) AudioTracks() []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == KindAudio {
			out = append(out, t)
		}
	}
	return out
}

// Ended is closed when any track in the stream has ended.
func (s *Stream) Ended() <-chan struct{} {
	return s.ended
}

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
