// Package relay is the many-to-many broadcast channel between tabs. Every
// published message reaches every subscriber, the sender included, with no
// delivery guarantee to subscribers that are going away.
package relay

import (
	"context"
	"errors"
	"strings"
)

// Kind identifies a relay message.
type Kind string

const (
	RecordingStarted Kind = "recording_started"
	RecordingStopped Kind = "recording_stopped"
	RemoteControl    Kind = "remote_control"
	ShowNotification Kind = "show_notification"
	SetBadge         Kind = "set_badge"
	GlobalOpen       Kind = "global_open"
	GlobalClose      Kind = "global_close"
	UploadComplete   Kind = "upload_complete"
)

// Command is the action carried by a RemoteControl message.
type Command string

const (
	CommandPause Command = "pause"
	CommandStop  Command = "stop"
	CommandMute  Command = "mute"
	CommandSend  Command = "send"
)

// Message is one broadcast. Fields beyond Kind are populated per kind.
type Message struct {
	Kind      Kind   `cbor:"kind"`
	From      string `cbor:"from,omitempty"`
	SessionID string `cbor:"session,omitempty"`

	// RemoteControl. A nil Desired toggles; otherwise Pause/Mute move to
	// the requested state and are no-ops when already there.
	Command Command `cbor:"command,omitempty"`
	Desired *bool   `cbor:"desired,omitempty"`

	// ShowNotification carries Text; SetBadge carries Text and Color.
	Text  string `cbor:"text,omitempty"`
	Color string `cbor:"color,omitempty"`

	// UploadComplete.
	ArtifactRef string `cbor:"artifact,omitempty"`

	// SentAt is the sender's clock in epoch milliseconds.
	SentAt int64 `cbor:"sent_at,omitempty"`
}

// Tab identifies a subscriber. An empty URL marks a non-page endpoint such
// as the background coordinator.
type Tab struct {
	ID  string `cbor:"id"`
	URL string `cbor:"url,omitempty"`
}

// Reachable reports whether the tab can host the widget at all. Privileged
// browser pages never receive broadcasts.
func (t Tab) Reachable() bool {
	for _, prefix := range []string{"chrome://", "about:", "edge://"} {
		if strings.HasPrefix(t.URL, prefix) {
			return false
		}
	}
	return true
}

// ErrClosed is returned by Publish on a closed bus.
var ErrClosed = errors.New("relay: closed")

// Bus publishes messages to every subscriber.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(tab Tab) *Subscription
}

// Subscription receives broadcast messages until Close.
type Subscription struct {
	C <-chan Message

	ch      chan Message
	done    chan struct{}
	release func(*Subscription)
	closed  bool
}

// NewSubscription builds a subscription backed by a buffered channel.
// release is called once by Close. Transports that own their own fan-out
// use it together with Deliver and Finish.
func NewSubscription(buffer int, release func(*Subscription)) *Subscription {
	ch := make(chan Message, buffer)
	return &Subscription{C: ch, ch: ch, done: make(chan struct{}), release: release}
}

// Deliver offers msg without blocking. It reports false when the buffer is
// full or the subscription has finished.
func (s *Subscription) Deliver(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// Finish closes C. The owner must serialize Finish with Deliver.
func (s *Subscription) Finish() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// Close unsubscribes. C is closed once the owner has released it.
func (s *Subscription) Close() {
	if s.release != nil {
		s.release(s)
	}
}
