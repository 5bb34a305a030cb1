// Package page is the message channel between a tab's widget and the web
// page hosted in that tab. Messages are JSON objects, one per line, in
// the shape the hosted dashboard posts and listens for.
package page

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Type names a page message.
type Type string

const (
	WidgetStatus     Type = "SPOLY_WIDGET_STATUS"
	RecordingStarted Type = "SPOLY_RECORDING_STARTED"
	RecordingStopped Type = "SPOLY_RECORDING_STOPPED"
	UploadComplete   Type = "SPOLY_UPLOAD_COMPLETE"

	// ToggleWidget is sent by the page to show or hide the widget
	// everywhere.
	ToggleWidget Type = "SPOLY_TOGGLE_WIDGET"
)

// Message is one posted message.
type Message struct {
	Type        Type   `json:"type"`
	Present     *bool  `json:"present,omitempty"`
	ArtifactRef string `json:"artifactRef,omitempty"`
}

// Status builds a WidgetStatus message.
func Status(present bool) Message {
	return Message{Type: WidgetStatus, Present: &present}
}

// Channel posts messages to the page and receives the page's requests.
type Channel struct {
	logger *slog.Logger

	mu  sync.Mutex
	enc *json.Encoder

	in       io.Reader
	requests chan Message
}

// NewChannel posts to out and reads requests from in. A nil in means the
// page never sends anything.
func NewChannel(in io.Reader, out io.Writer, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{
		logger:   logger,
		enc:      json.NewEncoder(out),
		in:       in,
		requests: make(chan Message, 16),
	}
}

// Post sends msg to the page.
func (c *Channel) Post(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(msg)
}

// Requests delivers messages from the page. It is closed when Run
// returns.
func (c *Channel) Requests() <-chan Message {
	return c.requests
}

// Run reads the page's messages until the input ends or ctx is done.
// Lines that are not valid messages are logged and skipped.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.requests)
	if c.in == nil {
		<-ctx.Done()
		return nil
	}
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("ignoring page message", "error", err)
			continue
		}
		select {
		case c.requests <- msg:
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
