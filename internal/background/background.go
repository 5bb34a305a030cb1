// Package background is the coordinator that outlives every tab. It
// keeps the global widget and recording flags in the store, shows
// notifications and holds the toolbar badge.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/store"
)

// TabID is the coordinator's endpoint name on the relay.
const TabID = "background"

// Notifier shows a notification to the user.
type Notifier interface {
	Notify(title, message string) error
}

// Desktop shows native desktop notifications.
type Desktop struct{}

func (Desktop) Notify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(title, message string) error {
	n.Logger.Info("notification", "title", title, "message", message)
	return nil
}

// Badge is the text and color shown on the toolbar button.
type Badge struct {
	Text  string
	Color string
}

// Config wires a coordinator.
type Config struct {
	Store    store.Store
	Bus      relay.Bus
	Notifier Notifier

	// Title heads every notification.
	Title string

	Logger *slog.Logger
}

// Coordinator handles relay messages addressed to the background.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	badge Badge
}

// New returns a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	if cfg.Title == "" {
		cfg.Title = "Spoly"
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger}
}

// Badge returns the current toolbar badge.
func (c *Coordinator) Badge() Badge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.badge
}

// Run handles messages until ctx ends or the bus closes.
func (c *Coordinator) Run(ctx context.Context) error {
	sub := c.cfg.Bus.Subscribe(relay.Tab{ID: TabID})
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return relay.ErrClosed
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg relay.Message) {
	switch msg.Kind {
	case relay.GlobalOpen, relay.GlobalClose:
		c.set(ctx, store.KeyBotActive, msg.Kind == relay.GlobalOpen)
	case relay.RecordingStarted:
		c.set(ctx, store.KeyRecordingLive, true)
	case relay.RecordingStopped:
		c.set(ctx, store.KeyRecordingLive, false)
	case relay.ShowNotification:
		if err := c.cfg.Notifier.Notify(c.cfg.Title, msg.Text); err != nil {
			c.logger.Warn("notification failed", "error", err)
		}
	case relay.SetBadge:
		c.mu.Lock()
		c.badge = Badge{Text: msg.Text, Color: msg.Color}
		c.mu.Unlock()
		c.logger.Debug("badge", "text", msg.Text, "color", msg.Color)
	}
}

func (c *Coordinator) set(ctx context.Context, key string, v bool) {
	if err := c.cfg.Store.Set(ctx, store.Values{key: store.Bool(v)}); err != nil {
		c.logger.Warn("persisting flag", "key", key, "error", err)
	}
}

// Toggle flips the global widget flag and tells every tab to show or
// hide the widget. It reports the new state.
func (c *Coordinator) Toggle(ctx context.Context) (bool, error) {
	values, err := c.cfg.Store.Get(ctx, store.KeyBotActive)
	if err != nil {
		return false, fmt.Errorf("toggle widget: %w", err)
	}
	active, _ := values.Bool(store.KeyBotActive)
	active = !active
	if err := c.cfg.Store.Set(ctx, store.Values{store.KeyBotActive: store.Bool(active)}); err != nil {
		return false, fmt.Errorf("toggle widget: %w", err)
	}
	kind := relay.GlobalClose
	if active {
		kind = relay.GlobalOpen
	}
	if err := c.cfg.Bus.Publish(ctx, relay.Message{Kind: kind, From: TabID}); err != nil {
		return active, fmt.Errorf("toggle widget: %w", err)
	}
	return active, nil
}
