// Package tabsync runs one tab: it decides whether the tab is the master
// or an observer, mirrors the shared session into the tab's widget, and
// forwards an observer's commands to the master over the relay.
package tabsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/satindergrewal/spoly/internal/clock"
	"github.com/satindergrewal/spoly/internal/page"
	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/session"
	"github.com/satindergrewal/spoly/internal/store"
	"github.com/satindergrewal/spoly/internal/widget"
)

// ActionKind is a user action in the tab's widget.
type ActionKind int

const (
	ActionStart ActionKind = iota
	ActionPause
	ActionStop
	ActionSend
	ActionMute
	ActionPanel
	ActionMove
	ActionOpen
	ActionClose
)

// Action is one user action. X and Y are used by ActionMove.
type Action struct {
	Kind ActionKind
	X, Y float64
}

// Notices shown in the widget.
const (
	noticeBusy      = "Another tab is already recording."
	noticeAbandoned = "The recording tab stopped responding. Its session was closed; start a new recording."
)

// Config wires an agent.
type Config struct {
	Tab        relay.Tab
	Store      store.Store
	Bus        relay.Bus
	Controller *session.Controller
	Widget     widget.Widget

	// Page is the hosted page's channel. Optional.
	Page *page.Channel

	// LeaseTimeout is how old the master heartbeat may get before the
	// session counts as abandoned.
	LeaseTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Agent is the event loop of one tab. All of its state is owned by the
// goroutine running Run.
type Agent struct {
	cfg     Config
	logger  *slog.Logger
	clock   clock.Clock
	actions chan Action
	done    chan struct{}

	replica   session.SharedState
	present   bool
	panelOpen bool
	x, y      float64

	// pendingMute is an observer's mute request not yet reflected in the
	// store.
	pendingMute *bool

	notice   string
	starting bool
	started  chan error

	// stopped remembers sessions that already ended here, so a late
	// RecordingStarted for one of them is ignored.
	stopped map[string]bool
}

// New returns an agent. Run starts it.
func New(cfg Config) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = session.DefaultLeaseTimeout
	}
	return &Agent{
		cfg:     cfg,
		logger:  cfg.Logger.With("tab", cfg.Tab.ID),
		clock:   cfg.Clock,
		actions: make(chan Action),
		done:    make(chan struct{}),
		started: make(chan error, 1),
		stopped: make(map[string]bool),
	}
}

// Do hands a user action to the loop.
func (a *Agent) Do(ctx context.Context, act Action) error {
	select {
	case a.actions <- act:
		return nil
	case <-a.done:
		return errors.New("tabsync: agent stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run has returned.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

var placementKeys = []string{store.KeyPanelOpen, store.KeyBotX, store.KeyBotY}

// Run loads the shared state and processes events until ctx ends. A
// recording this tab is mastering when ctx ends is stopped and saved.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	sub := a.cfg.Bus.Subscribe(a.cfg.Tab)
	defer sub.Close()
	watcher := a.cfg.Store.Watch()
	defer watcher.Close()

	keys := append(append([]string{store.KeyBotActive}, session.SharedKeys...), placementKeys...)
	values, err := a.cfg.Store.Get(ctx, keys...)
	if err != nil {
		return err
	}
	a.replica = session.FromValues(values)
	a.applyWidget(values)
	a.present, _ = values.Bool(store.KeyBotActive)
	if a.replica.Live {
		a.logger.Info("joined live session as observer", "master", a.replica.MasterTab)
	}
	a.post(page.Status(a.present))
	a.render()

	ticker := a.clock.NewTicker(time.Second)
	defer ticker.Stop()

	var requests <-chan page.Message
	if a.cfg.Page != nil {
		requests = a.cfg.Page.Requests()
	}

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil

		case msg, ok := <-sub.C:
			if !ok {
				return relay.ErrClosed
			}
			a.handleMessage(ctx, msg)

		case changes, ok := <-watcher.C:
			if !ok {
				return store.ErrClosed
			}
			a.handleChanges(ctx, changes)

		case <-ticker.C:
			a.checkLease(ctx)

		case act := <-a.actions:
			a.handleAction(ctx, act)

		case err := <-a.started:
			a.starting = false
			if err != nil {
				if errors.Is(err, session.ErrSessionActive) {
					a.notice = noticeBusy
				}
				a.logger.Info("start failed", "error", err)
			}

		case req, ok := <-requests:
			if !ok {
				requests = nil
				continue
			}
			if req.Type == page.ToggleWidget {
				a.setGlobal(ctx, !a.present)
			}
		}
		a.render()
	}
}

func (a *Agent) shutdown() {
	if a.cfg.Controller.IsMaster() {
		a.logger.Info("tab closing, stopping recording")
		a.cfg.Controller.Stop(context.Background(), session.LocalSave)
	}
	a.cfg.Controller.Wait()
}

func (a *Agent) handleMessage(ctx context.Context, msg relay.Message) {
	switch msg.Kind {
	case relay.RemoteControl:
		if !a.cfg.Controller.IsMaster() {
			return
		}
		a.logger.Info("executing remote command", "command", msg.Command, "from", msg.From)
		if err := a.cfg.Controller.Execute(ctx, msg.Command, msg.Desired); err != nil {
			a.logger.Warn("remote command failed", "command", msg.Command, "error", err)
		}

	case relay.RecordingStarted:
		if a.stopped[msg.SessionID] {
			a.logger.Debug("ignoring stale recording start", "session", msg.SessionID)
			return
		}
		a.notice = ""
		a.post(page.Message{Type: page.RecordingStarted})

	case relay.RecordingStopped:
		a.stopped[msg.SessionID] = true
		a.pendingMute = nil
		a.post(page.Message{Type: page.RecordingStopped})

	case relay.UploadComplete:
		a.post(page.Message{Type: page.UploadComplete, ArtifactRef: msg.ArtifactRef})

	case relay.GlobalOpen, relay.GlobalClose:
		present := msg.Kind == relay.GlobalOpen
		if present != a.present {
			a.present = present
			a.post(page.Status(present))
		}
	}
}

// handleChanges re-reads the shared fields rather than trusting the
// batch, since a watcher that falls behind loses batches.
func (a *Agent) handleChanges(ctx context.Context, changes []store.Change) {
	muteChanged := false
	for _, ch := range changes {
		switch ch.Key {
		case store.KeyMicMuted:
			muteChanged = true
		case store.KeyBotActive:
			a.present, _ = store.Values{ch.Key: ch.Value}.Bool(ch.Key)
		}
	}

	values, err := a.cfg.Store.Get(ctx, append(append([]string{}, session.SharedKeys...), placementKeys...)...)
	if err != nil {
		a.logger.Warn("reloading shared state", "error", err)
		a.replica = a.replica.Apply(changes)
	} else {
		a.replica = session.FromValues(values)
		a.applyWidget(values)
	}
	if muteChanged || (a.pendingMute != nil && *a.pendingMute == a.replica.MicMuted) {
		a.pendingMute = nil
	}
}

// applyWidget copies placement fields present in v.
func (a *Agent) applyWidget(v store.Values) {
	if open, ok := v.Bool(store.KeyPanelOpen); ok {
		a.panelOpen = open
	}
	if x, ok := v.Float(store.KeyBotX); ok {
		a.x = x
	}
	if y, ok := v.Float(store.KeyBotY); ok {
		a.y = y
	}
}

// checkLease closes a live session whose master stopped heartbeating.
// Several observers may try at once; the compare-and-swap lets only one
// of them clear it.
func (a *Agent) checkLease(ctx context.Context) {
	if a.cfg.Controller.IsMaster() || !a.replica.Abandoned(a.clock.Now(), a.cfg.LeaseTimeout) {
		return
	}
	var holder []byte
	if a.replica.MasterTab != "" {
		holder = store.String(a.replica.MasterTab)
	}
	swapped, err := a.cfg.Store.CompareAndSwap(ctx, store.KeyMasterTabID, holder, nil)
	if err != nil {
		a.logger.Warn("clearing abandoned session", "error", err)
		return
	}
	if swapped {
		a.logger.Warn("master stopped responding, closing its session", "master", a.replica.MasterTab)
		err = a.cfg.Store.Set(ctx, store.Values{
			store.KeyRecordingLive:          store.Bool(false),
			store.KeyRecordingPaused:        store.Bool(false),
			store.KeyRecordingStartTime:     nil,
			store.KeyRecordingPausedElapsed: nil,
			store.KeySessionID:              nil,
			store.KeyMasterHeartbeat:        nil,
			store.KeyMicMuted:               store.Bool(true),
		})
		if err != nil {
			a.logger.Warn("clearing abandoned session", "error", err)
		}
		a.stopped[a.replica.SessionID] = true
	}
	a.notice = noticeAbandoned
}

func (a *Agent) handleAction(ctx context.Context, act Action) {
	ctrl := a.cfg.Controller
	master := ctrl.IsMaster()

	switch act.Kind {
	case ActionStart:
		if master || a.replica.Live || a.starting {
			a.notice = noticeBusy
			return
		}
		a.starting = true
		a.notice = ""
		go func() { a.started <- ctrl.Start(ctx) }()

	case ActionPause:
		if master {
			ctrl.Execute(ctx, relay.CommandPause, nil)
			return
		}
		if a.replica.Live {
			desired := !a.replica.Paused
			a.forward(ctx, relay.CommandPause, &desired)
		}

	case ActionStop, ActionSend:
		cmd := relay.CommandStop
		if act.Kind == ActionSend {
			cmd = relay.CommandSend
		}
		if master {
			ctrl.Execute(ctx, cmd, nil)
			return
		}
		if a.replica.Live {
			a.forward(ctx, cmd, nil)
		}

	case ActionMute:
		if master {
			ctrl.Execute(ctx, relay.CommandMute, nil)
			return
		}
		if a.replica.Live {
			desired := !a.micMuted()
			a.pendingMute = &desired
			a.forward(ctx, relay.CommandMute, &desired)
		}

	case ActionPanel:
		a.panelOpen = !a.panelOpen
		a.write(ctx, store.Values{store.KeyPanelOpen: store.Bool(a.panelOpen)})

	case ActionMove:
		a.x, a.y = act.X, act.Y
		a.write(ctx, store.Values{store.KeyBotX: store.Float(act.X), store.KeyBotY: store.Float(act.Y)})

	case ActionOpen, ActionClose:
		a.setGlobal(ctx, act.Kind == ActionOpen)
	}
}

// setGlobal asks every tab to show or hide the widget.
func (a *Agent) setGlobal(ctx context.Context, open bool) {
	kind := relay.GlobalClose
	if open {
		kind = relay.GlobalOpen
	}
	a.publish(ctx, relay.Message{Kind: kind})
}

func (a *Agent) forward(ctx context.Context, cmd relay.Command, desired *bool) {
	a.publish(ctx, relay.Message{Kind: relay.RemoteControl, Command: cmd, Desired: desired})
}

func (a *Agent) publish(ctx context.Context, msg relay.Message) {
	msg.From = a.cfg.Tab.ID
	msg.SentAt = a.clock.Now().UnixMilli()
	if err := a.cfg.Bus.Publish(ctx, msg); err != nil {
		a.logger.Warn("relay publish failed", "kind", msg.Kind, "error", err)
	}
}

func (a *Agent) write(ctx context.Context, v store.Values) {
	if err := a.cfg.Store.Set(ctx, v); err != nil {
		a.logger.Warn("persisting widget state", "error", err)
	}
}

func (a *Agent) post(msg page.Message) {
	if a.cfg.Page == nil {
		return
	}
	if err := a.cfg.Page.Post(msg); err != nil {
		a.logger.Debug("posting to page", "type", msg.Type, "error", err)
	}
}

func (a *Agent) micMuted() bool {
	if a.pendingMute != nil {
		return *a.pendingMute
	}
	return a.replica.MicMuted
}

// view is what the widget currently shows.
func (a *Agent) view() widget.View {
	now := a.clock.Now()
	v := widget.View{
		Present:   a.present,
		PanelOpen: a.panelOpen,
		X:         a.x,
		Y:         a.y,
		Notice:    a.notice,
	}
	if ctrl := a.cfg.Controller; ctrl.IsMaster() {
		sess := ctrl.Snapshot()
		v.Master = true
		v.Status = sess.Status
		v.Elapsed = ctrl.Elapsed(now)
		v.MicMuted = sess.MicMuted
		return v
	}
	v.Status = a.replica.Status()
	v.Elapsed = a.replica.Elapsed(now)
	v.MicMuted = a.micMuted()
	return v
}

func (a *Agent) render() {
	a.cfg.Widget.Render(a.view())
}
