package tabsync

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/spoly/internal/audio"
	"github.com/satindergrewal/spoly/internal/capture/capturetest"
	"github.com/satindergrewal/spoly/internal/clock"
	"github.com/satindergrewal/spoly/internal/page"
	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/session"
	"github.com/satindergrewal/spoly/internal/store"
	"github.com/satindergrewal/spoly/internal/widget"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	last   widget.View
	alerts []string
}

func (r *recorder) Render(v widget.View) {
	r.mu.Lock()
	r.last = v
	r.mu.Unlock()
}

func (r *recorder) Alert(msg string) {
	r.mu.Lock()
	r.alerts = append(r.alerts, msg)
	r.mu.Unlock()
}

func (r *recorder) view() widget.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type world struct {
	store *store.Memory
	bus   *relay.Hub
	clock *clock.FakeClock
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{store: store.NewMemory(nil), bus: relay.NewHub(nil), clock: clock.Fake(epoch)}
	t.Cleanup(func() {
		w.bus.Close()
		w.store.Close()
	})
	return w
}

type tab struct {
	agent *Agent
	ctrl  *session.Controller
	w     *recorder
	page  *syncBuffer
	mic   *capturetest.Source
}

func (w *world) open(t *testing.T, id string) *tab {
	t.Helper()
	tb := &tab{w: &recorder{}, page: &syncBuffer{}, mic: capturetest.Audio("microphone")}
	display := capturetest.Audio("display")
	spool := t.TempDir()
	saveDir := t.TempDir()
	ctrl, err := session.NewController(session.Config{
		TabID: id,
		Store: w.store,
		Bus:   w.bus,
		NewPipeline: func() session.Pipeline {
			return audio.NewPipeline(audio.Config{
				Microphone: tb.mic,
				Display:    display,
				Formats:    []string{"pcm"},
				SpoolDir:   spool,
			})
		},
		Saver:   session.DirSaver{Dir: saveDir},
		Alerter: tb.w,
		Clock:   w.clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	tb.ctrl = ctrl
	tb.agent = New(Config{
		Tab:        relay.Tab{ID: id, URL: "https://meet.example.com/" + id},
		Store:      w.store,
		Bus:        w.bus,
		Controller: ctrl,
		Widget:     tb.w,
		Page:       page.NewChannel(nil, tb.page, nil),
		Clock:      w.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go tb.agent.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-tb.agent.Done()
	})
	return tb
}

func (tb *tab) do(t *testing.T, act Action) {
	t.Helper()
	if err := tb.agent.Do(context.Background(), act); err != nil {
		t.Fatal(err)
	}
}

func (tb *tab) waitView(t *testing.T, what string, cond func(widget.View) bool) widget.View {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		v := tb.w.view()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last view %+v", what, v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recording(v widget.View) bool { return v.Status == session.Recording }
func idle(v widget.View) bool      { return v.Status == session.Idle }

func TestObserverJoinsLiveSession(t *testing.T) {
	w := newWorld(t)
	a := w.open(t, "tab-a")
	a.do(t, Action{Kind: ActionStart})
	a.waitView(t, "master recording", func(v widget.View) bool { return recording(v) && v.Master })

	w.clock.Advance(4 * time.Second)
	b := w.open(t, "tab-b")
	v := b.waitView(t, "observer recording", recording)
	if v.Master {
		t.Error("late tab believes it is master")
	}
	if v.Elapsed < 4*time.Second {
		t.Errorf("observer elapsed = %v, want at least 4s", v.Elapsed)
	}
	if !v.MicMuted {
		t.Error("observer shows mic unmuted on a fresh session")
	}
}

func TestStartFromSecondTabRejected(t *testing.T) {
	w := newWorld(t)
	a := w.open(t, "tab-a")
	b := w.open(t, "tab-b")
	a.do(t, Action{Kind: ActionStart})
	b.waitView(t, "observer recording", recording)

	b.do(t, Action{Kind: ActionStart})
	v := b.waitView(t, "busy notice", func(v widget.View) bool { return v.Notice != "" })
	if v.Master || b.ctrl.IsMaster() {
		t.Error("second tab became master")
	}
	if !a.ctrl.IsMaster() {
		t.Error("first tab lost master")
	}
}

func TestObserverMuteAppliedOnceByMaster(t *testing.T) {
	w := newWorld(t)
	a := w.open(t, "tab-a")
	b := w.open(t, "tab-b")
	c := w.open(t, "tab-c")
	a.do(t, Action{Kind: ActionStart})
	b.waitView(t, "observer recording", recording)

	b.do(t, Action{Kind: ActionMute})
	b.waitView(t, "optimistic unmute", func(v widget.View) bool { return !v.MicMuted })

	a.waitView(t, "master unmuted", func(v widget.View) bool { return !v.MicMuted })
	c.waitView(t, "third tab mirrors unmute", func(v widget.View) bool { return recording(v) && !v.MicMuted })
	if b.ctrl.IsMaster() || c.ctrl.IsMaster() {
		t.Error("observer executed the command")
	}
	// A toggle applied twice would have muted again.
	time.Sleep(50 * time.Millisecond)
	if a.ctrl.Snapshot().MicMuted {
		t.Error("mute applied more than once")
	}
}

func TestObserverPauseAndStop(t *testing.T) {
	w := newWorld(t)
	a := w.open(t, "tab-a")
	b := w.open(t, "tab-b")
	a.do(t, Action{Kind: ActionStart})
	b.waitView(t, "observer recording", recording)

	b.do(t, Action{Kind: ActionPause})
	a.waitView(t, "master paused", func(v widget.View) bool { return v.Status == session.Paused })
	b.waitView(t, "observer paused", func(v widget.View) bool { return v.Status == session.Paused })

	b.do(t, Action{Kind: ActionStop})
	a.waitView(t, "master idle", idle)
	b.waitView(t, "observer idle", idle)
	if a.ctrl.IsMaster() {
		t.Error("master role kept after stop")
	}
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(b.page.String(), string(page.RecordingStopped)) {
		if time.Now().After(deadline) {
			t.Fatalf("page never told about the stop: %s", b.page.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStaleRecordingStartedIgnored(t *testing.T) {
	w := newWorld(t)
	b := w.open(t, "tab-b")
	ctx := context.Background()

	w.bus.Publish(ctx, relay.Message{Kind: relay.RecordingStopped, SessionID: "s1"})
	w.bus.Publish(ctx, relay.Message{Kind: relay.RecordingStarted, SessionID: "s1"})
	w.bus.Publish(ctx, relay.Message{Kind: relay.GlobalOpen})
	b.waitView(t, "widget present", func(v widget.View) bool { return v.Present })

	if strings.Contains(b.page.String(), string(page.RecordingStarted)) {
		t.Errorf("stale start reached the page:\n%s", b.page.String())
	}
}

func TestAbandonedSessionCleared(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.store.Set(ctx, store.Values{
		store.KeyRecordingLive:      store.Bool(true),
		store.KeyRecordingStartTime: store.Int(epoch.UnixMilli()),
		store.KeyMasterTabID:        store.String("ghost"),
		store.KeyMasterHeartbeat:    store.Int(epoch.UnixMilli()),
		store.KeySessionID:          store.String("s-ghost"),
	})
	b := w.open(t, "tab-b")
	b.waitView(t, "observer recording", recording)

	b.waitView(t, "session cleared", func(v widget.View) bool {
		w.clock.Advance(time.Second)
		return idle(v) && v.Notice != ""
	})
	v, _ := w.store.Get(ctx, store.KeyRecordingLive, store.KeyMasterTabID)
	if live, _ := v.Bool(store.KeyRecordingLive); live {
		t.Error("recordingLive still set")
	}
	if _, held := v[store.KeyMasterTabID]; held {
		t.Error("abandoned master still recorded")
	}

	b.do(t, Action{Kind: ActionStart})
	b.waitView(t, "new session after recovery", func(v widget.View) bool { return recording(v) && v.Master })
}

func TestPlacementMirrored(t *testing.T) {
	w := newWorld(t)
	a := w.open(t, "tab-a")
	b := w.open(t, "tab-b")

	a.do(t, Action{Kind: ActionMove, X: 120, Y: 340})
	a.do(t, Action{Kind: ActionPanel})
	b.waitView(t, "placement mirrored", func(v widget.View) bool {
		return v.X == 120 && v.Y == 340 && v.PanelOpen
	})
}

func TestGlobalOpenClose(t *testing.T) {
	w := newWorld(t)
	a := w.open(t, "tab-a")
	b := w.open(t, "tab-b")

	a.do(t, Action{Kind: ActionOpen})
	b.waitView(t, "widget injected", func(v widget.View) bool { return v.Present })
	a.do(t, Action{Kind: ActionClose})
	b.waitView(t, "widget removed", func(v widget.View) bool { return !v.Present })

	if !strings.Contains(b.page.String(), `"present":true`) {
		t.Errorf("page not told about the widget:\n%s", b.page.String())
	}
}
