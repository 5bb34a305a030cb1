package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/spoly/internal/audio"
	"github.com/satindergrewal/spoly/internal/clock"
	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/silence"
	"github.com/satindergrewal/spoly/internal/store"
	"github.com/satindergrewal/spoly/internal/stream"
)

// Pipeline is the audio pipeline as the controller drives it.
// *audio.Pipeline satisfies it.
type Pipeline interface {
	Start(ctx context.Context) (*audio.MixedStream, error)
	Pause()
	Resume()
	SetMicMuted(muted bool)
	Active() bool
	Stop() (audio.Blob, error)
	Frames() <-chan []int16
	SourceEnded() <-chan struct{}
}

// Lease times the master heartbeat.
type Lease struct {
	// Heartbeat is how often the master refreshes masterHeartbeat.
	Heartbeat time.Duration

	// Timeout is the age after which a heartbeat counts as abandoned.
	Timeout time.Duration
}

// Default lease timing.
const (
	DefaultHeartbeat    = 2 * time.Second
	DefaultLeaseTimeout = 10 * time.Second
)

// Badge colors, as the toolbar shows them.
const (
	badgeRecording = "#d93025"
	badgePaused    = "#f29900"
)

// Config wires a controller to the rest of the tab.
type Config struct {
	TabID string
	Store store.Store
	Bus   relay.Bus

	// NewPipeline builds a fresh pipeline for each recording.
	NewPipeline func() Pipeline

	Saver    Saver
	Uploader Uploader
	Alerter  Alerter

	// Frames receives the mixed stream of every recording made by this
	// controller. One is created when nil.
	Frames *stream.Broadcaster

	Silence silence.Config
	Lease   Lease
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Controller is the recording state machine of one tab. While a
// recording is live it holds the master role.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	election *Election

	mu        sync.Mutex
	session   Session
	starting  bool
	pipeline  Pipeline
	timerBase time.Time
	frozen    time.Duration
	cancel    context.CancelFunc

	uploads sync.WaitGroup
}

// NewController validates cfg and returns an idle controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.TabID == "" {
		return nil, errors.New("session: tab id is required")
	}
	if cfg.Store == nil || cfg.Bus == nil || cfg.NewPipeline == nil {
		return nil, errors.New("session: store, bus and pipeline factory are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Frames == nil {
		cfg.Frames = stream.NewBroadcaster()
	}
	if cfg.Lease.Heartbeat <= 0 {
		cfg.Lease.Heartbeat = DefaultHeartbeat
	}
	if cfg.Lease.Timeout <= 0 {
		cfg.Lease.Timeout = DefaultLeaseTimeout
	}
	if cfg.Silence.Clock == nil {
		cfg.Silence.Clock = cfg.Clock
	}
	if cfg.Silence.Logger == nil {
		cfg.Silence.Logger = cfg.Logger
	}
	if _, err := silence.New(cfg.Silence); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		election: NewElection(cfg.Store, cfg.TabID, cfg.Lease.Timeout, cfg.Clock),
		session:  Session{Status: Idle, MicMuted: true},
	}, nil
}

// Frames is the broadcaster carrying the live mix.
func (c *Controller) Frames() *stream.Broadcaster {
	return c.cfg.Frames
}

// Snapshot returns the current session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// IsMaster reports whether this tab holds a live recording.
func (c *Controller) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Status.Live()
}

// Elapsed is the recording time shown at now. It freezes while paused
// and continues from the frozen value after a resume.
func (c *Controller) Elapsed(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.session.Status {
	case Recording:
		return now.Sub(c.timerBase)
	case Paused:
		return c.frozen
	default:
		return 0
	}
}

// Start claims the master role and begins recording. It fails with
// ErrSessionActive when this or another tab is already recording. Capture
// failures release the role again and are shown through the Alerter.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.session.Status != Idle || c.starting {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.starting = true
	c.mu.Unlock()

	started := false
	defer func() {
		if !started {
			c.mu.Lock()
			c.starting = false
			c.mu.Unlock()
		}
	}()

	won, err := c.election.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !won {
		return ErrSessionActive
	}

	p := c.cfg.NewPipeline()
	p.SetMicMuted(true)
	mixed, err := p.Start(ctx)
	if err != nil {
		if rerr := c.election.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.logger.Warn("releasing master after failed start", "error", rerr)
		}
		c.logger.Error("recording start failed", "error", err)
		if c.cfg.Alerter != nil {
			c.cfg.Alerter.Alert(alertText(err))
		}
		return err
	}

	// Acquisition can outlast the lease. Refresh it now, and give up if
	// another tab took the role over in the meantime.
	if held, err := c.election.Heartbeat(ctx); err != nil {
		c.logger.Warn("refreshing master lease after capture", "error", err)
	} else if !held {
		c.logger.Warn("master role taken over while acquiring capture")
		if blob, err := p.Stop(); err == nil {
			os.Remove(blob.Path)
		}
		return ErrSessionActive
	}

	monitor, err := silence.New(c.cfg.Silence)
	if err != nil {
		// Config was validated by NewController.
		return err
	}

	now := c.clock.Now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.starting = false
	started = true
	c.session = Session{
		ID:          uuid.NewString(),
		Status:      Recording,
		StartedAt:   now,
		MasterTabID: c.cfg.TabID,
		MicMuted:    true,
	}
	c.pipeline = p
	c.timerBase = now
	c.frozen = 0
	c.cancel = cancel
	sess := c.session
	c.mu.Unlock()

	c.logger.Info("recording started",
		"session", sess.ID,
		"format", mixed.Format.Name,
		"sources", mixed.Sources,
	)

	c.write(ctx, store.Values{
		store.KeyRecordingLive:          store.Bool(true),
		store.KeyRecordingPaused:        store.Bool(false),
		store.KeyRecordingStartTime:     store.Int(now.UnixMilli()),
		store.KeyRecordingPausedElapsed: nil,
		store.KeyMicMuted:               store.Bool(true),
		store.KeySessionID:              store.String(sess.ID),
	})
	c.publish(ctx, sess.ID, relay.Message{Kind: relay.RecordingStarted})
	c.publish(ctx, sess.ID, relay.Message{Kind: relay.SetBadge, Text: "REC", Color: badgeRecording})

	go c.heartbeat(runCtx)
	go c.cfg.Frames.Run(runCtx, p.Frames())
	go c.watchSilence(runCtx, monitor, p)
	go c.watchSource(runCtx, p)
	return nil
}

// Pause stops the timer and the encoder. It only acts on a recording; a
// pause while already paused keeps the original cause.
func (c *Controller) Pause(ctx context.Context, auto bool) error {
	now := c.clock.Now()

	c.mu.Lock()
	if c.session.Status != Recording {
		c.mu.Unlock()
		return nil
	}
	c.session.Status = Paused
	c.session.AutoPaused = auto
	c.frozen = now.Sub(c.timerBase)
	c.pipeline.Pause()
	sess, frozen := c.session, c.frozen
	c.mu.Unlock()

	c.logger.Info("recording paused", "session", sess.ID, "auto", auto, "elapsed", frozen)
	c.write(ctx, store.Values{
		store.KeyRecordingPaused:        store.Bool(true),
		store.KeyRecordingPausedElapsed: store.Int(frozen.Milliseconds()),
	})
	c.publish(ctx, sess.ID, relay.Message{Kind: relay.SetBadge, Text: "II", Color: badgePaused})
	return nil
}

// Resume continues a paused recording with the timer re-based so the
// elapsed time carries on from where it froze. An automatic resume only
// applies to a pause the silence monitor caused.
func (c *Controller) Resume(ctx context.Context, auto bool) error {
	now := c.clock.Now()

	c.mu.Lock()
	if c.session.Status != Paused || (auto && !c.session.AutoPaused) {
		c.mu.Unlock()
		return nil
	}
	c.session.Status = Recording
	c.session.AutoPaused = false
	c.timerBase = now.Add(-c.frozen)
	c.pipeline.Resume()
	sess, base := c.session, c.timerBase
	c.mu.Unlock()

	c.logger.Info("recording resumed", "session", sess.ID, "auto", auto)
	c.write(ctx, store.Values{
		store.KeyRecordingPaused:        store.Bool(false),
		store.KeyRecordingStartTime:     store.Int(base.UnixMilli()),
		store.KeyRecordingPausedElapsed: nil,
	})
	c.publish(ctx, sess.ID, relay.Message{Kind: relay.SetBadge, Text: "REC", Color: badgeRecording})
	return nil
}

// SetMuted mutes or unmutes the microphone in the mix.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	c.mu.Lock()
	if !c.session.Status.Live() {
		c.mu.Unlock()
		return nil
	}
	c.session.MicMuted = muted
	c.pipeline.SetMicMuted(muted)
	c.mu.Unlock()

	c.write(ctx, store.Values{store.KeyMicMuted: store.Bool(muted)})
	return nil
}

// Send stops the recording and uploads it for processing.
func (c *Controller) Send(ctx context.Context) error {
	return c.Stop(ctx, RemoteUpload)
}

// Stop finalizes the recording and dispatches it to dest. It is a no-op
// when nothing is recording. The master role is released and mute returns
// to its default before Stop returns; an upload continues in the
// background.
func (c *Controller) Stop(ctx context.Context, dest Destination) error {
	return c.stop(ctx, dest, true)
}

// stop finalizes the recording. shared is false when another tab has
// already taken the master role, so the shared fields are no longer ours
// to clear.
func (c *Controller) stop(ctx context.Context, dest Destination, shared bool) error {
	c.mu.Lock()
	if !c.session.Status.Live() {
		c.mu.Unlock()
		return nil
	}
	c.session.Status = Stopped
	c.session.Destination = dest
	p := c.pipeline
	c.cancel()
	sess := c.session
	c.mu.Unlock()

	blob, stopErr := p.Stop()
	now := c.clock.Now()

	if shared {
		c.write(ctx, store.Values{
			store.KeyRecordingLive:          store.Bool(false),
			store.KeyRecordingPaused:        store.Bool(false),
			store.KeyMicMuted:               store.Bool(true),
			store.KeyRecordingStartTime:     nil,
			store.KeyRecordingPausedElapsed: nil,
			store.KeySessionID:              nil,
		})
		if err := c.election.Release(ctx); err != nil {
			c.logger.Warn("releasing master", "error", err)
		}
		c.publish(ctx, sess.ID, relay.Message{Kind: relay.RecordingStopped})
		c.publish(ctx, sess.ID, relay.Message{Kind: relay.SetBadge})
	}

	if stopErr != nil {
		c.logger.Error("recording finalize failed", "session", sess.ID, "error", stopErr)
		c.notify(ctx, sess.ID, "Recording failed: "+stopErr.Error())
	} else {
		c.logger.Info("recording stopped",
			"session", sess.ID,
			"destination", dest.String(),
			"duration", blob.Duration,
		)
		c.dispatch(context.WithoutCancel(ctx), sess.ID, blob, dest, now)
	}

	c.mu.Lock()
	c.session = Session{Status: Idle, MicMuted: true}
	c.pipeline = nil
	c.cancel = nil
	c.mu.Unlock()

	if stopErr != nil {
		return fmt.Errorf("session: stop: %w", stopErr)
	}
	return nil
}

// Execute runs a relayed command. Only the master acts; every other tab
// gets ErrNotMaster. A nil desired toggles.
func (c *Controller) Execute(ctx context.Context, cmd relay.Command, desired *bool) error {
	sess := c.Snapshot()
	if !sess.Status.Live() {
		return ErrNotMaster
	}
	switch cmd {
	case relay.CommandPause:
		pause := sess.Status == Recording
		if desired != nil {
			pause = *desired
		}
		if pause {
			return c.Pause(ctx, false)
		}
		return c.Resume(ctx, false)
	case relay.CommandMute:
		muted := !sess.MicMuted
		if desired != nil {
			muted = *desired
		}
		return c.SetMuted(ctx, muted)
	case relay.CommandStop:
		return c.Stop(ctx, LocalSave)
	case relay.CommandSend:
		return c.Send(ctx)
	default:
		return fmt.Errorf("session: unknown command %q", cmd)
	}
}

// Wait blocks until background uploads have finished.
func (c *Controller) Wait() {
	c.uploads.Wait()
}

func (c *Controller) dispatch(ctx context.Context, sessionID string, blob audio.Blob, dest Destination, now time.Time) {
	if dest == RemoteUpload && c.cfg.Uploader != nil {
		c.uploads.Add(1)
		go func() {
			defer c.uploads.Done()
			c.upload(ctx, sessionID, blob, now)
		}()
		return
	}
	if dest == RemoteUpload {
		c.logger.Warn("no uploader configured, saving locally", "session", sessionID)
	}
	c.save(ctx, sessionID, blob, now)
}

func (c *Controller) upload(ctx context.Context, sessionID string, blob audio.Blob, now time.Time) {
	result, err := c.cfg.Uploader.Upload(ctx, blob)
	if err != nil {
		c.logger.Error("upload failed", "session", sessionID, "error", err)
		c.notify(ctx, sessionID, "Upload failed. The recording was kept locally.")
		c.save(ctx, sessionID, blob, now)
		return
	}
	os.Remove(blob.Path)
	c.logger.Info("upload complete", "session", sessionID, "artifact", result.ArtifactRef)
	c.notify(ctx, sessionID, "Your notes are ready.")
	c.publish(ctx, sessionID, relay.Message{Kind: relay.UploadComplete, ArtifactRef: result.ArtifactRef})
}

func (c *Controller) save(ctx context.Context, sessionID string, blob audio.Blob, now time.Time) {
	if c.cfg.Saver == nil {
		c.logger.Warn("no saver configured, recording left in spool", "session", sessionID, "path", blob.Path)
		return
	}
	path, err := c.cfg.Saver.Save(ctx, blob, FileName(now, blob.Format))
	if err != nil {
		c.logger.Error("save failed", "session", sessionID, "error", err)
		c.notify(ctx, sessionID, "Saving the recording failed: "+err.Error())
		return
	}
	c.logger.Info("recording saved", "session", sessionID, "path", path)
	c.notify(ctx, sessionID, "Recording saved to "+path)
}

func (c *Controller) heartbeat(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.Lease.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := c.election.Heartbeat(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("master heartbeat failed", "error", err)
				}
				continue
			}
			if !held && ctx.Err() == nil {
				c.logger.Warn("master role lost, stopping recording")
				c.stop(context.WithoutCancel(ctx), LocalSave, false)
				return
			}
		}
	}
}

func (c *Controller) watchSilence(ctx context.Context, monitor *silence.Monitor, p Pipeline) {
	listener := c.cfg.Frames.Subscribe()
	defer c.cfg.Frames.Unsubscribe(listener)
	monitor.Run(ctx, listener.C, p.Active, c.phase, func(intent silence.Intent) {
		switch intent {
		case silence.AutoPauseRequested:
			c.Pause(context.WithoutCancel(ctx), true)
		case silence.AutoResumeRequested:
			c.Resume(context.WithoutCancel(ctx), true)
		}
	})
}

func (c *Controller) watchSource(ctx context.Context, p Pipeline) {
	select {
	case <-ctx.Done():
	case <-p.SourceEnded():
		c.logger.Info("captured source ended, stopping recording")
		c.Stop(context.WithoutCancel(ctx), LocalSave)
	}
}

func (c *Controller) phase() silence.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.session.Status == Paused && c.session.AutoPaused:
		return silence.PhaseAutoPaused
	case c.session.Status == Paused:
		return silence.PhasePaused
	default:
		return silence.PhaseRecording
	}
}

// write persists entries. The store is a mirror for other tabs, so a
// failed write is logged and the transition stands.
func (c *Controller) write(ctx context.Context, entries store.Values) {
	if err := c.cfg.Store.Set(ctx, entries); err != nil {
		c.logger.Warn("persisting session state", "error", err)
	}
}

func (c *Controller) publish(ctx context.Context, sessionID string, msg relay.Message) {
	msg.From = c.cfg.TabID
	msg.SessionID = sessionID
	msg.SentAt = c.clock.Now().UnixMilli()
	if err := c.cfg.Bus.Publish(ctx, msg); err != nil {
		c.logger.Warn("relay publish failed", "kind", msg.Kind, "error", err)
	}
}

func (c *Controller) notify(ctx context.Context, sessionID, text string) {
	c.publish(ctx, sessionID, relay.Message{Kind: relay.ShowNotification, Text: text})
}
