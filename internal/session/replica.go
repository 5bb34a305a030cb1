package session

import (
	"context"
	"time"

	"github.com/satindergrewal/spoly/internal/store"
)

// SharedKeys are the keys a replica is built from.
var SharedKeys = []string{
	store.KeyRecordingLive,
	store.KeyRecordingPaused,
	store.KeyRecordingStartTime,
	store.KeyRecordingPausedElapsed,
	store.KeyMicMuted,
	store.KeyMasterTabID,
	store.KeyMasterHeartbeat,
	store.KeySessionID,
}

// SharedState is the session as any tab can see it in the store.
type SharedState struct {
	Live      bool
	Paused    bool
	StartTime time.Time

	// PausedElapsed is the frozen timer while paused.
	PausedElapsed time.Duration

	MicMuted  bool
	MasterTab string
	Heartbeat time.Time
	SessionID string
}

// Load reads the shared session from st.
func Load(ctx context.Context, st store.Store) (SharedState, error) {
	values, err := st.Get(ctx, SharedKeys...)
	if err != nil {
		return SharedState{}, err
	}
	return FromValues(values), nil
}

// FromValues builds the replica from raw store values. Missing or
// mistyped fields take their idle defaults; mute defaults to on.
func FromValues(v store.Values) SharedState {
	var s SharedState
	s.Live, _ = v.Bool(store.KeyRecordingLive)
	s.Paused, _ = v.Bool(store.KeyRecordingPaused)
	if ms, ok := v.Int(store.KeyRecordingStartTime); ok {
		s.StartTime = time.UnixMilli(ms)
	}
	if ms, ok := v.Int(store.KeyRecordingPausedElapsed); ok {
		s.PausedElapsed = time.Duration(ms) * time.Millisecond
	}
	s.MicMuted = true
	if muted, ok := v.Bool(store.KeyMicMuted); ok {
		s.MicMuted = muted
	}
	s.MasterTab, _ = v.String(store.KeyMasterTabID)
	if ms, ok := v.Int(store.KeyMasterHeartbeat); ok {
		s.Heartbeat = time.UnixMilli(ms)
	}
	s.SessionID, _ = v.String(store.KeySessionID)
	return s
}

// Status maps the replica onto the controller's statuses.
func (s SharedState) Status() Status {
	switch {
	case s.Live && s.Paused:
		return Paused
	case s.Live:
		return Recording
	default:
		return Idle
	}
}

// Elapsed recomputes the timer locally at now.
func (s SharedState) Elapsed(now time.Time) time.Duration {
	switch {
	case !s.Live:
		return 0
	case s.Paused:
		return s.PausedElapsed
	case s.StartTime.IsZero():
		return 0
	}
	if d := now.Sub(s.StartTime); d > 0 {
		return d
	}
	return 0
}

// Abandoned reports whether the session is live but its master stopped
// refreshing the lease.
func (s SharedState) Abandoned(now time.Time, timeout time.Duration) bool {
	if !s.Live {
		return false
	}
	return s.Heartbeat.IsZero() || now.Sub(s.Heartbeat) > timeout
}

// Apply folds a batch of changes into the replica.
func (s SharedState) Apply(changes []store.Change) SharedState {
	v := s.values()
	for _, ch := range changes {
		if ch.Value == nil {
			delete(v, ch.Key)
			continue
		}
		v[ch.Key] = ch.Value
	}
	return FromValues(v)
}

func (s SharedState) values() store.Values {
	v := store.Values{
		store.KeyRecordingLive:   store.Bool(s.Live),
		store.KeyRecordingPaused: store.Bool(s.Paused),
		store.KeyMicMuted:        store.Bool(s.MicMuted),
	}
	if !s.StartTime.IsZero() {
		v[store.KeyRecordingStartTime] = store.Int(s.StartTime.UnixMilli())
	}
	if s.PausedElapsed != 0 {
		v[store.KeyRecordingPausedElapsed] = store.Int(s.PausedElapsed.Milliseconds())
	}
	if s.MasterTab != "" {
		v[store.KeyMasterTabID] = store.String(s.MasterTab)
	}
	if !s.Heartbeat.IsZero() {
		v[store.KeyMasterHeartbeat] = store.Int(s.Heartbeat.UnixMilli())
	}
	if s.SessionID != "" {
		v[store.KeySessionID] = store.String(s.SessionID)
	}
	return v
}
