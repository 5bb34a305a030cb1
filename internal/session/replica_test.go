package session

import (
	"testing"
	"time"

	"github.com/satindergrewal/spoly/internal/store"
)

func TestSharedState(t *testing.T) {
	now := epoch.Add(time.Minute)
	tests := []struct {
		name    string
		values  store.Values
		status  Status
		elapsed time.Duration
		muted   bool
	}{
		{
			name:   "empty store is idle and muted",
			values: store.Values{},
			status: Idle,
			muted:  true,
		},
		{
			name: "recording",
			values: store.Values{
				store.KeyRecordingLive:      store.Bool(true),
				store.KeyRecordingStartTime: store.Int(epoch.UnixMilli()),
				store.KeyMicMuted:           store.Bool(false),
			},
			status:  Recording,
			elapsed: time.Minute,
		},
		{
			name: "paused uses frozen elapsed",
			values: store.Values{
				store.KeyRecordingLive:          store.Bool(true),
				store.KeyRecordingPaused:        store.Bool(true),
				store.KeyRecordingStartTime:     store.Int(epoch.UnixMilli()),
				store.KeyRecordingPausedElapsed: store.Int(12_000),
			},
			status:  Paused,
			elapsed: 12 * time.Second,
			muted:   true,
		},
		{
			name: "start time in the future clamps to zero",
			values: store.Values{
				store.KeyRecordingLive:      store.Bool(true),
				store.KeyRecordingStartTime: store.Int(now.Add(time.Second).UnixMilli()),
			},
			status: Recording,
			muted:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromValues(tt.values)
			if s.Status() != tt.status {
				t.Errorf("Status = %v, want %v", s.Status(), tt.status)
			}
			if got := s.Elapsed(now); got != tt.elapsed {
				t.Errorf("Elapsed = %v, want %v", got, tt.elapsed)
			}
			if s.MicMuted != tt.muted {
				t.Errorf("MicMuted = %v, want %v", s.MicMuted, tt.muted)
			}
		})
	}
}

func TestSharedStateApply(t *testing.T) {
	s := FromValues(store.Values{
		store.KeyRecordingLive:      store.Bool(true),
		store.KeyRecordingStartTime: store.Int(epoch.UnixMilli()),
		store.KeySessionID:          store.String("s1"),
	})
	s = s.Apply([]store.Change{
		{Key: store.KeyRecordingPaused, Value: store.Bool(true)},
		{Key: store.KeyRecordingPausedElapsed, Value: store.Int(4000)},
	})
	if s.Status() != Paused || s.Elapsed(epoch.Add(time.Hour)) != 4*time.Second {
		t.Fatalf("after pause changes: %+v", s)
	}
	s = s.Apply([]store.Change{
		{Key: store.KeyRecordingLive, Value: store.Bool(false)},
		{Key: store.KeyRecordingPaused, Value: store.Bool(false)},
		{Key: store.KeySessionID},
		{Key: store.KeyRecordingStartTime},
		{Key: store.KeyRecordingPausedElapsed},
	})
	if s.Status() != Idle || s.SessionID != "" || !s.StartTime.IsZero() {
		t.Errorf("after stop changes: %+v", s)
	}
}

func TestAbandoned(t *testing.T) {
	live := SharedState{Live: true, Heartbeat: epoch}
	if live.Abandoned(epoch.Add(5*time.Second), 10*time.Second) {
		t.Error("fresh lease reported abandoned")
	}
	if !live.Abandoned(epoch.Add(11*time.Second), 10*time.Second) {
		t.Error("stale lease not reported abandoned")
	}
	if (SharedState{Heartbeat: epoch}).Abandoned(epoch.Add(time.Hour), time.Second) {
		t.Error("idle session reported abandoned")
	}
}
