// Package session is the recording state machine. The controller in the
// master tab is the only writer of session status; every transition is
// persisted to the shared store and announced on the relay bus so
// observer tabs can mirror it.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle position of a session.
type Status int

const (
	Idle Status = iota
	Recording
	Paused
	Stopped
)

func (s Status) String() string {
	switch s {
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Live reports whether a session is in progress.
func (s Status) Live() bool {
	return s == Recording || s == Paused
}

// Destination is where a finished recording goes.
type Destination int

const (
	LocalSave Destination = iota
	RemoteUpload
)

func (d Destination) String() string {
	if d == RemoteUpload {
		return "remote_upload"
	}
	return "local_save"
}

// Session is a snapshot of the recording in progress.
type Session struct {
	ID          string
	Status      Status
	StartedAt   time.Time
	MasterTabID string
	MicMuted    bool

	// AutoPaused is set when the silence monitor caused the current pause.
	// Only such pauses are resumed automatically.
	AutoPaused bool

	Destination Destination
}

var (
	// ErrSessionActive rejects a start while a session already exists in
	// this tab or another tab holds the master role.
	ErrSessionActive = errors.New("session: a recording is already in progress")

	// ErrNotMaster is returned when a command needs the master role.
	ErrNotMaster = errors.New("session: this tab is not the master")
)
