// Package silence watches the mixed stream and asks for a pause after a
// long stretch of silence, and for a resume when sound returns to a
// recording that it paused itself. It only emits intents; the recording
// controller decides whether to act on them.
package silence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/satindergrewal/spoly/internal/clock"
)

// Defaults match the recorder's historical behavior.
const (
	DefaultSilenceThreshold = 10
	DefaultResumeThreshold  = 20
	DefaultTimeout          = 30 * time.Second
)

// Intent is what the monitor asks the controller to do.
type Intent int

const (
	None Intent = iota
	AutoPauseRequested
	AutoResumeRequested
)

func (i Intent) String() string {
	switch i {
	case AutoPauseRequested:
		return "auto_pause"
	case AutoResumeRequested:
		return "auto_resume"
	default:
		return "none"
	}
}

// Phase is the controller state as the monitor needs to see it. Manual
// and automatic pauses share a status but are distinct phases here.
type Phase int

const (
	PhaseRecording Phase = iota
	PhasePaused
	PhaseAutoPaused
)

// Config tunes the monitor.
type Config struct {
	// SilenceThreshold is the energy below which a frame counts as silent.
	SilenceThreshold float64

	// ResumeThreshold is the energy above which an auto-paused recording
	// resumes. Must exceed SilenceThreshold.
	ResumeThreshold float64

	// Timeout is how long silence must last before a pause is requested.
	Timeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Monitor tracks silence episodes.
type Monitor struct {
	cfg      Config
	analyzer *Analyzer

	silent      bool
	silentSince time.Time
	pauseSent   bool
	resumeSent  bool
}

// New validates cfg, fills defaults and returns a monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.ResumeThreshold == 0 {
		cfg.ResumeThreshold = DefaultResumeThreshold
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ResumeThreshold <= cfg.SilenceThreshold {
		return nil, fmt.Errorf("silence: resume threshold %v must exceed silence threshold %v",
			cfg.ResumeThreshold, cfg.SilenceThreshold)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{cfg: cfg, analyzer: NewAnalyzer()}, nil
}

// Observe feeds one energy reading taken at now while the controller is
// in phase, and returns the intent to emit, if any. Each silence episode
// yields at most one pause request and each auto-pause at most one resume
// request.
func (m *Monitor) Observe(energy float64, now time.Time, phase Phase) Intent {
	switch phase {
	case PhaseRecording:
		m.resumeSent = false
		if energy >= m.cfg.SilenceThreshold {
			m.silent = false
			m.pauseSent = false
			return None
		}
		if !m.silent {
			m.silent = true
			m.silentSince = now
		}
		if !m.pauseSent && now.Sub(m.silentSince) >= m.cfg.Timeout {
			m.pauseSent = true
			return AutoPauseRequested
		}
		return None

	case PhaseAutoPaused:
		m.silent = false
		m.pauseSent = false
		if energy > m.cfg.ResumeThreshold && !m.resumeSent {
			m.resumeSent = true
			return AutoResumeRequested
		}
		return None

	default:
		m.silent = false
		m.pauseSent = false
		m.resumeSent = false
		return None
	}
}

// Run analyzes frames until ctx ends, frames closes, or alive reports
// false. alive is checked before every frame so an externally stopped
// pipeline ends the loop on its own.
func (m *Monitor) Run(ctx context.Context, frames <-chan []int16, alive func() bool, phase func() Phase, emit func(Intent)) {
	for {
		if !alive() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			energy := m.analyzer.Energy(frame)
			intent := m.Observe(energy, m.cfg.Clock.Now(), phase())
			if intent != None {
				m.cfg.Logger.Info("silence monitor intent", "intent", intent.String(), "energy", energy)
				emit(intent)
			}
		}
	}
}
