// Package widget is the floating recorder control as each tab shows it.
package widget

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/satindergrewal/spoly/internal/session"
)

// View is everything the widget draws.
type View struct {
	// Present is false when the widget is removed from the tab.
	Present bool

	PanelOpen bool
	X, Y      float64

	Status   session.Status
	Elapsed  time.Duration
	MicMuted bool

	// Master is true in the tab holding the capture.
	Master bool

	// Notice is a transient, non-blocking message.
	Notice string
}

// Widget renders views and shows blocking alerts.
type Widget interface {
	Render(v View)
	Alert(message string)
}

// FormatElapsed renders d as mm:ss. Minutes keep counting past an hour.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// TimerText is the timer label: "Ready" when nothing is recording.
func TimerText(status session.Status, elapsed time.Duration) string {
	if !status.Live() {
		return "Ready"
	}
	return FormatElapsed(elapsed)
}

// Theme colors the terminal widget with ANSI 256-color codes.
type Theme struct {
	Recording lipgloss.Color
	Paused    lipgloss.Color
	Idle      lipgloss.Color
	Faint     lipgloss.Color
	Alert     lipgloss.Color
}

// DefaultTheme suits a dark terminal.
var DefaultTheme = Theme{
	Recording: lipgloss.Color("196"),
	Paused:    lipgloss.Color("214"),
	Idle:      lipgloss.Color("250"),
	Faint:     lipgloss.Color("243"),
	Alert:     lipgloss.Color("203"),
}

// Terminal draws the widget as one status line per change.
type Terminal struct {
	theme Theme

	mu   sync.Mutex
	out  io.Writer
	last string
}

// NewTerminal writes to out using theme.
func NewTerminal(out io.Writer, theme Theme) *Terminal {
	return &Terminal{out: out, theme: theme}
}

// Render prints v if it differs from the last line printed.
func (t *Terminal) Render(v View) {
	line := t.Line(v)
	t.mu.Lock()
	defer t.mu.Unlock()
	if line == t.last {
		return
	}
	t.last = line
	fmt.Fprintln(t.out, line)
}

// Alert prints a blocking message.
func (t *Terminal) Alert(message string) {
	style := lipgloss.NewStyle().Foreground(t.theme.Alert).Bold(true)
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, style.Render("! "+message))
	t.last = ""
}

// Line is the status line for v.
func (t *Terminal) Line(v View) string {
	faint := lipgloss.NewStyle().Foreground(t.theme.Faint)
	if !v.Present {
		return faint.Render("[spoly hidden]")
	}

	var color lipgloss.Color
	var label string
	switch v.Status {
	case session.Recording:
		color, label = t.theme.Recording, "REC"
	case session.Paused:
		color, label = t.theme.Paused, "PAUSED"
	default:
		color, label = t.theme.Idle, "IDLE"
	}
	status := lipgloss.NewStyle().Foreground(color).Bold(true).Render(label)

	parts := []string{status, TimerText(v.Status, v.Elapsed)}
	if v.Status.Live() {
		mic := "mic on"
		if v.MicMuted {
			mic = "mic muted"
		}
		role := "observer"
		if v.Master {
			role = "master"
		}
		parts = append(parts, mic, faint.Render(role))
	}
	if v.PanelOpen {
		parts = append(parts, faint.Render(fmt.Sprintf("@%.0f,%.0f", v.X, v.Y)))
	}
	if v.Notice != "" {
		parts = append(parts, faint.Render(v.Notice))
	}
	return strings.Join(parts, "  ")
}
