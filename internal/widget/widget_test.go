package widget

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/satindergrewal/spoly/internal/session"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{61*time.Second + 900*time.Millisecond, "01:01"},
		{75 * time.Minute, "75:00"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.in); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTimerTextReadyWhenIdle(t *testing.T) {
	if got := TimerText(session.Idle, time.Minute); got != "Ready" {
		t.Errorf("idle timer = %q", got)
	}
	if got := TimerText(session.Paused, 90*time.Second); got != "01:30" {
		t.Errorf("paused timer = %q", got)
	}
}

func TestTerminalRendersChangesOnly(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, DefaultTheme)
	v := View{Present: true, Status: session.Recording, Elapsed: 5 * time.Second, MicMuted: true, Master: true}

	term.Render(v)
	term.Render(v)
	v.Elapsed = 6 * time.Second
	term.Render(v)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d lines, want 2:\n%s", len(lines), buf.String())
	}
	for _, want := range []string{"00:06", "mic muted", "master"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("line %q missing %q", lines[1], want)
		}
	}
}

func TestTerminalAlert(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, DefaultTheme)
	term.Alert("share tab audio")
	if !strings.Contains(buf.String(), "share tab audio") {
		t.Errorf("alert output = %q", buf.String())
	}
}
