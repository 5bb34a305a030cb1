package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	frameSamples = 960 * 2
	frameBytes   = frameSamples * 2

	defaultProbe = 3 * time.Second
)

// FFmpegSource captures audio through an ffmpeg input definition such
// as "-f pulse -i default" or "-f avfoundation -i :0". A source that
// produces no audio within the probe window is treated as denied.
type FFmpegSource struct {
	// Name labels the track, e.g. "microphone" or "display".
	Name string

	// Input holds the ffmpeg arguments that select the device.
	Input []string

	// Probe bounds the wait for the first frame. Defaults to 3s.
	Probe time.Duration

	Logger *slog.Logger
}

// Acquire starts ffmpeg and waits for the first frame.
func (s *FFmpegSource) Acquire(ctx context.Context) (*Stream, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	probe := s.Probe
	if probe <= 0 {
		probe = defaultProbe
	}

	args := append([]string{}, s.Input...)
	args = append(args,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd := exec.Command("ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", s.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPermissionDenied, s.Name, err)
	}

	t := &processTrack{
		id:     uuid.NewString(),
		label:  s.Name,
		cmd:    cmd,
		frames: make(chan []int16, 50),
		first:  make(chan struct{}),
		ended:  make(chan struct{}),
		stop:   make(chan struct{}),
		logger: logger,
	}
	go t.read(stdout)

	timer := time.NewTimer(probe)
	defer timer.Stop()
	select {
	case <-t.first:
		logger.Info("capture source acquired", "source", s.Name, "track", t.id)
		return NewStream(t), nil
	case <-t.ended:
		return nil, fmt.Errorf("%w: %s: %s", ErrPermissionDenied, s.Name, strings.TrimSpace(stderr.String()))
	case <-timer.C:
		t.Stop()
		return nil, fmt.Errorf("%w: %s: no audio within %s", ErrPermissionDenied, s.Name, probe)
	case <-ctx.Done():
		t.Stop()
		return nil, ctx.Err()
	}
}

// processTrack is an audio track fed by an ffmpeg child process.
type processTrack struct {
	id     string
	label  string
	cmd    *exec.Cmd
	frames chan []int16
	first  chan struct{}
	ended  chan struct{}
	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (t *processTrack) ID() string             { return t.id }
func (t *processTrack) Kind() Kind             { return KindAudio }
func (t *processTrack) Label() string          { return t.label }
func (t *processTrack) Frames() <-chan []int16 { return t.frames }
func (t *processTrack) Ended() <-chan struct{} { return t.ended }

// Stop kills the process. The reader goroutine closes Frames and Ended.
func (t *processTrack) Stop() {
	t.once.Do(func() {
		close(t.stop)
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
	})
}

func (t *processTrack) read(r io.Reader) {
	defer func() {
		t.cmd.Wait()
		close(t.frames)
		close(t.ended)
	}()

	buf := make([]byte, frameBytes)
	firstSeen := false
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			select {
			case <-t.stop:
			default:
				t.logger.Info("capture source ended", "source", t.label, "error", err)
			}
			return
		}
		frame := make([]int16, frameSamples)
		for i := range frame {
			frame[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		if !firstSeen {
			firstSeen = true
			close(t.first)
		}
		select {
		case t.frames <- frame:
		case <-t.stop:
			return
		}
	}
}
