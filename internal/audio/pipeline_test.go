package audio

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/satindergrewal/spoly/internal/capture"
	"github.com/satindergrewal/spoly/internal/capture/capturetest"
)

func newTestPipeline(t *testing.T, mic, display *capturetest.Source) *Pipeline {
	t.Helper()
	cfg := Config{Formats: []string{"pcm"}, SpoolDir: t.TempDir()}
	if mic != nil {
		cfg.Microphone = mic
	}
	if display != nil {
		cfg.Display = display
	}
	return NewPipeline(cfg)
}

func constFrame(v int16) []int16 {
	f := make([]int16, FrameSamples)
	for i := range f {
		f[i] = v
	}
	return f
}

func nextFrame(t *testing.T, p *Pipeline) []int16 {
	t.Helper()
	select {
	case f := <-p.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no mixed frame")
		return nil
	}
}

func TestStartBothDenied(t *testing.T) {
	mic := capturetest.Denied("microphone")
	display := capturetest.Denied("display")
	p := newTestPipeline(t, mic, display)

	_, err := p.Start(context.Background())
	if !errors.Is(err, ErrNoAudioSource) {
		t.Fatalf("Start err = %v, want ErrNoAudioSource", err)
	}
	if mic.Acquires() != 1 || display.Acquires() != 1 {
		t.Errorf("acquires mic=%d display=%d, want 1 each", mic.Acquires(), display.Acquires())
	}
	if p.Active() {
		t.Error("pipeline active after failed start")
	}
}

func TestStartDisplayWithoutAudioReleasesPartialStreams(t *testing.T) {
	mic := capturetest.Denied("microphone")
	display := &capturetest.Source{Label: "display", Kinds: []capture.Kind{capture.KindVideo}}
	p := newTestPipeline(t, mic, display)

	if _, err := p.Start(context.Background()); !errors.Is(err, ErrNoAudioSource) {
		t.Fatalf("Start err = %v, want ErrNoAudioSource", err)
	}
	if !display.Balanced() {
		t.Error("video-only display stream not released exactly once")
	}
}

func TestStartMicDeniedDisplayGranted(t *testing.T) {
	mic := capturetest.Denied("microphone")
	display := capturetest.Audio("display")
	p := newTestPipeline(t, mic, display)

	ms, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(ms.Sources) != 1 || ms.Sources[0] != "display" {
		t.Errorf("Sources = %v, want [display]", ms.Sources)
	}
	if !p.Active() {
		t.Error("pipeline not active")
	}
	p.Stop()
	if !display.Balanced() {
		t.Error("display tracks not stopped exactly once")
	}
}

func TestStartUnsupportedFormatAcquiresNothing(t *testing.T) {
	mic := capturetest.Audio("microphone")
	display := capturetest.Audio("display")
	p := NewPipeline(Config{Microphone: mic, Display: display, Formats: []string{"webm"}, SpoolDir: t.TempDir()})

	if _, err := p.Start(context.Background()); !errors.Is(err, ErrEncodingUnsupported) {
		t.Fatalf("Start err = %v, want ErrEncodingUnsupported", err)
	}
	if mic.Acquires() != 0 || display.Acquires() != 0 {
		t.Error("sources acquired despite unsupported encoding")
	}
}

func TestMixesDisplayAndMic(t *testing.T) {
	mic := capturetest.Audio("microphone")
	display := capturetest.Audio("display")
	p := newTestPipeline(t, mic, display)
	p.SetMicMuted(false)

	ms, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(ms.Sources) != 2 || ms.Sources[0] != "display" {
		t.Fatalf("Sources = %v, want display first", ms.Sources)
	}

	mic.Last(capture.KindAudio).Push(constFrame(300))
	display.Last(capture.KindAudio).Push(constFrame(1000))
	if got := nextFrame(t, p)[0]; got != 1300 {
		t.Errorf("mixed sample = %d, want 1300", got)
	}

	// No mic frame ready: the display frame passes through alone.
	display.Last(capture.KindAudio).Push(constFrame(1000))
	if got := nextFrame(t, p)[0]; got != 1000 {
		t.Errorf("display-only sample = %d, want 1000", got)
	}

	blob, err := p.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if blob.Size != 2*FrameBytes || blob.Duration != 2*FrameDuration {
		t.Errorf("blob size=%d duration=%v, want 2 frames", blob.Size, blob.Duration)
	}
	if blob.Format.Name != "pcm" {
		t.Errorf("format = %s", blob.Format.Name)
	}
}

func TestMicBacklogSkippedAtStart(t *testing.T) {
	mic := capturetest.Audio("microphone")
	display := capturetest.Audio("display")
	// The microphone keeps capturing while display permission is pending.
	display.OnAcquire = func() {
		for v := int16(1); v <= 40; v++ {
			mic.Last(capture.KindAudio).Push(constFrame(v))
		}
	}
	p := newTestPipeline(t, mic, display)
	p.SetMicMuted(false)

	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	display.Last(capture.KindAudio).Push(constFrame(1000))
	if got := nextFrame(t, p)[0]; got != 1040 {
		t.Errorf("first mixed sample = %d, want 1040 (newest mic frame)", got)
	}

	// Backlog is gone: the next display frame mixes alone.
	display.Last(capture.KindAudio).Push(constFrame(1000))
	if got := nextFrame(t, p)[0]; got != 1000 {
		t.Errorf("second mixed sample = %d, want 1000", got)
	}
	p.Stop()
}

func TestLaggingMicCatchesUp(t *testing.T) {
	mic := capturetest.Audio("microphone")
	display := capturetest.Audio("display")
	p := newTestPipeline(t, mic, display)
	p.SetMicMuted(false)

	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for v := int16(1); v <= maxSecondaryLag+3; v++ {
		mic.Last(capture.KindAudio).Push(constFrame(v))
	}
	display.Last(capture.KindAudio).Push(constFrame(1000))
	if got, want := nextFrame(t, p)[0], int16(1000+maxSecondaryLag+3); got != want {
		t.Errorf("mixed sample = %d, want %d (mic skipped to newest)", got, want)
	}
	p.Stop()
}

func TestMutedMicExcludedFromMix(t *testing.T) {
	mic := capturetest.Audio("microphone")
	display := capturetest.Audio("display")
	p := newTestPipeline(t, mic, display)

	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mic.Last(capture.KindAudio).Push(constFrame(300))
	display.Last(capture.KindAudio).Push(constFrame(1000))
	frame := nextFrame(t, p)
	for i, s := range frame {
		if s != 1000 {
			t.Fatalf("sample[%d] = %d, muted mic leaked into mix", i, s)
		}
	}
	p.Stop()
}

func TestPauseGatesEncodingOnly(t *testing.T) {
	display := capturetest.Audio("display")
	p := newTestPipeline(t, nil, display)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	track := display.Last(capture.KindAudio)

	track.Push(constFrame(1))
	nextFrame(t, p)
	p.Pause()
	track.Push(constFrame(2))
	track.Push(constFrame(3))
	nextFrame(t, p)
	nextFrame(t, p)
	p.Resume()
	track.Push(constFrame(4))
	nextFrame(t, p)

	blob, err := p.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if blob.Duration != 2*FrameDuration {
		t.Errorf("duration = %v, want 2 encoded frames", blob.Duration)
	}
	data, err := os.ReadFile(blob.Path)
	if err != nil {
		t.Fatal(err)
	}
	samples := BytesToSamples(data)
	if samples[0] != 1 || samples[FrameSamples] != 4 {
		t.Errorf("encoded frames start with %d,%d; want 1,4", samples[0], samples[FrameSamples])
	}
}

func TestStopIsIdempotent(t *testing.T) {
	mic := capturetest.Audio("microphone")
	display := capturetest.Audio("display")
	p := newTestPipeline(t, mic, display)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first, err1 := p.Stop()
	second, err2 := p.Stop()
	if err1 != nil || err2 != nil {
		t.Fatalf("Stop errors: %v, %v", err1, err2)
	}
	if first.Path != second.Path || first.Size != second.Size {
		t.Errorf("second Stop returned %+v, want %+v", second, first)
	}
	if !mic.Balanced() || !display.Balanced() {
		t.Error("tracks not stopped exactly once")
	}
	if _, ok := <-p.Frames(); ok {
		t.Error("Frames not closed after Stop")
	}
	select {
	case <-p.SourceEnded():
		t.Error("manual stop reported as source ended")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisplayEndedStopsAutonomously(t *testing.T) {
	mic := capturetest.Audio("microphone")
	display := &capturetest.Source{Label: "display", Kinds: []capture.Kind{capture.KindVideo, capture.KindAudio}}
	p := newTestPipeline(t, mic, display)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	display.Last(capture.KindVideo).End()

	select {
	case <-p.SourceEnded():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop when sharing ended")
	}
	if p.Active() {
		t.Error("pipeline still active")
	}
	if _, err := p.Stop(); err != nil {
		t.Errorf("Stop after autonomous stop: %v", err)
	}
	if !mic.Balanced() || !display.Balanced() {
		t.Error("tracks not stopped exactly once on the external stop path")
	}
}

func TestMicOnlyPrimaryEnds(t *testing.T) {
	mic := capturetest.Audio("microphone")
	display := capturetest.Denied("display")
	p := newTestPipeline(t, mic, display)
	p.SetMicMuted(false)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mic.Last(capture.KindAudio).End()
	select {
	case <-p.SourceEnded():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop when its only source ended")
	}
	if !mic.Balanced() {
		t.Error("mic track not stopped exactly once")
	}
}
