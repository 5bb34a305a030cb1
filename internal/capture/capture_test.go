package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/satindergrewal/spoly/internal/capture"
	"github.com/satindergrewal/spoly/internal/capture/capturetest"
)

func TestStreamAudioTracks(t *testing.T) {
	src := &capturetest.Source{Label: "display", Kinds: []capture.Kind{capture.KindVideo, capture.KindAudio}}
	stream, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if n := len(stream.Tracks()); n != 2 {
		t.Fatalf("Tracks = %d, want 2", n)
	}
	audio := stream.AudioTracks()
	if len(audio) != 1 || audio[0].Kind() != capture.KindAudio {
		t.Fatalf("AudioTracks = %v", audio)
	}
	stream.Stop()
	stream.Stop()
	for _, tr := range src.Tracks() {
		if tr.Stops() != 2 {
			t.Errorf("track %s stops = %d, want 2", tr.ID(), tr.Stops())
		}
	}
}

func TestStreamEndsWhenAnyTrackEnds(t *testing.T) {
	src := &capturetest.Source{Label: "display", Kinds: []capture.Kind{capture.KindVideo, capture.KindAudio}}
	stream, _ := src.Acquire(context.Background())

	select {
	case <-stream.Ended():
		t.Fatal("stream ended before any track")
	default:
	}

	src.Last(capture.KindVideo).End()
	select {
	case <-stream.Ended():
	case <-time.After(time.Second):
		t.Fatal("stream did not end after video track ended")
	}
	if src.Last(capture.KindVideo).Stops() != 0 {
		t.Error("End counted as Stop")
	}
}

func TestDeniedSource(t *testing.T) {
	src := capturetest.Denied("microphone")
	_, err := src.Acquire(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
	if src.Acquires() != 1 {
		t.Errorf("Acquires = %d", src.Acquires())
	}
}

func TestPushAfterEnd(t *testing.T) {
	tr := capturetest.NewTrack("t", capture.KindAudio, "mic")
	if !tr.Push(make([]int16, 4)) {
		t.Fatal("Push on live track failed")
	}
	tr.End()
	if tr.Push(make([]int16, 4)) {
		t.Error("Push after End succeeded")
	}
	if _, ok := <-tr.Frames(); !ok {
		t.Error("buffered frame lost on End")
	}
	if _, ok := <-tr.Frames(); ok {
		t.Error("frames channel not closed")
	}
}
