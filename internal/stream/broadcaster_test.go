package stream

import (
	"context"
	"testing"
	"time"
)

func TestListenerCount(t *testing.T) {
	b := NewBroadcaster()
	if n := b.ListenerCount(); n != 0 {
		t.Fatalf("ListenerCount = %d, want 0", n)
	}

	ls := []*Listener{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	if n := b.ListenerCount(); n != 3 {
		t.Errorf("after subscribing: ListenerCount = %d, want 3", n)
	}
	for i, l := range ls {
		b.Unsubscribe(l)
		if n, want := b.ListenerCount(), len(ls)-i-1; n != want {
			t.Errorf("after %d unsubscribes: ListenerCount = %d, want %d", i+1, n, want)
		}
	}
}

func TestRunFansOutToEveryListener(t *testing.T) {
	b := NewBroadcaster()
	ls := make([]*Listener, 4)
	for i := range ls {
		ls[i] = b.Subscribe()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 1)
	go b.Run(ctx, source)

	frame := []int16{7, -7, 300, -300}
	source <- frame

	for i, l := range ls {
		select {
		case got := <-l.C:
			if len(got) != len(frame) || got[0] != 7 || got[3] != -300 {
				t.Errorf("listener %d got %v, want %v", i, got, frame)
			}
		case <-time.After(time.Second):
			t.Errorf("listener %d timed out", i)
		}
	}
}

func TestPublishDropsForFullListener(t *testing.T) {
	b := NewBroadcaster()
	stuck := b.Subscribe()
	reader := b.Subscribe()

	capacity := cap(stuck.C)
	delivered := 0
	for i := 0; i < capacity+50; i++ {
		b.Publish([]int16{int16(i)})
		select {
		case <-reader.C:
			delivered++
		default:
		}
	}

	if len(stuck.C) != capacity {
		t.Errorf("stuck listener buffered %d frames, want %d", len(stuck.C), capacity)
	}
	if delivered != capacity+50 {
		t.Errorf("draining listener received %d frames, want %d", delivered, capacity+50)
	}
	if first := <-stuck.C; first[0] != 0 {
		t.Errorf("stuck listener kept frame %d first, want the oldest (0)", first[0])
	}
}

func TestRunStops(t *testing.T) {
	tests := []struct {
		name string
		stop func(cancel context.CancelFunc, source chan []int16)
	}{
		{"context cancelled", func(cancel context.CancelFunc, _ chan []int16) { cancel() }},
		{"source closed", func(_ context.CancelFunc, source chan []int16) { close(source) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBroadcaster()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			source := make(chan []int16)

			done := make(chan struct{})
			go func() {
				b.Run(ctx, source)
				close(done)
			}()
			tt.stop(cancel, source)

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return")
			}
			if b.Live() {
				t.Error("Live after Run returned")
			}
		})
	}
}

func TestUnsubscribeClosesDoneOnce(t *testing.T) {
	b := NewBroadcaster()
	l := b.Subscribe()

	b.Unsubscribe(l)
	b.Unsubscribe(l)

	select {
	case <-l.Done():
	default:
		t.Error("Done not closed after Unsubscribe")
	}
}

func TestLiveWhileRunning(t *testing.T) {
	b := NewBroadcaster()
	if b.Live() {
		t.Fatal("Live before Run")
	}
	source := make(chan []int16)
	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), source)
		close(done)
	}()

	// Delivering a frame proves Run has started.
	l := b.Subscribe()
	source <- []int16{1}
	<-l.C
	if !b.Live() {
		t.Error("not Live while Run is forwarding")
	}
	close(source)
	<-done
	if b.Live() {
		t.Error("still Live after source closed")
	}
}

func TestListenersSurviveAcrossRuns(t *testing.T) {
	b := NewBroadcaster()
	l := b.Subscribe()
	for i := int16(1); i <= 2; i++ {
		source := make(chan []int16, 1)
		source <- []int16{i}
		close(source)
		b.Run(context.Background(), source)
		if got := <-l.C; got[0] != i {
			t.Errorf("run %d delivered %d", i, got[0])
		}
	}
}
