package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// storeFactories lets every behavioral test run against both backends.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store {
			m := NewMemory(nil)
			t.Cleanup(func() { m.Close() })
			return m
		},
		"sqlite": func() Store {
			s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db")})
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			if err := s.Set(ctx, Values{
				KeyRecordingLive: Bool(true),
				KeyBotX:          Float(12.5),
				KeySessionID:     String("s-1"),
			}); err != nil {
				t.Fatalf("Set: %v", err)
			}

			got, err := s.Get(ctx, KeyRecordingLive, KeyBotX, KeySessionID, KeyMicMuted)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if live, ok := got.Bool(KeyRecordingLive); !ok || !live {
				t.Errorf("recordingLive = %v, %v; want true", live, ok)
			}
			if x, ok := got.Float(KeyBotX); !ok || x != 12.5 {
				t.Errorf("botX = %v, %v; want 12.5", x, ok)
			}
			if id, ok := got.String(KeySessionID); !ok || id != "s-1" {
				t.Errorf("sessionId = %q, %v", id, ok)
			}
			if _, ok := got[KeyMicMuted]; ok {
				t.Error("unset key present in result")
			}

			if err := s.Set(ctx, Values{KeySessionID: nil}); err != nil {
				t.Fatalf("Set delete: %v", err)
			}
			got, err = s.Get(ctx, KeySessionID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if _, ok := got[KeySessionID]; ok {
				t.Error("deleted key still present")
			}
		})
	}
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()

			ok, err := s.CompareAndSwap(ctx, KeyMasterTabID, nil, String("tab-a"))
			if err != nil || !ok {
				t.Fatalf("claim absent key: ok=%v err=%v", ok, err)
			}
			ok, err = s.CompareAndSwap(ctx, KeyMasterTabID, nil, String("tab-b"))
			if err != nil || ok {
				t.Fatalf("second claim should fail: ok=%v err=%v", ok, err)
			}
			ok, err = s.CompareAndSwap(ctx, KeyMasterTabID, String("tab-b"), nil)
			if err != nil || ok {
				t.Fatalf("release by non-owner should fail: ok=%v err=%v", ok, err)
			}
			ok, err = s.CompareAndSwap(ctx, KeyMasterTabID, String("tab-a"), nil)
			if err != nil || !ok {
				t.Fatalf("release by owner: ok=%v err=%v", ok, err)
			}
			got, _ := s.Get(ctx, KeyMasterTabID)
			if _, present := got[KeyMasterTabID]; present {
				t.Error("master still set after release")
			}
		})
	}
}

func TestCompareAndSwapSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			const contenders = 8
			results := make(chan bool, contenders)
			for i := range contenders {
				go func() {
					ok, err := s.CompareAndSwap(ctx, KeyMasterTabID, nil, String(string(rune('a'+i))))
					if err != nil {
						t.Errorf("CompareAndSwap: %v", err)
					}
					results <- ok
				}()
			}
			winners := 0
			for range contenders {
				if <-results {
					winners++
				}
			}
			if winners != 1 {
				t.Errorf("winners = %d, want 1", winners)
			}
		})
	}
}

func TestWatchDeliversChanges(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			w := s.Watch()
			defer w.Close()

			if err := s.Set(ctx, Values{KeyPanelOpen: Bool(true)}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			select {
			case changes := <-w.C:
				if len(changes) != 1 || changes[0].Key != KeyPanelOpen {
					t.Fatalf("changes = %+v", changes)
				}
				v := Values{changes[0].Key: changes[0].Value}
				if isOpen, _ := v.Bool(KeyPanelOpen); !isOpen {
					t.Error("panelOpen change value not true")
				}
			case <-time.After(time.Second):
				t.Fatal("no change delivered")
			}

			// A failed swap commits nothing and notifies nobody.
			if _, err := s.CompareAndSwap(ctx, KeyPanelOpen, Bool(false), Bool(false)); err != nil {
				t.Fatalf("CompareAndSwap: %v", err)
			}
			select {
			case changes := <-w.C:
				t.Fatalf("unexpected changes %+v", changes)
			default:
			}
		})
	}
}

func TestWatchBatchIndependentOfCaller(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			w := s.Watch()
			defer w.Close()

			value := String("session-1")
			if err := s.Set(ctx, Values{KeySessionID: value}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			for i := range value {
				value[i] = 0
			}

			select {
			case changes := <-w.C:
				v := Values{changes[0].Key: changes[0].Value}
				if got, _ := v.String(KeySessionID); got != "session-1" {
					t.Errorf("delivered value = %q after caller reused its buffer, want session-1", got)
				}
			case <-time.After(time.Second):
				t.Fatal("no change delivered")
			}
		})
	}
}

func TestWatcherClose(t *testing.T) {
	m := NewMemory(nil)
	w := m.Watch()
	w.Close()
	w.Close()
	if _, ok := <-w.C; ok {
		t.Error("watcher channel not closed")
	}
	if err := m.Set(context.Background(), Values{KeyBotActive: Bool(true)}); err != nil {
		t.Fatalf("Set after watcher close: %v", err)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQLite(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Set(ctx, Values{KeyRecordingStartTime: Int(1700000000000)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, KeyRecordingStartTime)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ts, ok := got.Int(KeyRecordingStartTime); !ok || ts != 1700000000000 {
		t.Errorf("recordingStartTime = %d, %v", ts, ok)
	}
}

func TestValuesTypeMismatch(t *testing.T) {
	v := Values{"k": String("x")}
	if _, ok := v.Bool("k"); ok {
		t.Error("string decoded as bool")
	}
	if _, ok := v.Int("missing"); ok {
		t.Error("missing key reported present")
	}
	v["n"] = Int(3)
	if f, ok := v.Float("n"); !ok || f != 3 {
		t.Errorf("Float of int = %v, %v", f, ok)
	}
}
