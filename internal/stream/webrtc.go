package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/satindergrewal/spoly/internal/audio"
	"gopkg.in/hraban/opus.v2"
)

// WebRTCHandler answers SDP offers so a listener can hear the live mix
// with low latency. Each peer gets its own Opus encoder.
type WebRTCHandler struct {
	source  FrameSource
	bitrate int
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]chan struct{}
}

// NewWebRTCHandler creates a WebRTC monitor handler.
func NewWebRTCHandler(source FrameSource, bitrate int, logger *slog.Logger) *WebRTCHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if bitrate <= 0 {
		bitrate = audio.DefaultOpusBitrate
	}
	return &WebRTCHandler{
		source:  source,
		bitrate: bitrate,
		logger:  logger,
		peers:   make(map[*webrtc.PeerConnection]chan struct{}),
	}
}

// PeerCount returns the number of connected peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	if !h.source.Live() {
		http.Error(w, "no recording in progress", http.StatusServiceUnavailable)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, track, err := h.negotiate(offer)
	if err != nil {
		h.logger.Warn("monitor negotiation failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	gone := h.track(pc)
	go h.feed(pc, track, gone)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

// negotiate builds a send-only peer for offer and waits for ICE
// gathering so the answer carries every candidate.
func (h *WebRTCHandler) negotiate(offer webrtc.SessionDescription) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, fmt.Errorf("creating peer: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate, Channels: audio.Channels},
		"audio",
		"spoly-monitor",
	)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("creating track: %w", err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"add track", func() error { _, err := pc.AddTrack(track); return err }},
		{"set remote description", func() error { return pc.SetRemoteDescription(offer) }},
		{"answer", func() error {
			answer, err := pc.CreateAnswer(nil)
			if err != nil {
				return err
			}
			return pc.SetLocalDescription(answer)
		}},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			pc.Close()
			return nil, nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	<-webrtc.GatheringCompletePromise(pc)
	return pc, track, nil
}

// track registers pc and returns a channel closed once it disconnects.
func (h *WebRTCHandler) track(pc *webrtc.PeerConnection) <-chan struct{} {
	gone := make(chan struct{})
	h.mu.Lock()
	h.peers[pc] = gone
	count := len(h.peers)
	h.mu.Unlock()
	h.logger.Info("monitor peer connected", "peers", count)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
		default:
			return
		}
		h.mu.Lock()
		ch, ok := h.peers[pc]
		delete(h.peers, pc)
		count := len(h.peers)
		h.mu.Unlock()
		if ok {
			close(ch)
			pc.Close()
			h.logger.Info("monitor peer disconnected", "peers", count)
		}
	})
	return gone
}

// feed encodes the live mix for one peer until the peer goes away or
// the listener is dropped.
func (h *WebRTCHandler) feed(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample, gone <-chan struct{}) {
	listener := h.source.Subscribe()
	defer h.source.Unsubscribe(listener)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		h.logger.Error("monitor opus encoder", "error", err)
		pc.Close()
		return
	}
	if err := enc.SetBitrate(h.bitrate); err != nil {
		h.logger.Warn("monitor opus bitrate", "bitrate", h.bitrate, "error", err)
	}

	packet := make([]byte, 4000)
	for {
		select {
		case <-gone:
			return
		case <-listener.Done():
			return
		case frame := <-listener.C:
			n, err := enc.Encode(frame, packet)
			if err != nil {
				h.logger.Debug("monitor opus encode", "error", err)
				continue
			}
			if err := track.WriteSample(media.Sample{Data: packet[:n], Duration: audio.FrameDuration}); err != nil {
				return
			}
		}
	}
}
