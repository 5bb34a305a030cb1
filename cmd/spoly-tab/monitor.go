package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/satindergrewal/spoly/internal/session"
	"github.com/satindergrewal/spoly/internal/stream"
	"github.com/satindergrewal/spoly/internal/widget"
)

// monitorMux serves the live mix of a recording mastered by this tab.
func monitorMux(ctrl *session.Controller, bitrate int, logger *slog.Logger) *http.ServeMux {
	frames := ctrl.Frames()
	webrtcHandler := stream.NewWebRTCHandler(frames, bitrate, logger)

	mux := http.NewServeMux()
	mux.Handle("/stream", stream.NewHTTPHandler(frames, bitrate, logger))
	mux.Handle("/offer", webrtcHandler)
	mux.HandleFunc("/api/status", statusHandler(ctrl, webrtcHandler.PeerCount))
	return mux
}

func statusHandler(ctrl *session.Controller, peers func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := ctrl.Snapshot()
		elapsed := ctrl.Elapsed(time.Now())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(map[string]any{
			"status":           sess.Status.String(),
			"session":          sess.ID,
			"master":           sess.Status.Live(),
			"elapsed":          widget.TimerText(sess.Status, elapsed),
			"elapsed_seconds":  elapsed.Seconds(),
			"mic_muted":        sess.MicMuted,
			"auto_paused":      sess.AutoPaused,
			"http_listeners":   ctrl.Frames().ListenerCount(),
			"webrtc_listeners": peers(),
		})
	}
}
