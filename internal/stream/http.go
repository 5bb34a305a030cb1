package stream

import (
	"log/slog"
	"net/http"

	"github.com/satindergrewal/spoly/internal/audio"
)

// HTTPHandler serves the live mix as a chunked Ogg/Opus stream that any
// browser audio element can play. Encoding happens in-process, one
// encoder per connection.
type HTTPHandler struct {
	source  FrameSource
	bitrate int
	logger  *slog.Logger
}

// NewHTTPHandler creates an HTTP monitor handler.
func NewHTTPHandler(source FrameSource, bitrate int, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPHandler{source: source, bitrate: bitrate, logger: logger}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.source.Live() {
		http.Error(w, "no recording in progress", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/ogg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	out := &flushWriter{w: w, f: flusher}
	enc, err := audio.NewOggOpusStream(out, audio.EncoderOptions{OpusBitrate: h.bitrate})
	if err != nil {
		h.logger.Error("monitor encoder", "error", err)
		return
	}
	defer enc.Close()

	listener := h.source.Subscribe()
	defer h.source.Unsubscribe(listener)

	h.logger.Info("monitor listener connected", "remote", r.RemoteAddr)
	defer h.logger.Info("monitor listener disconnected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.Done():
			return
		case frame := <-listener.C:
			if err := enc.WriteFrame(frame); err != nil {
				h.logger.Debug("monitor write", "error", err)
				return
			}
		}
	}
}

// flushWriter pushes every Ogg page to the client as soon as it is
// written.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}
