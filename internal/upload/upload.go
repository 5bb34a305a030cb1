// Package upload delivers finished recordings to the notes backend.
package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/satindergrewal/spoly/internal/audio"
)

// Config configures a Client.
type Config struct {
	// URL is the notes endpoint, e.g. http://localhost:8000/generate-notes.
	URL string

	// Compress sends uncompressed recordings zstd-encoded.
	Compress bool

	Timeout time.Duration
	Logger  *slog.Logger
}

// Client posts recordings as multipart form uploads.
type Client struct {
	url      string
	compress bool
	http     *http.Client
	logger   *slog.Logger
}

// Notes is the backend's answer for an uploaded recording.
type Notes struct {
	Transcript string `json:"transcript"`
	Notes      string `json:"notes"`
	Mermaid    string `json:"mermaid"`
}

// Result describes a completed upload.
type Result struct {
	ArtifactRef string
	Notes       Notes
}

// New creates an upload client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		url:      cfg.URL,
		compress: cfg.Compress,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// ArtifactRef names a recording by content: "art-" and the first twelve
// hex digits of its BLAKE3 digest.
func ArtifactRef(data []byte) string {
	sum := blake3.Sum256(data)
	return "art-" + hex.EncodeToString(sum[:])[:12]
}

// Upload sends blob to the backend and waits for its notes.
func (c *Client) Upload(ctx context.Context, blob audio.Blob) (Result, error) {
	data, err := os.ReadFile(blob.Path)
	if err != nil {
		return Result{}, fmt.Errorf("read recording: %w", err)
	}
	ref := ArtifactRef(data)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="audio"; filename=%q`, filepath.Base(blob.Path)))
	header.Set("Content-Type", blob.Format.MIMEType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return Result{}, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return Result{}, fmt.Errorf("build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("build form: %w", err)
	}

	payload := body.Bytes()
	encoding := ""
	if c.compress && !blob.Format.Compressed {
		payload, err = compress(payload)
		if err != nil {
			return Result{}, err
		}
		encoding = "zstd"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	c.logger.Info("uploading recording", "artifact", ref, "bytes", len(payload), "encoding", encoding)
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("upload %s: status %d: %s", ref, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var notes Notes
	if err := json.NewDecoder(resp.Body).Decode(&notes); err != nil {
		return Result{}, fmt.Errorf("decode notes: %w", err)
	}
	return Result{ArtifactRef: ref, Notes: notes}, nil
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
