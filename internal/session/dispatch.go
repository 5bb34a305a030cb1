package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/satindergrewal/spoly/internal/audio"
	"github.com/satindergrewal/spoly/internal/upload"
)

// Saver stores a finished recording locally and returns where it went.
type Saver interface {
	Save(ctx context.Context, blob audio.Blob, name string) (string, error)
}

// Uploader hands a finished recording to the notes backend.
type Uploader interface {
	Upload(ctx context.Context, blob audio.Blob) (upload.Result, error)
}

// Alerter shows a blocking, user-facing message. It is used only for
// failures the user has to act on.
type Alerter interface {
	Alert(message string)
}

// FileName is the local name of a recording finished at t.
func FileName(t time.Time, format audio.Format) string {
	return fmt.Sprintf("Spoly_%d.%s", t.UnixMilli(), format.Extension)
}

// DirSaver moves recordings into Dir.
type DirSaver struct {
	Dir string
}

// Save moves the spooled recording to Dir/name, copying when a rename
// across filesystems is not possible.
func (s DirSaver) Save(_ context.Context, blob audio.Blob, name string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("saving recording: %w", err)
	}
	dst := filepath.Join(s.Dir, name)
	if err := os.Rename(blob.Path, dst); err == nil {
		return dst, nil
	}
	if err := copyFile(blob.Path, dst); err != nil {
		return "", fmt.Errorf("saving recording: %w", err)
	}
	os.Remove(blob.Path)
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// alertText names the corrective action for a failed start.
func alertText(err error) string {
	switch {
	case errors.Is(err, audio.ErrNoAudioSource):
		return "No audio to record. Allow microphone access, or share a screen or tab with \"Also share tab audio\" turned on."
	case errors.Is(err, audio.ErrEncodingUnsupported):
		return "None of the configured recording formats is available. Check the formats setting."
	default:
		return "Recording could not start: " + err.Error()
	}
}
