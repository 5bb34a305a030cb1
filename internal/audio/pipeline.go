package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/spoly/internal/capture"
)

// ErrNoAudioSource means neither the microphone nor the display capture
// produced an audio track.
var ErrNoAudioSource = errors.New("audio: no audio source available")

// Config describes where a pipeline gets its audio and how it records it.
type Config struct {
	// Microphone is acquired first and is optional.
	Microphone capture.Source

	// Display is the shared screen or tab capture.
	Display capture.Source

	// Formats lists format names in preference order.
	Formats []string

	// SpoolDir holds the recording while it is in progress. Defaults to
	// the system temp directory.
	SpoolDir string

	Encoder EncoderOptions
	Logger  *slog.Logger
}

// MixedStream describes what a started pipeline is recording.
type MixedStream struct {
	Format Format

	// Sources are the labels of the tracks routed into the mix, primary
	// first.
	Sources []string
}

// Blob is a finalized recording on disk.
type Blob struct {
	Path     string
	Format   Format
	Size     int64
	Duration time.Duration
}

// input is one track routed into the mix.
type input struct {
	track   capture.Track
	mic     bool
	gain    float64
	done    bool
	pending []int16
}

// maxSecondaryLag is how many frames a secondary track may queue before
// the mix skips ahead to its newest frame.
const maxSecondaryLag = 5

// Pipeline owns the captured streams of one recording from Start until
// Stop. Frames flow from the primary track; every other track contributes
// whatever frame it has ready when the primary frame arrives.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	frames chan []int16

	mu       sync.Mutex
	started  bool
	paused   bool
	micMuted bool
	streams  []*capture.Stream
	enc      Encoder
	format   Format
	path     string
	encoded  int
	writeErr error

	stopCh      chan struct{}
	loopDone    chan struct{}
	sourceEnded chan struct{}

	stopOnce sync.Once
	blob     Blob
	stopErr  error
}

// NewPipeline creates an idle pipeline. The microphone starts muted.
func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		cfg:         cfg,
		logger:      logger,
		frames:      make(chan []int16, 100),
		micMuted:    true,
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
		sourceEnded: make(chan struct{}),
	}
}

// Frames delivers every mixed frame, including frames produced while
// paused, for analysis and monitoring. It is closed by Stop. Frames are
// dropped when the consumer falls behind.
func (p *Pipeline) Frames() <-chan []int16 {
	return p.frames
}

// SourceEnded is closed when the pipeline stopped itself because a
// captured source went away.
func (p *Pipeline) SourceEnded() <-chan struct{} {
	return p.sourceEnded
}

// Start acquires the sources and begins recording. It may be called once.
func (p *Pipeline) Start(ctx context.Context) (*MixedStream, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil, errors.New("audio: pipeline already started")
	}
	p.started = true
	p.mu.Unlock()

	format, err := SelectFormat(p.cfg.Formats)
	if err != nil {
		return nil, err
	}

	var mic, display *capture.Stream
	if p.cfg.Microphone != nil {
		mic, err = p.cfg.Microphone.Acquire(ctx)
		if err != nil {
			p.logger.Warn("microphone unavailable, continuing without it", "error", err)
			mic = nil
		} else if len(mic.AudioTracks()) == 0 {
			mic.Stop()
			mic = nil
		}
	}
	if p.cfg.Display != nil {
		display, err = p.cfg.Display.Acquire(ctx)
		if err != nil {
			p.logger.Warn("display capture unavailable", "error", err)
			display = nil
		}
	}

	release := func() {
		if mic != nil {
			mic.Stop()
		}
		if display != nil {
			display.Stop()
		}
	}

	var inputs []*input
	if display != nil {
		for _, t := range display.AudioTracks() {
			inputs = append(inputs, &input{track: t, gain: 1})
		}
	}
	if mic != nil {
		for _, t := range mic.AudioTracks() {
			inputs = append(inputs, &input{track: t, mic: true})
		}
	}
	if len(inputs) == 0 {
		release()
		return nil, ErrNoAudioSource
	}
	if err := ctx.Err(); err != nil {
		release()
		return nil, err
	}

	dir := p.cfg.SpoolDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		release()
		return nil, fmt.Errorf("audio: spool directory: %w", err)
	}
	path := filepath.Join(dir, "spoly-"+uuid.NewString()+"."+format.Extension)
	enc, err := format.Create(path, p.cfg.Encoder)
	if err != nil {
		release()
		return nil, err
	}

	p.mu.Lock()
	select {
	case <-p.stopCh:
		p.mu.Unlock()
		enc.Close()
		os.Remove(path)
		release()
		return nil, errors.New("audio: pipeline stopped while starting")
	default:
	}
	p.format = format
	p.path = path
	p.enc = enc
	for _, s := range []*capture.Stream{display, mic} {
		if s != nil {
			p.streams = append(p.streams, s)
		}
	}
	micMuted := p.micMuted
	p.mu.Unlock()

	for _, in := range inputs {
		if in.mic && !micMuted {
			in.gain = 1
		}
	}

	sources := make([]string, len(inputs))
	for i, in := range inputs {
		sources[i] = in.track.Label()
	}

	// Earlier sources kept capturing while later ones were acquired; start
	// every secondary from its newest frame so the mix is aligned.
	for _, in := range inputs[1:] {
		p.skipBacklog(in)
	}

	go p.loop(inputs[0], inputs[1:])
	go p.watch(display)

	p.logger.Info("audio pipeline started", "format", format.Name, "sources", sources)
	return &MixedStream{Format: format, Sources: sources}, nil
}

// Pause stops encoding. Mixed frames keep flowing to Frames.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume restarts encoding.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

// SetMicMuted removes the microphone from the mix, or brings it back.
func (p *Pipeline) SetMicMuted(muted bool) {
	p.mu.Lock()
	p.micMuted = muted
	p.mu.Unlock()
}

// Active reports whether the pipeline is started and not yet stopped.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	started := p.started && p.enc != nil
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.stopCh:
		return false
	default:
		return true
	}
}

// Stop ends the recording, releases every captured track and finalizes
// the file. Only the first call does any work; later calls return the
// same result.
func (p *Pipeline) Stop() (Blob, error) {
	p.stopOnce.Do(p.finalize)
	return p.blob, p.stopErr
}

func (p *Pipeline) finalize() {
	close(p.stopCh)

	p.mu.Lock()
	running := p.enc != nil
	p.mu.Unlock()
	if running {
		<-p.loopDone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.frames)

	for _, s := range p.streams {
		s.Stop()
	}
	if p.enc == nil {
		p.stopErr = errors.New("audio: pipeline was never started")
		return
	}

	err := p.enc.Close()
	if err == nil {
		err = p.writeErr
	}
	if err != nil {
		os.Remove(p.path)
		p.stopErr = fmt.Errorf("audio: finalizing recording: %w", err)
		p.logger.Error("audio pipeline finalize failed", "error", err)
		return
	}

	info, err := os.Stat(p.path)
	if err != nil {
		p.stopErr = fmt.Errorf("audio: finalizing recording: %w", err)
		return
	}
	p.blob = Blob{
		Path:     p.path,
		Format:   p.format,
		Size:     info.Size(),
		Duration: time.Duration(p.encoded) * FrameDuration,
	}
	p.logger.Info("audio pipeline stopped", "path", p.path, "bytes", p.blob.Size, "duration", p.blob.Duration)
}

// watch stops the pipeline when the display stream ends or the primary
// source runs dry.
func (p *Pipeline) watch(display *capture.Stream) {
	var displayEnded <-chan struct{}
	if display != nil {
		displayEnded = display.Ended()
	}
	select {
	case <-p.stopCh:
		return
	case <-displayEnded:
	case <-p.loopDone:
	}
	select {
	case <-p.stopCh:
		return
	default:
	}
	p.logger.Info("capture source ended, stopping")
	p.Stop()
	close(p.sourceEnded)
}

func (p *Pipeline) loop(primary *input, rest []*input) {
	defer close(p.loopDone)
	for {
		select {
		case <-p.stopCh:
			return
		case frame, ok := <-primary.track.Frames():
			if !ok {
				return
			}
			p.process(p.mix(primary, frame, rest))
		}
	}
}

func (p *Pipeline) mix(primary *input, frame []int16, rest []*input) []int16 {
	p.mu.Lock()
	muted := p.micMuted
	p.mu.Unlock()

	first := applyGain(primary, frame, muted)
	if first == nil {
		first = make([]int16, len(frame))
	}
	mixed := [][]int16{first}
	for _, in := range rest {
		if in.done {
			continue
		}
		f := in.pending
		in.pending = nil
		if f == nil {
			select {
			case next, ok := <-in.track.Frames():
				if !ok {
					p.endSecondary(in)
					continue
				}
				f = next
			default:
			}
		}
		if f == nil {
			continue
		}
		if len(in.track.Frames()) > maxSecondaryLag {
			if newest := p.skipBacklog(in); newest != nil {
				f, in.pending = newest, nil
			}
		}
		if g := applyGain(in, f, muted); g != nil {
			mixed = append(mixed, g)
		}
	}
	if len(mixed) == 1 {
		return mixed[0]
	}
	return MixFrames(mixed...)
}

// skipBacklog discards every frame queued on in and keeps the newest as
// pending. It returns that frame, or nil when nothing was queued.
func (p *Pipeline) skipBacklog(in *input) []int16 {
	skipped := 0
	for {
		select {
		case f, ok := <-in.track.Frames():
			if !ok {
				p.endSecondary(in)
				return in.pending
			}
			if in.pending != nil {
				skipped++
			}
			in.pending = f
			continue
		default:
		}
		break
	}
	if skipped > 0 {
		p.logger.Debug("skipped lagging frames", "source", in.track.Label(), "frames", skipped)
	}
	return in.pending
}

func (p *Pipeline) endSecondary(in *input) {
	in.done = true
	p.logger.Info("secondary source ended", "source", in.track.Label())
}

// applyGain returns the frame as it should enter the mix, or nil when the
// input is silent. Mute changes fade over one frame.
func applyGain(in *input, frame []int16, muted bool) []int16 {
	if !in.mic {
		return frame
	}
	target := 1.0
	if muted {
		target = 0
	}
	from := in.gain
	in.gain = target
	switch {
	case from != target:
		return Fade(frame, from, target)
	case target == 0:
		return nil
	default:
		return frame
	}
}

func (p *Pipeline) process(frame []int16) {
	p.encode(frame)
	select {
	case p.frames <- frame:
	default:
	}
}

func (p *Pipeline) encode(frame []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.writeErr != nil {
		return
	}
	if err := p.enc.WriteFrame(frame); err != nil {
		p.writeErr = err
		p.logger.Error("audio encode failed", "error", err)
		return
	}
	p.encoded++
}
