package audio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

// ErrEncodingUnsupported means none of the preferred formats can be
// produced on this host.
var ErrEncodingUnsupported = errors.New("audio: no supported recording format")

// DefaultOpusBitrate is used when EncoderOptions leaves it unset.
const DefaultOpusBitrate = 128000

// Encoder writes mixed frames into a recording file.
type Encoder interface {
	WriteFrame(frame []int16) error
	Close() error
}

// EncoderOptions tunes encoders that have settings.
type EncoderOptions struct {
	OpusBitrate int
}

// Format is a recording container and codec.
type Format struct {
	Name      string
	MIMEType  string
	Extension string

	// Compressed formats are uploaded as-is; uncompressed ones may be
	// compressed for transfer.
	Compressed bool

	create func(path string, opts EncoderOptions) (Encoder, error)
}

// Create opens an encoder writing to path.
func (f Format) Create(path string, opts EncoderOptions) (Encoder, error) {
	enc, err := f.create(path, opts)
	if err != nil {
		return nil, fmt.Errorf("audio: creating %s encoder: %w", f.Name, err)
	}
	return enc, nil
}

var formats = []Format{
	{Name: "ogg-opus", MIMEType: "audio/ogg; codecs=opus", Extension: "ogg", Compressed: true, create: newOggOpusEncoder},
	{Name: "wav", MIMEType: "audio/wav", Extension: "wav", create: newWAVEncoder},
	{Name: "pcm", MIMEType: "audio/L16; rate=48000; channels=2", Extension: "pcm", create: newPCMEncoder},
}

// LookupFormat returns the format registered under name.
func LookupFormat(name string) (Format, bool) {
	for _, f := range formats {
		if f.Name == name {
			return f, true
		}
	}
	return Format{}, false
}

// SelectFormat returns the first supported format in preference order.
func SelectFormat(preferences []string) (Format, error) {
	for _, name := range preferences {
		if f, ok := LookupFormat(name); ok {
			return f, nil
		}
	}
	return Format{}, fmt.Errorf("%w: tried %v", ErrEncodingUnsupported, preferences)
}

// oggOpusEncoder packs Opus packets into an Ogg container. The packets
// travel as RTP payloads because that is what the Ogg writer consumes;
// the timestamp advances one tick per sample.
type oggOpusEncoder struct {
	enc       *opus.Encoder
	ogg       *oggwriter.OggWriter
	buf       []byte
	sequence  uint16
	timestamp uint32
}

func newOggOpusEncoder(path string, opts EncoderOptions) (Encoder, error) {
	enc, err := newOpusEncoder(opts)
	if err != nil {
		return nil, err
	}
	ogg, err := oggwriter.New(path, SampleRate, Channels)
	if err != nil {
		return nil, err
	}
	return &oggOpusEncoder{enc: enc, ogg: ogg, buf: make([]byte, 4000)}, nil
}

// NewOggOpusStream encodes frames as Ogg/Opus onto w. The stream headers
// are written immediately; Close does not close w.
func NewOggOpusStream(w io.Writer, opts EncoderOptions) (Encoder, error) {
	enc, err := newOpusEncoder(opts)
	if err != nil {
		return nil, fmt.Errorf("audio: creating opus stream: %w", err)
	}
	ogg, err := oggwriter.NewWith(w, SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: creating opus stream: %w", err)
	}
	return &oggOpusEncoder{enc: enc, ogg: ogg, buf: make([]byte, 4000)}, nil
}

func newOpusEncoder(opts EncoderOptions) (*opus.Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, err
	}
	bitrate := opts.OpusBitrate
	if bitrate <= 0 {
		bitrate = DefaultOpusBitrate
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, err
	}
	return enc, nil
}

func (e *oggOpusEncoder) WriteFrame(frame []int16) error {
	n, err := e.enc.Encode(frame, e.buf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: e.sequence,
			Timestamp:      e.timestamp,
		},
		Payload: append([]byte(nil), e.buf[:n]...),
	}
	e.sequence++
	e.timestamp += uint32(len(frame) / Channels)
	return e.ogg.WriteRTP(packet)
}

func (e *oggOpusEncoder) Close() error {
	return e.ogg.Close()
}

type wavEncoder struct {
	file *os.File
	enc  *wav.Encoder
	buf  *goaudio.IntBuffer
}

func newWAVEncoder(path string, _ EncoderOptions) (Encoder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &wavEncoder{
		file: file,
		enc:  wav.NewEncoder(file, SampleRate, BitDepth, Channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: Channels, SampleRate: SampleRate},
			SourceBitDepth: BitDepth,
		},
	}, nil
}

func (e *wavEncoder) WriteFrame(frame []int16) error {
	data := e.buf.Data[:0]
	for _, s := range frame {
		data = append(data, int(s))
	}
	e.buf.Data = data
	return e.enc.Write(e.buf)
}

// Close finalizes the RIFF header before closing the file.
func (e *wavEncoder) Close() error {
	if err := e.enc.Close(); err != nil {
		e.file.Close()
		return err
	}
	return e.file.Close()
}

type pcmEncoder struct {
	file *os.File
	w    *bufio.Writer
}

func newPCMEncoder(path string, _ EncoderOptions) (Encoder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &pcmEncoder{file: file, w: bufio.NewWriter(file)}, nil
}

func (e *pcmEncoder) WriteFrame(frame []int16) error {
	_, err := e.w.Write(SamplesToBytes(frame))
	return err
}

func (e *pcmEncoder) Close() error {
	if err := e.w.Flush(); err != nil {
		e.file.Close()
		return err
	}
	return e.file.Close()
}
