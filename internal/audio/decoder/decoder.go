// Package decoder turns audio files into 16 kHz mono buffers for the
// recognizers.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/loqalabs/loqa-dictate/internal/audio"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrNoAudioTrack      = errors.New("no supported audio track found")

	errResetRequired = errors.New("decoder reset required")
)

// maxConsecutiveBadPackets bounds how long a stream that has lost sync may
// keep returning packet errors before the file is rejected.
const maxConsecutiveBadPackets = 32

var supportedFormats = []string{"wav", "mp3", "m4a", "aac", "flac", "ogg", "webm"}

// PacketError marks a single undecodable packet. The decode loop skips it.
type PacketError struct {
	Err error
}

func (e *PacketError) Error() string { return "corrupt packet: " + e.Err.Error() }
func (e *PacketError) Unwrap() error { return e.Err }

// source yields interleaved float32 packets from one audio track.
type source interface {
	SampleRate() int
	Channels() int
	Next() ([]float32, error)
	Reset() error
}

type format int

const (
	formatUnknown format = iota
	formatWAV
	formatOgg
	formatFLAC
	formatMP3
	formatExternal
)

type Decoder struct {
	log        *slog.Logger
	ffmpegPath string
}

func New(log *slog.Logger) *Decoder {
	return &Decoder{log: log.With(slog.String("component", "decoder")), ffmpegPath: "ffmpeg"}
}

// DecodeFile decodes path into mono samples at audio.TargetSampleRate.
func (d *Decoder) DecodeFile(ctx context.Context, path string) (audio.Buffer, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return audio.Buffer{}, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	kind, err := probe(file, filepath.Ext(path))
	if err != nil {
		return audio.Buffer{}, 0, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return audio.Buffer{}, 0, fmt.Errorf("rewind %s: %w", path, err)
	}

	var src source
	switch kind {
	case formatWAV:
		src, err = newWAVSource(file)
	case formatOgg:
		src, err = newOggSource(file)
	case formatFLAC:
		src, err = newFLACSource(file)
	case formatMP3:
		src, err = newMP3Source(file)
	case formatExternal:
		var ext *externalSource
		ext, err = newExternalSource(ctx, d.ffmpegPath, path)
		if ext != nil {
			defer ext.Close()
		}
		src = ext
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return audio.Buffer{}, 0, err
	}

	buf, err := d.decodeSource(ctx, src)
	if err != nil {
		return audio.Buffer{}, 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if buf.SampleRate != audio.TargetSampleRate {
		d.log.Debug("resampling decoded audio", slog.Int("from", buf.SampleRate), slog.Int("to", audio.TargetSampleRate))
		buf, err = audio.Resample(buf, audio.TargetSampleRate)
		if err != nil {
			return audio.Buffer{}, 0, fmt.Errorf("resample: %w", err)
		}
	}
	return buf, audio.TargetSampleRate, nil
}

// Duration decodes the file fully and reports its length in seconds.
func (d *Decoder) Duration(ctx context.Context, path string) (float64, error) {
	buf, _, err := d.DecodeFile(ctx, path)
	if err != nil {
		return 0, err
	}
	return buf.Duration(), nil
}

func (d *Decoder) decodeSource(ctx context.Context, src source) (audio.Buffer, error) {
	channels := src.Channels()
	rate := src.SampleRate()
	if channels <= 0 || rate <= 0 {
		return audio.Buffer{}, ErrNoAudioTrack
	}

	var (
		samples []float32
		skipped int
		bad     int
	)
	for {
		if err := ctx.Err(); err != nil {
			return audio.Buffer{}, err
		}
		packet, err := src.Next()
		var pktErr *PacketError
		switch {
		case err == nil:
			bad = 0
			samples = append(samples, audio.Downmix(packet, channels)...)
			continue
		case errors.Is(err, io.EOF):
			if skipped > 0 {
				d.log.Info("skipped corrupt packets", slog.Int("count", skipped))
			}
			return audio.Buffer{Samples: samples, SampleRate: rate}, nil
		case errors.Is(err, errResetRequired):
			if err := src.Reset(); err != nil {
				return audio.Buffer{}, fmt.Errorf("reset decoder: %w", err)
			}
		case errors.As(err, &pktErr):
			skipped++
			bad++
			d.log.Debug("skipping corrupt packet", slogError(err))
			if bad >= maxConsecutiveBadPackets {
				return audio.Buffer{}, fmt.Errorf("too many consecutive corrupt packets: %w", err)
			}
		default:
			return audio.Buffer{}, err
		}
	}
}

// probe sniffs the container from content, falling back to the extension.
func probe(r io.Reader, ext string) (format, error) {
	mt, err := mimetype.DetectReader(r)
	if err == nil {
		for m := mt; m != nil; m = m.Parent() {
			switch {
			case m.Is("audio/wav"):
				return formatWAV, nil
			case m.Is("audio/flac"):
				return formatFLAC, nil
			case m.Is("audio/mpeg"):
				return formatMP3, nil
			case m.Is("audio/ogg"), m.Is("application/ogg"):
				return formatOgg, nil
			case m.Is("audio/x-m4a"), m.Is("audio/mp4"), m.Is("video/mp4"),
				m.Is("audio/aac"), m.Is("video/webm"), m.Is("audio/webm"):
				return formatExternal, nil
			}
		}
	}

	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "wav":
		return formatWAV, nil
	case "flac":
		return formatFLAC, nil
	case "mp3":
		return formatMP3, nil
	case "ogg":
		return formatOgg, nil
	case "m4a", "aac", "webm":
		return formatExternal, nil
	}
	return formatUnknown, ErrUnsupportedFormat
}

// IsSupported checks the extension allow-list. It does not guarantee the
// file decodes.
func IsSupported(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, f := range supportedFormats {
		if f == ext {
			return true
		}
	}
	return false
}

func SupportedFormats() []string {
	return append([]string(nil), supportedFormats...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
