package decoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictate/internal/audio"
)

func newTestDecoder() *Decoder {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeStereoWAV(t *testing.T, path string, rate int, seconds float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	frames := int(float64(rate) * seconds)
	data := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		v := int(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		data[i*2] = v
		data[i*2+1] = v
	}
	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestDecodeStereoWAVToMono16k(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeStereoWAV(t, path, 44100, 1.0)

	buf, rate, err := newTestDecoder().DecodeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != audio.TargetSampleRate || buf.SampleRate != audio.TargetSampleRate {
		t.Fatalf("rate %d / %d, want %d", rate, buf.SampleRate, audio.TargetSampleRate)
	}
	if math.Abs(buf.Duration()-1.0) > 0.01 {
		t.Fatalf("duration %.3f, want 1.0", buf.Duration())
	}
	var peak float32
	for _, s := range buf.Samples {
		if s > peak {
			peak = s
		}
	}
	if peak < 0.2 || peak > 0.3 {
		t.Fatalf("unexpected peak %.3f", peak)
	}
}

func TestDecodeRejectsUnknownContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("definitely not audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := newTestDecoder().DecodeFile(context.Background(), path)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestDecodeMissingFile(t *testing.T) {
	_, _, err := newTestDecoder().DecodeFile(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

type scriptedSource struct {
	rate, channels int
	steps          []scriptStep
	resets         int
}

type scriptStep struct {
	packet []float32
	err    error
}

func (s *scriptedSource) SampleRate() int { return s.rate }
func (s *scriptedSource) Channels() int   { return s.channels }
func (s *scriptedSource) Reset() error    { s.resets++; return nil }

func (s *scriptedSource) Next() ([]float32, error) {
	if len(s.steps) == 0 {
		return nil, io.EOF
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.packet, step.err
}

func TestDecodeSkipsCorruptPackets(t *testing.T) {
	src := &scriptedSource{
		rate:     16000,
		channels: 2,
		steps: []scriptStep{
			{packet: []float32{1, 1, 0.5, 0.5}},
			{err: &PacketError{Err: errors.New("bad crc")}},
			{err: errResetRequired},
			{packet: []float32{0, 0}},
			{err: &PacketError{Err: errors.New("truncated frame")}},
			{packet: []float32{-1, -1}},
		},
	}
	buf, err := newTestDecoder().decodeSource(context.Background(), src)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []float32{1, 0.5, 0, -1}
	if len(buf.Samples) != len(want) {
		t.Fatalf("got %v, want %v", buf.Samples, want)
	}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, buf.Samples[i], want[i])
		}
	}
	if src.resets != 1 {
		t.Fatalf("expected one reset, got %d", src.resets)
	}
}

func TestDecodeGivesUpOnLostSync(t *testing.T) {
	src := &scriptedSource{rate: 16000, channels: 1}
	for i := 0; i < maxConsecutiveBadPackets; i++ {
		src.steps = append(src.steps, scriptStep{err: &PacketError{Err: errors.New("garbage")}})
	}
	if _, err := newTestDecoder().decodeSource(context.Background(), src); err == nil {
		t.Fatal("expected failure after consecutive corrupt packets")
	}
}

func TestDecodeStopsOnFatalError(t *testing.T) {
	boom := errors.New("device gone")
	src := &scriptedSource{rate: 16000, channels: 1, steps: []scriptStep{{packet: []float32{1}}, {err: boom}}}
	if _, err := newTestDecoder().decodeSource(context.Background(), src); !errors.Is(err, boom) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestDecodeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &scriptedSource{rate: 16000, channels: 1, steps: []scriptStep{{packet: []float32{1}}}}
	if _, err := newTestDecoder().decodeSource(ctx, src); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsSupported(t *testing.T) {
	for _, name := range []string{"a.wav", "b.MP3", "c.m4a", "d.aac", "e.flac", "f.ogg", "g.webm"} {
		if !IsSupported(name) {
			t.Fatalf("%s should be supported", name)
		}
	}
	for _, name := range []string{"a.txt", "b", "c.opus", "wav"} {
		if IsSupported(name) {
			t.Fatalf("%s should not be supported", name)
		}
	}
}

func TestSupportedFormatsIsACopy(t *testing.T) {
	formats := SupportedFormats()
	if len(formats) != 7 {
		t.Fatalf("unexpected formats %v", formats)
	}
	formats[0] = "exe"
	if SupportedFormats()[0] != "wav" {
		t.Fatal("SupportedFormats must not expose internal state")
	}
}
