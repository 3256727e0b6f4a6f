package decoder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/mewkiz/flac"
)

const packetFrames = 4096

// wavAudioFormatFloat is WAVE_FORMAT_IEEE_FLOAT.
const wavAudioFormatFloat = 3

type wavSource struct {
	dec   *wav.Decoder
	file  io.ReadSeeker
	buf   *goaudio.IntBuffer
	scale float32
	float bool
}

func newWAVSource(file io.ReadSeeker) (*wavSource, error) {
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", ErrUnsupportedFormat)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("seek wav pcm: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return nil, ErrNoAudioTrack
	}
	s := &wavSource{
		dec:   dec,
		file:  file,
		float: dec.WavAudioFormat == wavAudioFormatFloat && dec.BitDepth == 32,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
			Data:   make([]int, packetFrames*channels),
		},
	}
	if dec.BitDepth > 0 {
		s.scale = float32(int64(1) << (dec.BitDepth - 1))
	}
	return s, nil
}

func (s *wavSource) SampleRate() int { return int(s.dec.SampleRate) }
func (s *wavSource) Channels() int   { return int(s.dec.NumChans) }

func (s *wavSource) Next() ([]float32, error) {
	n, err := s.dec.PCMBuffer(s.buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	// drop a trailing partial frame
	n -= n % s.Channels()
	out := make([]float32, n)
	for i, v := range s.buf.Data[:n] {
		if s.float {
			out[i] = math.Float32frombits(uint32(int32(v)))
			continue
		}
		out[i] = float32(v) / s.scale
	}
	return out, nil
}

func (s *wavSource) Reset() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.dec = wav.NewDecoder(s.file)
	return s.dec.FwdToPCM()
}

type oggSource struct {
	r   *oggvorbis.Reader
	buf []float32
}

func newOggSource(r io.Reader) (*oggSource, error) {
	reader, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a vorbis reader: %w", err)
	}
	return &oggSource{r: reader, buf: make([]float32, packetFrames*reader.Channels())}, nil
}

func (s *oggSource) SampleRate() int { return s.r.SampleRate() }
func (s *oggSource) Channels() int   { return s.r.Channels() }

func (s *oggSource) Next() ([]float32, error) {
	n, err := s.r.Read(s.buf)
	if n > 0 {
		n -= n % s.Channels()
		return append([]float32(nil), s.buf[:n]...), nil
	}
	if err == nil {
		return []float32{}, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return nil, &PacketError{Err: err}
}

func (s *oggSource) Reset() error { return s.r.SetPosition(0) }

type flacSource struct {
	stream *flac.Stream
	scale  float32
}

func newFLACSource(r io.Reader) (*flacSource, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a flac stream: %w", err)
	}
	scale := float32(int64(1) << (stream.Info.BitsPerSample - 1))
	return &flacSource{stream: stream, scale: scale}, nil
}

func (s *flacSource) SampleRate() int { return int(s.stream.Info.SampleRate) }
func (s *flacSource) Channels() int   { return int(s.stream.Info.NChannels) }

// Next decodes one FLAC frame; a frame that fails its checksum is skipped.
func (s *flacSource) Next() ([]float32, error) {
	frame, err := s.stream.ParseNext()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &PacketError{Err: err}
	}
	channels := len(frame.Subframes)
	if channels == 0 {
		return []float32{}, nil
	}
	frames := len(frame.Subframes[0].Samples)
	out := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		for ch, sub := range frame.Subframes {
			out[i*channels+ch] = float32(sub.Samples[i]) / s.scale
		}
	}
	return out, nil
}

func (s *flacSource) Reset() error { return nil }

// mp3 output is always 16-bit little-endian stereo.
type mp3Source struct {
	dec *mp3.Decoder
	buf []byte
}

func newMP3Source(r io.Reader) (*mp3Source, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize an mp3 decoder: %w", err)
	}
	return &mp3Source{dec: dec, buf: make([]byte, packetFrames*4)}, nil
}

func (s *mp3Source) SampleRate() int { return s.dec.SampleRate() }
func (s *mp3Source) Channels() int   { return 2 }

func (s *mp3Source) Next() ([]float32, error) {
	n, err := s.dec.Read(s.buf)
	if n > 0 {
		return pcm16ToFloat(s.buf[:n-n%4]), nil
	}
	if err == nil {
		return []float32{}, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return nil, &PacketError{Err: err}
}

func (s *mp3Source) Reset() error {
	_, err := s.dec.Seek(0, io.SeekStart)
	return err
}

// externalSource pipes the file through ffmpeg for containers without a
// native Go decoder (m4a, aac, webm).
type externalSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	buf    []byte
}

func newExternalSource(ctx context.Context, ffmpeg, path string) (*externalSource, error) {
	bin, err := exec.LookPath(ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not available: %v", ErrUnsupportedFormat, err)
	}
	cmd := exec.CommandContext(ctx, bin,
		"-nostdin", "-v", "error",
		"-i", path,
		"-ac", "1", "-ar", strconv.Itoa(audio.TargetSampleRate),
		"-f", "f32le", "-",
	)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	return &externalSource{
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReaderSize(stdout, packetFrames*4),
		buf:    make([]byte, packetFrames*4),
	}, nil
}

func (s *externalSource) SampleRate() int { return audio.TargetSampleRate }
func (s *externalSource) Channels() int   { return 1 }

func (s *externalSource) Next() ([]float32, error) {
	n, err := io.ReadFull(s.reader, s.buf)
	if n >= 4 {
		n -= n % 4
		out := make([]float32, n/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(s.buf[i*4:]))
		}
		return out, nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if werr := s.cmd.Wait(); werr != nil {
			s.cmd = nil
			return nil, fmt.Errorf("ffmpeg: %w", werr)
		}
		s.cmd = nil
		return nil, io.EOF
	}
	return nil, err
}

func (s *externalSource) Reset() error { return errors.New("ffmpeg stream cannot be reset") }

func (s *externalSource) Close() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
}

func pcm16ToFloat(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768
	}
	return out
}
