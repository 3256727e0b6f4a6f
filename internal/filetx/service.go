// Package filetx transcribes audio files from disk in batch.
package filetx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/audio/decoder"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

type Decoder interface {
	DecodeFile(ctx context.Context, path string) (audio.Buffer, int, error)
}

type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (stt.Result, error)
}

// FileResult is the outcome for one input. Exactly one of Result and Error
// is set.
type FileResult struct {
	Path   string      `json:"path"`
	Result *stt.Result `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type Service struct {
	decoder Decoder
	engine  Recognizer
	events  bus.Publisher
	log     *slog.Logger
}

func NewService(dec Decoder, engine Recognizer, events bus.Publisher, log *slog.Logger) *Service {
	if events == nil {
		events = bus.Discard
	}
	return &Service{decoder: dec, engine: engine, events: events, log: log.With(slog.String("component", "filetx"))}
}

// TranscribeFiles processes paths in order. A failing file is reported in its
// FileResult and does not stop the batch; only ctx cancellation does.
func (s *Service) TranscribeFiles(ctx context.Context, paths []string) []FileResult {
	results := make([]FileResult, 0, len(paths))
	total := len(paths)
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			results = append(results, FileResult{Path: path, Error: err.Error()})
			continue
		}
		res, err := s.transcribeOne(ctx, path, i+1, total)
		if err != nil {
			s.log.Warn("file transcription failed", slog.String("file", path), slog.String("error", err.Error()))
			s.events.Publish(protocol.Event{Kind: protocol.KindError, File: path, Current: i + 1, Total: total, Error: err.Error(), Timestamp: time.Now().UTC()})
			results = append(results, FileResult{Path: path, Error: err.Error()})
			continue
		}
		results = append(results, FileResult{Path: path, Result: &res})
	}
	s.events.Publish(protocol.Event{Kind: protocol.KindCompleted, Total: total, Timestamp: time.Now().UTC()})
	return results
}

func (s *Service) transcribeOne(ctx context.Context, path string, current, total int) (stt.Result, error) {
	if !decoder.IsSupported(path) {
		return stt.Result{}, decoder.ErrUnsupportedFormat
	}
	name := filepath.Base(path)

	s.events.Publish(protocol.Event{Kind: protocol.KindDecodingStarted, File: name, Current: current, Total: total, Timestamp: time.Now().UTC()})
	buf, rate, err := s.decoder.DecodeFile(ctx, path)
	if err != nil {
		return stt.Result{}, err
	}
	if buf.Len() == 0 {
		return stt.Result{}, fmt.Errorf("%s: %w", name, decoder.ErrNoAudioTrack)
	}

	s.events.Publish(protocol.Event{Kind: protocol.KindTranscribingStarted, File: name, Current: current, Total: total, DurationSeconds: buf.Duration(), Timestamp: time.Now().UTC()})
	res, err := s.engine.Transcribe(stt.WithKind(ctx, "file"), buf.Samples, rate)
	if err != nil {
		if errors.Is(err, stt.ErrAudioTooShort) {
			return stt.Result{}, fmt.Errorf("%s: %w", name, err)
		}
		return stt.Result{}, fmt.Errorf("transcribe %s: %w", name, err)
	}
	s.events.Publish(protocol.Event{Kind: protocol.KindFinalResult, File: name, Current: current, Total: total, Text: res.Text, IsFinal: true, DurationSeconds: res.DurationSeconds, Timestamp: time.Now().UTC()})
	return res, nil
}

// SupportedFormats lists the accepted file extensions.
func SupportedFormats() []string {
	return decoder.SupportedFormats()
}
