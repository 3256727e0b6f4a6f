package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// RequiredSampleRate is the input rate every engine accepts.
	RequiredSampleRate = 16000
	// MinAudioSeconds is the shortest buffer an engine will attempt.
	MinAudioSeconds = 0.5
)

var (
	ErrAudioTooShort     = errors.New("audio too short")
	ErrInvalidSampleRate = errors.New("invalid sample rate")
	ErrModelLoadFailed   = errors.New("model load failed")
	ErrInferenceFailed   = errors.New("inference failed")
)

// SampleRateError reports input at a rate the engine does not accept. Engines
// never resample on behalf of the caller.
type SampleRateError struct {
	Got  int
	Want int
}

func (e *SampleRateError) Error() string {
	return fmt.Sprintf("invalid sample rate: expected %d, got %d", e.Want, e.Got)
}

func (e *SampleRateError) Is(target error) bool { return target == ErrInvalidSampleRate }

// Result captures engine output for one Transcribe call.
type Result struct {
	Text             string    `json:"text"`
	Confidence       float64   `json:"confidence"`
	DurationSeconds  float64   `json:"duration_seconds"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	DetectedLanguage string    `json:"detected_language,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Engine abstracts speech recognition backends. Implementations must be safe
// for concurrent Transcribe calls.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error)
	Name() string
	Close() error
}

type languageKey struct{}

// WithLanguage asks the engine to transcribe in lang for this call only.
// "auto" requests detection. Vosk models are single-language and ignore it.
func WithLanguage(ctx context.Context, lang string) context.Context {
	if lang == "" {
		return ctx
	}
	return context.WithValue(ctx, languageKey{}, lang)
}

func languageFrom(ctx context.Context, fallback string) string {
	if lang, ok := ctx.Value(languageKey{}).(string); ok {
		return lang
	}
	return fallback
}

// checkInput enforces the shared preconditions: exact sample rate and a
// minimum duration.
func checkInput(samples []float32, sampleRate, required int, minSeconds float64) error {
	if sampleRate != required {
		return &SampleRateError{Got: sampleRate, Want: required}
	}
	duration := float64(len(samples)) / float64(sampleRate)
	if duration < minSeconds {
		return fmt.Errorf("%w: %.2fs, minimum %.2fs", ErrAudioTooShort, duration, minSeconds)
	}
	return nil
}

func newResult(text string, confidence float64, samples []float32, sampleRate int, started time.Time) Result {
	return Result{
		Text:             text,
		Confidence:       confidence,
		DurationSeconds:  float64(len(samples)) / float64(sampleRate),
		ProcessingTimeMS: time.Since(started).Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
