//go:build whisper

package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// whisperConfidence is a placeholder; whisper.cpp does not expose a
// transcript-level score.
const whisperConfidence = 0.95

// whisperEngine loads the model once and creates a fresh context per call, so
// concurrent callers share no mutable decoder state.
type whisperEngine struct {
	model    whisper.Model
	language string
	cfg      config.EngineConfig
	log      *slog.Logger
}

func NewWhisperEngine(cfg config.EngineConfig, log *slog.Logger) (Engine, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: whisper model not found at %s: %v", ErrModelLoadFailed, cfg.ModelPath, err)
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	log.Info("whisper model loaded", slog.String("path", cfg.ModelPath), slog.Bool("multilingual", model.IsMultilingual()))
	return &whisperEngine{model: model, language: cfg.Language, cfg: cfg, log: log}, nil
}

func (w *whisperEngine) Name() string { return "whisper" }

func (w *whisperEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	started := time.Now()
	if err := checkInput(samples, sampleRate, whisper.SampleRate, w.cfg.MinAudioSeconds); err != nil {
		return Result{}, err
	}

	wctx, err := w.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("%w: create whisper context: %v", ErrInferenceFailed, err)
	}
	language := languageFrom(ctx, w.language)
	if language == "" {
		language = "auto"
	}
	if w.model.IsMultilingual() {
		if err := wctx.SetLanguage(language); err != nil {
			return Result{}, fmt.Errorf("%w: set language %q: %v", ErrInferenceFailed, language, err)
		}
	}

	// returning false from the encoder callback aborts processing
	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, proceed, nil, nil); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var transcript strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		transcript.WriteString(segment.Text)
	}

	result := newResult(strings.TrimSpace(transcript.String()), whisperConfidence, samples, sampleRate, started)
	result.DetectedLanguage = wctx.DetectedLanguage()
	return result, nil
}

func (w *whisperEngine) Close() error {
	if w.model != nil {
		return w.model.Close()
	}
	return nil
}
