package stt

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// New builds the engine selected by cfg.Mode and wraps it with telemetry.
// words is the user dictionary; only grammar-aware engines use it.
func New(cfg config.EngineConfig, words []string, log *slog.Logger) (Engine, error) {
	log = log.With(slog.String("component", "stt"))

	var (
		engine Engine
		err    error
	)
	switch cfg.Mode {
	case "mock", "":
		minSeconds := cfg.MinAudioSeconds
		if minSeconds <= 0 {
			minSeconds = MinAudioSeconds
		}
		engine = &mockEngine{text: cfg.MockText, minSeconds: minSeconds}
	case "exec":
		engine, err = NewExecEngine(cfg, words)
	case "whisper":
		engine, err = NewWhisperEngine(cfg, log)
	case "vosk":
		engine, err = NewVoskEngine(cfg, words, log)
	default:
		return nil, fmt.Errorf("%w: unknown engine mode %q", ErrModelLoadFailed, cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	log.Info("speech engine ready", slog.String("engine", engine.Name()))
	return Instrument(engine, log), nil
}
