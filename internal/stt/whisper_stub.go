//go:build !whisper

package stt

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func NewWhisperEngine(_ config.EngineConfig, _ *slog.Logger) (Engine, error) {
	return nil, fmt.Errorf("%w: built without whisper support (rebuild with -tags whisper)", ErrModelLoadFailed)
}
