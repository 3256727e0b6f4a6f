//go:build !vosk

package stt

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func NewVoskEngine(_ config.EngineConfig, _ []string, _ *slog.Logger) (Engine, error) {
	return nil, fmt.Errorf("%w: built without vosk support (rebuild with -tags vosk)", ErrModelLoadFailed)
}
