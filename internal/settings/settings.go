// Package settings persists user preferences and the custom dictionary as
// small JSON documents, read on demand.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

type Settings struct {
	Language           string `json:"language"`
	AutoDetectLanguage bool   `json:"auto_detect_language"`
	StreamingEnabled   bool   `json:"streaming_enabled"`
	AutoPasteEnabled   bool   `json:"auto_paste_enabled"`
	Engine             string `json:"engine"`
}

func Default() Settings {
	return Settings{
		Language:         "en",
		StreamingEnabled: true,
		AutoPasteEnabled: true,
		Engine:           "mock",
	}
}

// EffectiveLanguage is the language engines should use: "auto" when
// detection is on, otherwise the configured language.
func (s Settings) EffectiveLanguage() string {
	if s.AutoDetectLanguage {
		return "auto"
	}
	return s.Language
}

// Store reads the settings file on every Load, so edits made while the
// daemon runs apply to the next session.
type Store struct {
	path string
	log  *slog.Logger
	mu   sync.Mutex
}

func NewStore(path string, log *slog.Logger) *Store {
	return &Store{path: path, log: log.With(slog.String("component", "settings"))}
}

// Load returns defaults when the file is missing or unreadable.
func (s *Store) Load() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := Default()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to read settings, using defaults", slog.String("error", err.Error()))
		}
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn("corrupt settings file, using defaults", slog.String("error", err.Error()))
		return Default()
	}
	return cfg
}

func (s *Store) Save(cfg Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, cfg)
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
