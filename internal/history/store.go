package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	_ "modernc.org/sqlite"
)

const defaultMaxEntries = 50

// Entry is one finalized transcription.
type Entry struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	Text             string    `json:"text"`
	Confidence       float64   `json:"confidence"`
	DurationSeconds  float64   `json:"duration_seconds"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	Language         string    `json:"language,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store keeps the most recent transcriptions, evicting the oldest past
// max_entries. Ephemeral mode keeps them in memory only.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	memory []Entry
	nextID int64
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	log = log.With(slog.String("component", "history"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.prune(ctx, db); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transcriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    confidence REAL,
    duration_seconds REAL,
    processing_time_ms INTEGER,
    language TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_created ON transcriptions(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records a finalized result and evicts entries beyond the cap.
func (s *Store) Append(ctx context.Context, sessionID string, result stt.Result) error {
	created := result.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	created = created.UTC()

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextID++
		entry := entryFromResult(s.nextID, sessionID, result, created)
		s.memory = append([]Entry{entry}, s.memory...)
		if len(s.memory) > s.cfg.MaxEntries {
			s.memory = s.memory[:s.cfg.MaxEntries]
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcriptions(session_id, text, confidence, duration_seconds, processing_time_ms, language, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sessionID, result.Text, result.Confidence, result.DurationSeconds, result.ProcessingTimeMS,
		result.DetectedLanguage, created.UnixNano())
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if err = s.prune(ctx, tx); err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	err = tx.Commit()
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) prune(ctx context.Context, db execer) error {
	_, err := db.ExecContext(ctx, `DELETE FROM transcriptions WHERE id IN (
		SELECT id FROM transcriptions ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxEntries)
	return err
}

// List returns up to limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.cfg.MaxEntries {
		limit = s.cfg.MaxEntries
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if limit > len(s.memory) {
			limit = len(s.memory)
		}
		return append([]Entry(nil), s.memory[:limit]...), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, confidence, duration_seconds, processing_time_ms, language, created_at
		 FROM transcriptions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			language sql.NullString
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Text, &e.Confidence, &e.DurationSeconds, &e.ProcessingTimeMS, &language, &created); err != nil {
			return nil, err
		}
		e.Language = language.String
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.memory = nil
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcriptions`)
	return err
}

func entryFromResult(id int64, sessionID string, r stt.Result, created time.Time) Entry {
	return Entry{
		ID:               id,
		SessionID:        sessionID,
		Text:             r.Text,
		Confidence:       r.Confidence,
		DurationSeconds:  r.DurationSeconds,
		ProcessingTimeMS: r.ProcessingTimeMS,
		Language:         r.DetectedLanguage,
		CreatedAt:        created,
	}
}
