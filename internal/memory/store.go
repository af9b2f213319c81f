// Package memory is a small sqlite store of notes the orchestrator can pull
// into the system prompt. Search is FTS5 with bm25 ranking weighted by how
// quickly each category goes stale.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05"

// Categories decide how fast an entry loses weight after its last use.
const (
	CategoryRule     = "rule"
	CategoryDecision = "decision"
	CategoryNote     = "note"
	CategoryTemp     = "temp"
)

var ErrNotFound = errors.New("memory: entry not found")

// Entry is one stored note.
type Entry struct {
	ID           int64
	Project      string
	Category     string
	Content      string
	Source       string
	Importance   float64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
	Archived     bool
}

type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for stored timestamps and decay.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates or opens the database at dbPath.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("memory")
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT 'note',
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'manual',
			importance REAL NOT NULL DEFAULT 0.5,
			created_at TEXT NOT NULL,
			last_accessed TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			is_archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project, is_archived)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content='memories',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.id, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.id, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add stores an entry and returns its id. Blank category and importance
// take defaults; importance is clamped to (0, 1].
func (s *Store) Add(ctx context.Context, e Entry) (int64, error) {
	content := strings.TrimSpace(e.Content)
	if content == "" {
		return 0, errors.New("memory: content is empty")
	}
	category := strings.TrimSpace(e.Category)
	if category == "" {
		category = CategoryNote
	}
	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "manual"
	}
	importance := e.Importance
	if importance <= 0 {
		importance = 0.5
	}
	if importance > 1 {
		importance = 1
	}
	now := s.now().UTC().Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (project, category, content, source, importance, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, strings.TrimSpace(e.Project), category, content, source, importance, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return res.LastInsertId()
}

// Archive hides an entry from search without deleting it.
func (s *Store) Archive(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET is_archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, category, content, source, importance,
		       created_at, last_accessed, access_count, is_archived
		FROM memories WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, err
}

// List returns live entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, category, content, source, importance,
		       created_at, last_accessed, access_count, is_archived
		FROM memories WHERE is_archived = 0
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                 Entry
		created, accessed string
		archived          int
	)
	if err := row.Scan(&e.ID, &e.Project, &e.Category, &e.Content, &e.Source, &e.Importance,
		&created, &accessed, &e.AccessCount, &archived); err != nil {
		return Entry{}, err
	}
	e.CreatedAt, _ = time.Parse(timeLayout, created)
	e.LastAccessed, _ = time.Parse(timeLayout, accessed)
	e.Archived = archived != 0
	return e, nil
}
