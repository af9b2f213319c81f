package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Index mirrors session logs into SQLite so audit tooling can query
// across sessions. The JSONL file stays the source of truth.
type Index struct {
	db *sql.DB
}

func OpenIndex(dbPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	ix := &Index{db: db}
	if err := ix.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) init() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			ref INTEGER NOT NULL DEFAULT 0,
			tool TEXT NOT NULL DEFAULT '',
			call_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tool ON events(tool)`,
	}
	for _, s := range stmts {
		if _, err := ix.db.Exec(s); err != nil {
			return fmt.Errorf("init index: %w", err)
		}
	}
	return nil
}

func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Sync inserts events not yet indexed and returns how many were added.
func (ix *Index) Sync(ctx context.Context, events []Event) (int, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events
		(session_id, seq, ts, kind, ref, tool, call_id, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, ev := range events {
		var ids struct {
			Tool   string `json:"tool"`
			CallID string `json:"call_id"`
		}
		_ = json.Unmarshal(ev.Payload, &ids)
		res, err := stmt.ExecContext(ctx, ev.SessionID, int64(ev.Seq), ev.Timestamp, string(ev.Kind),
			int64(ev.Ref), ids.Tool, ids.CallID, string(ev.Payload), ev.PrevHash, ev.Hash)
		if err != nil {
			return 0, fmt.Errorf("insert seq %d: %w", ev.Seq, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

// LastSeq returns the highest indexed sequence number of a session.
func (ix *Index) LastSeq(ctx context.Context, sessionID string) (uint64, error) {
	var seq sql.NullInt64
	err := ix.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return uint64(seq.Int64), nil
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	SessionID string
	Kinds     []Kind
	Tool      string
	CallID    string
	Limit     int
}

func (ix *Index) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ",")+")")
	}
	if f.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.CallID != "" {
		where = append(where, "call_id = ?")
		args = append(args, f.CallID)
	}

	q := `SELECT session_id, seq, ts, kind, ref, payload, prev_hash, hash FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY session_id, seq"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev       Event
			seq, ref int64
			kind     string
			payload  string
		)
		if err := rows.Scan(&ev.SessionID, &seq, &ev.Timestamp, &kind, &ref, &payload, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.SchemaVersion = SchemaVersion
		ev.Seq = uint64(seq)
		ev.Ref = uint64(ref)
		ev.Kind = Kind(kind)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SessionSummary is one row of Sessions.
type SessionSummary struct {
	SessionID string `json:"session_id"`
	Events    int    `json:"events"`
	Errors    int    `json:"errors"`
	FirstTS   string `json:"first_ts"`
	LastTS    string `json:"last_ts"`
}

func (ix *Index) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT session_id, COUNT(*),
		SUM(CASE WHEN kind = 'error' THEN 1 ELSE 0 END), MIN(ts), MAX(ts)
		FROM events GROUP BY session_id ORDER BY MIN(ts)`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.SessionID, &s.Events, &s.Errors, &s.FirstTS, &s.LastTS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
