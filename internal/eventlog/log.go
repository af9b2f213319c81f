package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLogWriteFailed is returned once the log can no longer guarantee
	// durability. It is sticky: every later append fails with it too.
	ErrLogWriteFailed = errors.New("eventlog: log write failed")
	ErrClosed         = errors.New("eventlog: log closed")
	ErrUnknownKind    = errors.New("eventlog: unknown event kind")
)

type logFile interface {
	io.Writer
	Sync() error
	Close() error
}

// Log is the append-only record of one session. Appends are serialized;
// readers see an event only after it has been written and synced.
type Log struct {
	path      string
	sessionID string
	logger    *zap.Logger
	now       func() time.Time

	writeMu  sync.Mutex
	file     logFile
	seq      uint64
	lastHash string
	broken   error
	closed   bool

	mu      sync.RWMutex
	events  []Event
	subs    map[int]chan Event
	nextSub int
}

type Option func(*Log)

func WithLogger(l *zap.Logger) Option {
	return func(lg *Log) {
		if l != nil {
			lg.logger = l.Named("eventlog")
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(lg *Log) {
		if now != nil {
			lg.now = now
		}
	}
}

// Open opens or creates the log at path. An existing file is verified and
// resumed: sequence numbers and the hash chain continue where it ended.
// A trailing partially written line is cut off first. An empty sessionID
// adopts the file's session, or a fresh one for a new file.
func Open(path, sessionID string, opts ...Option) (*Log, error) {
	l := &Log{
		path:   path,
		logger: zap.NewNop(),
		now:    time.Now,
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(l)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	events, created, err := l.recover()
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		existing := events[0].SessionID
		if sessionID != "" && sessionID != existing {
			return nil, fmt.Errorf("eventlog: %s belongs to session %s, not %s", path, existing, sessionID)
		}
		sessionID = existing
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	l.sessionID = sessionID

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	if created {
		if err := syncDirectory(dir); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sync log dir: %w", err)
		}
	}
	l.file = f
	l.events = events
	if n := len(events); n > 0 {
		l.seq = events[n-1].Seq
		l.lastHash = events[n-1].Hash
	}
	l.logger.Debug("opened",
		zap.String("path", path),
		zap.String("session", sessionID),
		zap.Uint64("seq", l.seq))
	return l, nil
}

func (l *Log) recover() ([]Event, bool, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open log: %w", err)
	}
	events, complete, err := decode(f)
	_ = f.Close()
	if err != nil {
		return nil, false, err
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return nil, false, fmt.Errorf("stat log: %w", err)
	}
	if info.Size() > complete {
		l.logger.Warn("truncating partial trailing record",
			zap.String("path", l.path),
			zap.Int64("bytes", info.Size()-complete))
		if err := os.Truncate(l.path, complete); err != nil {
			return nil, false, fmt.Errorf("truncate partial record: %w", err)
		}
	}
	if err := Check(events); err != nil {
		return nil, false, err
	}
	return events, false, nil
}

func (l *Log) Path() string      { return l.path }
func (l *Log) SessionID() string { return l.sessionID }

// Append writes one event and returns it once it is durable.
func (l *Log) Append(kind Kind, payload any) (Event, error) {
	return l.AppendRef(kind, 0, payload)
}

// AppendRef appends an event that refers to an earlier sequence number,
// which is how corrections are expressed.
func (l *Log) AppendRef(kind Kind, ref uint64, payload any) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed {
		return Event{}, ErrClosed
	}
	if l.broken != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrLogWriteFailed, l.broken)
	}
	if ref > l.seq {
		return Event{}, fmt.Errorf("eventlog: ref %d points past last event %d", ref, l.seq)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	ev := Event{
		SchemaVersion: SchemaVersion,
		Seq:           l.seq + 1,
		SessionID:     l.sessionID,
		Timestamp:     l.now().UTC().Format(time.RFC3339Nano),
		Kind:          kind,
		Ref:           ref,
		Payload:       raw,
		PrevHash:      l.lastHash,
	}
	ev.Hash, err = hashEvent(ev)
	if err != nil {
		return Event{}, err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Event{}, l.fail("write", err)
	}
	if err := l.file.Sync(); err != nil {
		return Event{}, l.fail("sync", err)
	}

	l.seq = ev.Seq
	l.lastHash = ev.Hash
	l.publish(ev)
	return ev, nil
}

func (l *Log) fail(op string, err error) error {
	l.broken = fmt.Errorf("%s %s: %w", op, l.path, err)
	l.logger.Error("log is no longer durable",
		zap.String("op", op),
		zap.Uint64("last_seq", l.seq),
		zap.Error(err))
	return fmt.Errorf("%w: %v", ErrLogWriteFailed, l.broken)
}

func (l *Log) publish(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			l.logger.Warn("subscriber lagging, event dropped", zap.Int("sub", id), zap.Uint64("seq", ev.Seq))
		}
	}
}

// Err reports the durability failure that broke the log, if any.
func (l *Log) Err() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.broken == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrLogWriteFailed, l.broken)
}

// Snapshot returns every durable event in sequence order.
func (l *Log) Snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns the durable events with a sequence number above seq.
func (l *Log) Since(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.events)) {
		return nil
	}
	out := make([]Event, len(l.events)-int(seq))
	copy(out, l.events[seq:])
	return out
}

func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return 0
	}
	return l.events[len(l.events)-1].Seq
}

// Subscribe delivers events appended from now on. A subscriber that falls
// more than buffer events behind misses events and should catch up with
// Since. The returned func unsubscribes.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(ch)
			}
		})
	}
}

// Close stops accepting appends and ends all subscriptions. Events stay
// readable through Snapshot.
func (l *Log) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	l.mu.Lock()
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
	l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log: %w", err)
	}
	return nil
}

type hashInput struct {
	SchemaVersion int             `json:"schema_version"`
	Seq           uint64          `json:"seq"`
	SessionID     string          `json:"session_id"`
	Timestamp     string          `json:"ts"`
	Kind          Kind            `json:"kind"`
	Ref           uint64          `json:"ref"`
	Payload       json.RawMessage `json:"payload"`
	PrevHash      string          `json:"prev_hash"`
}

func hashEvent(ev Event) (string, error) {
	b, err := json.Marshal(hashInput{
		SchemaVersion: ev.SchemaVersion,
		Seq:           ev.Seq,
		SessionID:     ev.SessionID,
		Timestamp:     ev.Timestamp,
		Kind:          ev.Kind,
		Ref:           ev.Ref,
		Payload:       ev.Payload,
		PrevHash:      ev.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash event %d: %w", ev.Seq, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
