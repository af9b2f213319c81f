package drift

import (
	"fmt"

	"go.uber.org/zap"
)

type Status int

const (
	Unmodified Status = iota
	ExternallyModified
	Deleted
)

var statusNames = [...]string{"unmodified", "externally_modified", "deleted"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("drift: unknown status %q", b)
}

// Record compares what the session last saw of a path with what is on
// disk now.
type Record struct {
	Path    string      `json:"path"`
	Known   Fingerprint `json:"known"`
	Current Fingerprint `json:"current"`
	Status  Status      `json:"status"`
}

func (r Record) Drifted() bool { return r.Status != Unmodified }

func (r Record) String() string {
	return fmt.Sprintf("%s: %s (%s -> %s)", r.Path, r.Status, r.Known, r.Current)
}

// Detector recomputes fingerprints and classifies divergence.
type Detector struct {
	logger *zap.Logger
}

type Option func(*Detector)

func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l.Named("drift")
		}
	}
}

func NewDetector(opts ...Option) *Detector {
	d := &Detector{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CheckPath classifies path against the fingerprint last seen.
func (d *Detector) CheckPath(path string, known Fingerprint) (Record, error) {
	current, err := Compute(path)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Path: path, Known: known, Current: current}
	switch {
	case known.Equal(current):
		rec.Status = Unmodified
	case current.Missing:
		rec.Status = Deleted
	default:
		rec.Status = ExternallyModified
	}
	return rec, nil
}

// Check recomputes every path in the history, in path order. Paths that
// cannot be fingerprinted are logged and skipped.
func (d *Detector) Check(h *ReadHistory) []Record {
	paths := h.Paths()
	out := make([]Record, 0, len(paths))
	for _, p := range paths {
		e, ok := h.Lookup(p)
		if !ok {
			continue
		}
		rec, err := d.CheckPath(p, e.Fingerprint)
		if err != nil {
			d.logger.Warn("skip path", zap.String("path", p), zap.Error(err))
			continue
		}
		if rec.Drifted() {
			d.logger.Info("drift", zap.String("path", p), zap.Stringer("status", rec.Status))
		}
		out = append(out, rec)
	}
	return out
}

// Drifted filters records down to the diverged ones.
func Drifted(records []Record) []Record {
	var out []Record
	for _, r := range records {
		if r.Drifted() {
			out = append(out, r)
		}
	}
	return out
}
