package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Record is one answered request.
type Record struct {
	Request   Request
	Decision  Decision
	Err       error
	DecidedAt time.Time
}

// Stats counts outcomes seen by a Recorder.
type Stats struct {
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
}

// Recorder wraps a Protocol, keeps the answer history and refuses to
// ask twice for the same request ID.
type Recorder struct {
	inner Protocol

	mu      sync.Mutex
	history []Record
	decided map[string]struct{}
	stats   Stats
}

func NewRecorder(inner Protocol) *Recorder {
	return &Recorder{inner: inner, decided: make(map[string]struct{})}
}

func (r *Recorder) Decide(ctx context.Context, req Request) (Decision, error) {
	r.mu.Lock()
	if _, dup := r.decided[req.ID]; dup {
		r.mu.Unlock()
		return Reject, ErrAlreadyDecided
	}
	r.decided[req.ID] = struct{}{}
	r.mu.Unlock()

	d, err := r.inner.Decide(ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, Record{Request: req, Decision: d, Err: err, DecidedAt: time.Now().UTC()})
	switch {
	case errors.Is(err, ErrCancelled):
		r.stats.Cancelled++
	case errors.Is(err, ErrExpired):
		r.stats.Expired++
	case err != nil:
	case d == Approve:
		r.stats.Approved++
	case d == Reject:
		r.stats.Rejected++
	case d == CancelTask:
		r.stats.Cancelled++
	}
	return d, err
}

func (r *Recorder) History() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
