package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

var (
	// ErrCancelled means the surrounding task ended before a decision.
	ErrCancelled = errors.New("approval: task cancelled")
	// ErrExpired means the request deadline passed without an answer.
	ErrExpired = errors.New("approval: request expired")
	// ErrAlreadyDecided guards against answering a request twice.
	ErrAlreadyDecided = errors.New("approval: request already decided")
)

// Decision is the terminal answer to a Request.
type Decision int

const (
	Approve Decision = iota
	Reject
	CancelTask
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case Reject:
		return "reject"
	case CancelTask:
		return "cancel"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Decision) UnmarshalText(b []byte) error {
	parsed, ok := ParseDecision(string(b))
	if !ok {
		return fmt.Errorf("approval: unknown decision %q", b)
	}
	*d = parsed
	return nil
}

// ParseDecision understands the words a human is likely to type.
func ParseDecision(s string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "approve", "approved", "ok", "allow":
		return Approve, true
	case "n", "no", "reject", "rejected", "deny":
		return Reject, true
	case "c", "cancel", "abort", "stop":
		return CancelTask, true
	}
	return Reject, false
}

// Request asks for a human decision about one tool call.
type Request struct {
	ID             string                  `json:"id"`
	CallID         string                  `json:"call_id"`
	Tool           string                  `json:"tool"`
	Args           map[string]any          `json:"args,omitempty"`
	Classification classify.Classification `json:"classification"`
	Verdict        sandbox.Verdict         `json:"verdict"`
	Description    string                  `json:"description"`
	CreatedAt      time.Time               `json:"created_at"`
	// Deadline is optional; zero means wait until decided or cancelled.
	Deadline time.Time `json:"deadline,omitempty"`
}

// NewRequest fills in an ID and timestamp.
func NewRequest(callID, tool string, args map[string]any, class classify.Classification, verdict sandbox.Verdict) Request {
	r := Request{
		ID:             uuid.NewString(),
		CallID:         callID,
		Tool:           tool,
		Args:           args,
		Classification: class,
		Verdict:        verdict,
		CreatedAt:      time.Now().UTC(),
	}
	r.Description = Describe(r)
	return r
}

// Describe renders a one-line summary suitable for a prompt.
func Describe(r Request) string {
	var sb strings.Builder
	sb.WriteString(r.Tool)
	for _, key := range []string{"command", "cmd", "file_path", "path", "file", "url"} {
		if s, ok := r.Args[key].(string); ok && s != "" {
			fmt.Fprintf(&sb, " %s", truncate(s, 120))
			break
		}
	}
	fmt.Fprintf(&sb, " [%s] %s", r.Classification.Tier, r.Classification.Rationale)
	if r.Verdict.Kind != sandbox.Allowed && r.Verdict.Reason != "" {
		fmt.Fprintf(&sb, " (sandbox: %s)", r.Verdict.Reason)
	}
	if r.Classification.Remediation != "" {
		fmt.Fprintf(&sb, " hint: %s", r.Classification.Remediation)
	}
	return sb.String()
}

// Protocol obtains exactly one decision per request, or ErrCancelled if
// ctx ends first.
type Protocol interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// ProtocolFunc adapts a function to Protocol.
type ProtocolFunc func(context.Context, Request) (Decision, error)

func (fn ProtocolFunc) Decide(ctx context.Context, req Request) (Decision, error) {
	if fn == nil {
		return Reject, errors.New("approval: protocol function is nil")
	}
	return fn(ctx, req)
}

// withDeadline derives a context bounded by the request deadline.
func withDeadline(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, req.Deadline)
}

// ctxError maps a finished wait context to the protocol error. The
// parent decides: a parent cancellation is ErrCancelled, our own
// deadline is ErrExpired.
func ctxError(parent context.Context) error {
	if parent.Err() != nil {
		return ErrCancelled
	}
	return ErrExpired
}

// Scripted returns predetermined decisions in order, then Fallback. It
// is used for deterministic tests and replays.
type Scripted struct {
	mu        sync.Mutex
	decisions []Decision
	fallback  Decision
	seen      []Request
}

func NewScripted(fallback Decision, decisions ...Decision) *Scripted {
	return &Scripted{decisions: append([]Decision(nil), decisions...), fallback: fallback}
}

func (s *Scripted) Decide(ctx context.Context, req Request) (Decision, error) {
	if ctx.Err() != nil {
		return Reject, ErrCancelled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)
	if len(s.decisions) == 0 {
		return s.fallback, nil
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return d, nil
}

// Seen returns the requests answered so far.
func (s *Scripted) Seen() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.seen))
	copy(out, s.seen)
	return out
}

// PolicyOnly rejects everything; it never blocks.
type PolicyOnly struct{}

func (PolicyOnly) Decide(ctx context.Context, _ Request) (Decision, error) {
	if ctx.Err() != nil {
		return Reject, ErrCancelled
	}
	return Reject, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
