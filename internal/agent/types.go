package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/clawgate/internal/dispatch"
	"github.com/stellarlinkco/clawgate/internal/drift"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
)

// State of the orchestrator within a turn.
type State int

const (
	Idle State = iota
	Streaming
	Dispatching
	Done
	Cancelled
	Errored
)

var stateNames = [...]string{"idle", "streaming", "dispatching", "done", "cancelled", "errored"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether a turn has ended in s.
func (s State) Terminal() bool { return s == Done || s == Cancelled || s == Errored }

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolResult is what the model is told about one call.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message is one entry of the conversation sent to the provider. An
// assistant message may carry tool calls; the user message that follows
// carries their results.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []dispatch.Call
	ToolResults []ToolResult
}

// ToolDef advertises a tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is everything a provider needs for one response.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDef
}

type StreamEventKind int

const (
	StreamToken StreamEventKind = iota
	StreamToolCall
	StreamDone
	StreamError
)

// Usage counts tokens for one response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamEvent is one item of a provider stream.
type StreamEvent struct {
	Kind       StreamEventKind
	Text       string
	Call       *dispatch.Call
	StopReason string
	Usage      Usage
	Err        error
}

// Stream is a lazy, finite, non-restartable sequence of events for one
// response. Next blocks until the next event or until ctx ends.
type Stream interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

// Provider opens a fresh stream per request.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Snippet is retrieved context with a reference to where it came from.
type Snippet struct {
	Text   string
	Source string
	Score  float64
}

// MemoryRetriever supplies optional context for the system prompt. The
// orchestrator does not interpret the snippets.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error)
}

type EventKind int

const (
	// EventState reports a state transition.
	EventState EventKind = iota
	// EventToken is a live-only streaming delta.
	EventToken
	// EventLogged mirrors a durable session event.
	EventLogged
	// EventDrift reports files changed outside the agent at a turn boundary.
	EventDrift
	// EventExternalChange is a live-only hint that a tracked file changed.
	EventExternalChange
	// EventTurnEnd closes every turn.
	EventTurnEnd
)

// Event is one item of the UI stream.
type Event struct {
	Kind   EventKind
	TurnID string
	State  State
	Text   string
	Path   string
	Log    *eventlog.Event
	Drift  []drift.Record
	Result *TurnResult
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	TurnID     string
	State      State
	Text       string
	ToolCalls  int
	Iterations int
	Err        error
}

// Retrievers queries each retriever in order and concatenates the
// results up to limit. A failing retriever does not hide the others.
type Retrievers []MemoryRetriever

func (rs Retrievers) Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error) {
	var (
		out  []Snippet
		errs []error
	)
	for _, r := range rs {
		if limit > 0 && len(out) >= limit {
			break
		}
		want := 0
		if limit > 0 {
			want = limit - len(out)
		}
		got, err := r.Retrieve(ctx, query, want)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, got...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, errors.Join(errs...)
}
