package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/clawgate/internal/approval"
	"github.com/stellarlinkco/clawgate/internal/dispatch"
	"github.com/stellarlinkco/clawgate/internal/drift"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
	"github.com/stellarlinkco/clawgate/internal/gate"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

// fakeProvider replays one scripted response per request.
type fakeProvider struct {
	mu        sync.Mutex
	responses [][]StreamEvent
	requests  []Request
	openErr   error
}

func (p *fakeProvider) Stream(_ context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.openErr != nil {
		return nil, p.openErr
	}
	if len(p.responses) == 0 {
		return &fakeStream{events: []StreamEvent{{Kind: StreamDone, StopReason: "end_turn"}}}, nil
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	return &fakeStream{events: next}, nil
}

func (p *fakeProvider) lastRequest() Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type fakeStream struct {
	events []StreamEvent
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return StreamEvent{}, err
	}
	if len(s.events) == 0 {
		return StreamEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func tokens(parts ...string) []StreamEvent {
	var out []StreamEvent
	for _, p := range parts {
		out = append(out, StreamEvent{Kind: StreamToken, Text: p})
	}
	return append(out, StreamEvent{Kind: StreamDone, StopReason: "end_turn", Usage: Usage{InputTokens: 10, OutputTokens: 3}})
}

func toolCall(name string, args map[string]any) []StreamEvent {
	return []StreamEvent{
		{Kind: StreamToken, Text: "working on it"},
		{Kind: StreamToolCall, Call: &dispatch.Call{ID: "call-" + name, Name: name, Args: args}},
		{Kind: StreamDone, StopReason: "tool_use"},
	}
}

type fixture struct {
	dir  string
	log  *eventlog.Log
	disp *dispatch.Dispatcher
	prov *fakeProvider
	orch *Orchestrator
}

func newFixture(t *testing.T, mode gate.Mode, proto approval.Protocol, opts ...Option) *fixture {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	log, err := eventlog.Open(filepath.Join(t.TempDir(), "s.jsonl"), "agent-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	exec := dispatch.ExecutorFunc(func(ctx context.Context, call dispatch.Call) (dispatch.Result, error) {
		path, _ := call.Args["path"].(string)
		switch call.Name {
		case "read_file":
			data, err := os.ReadFile(path)
			if err != nil {
				return dispatch.Result{}, err
			}
			return dispatch.Result{Output: string(data)}, nil
		case "write_file":
			content, _ := call.Args["content"].(string)
			return dispatch.Result{Output: "ok"}, os.WriteFile(path, []byte(content), 0o644)
		}
		return dispatch.Result{Output: "ran " + call.Name}, nil
	})
	disp, err := dispatch.New(dispatch.Config{
		Policy:   sandbox.New(sandbox.Config{Roots: []string{dir}}),
		Protocol: proto,
		Executor: exec,
		Log:      log,
		Mode:     mode,
	})
	require.NoError(t, err)

	prov := &fakeProvider{}
	orch, err := New(prov, disp, log, opts...)
	require.NoError(t, err)
	return &fixture{dir: dir, log: log, disp: disp, prov: prov, orch: orch}
}

func (f *fixture) kinds() []eventlog.Kind {
	var out []eventlog.Kind
	for _, ev := range f.log.Snapshot() {
		out = append(out, ev.Kind)
	}
	return out
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTextOnlyTurn(t *testing.T) {
	f := newFixture(t, gate.Auto, nil, WithEvents(128))
	f.prov.responses = [][]StreamEvent{tokens("hel", "lo")}

	res, err := f.orch.RunTurn(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, Idle, f.orch.State())
	assert.Equal(t, []eventlog.Kind{eventlog.KindUserMessage, eventlog.KindModelMessage}, f.kinds())

	var mm eventlog.ModelMessage
	require.NoError(t, f.log.Snapshot()[1].Decode(&mm))
	assert.Equal(t, 10, mm.InputTokens)
	assert.Equal(t, res.TurnID, mm.TurnID)

	events := drain(f.orch.Events())
	var toks []string
	var logged int
	for _, ev := range events {
		switch ev.Kind {
		case EventToken:
			toks = append(toks, ev.Text)
		case EventLogged:
			logged++
		}
	}
	assert.Equal(t, []string{"hel", "lo"}, toks)
	assert.Equal(t, 2, logged)
	last := events[len(events)-1]
	assert.Equal(t, EventState, last.Kind)
	assert.Equal(t, Idle, last.State)
	end := events[len(events)-2]
	require.Equal(t, EventTurnEnd, end.Kind)
	assert.Equal(t, Done, end.Result.State)
}

func TestToolResultFedBack(t *testing.T) {
	f := newFixture(t, gate.Auto, nil)
	p := filepath.Join(f.dir, "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte("remember the milk"), 0o644))
	f.prov.responses = [][]StreamEvent{
		toolCall("read_file", map[string]any{"path": p}),
		tokens("done"),
	}

	res, err := f.orch.RunTurn(context.Background(), "what do my notes say")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.ToolCalls)

	req := f.prov.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, RoleAssistant, req.Messages[1].Role)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, res.TurnID, req.Messages[1].ToolCalls[0].TurnID)
	require.Len(t, req.Messages[2].ToolResults, 1)
	assert.Equal(t, "remember the milk", req.Messages[2].ToolResults[0].Content)
	assert.False(t, req.Messages[2].ToolResults[0].IsError)

	assert.Contains(t, f.kinds(), eventlog.KindFileRead)
	require.NoError(t, eventlog.Check(f.log.Snapshot()))
}

func TestRefusalIsFedBackNotFatal(t *testing.T) {
	f := newFixture(t, gate.Auto, approval.NewScripted(approval.Approve))
	f.prov.responses = [][]StreamEvent{
		toolCall("write_file", map[string]any{"path": "/etc/passwd", "content": "x"}),
		tokens("sorry"),
	}
	res, err := f.orch.RunTurn(context.Background(), "break things")
	require.NoError(t, err)
	assert.Equal(t, Done, res.State)

	tr := f.prov.lastRequest().Messages[2].ToolResults[0]
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "not run")
}

func TestCancelDuringApprovalWait(t *testing.T) {
	ch := approval.NewChannel(1)
	f := newFixture(t, gate.Auto, ch, WithEvents(256))
	f.prov.responses = [][]StreamEvent{
		toolCall("bash", map[string]any{"command": "git commit -am wip"}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type out struct {
		res TurnResult
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := f.orch.RunTurn(ctx, "ship it")
		done <- out{res, err}
	}()

	select {
	case <-ch.Requests():
	case <-time.After(2 * time.Second):
		t.Fatal("no approval request")
	}
	assert.Equal(t, Dispatching, f.orch.State())
	cancel()

	var o out
	select {
	case o = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not end after cancel")
	}
	assert.ErrorIs(t, o.err, approval.ErrCancelled)
	assert.Equal(t, Cancelled, o.res.State)
	assert.NotContains(t, f.kinds(), eventlog.KindToolResult)
	assert.NotContains(t, f.kinds(), eventlog.KindToolCall)
	assert.NotContains(t, f.kinds(), eventlog.KindModelMessage)
	require.NoError(t, eventlog.Check(f.log.Snapshot()))

	var sawEnd bool
	for _, ev := range drain(f.orch.Events()) {
		if ev.Kind == EventTurnEnd {
			sawEnd = true
			assert.Equal(t, Cancelled, ev.Result.State)
		}
	}
	assert.True(t, sawEnd)
}

func TestProviderErrorLeavesSessionUsable(t *testing.T) {
	f := newFixture(t, gate.Auto, nil)
	f.prov.responses = [][]StreamEvent{
		{{Kind: StreamToken, Text: "partial"}, {Kind: StreamError, Err: errors.New("overloaded")}},
		tokens("recovered"),
	}

	res, err := f.orch.RunTurn(context.Background(), "first")
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, Errored, res.State)

	events := f.log.Snapshot()
	var e eventlog.Error
	require.NoError(t, events[len(events)-1].Decode(&e))
	assert.Equal(t, eventlog.CodeProviderError, e.Code)
	assert.Contains(t, e.Message, "overloaded")

	res, err = f.orch.RunTurn(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)

	msgs := f.prov.lastRequest().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Contains(t, msgs[1].Content, "errored")
	assert.Equal(t, "second", msgs[2].Content)
}

func TestTruncatedStreamIsProviderError(t *testing.T) {
	f := newFixture(t, gate.Auto, nil)
	f.prov.responses = [][]StreamEvent{{{Kind: StreamToken, Text: "cut"}}}
	_, err := f.orch.RunTurn(context.Background(), "go")
	assert.ErrorIs(t, err, ErrProvider)
}

func TestClosedLogIsFatal(t *testing.T) {
	f := newFixture(t, gate.Auto, nil)
	require.NoError(t, f.log.Close())
	res, err := f.orch.RunTurn(context.Background(), "hello")
	assert.ErrorIs(t, err, eventlog.ErrClosed)
	assert.Equal(t, Errored, res.State)
}

func TestMaxIterations(t *testing.T) {
	f := newFixture(t, gate.FullAccess, nil, WithMaxIterations(2))
	for i := 0; i < 3; i++ {
		f.prov.responses = append(f.prov.responses, toolCall("list_things", nil))
	}
	res, err := f.orch.RunTurn(context.Background(), "loop forever")
	assert.ErrorIs(t, err, ErrMaxIterations)
	assert.Equal(t, Errored, res.State)
	assert.Equal(t, 2, res.Iterations)
}

func TestDriftReportedAtTurnStart(t *testing.T) {
	var reconciled []drift.Record
	f := newFixture(t, gate.Auto, nil, WithReconciler(func(_ context.Context, recs []drift.Record) error {
		reconciled = append(reconciled, recs...)
		return nil
	}))
	p := filepath.Join(f.dir, "main.go")
	require.NoError(t, os.WriteFile(p, []byte("package main"), 0o644))
	f.prov.responses = [][]StreamEvent{toolCall("read_file", map[string]any{"path": p}), tokens("read")}
	_, err := f.orch.RunTurn(context.Background(), "read main.go")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p, []byte("package main // edited"), 0o644))

	_, err = f.orch.RunTurn(context.Background(), "continue")
	require.NoError(t, err)
	require.Len(t, reconciled, 1)
	assert.Equal(t, drift.ExternallyModified, reconciled[0].Status)
	assert.Contains(t, f.prov.lastRequest().System, p)

	// Same drift is not reported twice.
	_, err = f.orch.RunTurn(context.Background(), "again")
	require.NoError(t, err)
	assert.Len(t, reconciled, 1)

	var drifts int
	for _, k := range f.kinds() {
		if k == eventlog.KindDrift {
			drifts++
		}
	}
	assert.Equal(t, 1, drifts)
}

func TestSweepLogsDriftBetweenTurns(t *testing.T) {
	f := newFixture(t, gate.Auto, nil)
	p := filepath.Join(f.dir, "notes.md")
	require.NoError(t, os.WriteFile(p, []byte("v1"), 0o644))
	f.prov.responses = [][]StreamEvent{toolCall("read_file", map[string]any{"path": p}), tokens("read")}
	_, err := f.orch.RunTurn(context.Background(), "read notes")
	require.NoError(t, err)

	fresh, err := f.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fresh)

	require.NoError(t, os.WriteFile(p, []byte("v2"), 0o644))
	fresh, err = f.orch.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, p, fresh[0].Path)

	fresh, err = f.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fresh, "already reported")

	// The next turn still warns the model but logs nothing new.
	f.prov.responses = [][]StreamEvent{tokens("ok")}
	_, err = f.orch.RunTurn(context.Background(), "next")
	require.NoError(t, err)
	assert.Contains(t, f.prov.lastRequest().System, p)
	var drifts int
	for _, k := range f.kinds() {
		if k == eventlog.KindDrift {
			drifts++
		}
	}
	assert.Equal(t, 1, drifts)
}

func TestReconcilerCanAbortTurn(t *testing.T) {
	stop := errors.New("user wants to look first")
	f := newFixture(t, gate.Auto, nil, WithReconciler(func(context.Context, []drift.Record) error { return stop }))
	p := filepath.Join(f.dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("1"), 0o644))
	f.prov.responses = [][]StreamEvent{toolCall("read_file", map[string]any{"path": p}), tokens("ok")}
	_, err := f.orch.RunTurn(context.Background(), "read")
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))

	res, err := f.orch.RunTurn(context.Background(), "next")
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, Errored, res.State)
}

func TestSetModeRefusedMidTurn(t *testing.T) {
	ch := approval.NewChannel(1)
	f := newFixture(t, gate.Auto, ch)
	f.prov.responses = [][]StreamEvent{toolCall("bash", map[string]any{"command": "npm install"}), tokens("ok")}

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.RunTurn(context.Background(), "install")
		done <- err
	}()
	pending := <-ch.Requests()
	assert.ErrorIs(t, f.orch.SetMode(gate.ReadOnly), ErrTurnInProgress)
	_, err := f.orch.RunTurn(context.Background(), "parallel")
	assert.ErrorIs(t, err, ErrTurnInProgress)
	require.NoError(t, pending.Answer(approval.Approve))
	require.NoError(t, <-done)

	require.NoError(t, f.orch.SetMode(gate.ReadOnly))
	assert.Equal(t, gate.ReadOnly, f.orch.Mode())
}

type staticMemory []Snippet

func (m staticMemory) Retrieve(context.Context, string, int) ([]Snippet, error) { return m, nil }

func TestMemorySnippetsInSystemPrompt(t *testing.T) {
	f := newFixture(t, gate.Auto, nil,
		WithSystemPrompt("You are careful."),
		WithMemory(staticMemory{{Text: "deploys go through CI", Source: "MEMORY.md"}}, 3))
	_, err := f.orch.RunTurn(context.Background(), "deploy")
	require.NoError(t, err)
	sys := f.prov.lastRequest().System
	assert.Contains(t, sys, "You are careful.")
	assert.Contains(t, sys, "[MEMORY.md] deploys go through CI")
}

type failingMemory struct{}

func (failingMemory) Retrieve(context.Context, string, int) ([]Snippet, error) {
	return nil, errors.New("index offline")
}

func TestRetrieversConcatenateUpToLimit(t *testing.T) {
	rs := Retrievers{
		failingMemory{},
		staticMemory{{Text: "a"}, {Text: "b"}},
		staticMemory{{Text: "c"}},
	}
	got, err := rs.Retrieve(context.Background(), "q", 2)
	assert.EqualError(t, err, "index offline")
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].Text)

	got, err = Retrievers{staticMemory{{Text: "a"}}, staticMemory{{Text: "c"}}}.Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestNotifyExternalChangeDoesNotBlock(t *testing.T) {
	f := newFixture(t, gate.Auto, nil, WithEvents(1))
	f.orch.NotifyExternalChange("/a")
	f.orch.NotifyExternalChange("/b")
	ev := <-f.orch.Events()
	assert.Equal(t, EventExternalChange, ev.Kind)
	assert.Equal(t, "/a", ev.Path)

	g := newFixture(t, gate.Auto, nil)
	assert.Nil(t, g.orch.Events())
	g.orch.NotifyExternalChange("/c")
}

func TestNotifyExternalChangeAfterClose(t *testing.T) {
	f := newFixture(t, gate.Auto, nil, WithEvents(4))
	events := f.orch.Events()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.orch.NotifyExternalChange("/a")
			}
		}()
	}
	f.orch.Close()
	wg.Wait()

	assert.Nil(t, f.orch.Events())
	for range events {
	}
	f.orch.NotifyExternalChange("/late")
}
