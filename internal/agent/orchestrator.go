package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/stellarlinkco/clawgate/internal/approval"
	"github.com/stellarlinkco/clawgate/internal/dispatch"
	"github.com/stellarlinkco/clawgate/internal/drift"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
	"github.com/stellarlinkco/clawgate/internal/gate"
)

var (
	// ErrProvider wraps stream failures. The turn ends; the session stays
	// usable.
	ErrProvider       = errors.New("agent: provider error")
	ErrMaxIterations  = errors.New("agent: max iterations reached")
	ErrTurnInProgress = errors.New("agent: a turn is already running")
	ErrNilProvider    = errors.New("agent: provider is nil")
)

const defaultMaxIterations = 20

// Reconciler is asked what to do when files drifted since the session
// last saw them. Returning an error aborts the turn.
type Reconciler func(ctx context.Context, records []drift.Record) error

// Orchestrator owns the per-turn loop of one session.
type Orchestrator struct {
	provider   Provider
	dispatcher *dispatch.Dispatcher
	log        *eventlog.Log
	detector   *drift.Detector
	watcher    *drift.Watcher
	memory     MemoryRetriever
	reconciler Reconciler
	logger     *zap.Logger
	tracer     trace.Tracer

	system        string
	maxIterations int
	memoryLimit   int
	events        chan Event

	mu        sync.Mutex
	running   bool
	state     State
	messages  []Message
	forwarded uint64
	reported  map[string]string
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l.Named("agent")
		}
	}
}

func WithSystemPrompt(s string) Option {
	return func(o *Orchestrator) { o.system = s }
}

func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

func WithMemory(m MemoryRetriever, limit int) Option {
	return func(o *Orchestrator) {
		o.memory = m
		if limit > 0 {
			o.memoryLimit = limit
		}
	}
}

func WithDetector(d *drift.Detector) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.detector = d
		}
	}
}

func WithWatcher(w *drift.Watcher) Option {
	return func(o *Orchestrator) { o.watcher = w }
}

func WithReconciler(r Reconciler) Option {
	return func(o *Orchestrator) { o.reconciler = r }
}

// WithEvents enables the UI stream. Sends block while the buffer is full,
// so a consumer must drain Events.
func WithEvents(buffer int) Option {
	return func(o *Orchestrator) {
		if buffer < 0 {
			buffer = 0
		}
		o.events = make(chan Event, buffer)
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func New(provider Provider, dispatcher *dispatch.Dispatcher, log *eventlog.Log, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	if dispatcher == nil || log == nil {
		return nil, errors.New("agent: dispatcher and event log are required")
	}
	o := &Orchestrator{
		provider:      provider,
		dispatcher:    dispatcher,
		log:           log,
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("github.com/stellarlinkco/clawgate/agent"),
		maxIterations: defaultMaxIterations,
		memoryLimit:   5,
		reported:      make(map[string]string),
		forwarded:     log.LastSeq(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.detector == nil {
		o.detector = drift.NewDetector(drift.WithLogger(o.logger))
	}
	return o, nil
}

// Events returns the UI stream, or nil when WithEvents was not given.
func (o *Orchestrator) Events() <-chan Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetMode changes the approval mode. It is refused while a turn runs so
// that a mode change never lands mid-dispatch.
func (o *Orchestrator) SetMode(m gate.Mode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrTurnInProgress
	}
	o.dispatcher.SetMode(m)
	o.logger.Info("approval mode changed", zap.Stringer("mode", m))
	return nil
}

func (o *Orchestrator) Mode() gate.Mode { return o.dispatcher.Mode() }

// NotifyExternalChange forwards a watcher hint to the UI without blocking.
// It is a no-op once Close has run.
func (o *Orchestrator) NotifyExternalChange(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		return
	}
	select {
	case o.events <- Event{Kind: EventExternalChange, Path: path}:
	default:
	}
}

// Close ends the UI stream. It must not be called while a turn runs.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events != nil {
		close(o.events)
		o.events = nil
	}
}

// turn is the mutable state of one RunTurn call.
type turn struct {
	id     string
	result TurnResult
	base   int
}

// RunTurn handles one user message through to the end of the model's
// response. Policy refusals and tool failures are fed back to the model;
// cancellation, provider failures and log failures end the turn.
func (o *Orchestrator) RunTurn(ctx context.Context, input string) (TurnResult, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return TurnResult{}, ErrTurnInProgress
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if err := o.log.Err(); err != nil {
		return TurnResult{State: Errored, Err: err}, err
	}

	t := &turn{id: uuid.NewString(), base: len(o.messages)}
	t.result.TurnID = t.id
	ctx, span := o.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.id", o.log.SessionID()),
		attribute.String("turn.id", t.id),
	))
	defer span.End()

	err := o.runTurn(ctx, t, input)
	t.result.Err = err
	span.SetAttributes(
		attribute.String("turn.state", t.result.State.String()),
		attribute.Int("turn.tool_calls", t.result.ToolCalls),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	// The end of a turn is always delivered, cancelled or not.
	done := context.WithoutCancel(ctx)
	o.flush(done, t.id)
	res := t.result
	o.emit(done, Event{Kind: EventTurnEnd, TurnID: t.id, State: res.State, Result: &res})
	o.setState(done, t.id, Idle)
	return res, err
}

func (o *Orchestrator) runTurn(ctx context.Context, t *turn, input string) error {
	o.setState(ctx, t.id, Streaming)
	if _, err := o.log.Append(eventlog.KindUserMessage, eventlog.UserMessage{TurnID: t.id, Text: input}); err != nil {
		return o.fail(ctx, t, err)
	}
	o.flush(ctx, t.id)

	o.messages = append(o.messages, Message{Role: RoleUser, Content: input})

	note, err := o.reconcile(ctx, t)
	if err != nil {
		return o.fail(ctx, t, err)
	}
	system := o.systemPrompt(ctx, input, note)

	for {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, t, err)
		}
		if t.result.Iterations >= o.maxIterations {
			return o.fail(ctx, t, fmt.Errorf("%w (%d)", ErrMaxIterations, o.maxIterations))
		}
		t.result.Iterations++

		text, calls, results, stop, err := o.stream(ctx, t, system)
		if err != nil {
			return o.fail(ctx, t, err)
		}

		if _, err := o.log.Append(eventlog.KindModelMessage, eventlog.ModelMessage{
			TurnID:       t.id,
			Text:         text,
			StopReason:   stop.StopReason,
			InputTokens:  stop.Usage.InputTokens,
			OutputTokens: stop.Usage.OutputTokens,
		}); err != nil {
			return o.fail(ctx, t, err)
		}
		o.flush(ctx, t.id)

		o.messages = append(o.messages, Message{Role: RoleAssistant, Content: text, ToolCalls: calls})
		t.result.Text = text
		if len(calls) == 0 {
			o.setState(ctx, t.id, Done)
			t.result.State = Done
			return nil
		}
		o.messages = append(o.messages, Message{Role: RoleUser, ToolResults: results})
	}
}

// stream consumes one provider response. Tool calls are dispatched as
// they arrive; consumption is suspended until each one completes.
func (o *Orchestrator) stream(ctx context.Context, t *turn, system string) (string, []dispatch.Call, []ToolResult, StreamEvent, error) {
	req := Request{System: system, Messages: o.history(), Tools: o.tools()}
	s, err := o.provider.Stream(ctx, req)
	if err != nil {
		return "", nil, nil, StreamEvent{}, providerError(err)
	}
	defer s.Close()

	var (
		text    strings.Builder
		calls   []dispatch.Call
		results []ToolResult
	)
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, nil, StreamEvent{}, err
		}
		ev, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, nil, StreamEvent{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return "", nil, nil, StreamEvent{}, providerError(io.ErrUnexpectedEOF)
			}
			return "", nil, nil, StreamEvent{}, providerError(err)
		}

		switch ev.Kind {
		case StreamToken:
			text.WriteString(ev.Text)
			o.emit(ctx, Event{Kind: EventToken, TurnID: t.id, Text: ev.Text})
		case StreamToolCall:
			if ev.Call == nil {
				continue
			}
			call := *ev.Call
			call.TurnID = t.id
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			res, err := o.dispatchCall(ctx, t, call)
			if err != nil {
				return "", nil, nil, StreamEvent{}, err
			}
			calls = append(calls, call)
			results = append(results, res)
		case StreamDone:
			return text.String(), calls, results, ev, nil
		case StreamError:
			if ev.Err == nil {
				ev.Err = errors.New(ev.Text)
			}
			return "", nil, nil, StreamEvent{}, providerError(ev.Err)
		}
	}
}

func (o *Orchestrator) dispatchCall(ctx context.Context, t *turn, call dispatch.Call) (ToolResult, error) {
	o.setState(ctx, t.id, Dispatching)
	defer o.setState(ctx, t.id, Streaming)

	t.result.ToolCalls++
	out, err := o.dispatcher.Dispatch(ctx, call)
	o.flush(ctx, t.id)
	if dispatch.Fatal(err) {
		return ToolResult{}, err
	}
	if ctx.Err() != nil {
		return ToolResult{}, ctx.Err()
	}

	res := ToolResult{CallID: call.ID, Name: call.Name}
	switch {
	case err == nil:
		res.Content = out.Result.Output
	case out.Executed:
		res.IsError = true
		res.Content = fmt.Sprintf("Tool execution failed: %s", out.Result.Output)
	default:
		res.IsError = true
		res.Content = "Tool call was not run: " + err.Error()
	}
	return res, nil
}

// reconcile runs the drift check that precedes every turn. New drift is
// logged, shown to the UI and handed to the reconciler; the returned note
// tells the model which files to re-read.
func (o *Orchestrator) reconcile(ctx context.Context, t *turn) (string, error) {
	if o.watcher != nil {
		if changed := o.watcher.Drain(); len(changed) > 0 {
			o.logger.Debug("external edits since last turn", zap.Strings("paths", changed))
		}
	}
	drifted, fresh, err := o.detect(ctx, t.id)
	if err != nil {
		return "", err
	}
	if len(fresh) > 0 && o.reconciler != nil {
		if err := o.reconciler(ctx, fresh); err != nil {
			return "", err
		}
	}
	if len(drifted) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("These files changed outside of this session since you last read them. Read them again before editing:\n")
	for _, rec := range drifted {
		fmt.Fprintf(&sb, "- %s (%s)\n", rec.Path, rec.Status)
	}
	return sb.String(), nil
}

// detect logs drift not reported before and returns all drifted records
// plus the fresh subset.
func (o *Orchestrator) detect(ctx context.Context, turnID string) (drifted, fresh []drift.Record, err error) {
	drifted = drift.Drifted(o.detector.Check(o.dispatcher.History()))
	for _, rec := range drifted {
		if o.reported[rec.Path] == rec.Current.String() {
			continue
		}
		o.reported[rec.Path] = rec.Current.String()
		fresh = append(fresh, rec)
		if _, err := o.log.Append(eventlog.KindDrift, drift.DriftPayload(rec)); err != nil {
			return nil, nil, err
		}
	}
	o.flush(ctx, turnID)
	if len(fresh) > 0 {
		o.emit(ctx, Event{Kind: EventDrift, TurnID: turnID, Drift: fresh})
	}
	return drifted, fresh, nil
}

// Sweep runs the drift check between turns so external edits are logged
// while the session is idle. It refuses while a turn runs; the turn does
// its own check.
func (o *Orchestrator) Sweep(ctx context.Context) ([]drift.Record, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()
	if err := o.log.Err(); err != nil {
		return nil, err
	}
	_, fresh, err := o.detect(ctx, "")
	return fresh, err
}

func (o *Orchestrator) systemPrompt(ctx context.Context, input, note string) string {
	parts := []string{}
	if o.system != "" {
		parts = append(parts, o.system)
	}
	if o.memory != nil {
		snippets, err := o.memory.Retrieve(ctx, input, o.memoryLimit)
		if err != nil {
			o.logger.Warn("memory retrieval failed", zap.Error(err))
		}
		if len(snippets) > 0 {
			var sb strings.Builder
			sb.WriteString("Relevant context:\n")
			for _, s := range snippets {
				fmt.Fprintf(&sb, "- [%s] %s\n", s.Source, s.Text)
			}
			parts = append(parts, sb.String())
		}
	}
	if note != "" {
		parts = append(parts, note)
	}
	return strings.Join(parts, "\n\n")
}

// fail moves the turn to its terminal state. The conversation is cut back
// to the user message plus a marker so the next turn starts from a
// consistent history; logged events are never touched.
func (o *Orchestrator) fail(ctx context.Context, t *turn, err error) error {
	state := Errored
	code := eventlog.CodeExecutionFailed
	switch {
	case errors.Is(err, ErrProvider):
		code = eventlog.CodeProviderError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, approval.ErrCancelled):
		state = Cancelled
		code = eventlog.CodeCancelled
	case errors.Is(err, eventlog.ErrLogWriteFailed), errors.Is(err, eventlog.ErrClosed):
		code = eventlog.CodeLogWriteFailed
	}
	t.result.State = state

	if len(o.messages) > t.base {
		o.messages = append(o.messages[:t.base+1], Message{
			Role:    RoleAssistant,
			Content: fmt.Sprintf("[turn %s: %v]", state, err),
		})
	}

	if code != eventlog.CodeLogWriteFailed {
		if _, lerr := o.log.Append(eventlog.KindError, eventlog.Error{
			TurnID:  t.id,
			Code:    code,
			Message: err.Error(),
			Fatal:   state == Errored,
		}); lerr != nil {
			o.logger.Error("could not record turn failure", zap.Error(lerr))
		}
	}

	o.logger.Info("turn ended", zap.String("turn", t.id), zap.Stringer("state", state), zap.Error(err))
	o.setState(ctx, t.id, state)
	if state == Cancelled && !errors.Is(err, approval.ErrCancelled) {
		return fmt.Errorf("%w: %v", approval.ErrCancelled, err)
	}
	return err
}

func providerError(err error) error {
	return fmt.Errorf("%w: %v", ErrProvider, err)
}

func (o *Orchestrator) history() []Message {
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

func (o *Orchestrator) tools() []ToolDef {
	specs := o.dispatcher.Specs()
	out := make([]ToolDef, 0, len(specs))
	for _, s := range specs {
		out = append(out, ToolDef{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return out
}

func (o *Orchestrator) setState(ctx context.Context, turnID string, s State) {
	o.mu.Lock()
	changed := o.state != s
	o.state = s
	o.mu.Unlock()
	if changed {
		o.emit(ctx, Event{Kind: EventState, TurnID: turnID, State: s})
	}
}

// flush mirrors log events appended since the last flush to the UI.
func (o *Orchestrator) flush(ctx context.Context, turnID string) {
	for _, ev := range o.log.Since(o.forwarded) {
		ev := ev
		o.forwarded = ev.Seq
		o.emit(ctx, Event{Kind: EventLogged, TurnID: turnID, Log: &ev})
	}
}

// emit delivers to the UI stream. Once ctx is done, live signals are
// dropped rather than blocking a cancelled turn.
func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	if o.events == nil {
		return
	}
	select {
	case o.events <- ev:
	case <-ctx.Done():
		select {
		case o.events <- ev:
		default:
		}
	}
}
