package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/stellarlinkco/clawgate/internal/approval"
	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/drift"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
	"github.com/stellarlinkco/clawgate/internal/gate"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

// Call is one tool invocation proposed by the model. It is consumed
// exactly once.
type Call struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	TurnID string         `json:"turn_id"`
}

// Result is what an executor reports. IsError marks a tool-level failure.
// Duration is filled in by the dispatcher when the executor leaves it
// zero.
type Result struct {
	Output   string         `json:"output"`
	IsError  bool           `json:"is_error,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Executor runs calls that already passed the gate.
type Executor interface {
	Execute(ctx context.Context, call Call) (Result, error)
}

type ExecutorFunc func(context.Context, Call) (Result, error)

func (fn ExecutorFunc) Execute(ctx context.Context, call Call) (Result, error) {
	return fn(ctx, call)
}

// Outcome is the evidence collected while dispatching one call.
type Outcome struct {
	Call           Call
	Classification classify.Classification
	Decision       gate.Decision
	Prompted       bool
	Approval       approval.Decision
	Result         Result
	Duration       time.Duration
	Executed       bool
}

// Config holds the collaborators every dispatcher needs.
type Config struct {
	Classifier *classify.Classifier
	Policy     *sandbox.Policy
	Protocol   approval.Protocol
	Executor   Executor
	Log        *eventlog.Log
	History    *drift.ReadHistory
	Mode       gate.Mode
}

// Dispatcher runs the per-call pipeline: validate, classify, sandbox,
// gate, ask, re-check, read-before-write, execute, record.
type Dispatcher struct {
	classifier *classify.Classifier
	policy     *sandbox.Policy
	protocol   approval.Protocol
	executor   Executor
	log        *eventlog.Log
	history    *drift.ReadHistory
	detector   *drift.Detector
	watcher    *drift.Watcher
	logger     *zap.Logger
	tracer     trace.Tracer
	timeout    time.Duration

	specs  []*Spec
	byName map[string]*Spec

	mu   sync.RWMutex
	mode gate.Mode
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l.Named("dispatch")
		}
	}
}

// WithSpecs registers tool descriptions and argument schemas.
func WithSpecs(specs ...Spec) Option {
	return func(d *Dispatcher) {
		for i := range specs {
			s := specs[i]
			d.specs = append(d.specs, &s)
		}
	}
}

func WithDetector(det *drift.Detector) Option {
	return func(d *Dispatcher) {
		if det != nil {
			d.detector = det
		}
	}
}

// WithWatcher tracks every path the session reads or writes.
func WithWatcher(w *drift.Watcher) Option {
	return func(d *Dispatcher) { d.watcher = w }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithApprovalTimeout bounds each approval wait. Zero waits until the
// request is answered or the task is cancelled.
func WithApprovalTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	switch {
	case cfg.Policy == nil:
		return nil, errors.New("dispatch: sandbox policy is required")
	case cfg.Executor == nil:
		return nil, errors.New("dispatch: executor is required")
	case cfg.Log == nil:
		return nil, errors.New("dispatch: event log is required")
	}
	d := &Dispatcher{
		classifier: cfg.Classifier,
		policy:     cfg.Policy,
		protocol:   cfg.Protocol,
		executor:   cfg.Executor,
		log:        cfg.Log,
		history:    cfg.History,
		mode:       cfg.Mode,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/stellarlinkco/clawgate/dispatch"),
		byName:     make(map[string]*Spec),
	}
	if d.classifier == nil {
		d.classifier = classify.New()
	}
	if d.protocol == nil {
		d.protocol = approval.PolicyOnly{}
	}
	if d.history == nil {
		d.history = drift.NewReadHistory()
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.detector == nil {
		d.detector = drift.NewDetector(drift.WithLogger(d.logger))
	}
	for _, s := range d.specs {
		if err := s.compile(); err != nil {
			return nil, err
		}
		d.byName[s.Name] = s
	}
	return d, nil
}

func (d *Dispatcher) Mode() gate.Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mode
}

// SetMode changes the approval mode for later calls. A call already in
// flight keeps the mode it started with.
func (d *Dispatcher) SetMode(m gate.Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = m
}

// Specs returns the registered tools in registration order.
func (d *Dispatcher) Specs() []Spec {
	out := make([]Spec, 0, len(d.specs))
	for _, s := range d.specs {
		out = append(out, *s)
	}
	return out
}

func (d *Dispatcher) History() *drift.ReadHistory { return d.history }

// Dispatch runs one call through the pipeline. Policy refusals, stale
// reads, rejections and execution failures come back as non-fatal errors
// (see Fatal); the caller reports them to the model.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (Outcome, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	ctx, span := d.tracer.Start(ctx, "dispatch.tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
		attribute.String("turn.id", call.TurnID),
	))
	defer span.End()

	out, err := d.dispatch(ctx, call)

	span.SetAttributes(
		attribute.String("risk.tier", out.Classification.Tier.String()),
		attribute.String("gate.decision", out.Decision.Kind.String()),
		attribute.Bool("tool.executed", out.Executed),
		attribute.Int64("tool.duration_ms", out.Duration.Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call) (Outcome, error) {
	out := Outcome{Call: call}
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("%w: %v", approval.ErrCancelled, err)
	}
	mode := d.Mode()
	spec := d.byName[call.Name]

	if spec != nil {
		if err := spec.validate(call.Args); err != nil {
			return out, d.refuse(call, err)
		}
	}

	out.Classification = d.classifier.Classify(classify.Action{Tool: call.Name, Args: call.Args})
	p := d.planCall(call, spec, out.Classification)
	// A name that sounds like a read does not make a write tool safe.
	// Only read tools and shell commands the classifier parsed as pure
	// reads count as read-only.
	shell := classify.Action{Tool: call.Name, Args: call.Args}.IsShell()
	if !(p.access == AccessRead || p.access == AccessExec && shell) {
		out.Classification.ReadOnly = false
	}
	verdict := d.check(p)
	out.Decision = gate.Evaluate(mode, out.Classification, verdict)

	d.logger.Debug("gate",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.Stringer("tier", out.Classification.Tier),
		zap.Stringer("verdict", verdict.Kind),
		zap.Stringer("decision", out.Decision.Kind))

	switch out.Decision.Kind {
	case gate.Deny:
		return out, d.refuse(call, &gate.Error{Tool: call.Name, Decision: out.Decision})
	case gate.Prompt:
		out.Prompted = true
		decision, err := d.ask(ctx, call, out.Classification, verdict)
		out.Approval = decision
		if err != nil {
			return out, err
		}
		// The sandbox may have changed while the request was pending.
		recheck := d.check(p)
		if recheck.Kind == sandbox.Denied {
			out.Decision = gate.Evaluate(mode, out.Classification, recheck)
			return out, d.refuse(call, &gate.Error{Tool: call.Name, Decision: out.Decision})
		}
		out.Decision.Kind = gate.Allow
		out.Decision.Reason = "approved: " + out.Decision.Reason
		// An answer can race the task's cancellation; cancellation wins.
		if err := ctx.Err(); err != nil {
			return out, d.refuse(call, fmt.Errorf("%w: %v", approval.ErrCancelled, err))
		}
	}

	if p.access == AccessWrite {
		if err := d.requireFreshReads(call, p.paths); err != nil {
			return out, err
		}
	}

	// Reads are fingerprinted before execution so that an edit racing the
	// read can only make the history older, never newer, than what the
	// model saw.
	var before map[string]drift.Fingerprint
	if p.access == AccessRead || p.access == AccessWrite {
		before = d.fingerprints(p.paths)
	}

	if _, err := d.log.Append(eventlog.KindToolCall, eventlog.ToolCall{
		TurnID:    call.TurnID,
		CallID:    call.ID,
		Tool:      call.Name,
		Args:      call.Args,
		Tier:      out.Classification.Tier.String(),
		Rationale: out.Classification.Rationale,
		Gate:      out.Decision.Kind.String(),
		Sandbox:   verdict.Kind.String(),
		Approved:  out.Prompted,
		Reason:    out.Decision.Reason,
	}); err != nil {
		return out, err
	}

	start := time.Now()
	res, execErr := d.executor.Execute(ctx, call)
	out.Duration = time.Since(start)
	if res.Duration <= 0 {
		res.Duration = out.Duration
	}
	out.Executed = true
	if execErr != nil {
		res.IsError = true
		if res.Output == "" {
			res.Output = execErr.Error()
		}
	}
	out.Result = res

	tr := eventlog.ToolResult{
		TurnID:     call.TurnID,
		CallID:     call.ID,
		Tool:       call.Name,
		Success:    !res.IsError,
		Output:     truncate(res.Output, 4096),
		DurationMs: out.Duration.Milliseconds(),
	}
	if res.IsError {
		tr.Error = truncate(res.Output, 1024)
	}
	if _, err := d.log.Append(eventlog.KindToolResult, tr); err != nil {
		return out, err
	}

	switch p.access {
	case AccessRead:
		if err := d.recordReads(call, p.paths, before, !res.IsError); err != nil {
			return out, err
		}
	case AccessWrite:
		if !res.IsError {
			if err := d.recordWrites(call, p.paths, before); err != nil {
				return out, err
			}
		}
	}

	if res.IsError {
		d.logger.Info("tool failed", zap.String("tool", call.Name), zap.String("call_id", call.ID))
		if execErr != nil {
			return out, fmt.Errorf("%w: %s: %v", ErrExecutionFailed, call.Name, execErr)
		}
		return out, fmt.Errorf("%w: %s: %s", ErrExecutionFailed, call.Name, truncate(res.Output, 200))
	}
	return out, nil
}

// ask runs the approval protocol and records its answer.
func (d *Dispatcher) ask(ctx context.Context, call Call, class classify.Classification, verdict sandbox.Verdict) (approval.Decision, error) {
	req := approval.NewRequest(call.ID, call.Name, call.Args, class, verdict)
	if d.timeout > 0 {
		req.Deadline = req.CreatedAt.Add(d.timeout)
	}

	decision, err := d.protocol.Decide(ctx, req)
	entry := eventlog.Approval{
		RequestID:   req.ID,
		CallID:      call.ID,
		Tool:        call.Name,
		Tier:        class.Tier.String(),
		Description: req.Description,
	}
	switch {
	case errors.Is(err, approval.ErrCancelled):
		// Nobody answered; there is no decision to record.
		return approval.CancelTask, d.refuse(call, fmt.Errorf("%w: while waiting for approval of %s", approval.ErrCancelled, call.Name))
	case errors.Is(err, approval.ErrExpired):
		decision = approval.Reject
		entry.Reason = "request expired without an answer"
	case err != nil:
		decision = approval.Reject
		entry.Reason = err.Error()
	}
	entry.Decision = decision.String()
	if _, lerr := d.log.Append(eventlog.KindApproval, entry); lerr != nil {
		return decision, lerr
	}

	switch decision {
	case approval.Approve:
		return decision, nil
	case approval.CancelTask:
		return decision, fmt.Errorf("%w: user cancelled the task at %s", approval.ErrCancelled, call.Name)
	default:
		reason := "user rejected " + req.Description
		if entry.Reason != "" {
			reason += " (" + entry.Reason + ")"
		}
		return decision, d.refuse(call, fmt.Errorf("%w: %s", ErrRejected, reason))
	}
}

// requireFreshReads blocks a write unless every path was read this
// session and still matches what was read.
func (d *Dispatcher) requireFreshReads(call Call, paths []string) error {
	for _, raw := range paths {
		path, err := d.policy.Resolve(raw)
		if err != nil {
			return d.refuse(call, &StaleReadError{Path: raw, Reason: err.Error()})
		}
		entry, ok := d.history.Lookup(path)
		if !ok {
			return d.refuse(call, &StaleReadError{Path: path, Reason: "not read in this session"})
		}
		rec, err := d.detector.CheckPath(path, entry.Fingerprint)
		if err != nil {
			return d.refuse(call, &StaleReadError{Path: path, Reason: err.Error()})
		}
		if rec.Drifted() {
			if _, lerr := d.log.Append(eventlog.KindDrift, drift.DriftPayload(rec)); lerr != nil {
				return lerr
			}
			return d.refuse(call, &StaleReadError{
				Path:   path,
				Drift:  &rec,
				Reason: fmt.Sprintf("%s since last read", rec.Status),
			})
		}
	}
	return nil
}

func (d *Dispatcher) fingerprints(paths []string) map[string]drift.Fingerprint {
	out := make(map[string]drift.Fingerprint, len(paths))
	for _, raw := range paths {
		path, err := d.policy.Resolve(raw)
		if err != nil {
			continue
		}
		fp, err := drift.Compute(path)
		if err != nil {
			// Directories and unreadable files are not tracked.
			continue
		}
		out[path] = fp
	}
	return out
}

func (d *Dispatcher) recordReads(call Call, paths []string, before map[string]drift.Fingerprint, ok bool) error {
	for _, raw := range paths {
		path, err := d.policy.Resolve(raw)
		if err != nil {
			continue
		}
		fp, tracked := before[path]
		switch {
		case !tracked:
			continue
		case !ok && !fp.Missing:
			d.history.Forget(path)
			continue
		}
		d.history.Record(path, fp)
		d.track(path)
		if _, err := d.log.Append(eventlog.KindFileRead, drift.FileReadPayload(call.ID, path, fp)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) recordWrites(call Call, paths []string, before map[string]drift.Fingerprint) error {
	for _, raw := range paths {
		path, err := d.policy.Resolve(raw)
		if err != nil {
			continue
		}
		after, err := drift.Compute(path)
		if err != nil {
			d.history.Forget(path)
			continue
		}
		status := eventlog.PatchModified
		switch prev, seen := before[path]; {
		case after.Missing:
			status = eventlog.PatchDeleted
		case !seen || prev.Missing:
			status = eventlog.PatchCreated
		}
		d.history.Record(path, after)
		d.track(path)
		if d.watcher != nil {
			d.watcher.Ignore(path, after)
		}
		if _, err := d.log.Append(eventlog.KindPatch, eventlog.Patch{
			CallID: call.ID,
			Tool:   call.Name,
			Path:   path,
			Status: status,
			Hash:   after.Hash,
			Size:   after.Size,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) track(path string) {
	if d.watcher == nil {
		return
	}
	if err := d.watcher.Track(path); err != nil {
		d.logger.Debug("watch", zap.String("path", path), zap.Error(err))
	}
}

// refuse logs an Error event for a call that will not run and returns
// err, or the log failure if the event could not be written.
func (d *Dispatcher) refuse(call Call, err error) error {
	d.logger.Info("refused", zap.String("tool", call.Name), zap.String("call_id", call.ID), zap.Error(err))
	if _, lerr := d.log.Append(eventlog.KindError, eventlog.Error{
		TurnID:  call.TurnID,
		CallID:  call.ID,
		Tool:    call.Name,
		Code:    errorCode(err),
		Message: err.Error(),
	}); lerr != nil {
		return lerr
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
