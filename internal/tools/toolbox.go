// Package tools holds the built-in tool bodies. They run only after the
// dispatcher has gated a call, so they resolve paths but do not re-check
// policy.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/clawgate/internal/dispatch"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

// ErrUnknownTool is returned for calls no tool answers to.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Tool is one built-in.
type Tool interface {
	Spec() dispatch.Spec
	Run(ctx context.Context, args map[string]any) (dispatch.Result, error)
}

// Toolbox is a dispatch.Executor over a fixed set of tools.
type Toolbox struct {
	tools  map[string]Tool
	order  []string
	logger *zap.Logger
}

type Option func(*options)

type options struct {
	logger       *zap.Logger
	shellTimeout time.Duration
	maxOutput    int
	httpTimeout  time.Duration
	disabled     map[string]bool
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithShellTimeout sets the default bash timeout.
func WithShellTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shellTimeout = d
		}
	}
}

// WithMaxOutput caps the bytes a tool returns.
func WithMaxOutput(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOutput = n
		}
	}
}

func WithHTTPTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.httpTimeout = d
		}
	}
}

// Without leaves the named tools out.
func Without(names ...string) Option {
	return func(o *options) {
		for _, n := range names {
			o.disabled[n] = true
		}
	}
}

// New builds the default toolbox. Relative paths resolve against the
// policy's base root.
func New(policy *sandbox.Policy, opts ...Option) *Toolbox {
	o := options{
		logger:       zap.NewNop(),
		shellTimeout: 2 * time.Minute,
		maxOutput:    30000,
		httpTimeout:  30 * time.Second,
		disabled:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	fs := &files{policy: policy, maxOutput: o.maxOutput}
	all := []Tool{
		&readFile{fs},
		&writeFile{fs},
		&editFile{fs},
		&listDir{fs},
		newShell(fs, o.shellTimeout),
		newFetch(o.httpTimeout, o.maxOutput),
	}
	tb := &Toolbox{tools: make(map[string]Tool), logger: o.logger.Named("tools")}
	for _, t := range all {
		name := t.Spec().Name
		if o.disabled[name] {
			continue
		}
		tb.tools[name] = t
		tb.order = append(tb.order, name)
	}
	return tb
}

// Specs describes the enabled tools for the dispatcher and the model.
func (tb *Toolbox) Specs() []dispatch.Spec {
	out := make([]dispatch.Spec, 0, len(tb.order))
	for _, name := range tb.order {
		out = append(out, tb.tools[name].Spec())
	}
	return out
}

func (tb *Toolbox) Names() []string {
	out := append([]string(nil), tb.order...)
	sort.Strings(out)
	return out
}

func (tb *Toolbox) Execute(ctx context.Context, call dispatch.Call) (dispatch.Result, error) {
	t, ok := tb.tools[call.Name]
	if !ok {
		return dispatch.Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	if err := ctx.Err(); err != nil {
		return dispatch.Result{}, err
	}
	res, err := t.Run(ctx, call.Args)
	if err != nil {
		tb.logger.Debug("tool error", zap.String("tool", call.Name), zap.String("call_id", call.ID), zap.Error(err))
	}
	return res, err
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func optionalInt(args map[string]any, key string) (int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(v), nil
	}
	return 0, fmt.Errorf("%s must be a number", key)
}

func optionalBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func capOutput(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("\n... output truncated (%d bytes total)", len(s))
}
