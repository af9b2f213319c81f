package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/stellarlinkco/clawgate/internal/agent"
	"github.com/stellarlinkco/clawgate/internal/dispatch"
)

const defaultModel = anthropicsdk.ModelClaudeSonnet4_5_20250929

// AnthropicConfig wires an anthropic-sdk-go client into agent.Provider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	HTTPClient *http.Client
}

type messages interface {
	NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

// Anthropic streams responses from the Messages API.
type Anthropic struct {
	msgs       messages
	model      anthropicsdk.Model
	maxTokens  int
	maxRetries int
	logger     *zap.Logger
}

type Option func(*Anthropic)

func WithLogger(l *zap.Logger) Option {
	return func(a *Anthropic) {
		if l != nil {
			a.logger = l.Named("anthropic")
		}
	}
}

func NewAnthropic(cfg AnthropicConfig, opts ...Option) (*Anthropic, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := anthropicsdk.NewClient(reqOpts...)
	return newAnthropic(&client.Messages, cfg, opts...), nil
}

func newAnthropic(msgs messages, cfg AnthropicConfig, opts ...Option) *Anthropic {
	a := &Anthropic{
		msgs:       msgs,
		model:      mapModelName(cfg.Model),
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		logger:     zap.NewNop(),
	}
	if a.maxTokens <= 0 {
		a.maxTokens = 4096
	}
	if a.maxRetries < 0 {
		a.maxRetries = 0
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stream opens one response. Failures before the first event are retried
// with backoff; once an event was delivered the stream is not restarted.
func (a *Anthropic) Stream(ctx context.Context, req agent.Request) (agent.Stream, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	attempts := 0
	for {
		s := a.msgs.NewStreaming(ctx, params)
		if s == nil {
			return nil, errors.New("anthropic: stream not available")
		}
		st := &anthropicStream{s: s}
		err := st.prime()
		if err == nil {
			return st, nil
		}
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) || attempts >= a.maxRetries {
			return nil, err
		}
		attempts++
		backoff := time.Duration(attempts*attempts) * 100 * time.Millisecond
		a.logger.Warn("stream open failed, retrying", zap.Int("attempt", attempts), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (a *Anthropic) buildParams(req agent.Request) (anthropicsdk.MessageNewParams, error) {
	params := anthropicsdk.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(a.maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: sys}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// anthropicStream turns SSE events into agent stream events. Tool calls
// are emitted when their content block closes, so arguments are complete.
type anthropicStream struct {
	s       *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
	final   anthropicsdk.Message
	primed  *anthropicsdk.MessageStreamEventUnion
	pending []agent.StreamEvent
	done    bool
}

// prime reads the first event so that connection and API errors surface
// before the stream is handed out.
func (st *anthropicStream) prime() error {
	if !st.s.Next() {
		if err := st.s.Err(); err != nil {
			return err
		}
		return io.ErrUnexpectedEOF
	}
	ev := st.s.Current()
	st.primed = &ev
	return nil
}

func (st *anthropicStream) Next(ctx context.Context) (agent.StreamEvent, error) {
	for {
		if len(st.pending) > 0 {
			ev := st.pending[0]
			st.pending = st.pending[1:]
			return ev, nil
		}
		if st.done {
			return agent.StreamEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return agent.StreamEvent{}, err
		}

		var event anthropicsdk.MessageStreamEventUnion
		if st.primed != nil {
			event, st.primed = *st.primed, nil
		} else {
			if !st.s.Next() {
				st.done = true
				if err := st.s.Err(); err != nil {
					return agent.StreamEvent{}, err
				}
				return agent.StreamEvent{}, io.ErrUnexpectedEOF
			}
			event = st.s.Current()
		}
		if err := st.handle(event); err != nil {
			st.done = true
			return agent.StreamEvent{}, err
		}
	}
}

func (st *anthropicStream) handle(event anthropicsdk.MessageStreamEventUnion) error {
	if err := st.final.Accumulate(event); err != nil {
		return fmt.Errorf("accumulate stream: %w", err)
	}
	switch ev := event.AsAny().(type) {
	case anthropicsdk.ContentBlockDeltaEvent:
		if text := ev.Delta.AsTextDelta().Text; text != "" {
			st.pending = append(st.pending, agent.StreamEvent{Kind: agent.StreamToken, Text: text})
		}
	case anthropicsdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if idx >= 0 && idx < len(st.final.Content) {
			if call := toolCallFromBlock(st.final.Content[idx]); call != nil {
				st.pending = append(st.pending, agent.StreamEvent{Kind: agent.StreamToolCall, Call: call})
			}
		}
	case anthropicsdk.MessageStopEvent:
		st.done = true
		st.pending = append(st.pending, agent.StreamEvent{
			Kind:       agent.StreamDone,
			StopReason: string(st.final.StopReason),
			Usage: agent.Usage{
				InputTokens:  int(st.final.Usage.InputTokens),
				OutputTokens: int(st.final.Usage.OutputTokens),
			},
		})
	}
	return nil
}

func (st *anthropicStream) Close() error { return st.s.Close() }

func convertMessages(msgs []agent.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case agent.RoleAssistant:
			blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				if call.ID == "" || call.Name == "" {
					continue
				}
				args := call.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicsdk.NewTextBlock("."))
			}
			out = append(out, anthropicsdk.MessageParam{Role: anthropicsdk.MessageParamRoleAssistant, Content: blocks})
		default:
			var blocks []anthropicsdk.ContentBlockParamUnion
			for _, res := range msg.ToolResults {
				blocks = append(blocks, anthropicsdk.NewToolResultBlock(res.CallID, res.Content, res.IsError))
			}
			if text := strings.TrimSpace(msg.Content); text != "" || len(blocks) == 0 {
				if text == "" {
					text = "."
				}
				blocks = append(blocks, anthropicsdk.NewTextBlock(text))
			}
			out = append(out, anthropicsdk.MessageParam{Role: anthropicsdk.MessageParamRoleUser, Content: blocks})
		}
	}
	if len(out) == 0 {
		out = append(out, anthropicsdk.MessageParam{
			Role:    anthropicsdk.MessageParamRoleUser,
			Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(".")},
		})
	}
	return out
}

func convertTools(tools []agent.ToolDef) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema, err := encodeSchema(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", name, err)
		}
		tool := anthropicsdk.ToolParam{Name: name, InputSchema: schema}
		if strings.TrimSpace(def.Description) != "" {
			tool.Description = anthropicsdk.String(def.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func encodeSchema(raw map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return anthropicsdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	return schema, nil
}

func toolCallFromBlock(block anthropicsdk.ContentBlockUnion) *dispatch.Call {
	if block.Type != "tool_use" {
		return nil
	}
	id := strings.TrimSpace(block.ID)
	name := strings.TrimSpace(block.Name)
	if id == "" || name == "" {
		return nil
	}
	return &dispatch.Call{ID: id, Name: name, Args: decodeArgs(block.Input)}
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return nil
	}
	return map[string]any{"value": v}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func mapModelName(name string) anthropicsdk.Model {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return defaultModel
	}
	return anthropicsdk.Model(trimmed)
}
