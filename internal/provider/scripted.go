package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/clawgate/internal/agent"
	"github.com/stellarlinkco/clawgate/internal/dispatch"
)

// ErrScriptExhausted is returned once every scripted response was used.
var ErrScriptExhausted = errors.New("provider: script exhausted")

// Step is one scripted stream item. Exactly one field is set.
type Step struct {
	Text  string         `yaml:"text,omitempty"`
	Tool  string         `yaml:"tool,omitempty"`
	ID    string         `yaml:"id,omitempty"`
	Args  map[string]any `yaml:"args,omitempty"`
	Error string         `yaml:"error,omitempty"`
}

// Response is the stream for one request.
type Response struct {
	Steps      []Step `yaml:"steps"`
	StopReason string `yaml:"stop_reason,omitempty"`
}

// Script drives a Scripted provider, usually loaded from YAML:
//
//	responses:
//	  - steps:
//	      - text: "Let me look."
//	      - tool: read_file
//	        args: {path: README.md}
//	  - steps:
//	      - text: "Done."
type Script struct {
	Responses []Response `yaml:"responses"`
}

func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parse script %s: %w", path, err)
	}
	return s, nil
}

// Scripted replays canned responses in order. It records every request it
// receives.
type Scripted struct {
	mu       sync.Mutex
	script   Script
	next     int
	requests []agent.Request
}

func NewScripted(s Script) *Scripted { return &Scripted{script: s} }

func (p *Scripted) Stream(ctx context.Context, req agent.Request) (agent.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.next >= len(p.script.Responses) {
		return nil, ErrScriptExhausted
	}
	resp := p.script.Responses[p.next]
	p.next++

	events := make([]agent.StreamEvent, 0, len(resp.Steps)+1)
	for i, step := range resp.Steps {
		switch {
		case step.Error != "":
			events = append(events, agent.StreamEvent{Kind: agent.StreamError, Err: errors.New(step.Error)})
		case step.Tool != "":
			id := step.ID
			if id == "" {
				id = fmt.Sprintf("script-%d-%d", p.next, i)
			}
			events = append(events, agent.StreamEvent{
				Kind: agent.StreamToolCall,
				Call: &dispatch.Call{ID: id, Name: step.Tool, Args: step.Args},
			})
		default:
			events = append(events, agent.StreamEvent{Kind: agent.StreamToken, Text: step.Text})
		}
	}
	stop := resp.StopReason
	if stop == "" {
		stop = "end_turn"
	}
	events = append(events, agent.StreamEvent{Kind: agent.StreamDone, StopReason: stop})
	return &sliceStream{events: events}, nil
}

// Requests returns what the provider was asked so far.
func (p *Scripted) Requests() []agent.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *Scripted) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.script.Responses) - p.next
}

type sliceStream struct {
	events []agent.StreamEvent
}

func (s *sliceStream) Next(ctx context.Context) (agent.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return agent.StreamEvent{}, err
	}
	if len(s.events) == 0 {
		return agent.StreamEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error {
	s.events = nil
	return nil
}
