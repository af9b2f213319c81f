package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/stellarlinkco/clawgate/internal/eventlog"
)

// summarize renders one log record on a single line.
func summarize(ev eventlog.Event) string {
	switch ev.Kind {
	case eventlog.KindUserMessage:
		var p eventlog.UserMessage
		if ev.Decode(&p) == nil {
			return clip(p.Text, 100)
		}
	case eventlog.KindModelMessage:
		var p eventlog.ModelMessage
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("%s [%s]", clip(p.Text, 100), p.StopReason)
		}
	case eventlog.KindToolCall:
		var p eventlog.ToolCall
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("%s(%s) tier=%s gate=%s", p.Tool, formatArgs(p.Args), p.Tier, p.Gate)
		}
	case eventlog.KindToolResult:
		var p eventlog.ToolResult
		if ev.Decode(&p) == nil {
			if !p.Success {
				return fmt.Sprintf("%s failed: %s", p.Tool, clip(p.Error, 100))
			}
			return fmt.Sprintf("%s ok (%dms) %s", p.Tool, p.DurationMs, clip(p.Output, 60))
		}
	case eventlog.KindApproval:
		var p eventlog.Approval
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("%s: %s", p.Decision, p.Description)
		}
	case eventlog.KindPatch:
		var p eventlog.Patch
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("%s %s (%d bytes)", p.Status, p.Path, p.Size)
		}
	case eventlog.KindFileRead:
		var p eventlog.FileRead
		if ev.Decode(&p) == nil {
			if p.Missing {
				return p.Path + " (missing)"
			}
			return fmt.Sprintf("%s (%d bytes)", p.Path, p.Size)
		}
	case eventlog.KindDrift:
		var p eventlog.Drift
		if ev.Decode(&p) == nil {
			return fmt.Sprintf("%s %s", p.Status, p.Path)
		}
	case eventlog.KindError:
		var p eventlog.Error
		if ev.Decode(&p) == nil {
			if p.Tool != "" {
				return fmt.Sprintf("%s %s: %s", p.Code, p.Tool, clip(p.Message, 100))
			}
			return fmt.Sprintf("%s: %s", p.Code, clip(p.Message, 100))
		}
	}
	return clip(string(ev.Payload), 100)
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, clip(fmt.Sprint(args[k]), 40)))
	}
	return strings.Join(parts, " ")
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

// scanReader feeds the REPL when approvals do not come from the terminal.
type scanReader struct {
	lines chan string
	once  sync.Once
	in    io.Reader
}

func newScanReader(in io.Reader) *scanReader {
	return &scanReader{in: in, lines: make(chan string)}
}

func (r *scanReader) ReadLine(ctx context.Context) (string, error) {
	r.once.Do(func() {
		go func() {
			scanner := bufio.NewScanner(r.in)
			for scanner.Scan() {
				r.lines <- scanner.Text()
			}
			close(r.lines)
		}()
	})
	select {
	case line, ok := <-r.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// syncWriter serializes writes from the REPL and the event printer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
