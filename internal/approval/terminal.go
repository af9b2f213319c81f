package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// Terminal prompts on out and reads y/n/c answers from in. A single
// reader goroutine owns in for the lifetime of the Terminal.
type Terminal struct {
	in  io.Reader
	out io.Writer

	start sync.Once
	lines chan string
	mu    sync.Mutex
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out, lines: make(chan string)}
}

func (t *Terminal) readLoop() {
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
	close(t.lines)
}

func (t *Terminal) Decide(ctx context.Context, req Request) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start.Do(func() { go t.readLoop() })

	waitCtx, cancel := withDeadline(ctx, req)
	defer cancel()

	fmt.Fprintf(t.out, "\napproval required: %s\n", req.Description)
	for {
		fmt.Fprint(t.out, "approve? [y]es / [n]o / [c]ancel task: ")
		select {
		case line, ok := <-t.lines:
			if !ok {
				return Reject, ErrCancelled
			}
			if d, ok := ParseDecision(line); ok {
				return d, nil
			}
			fmt.Fprintf(t.out, "unrecognised answer %q\n", line)
		case <-waitCtx.Done():
			fmt.Fprintln(t.out)
			return Reject, ctxError(ctx)
		}
	}
}

// ReadLine reads the next line from the same input Decide uses, so a REPL
// and its approval prompts can share stdin. It returns io.EOF once the
// input is exhausted.
func (t *Terminal) ReadLine(ctx context.Context) (string, error) {
	t.start.Do(func() { go t.readLoop() })
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
