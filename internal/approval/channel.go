package approval

import (
	"context"
	"sync"
)

// Pending is a request waiting for a UI answer. Answer succeeds at most
// once and only while the requester is still waiting.
type Pending struct {
	Request Request

	once   sync.Once
	answer chan Decision
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newPending(req Request) *Pending {
	return &Pending{Request: req, answer: make(chan Decision, 1), done: make(chan struct{})}
}

// Answer delivers d. It returns ErrAlreadyDecided for a second answer
// and ErrCancelled if the requester stopped waiting.
func (p *Pending) Answer(d Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrCancelled
	}
	delivered := false
	p.once.Do(func() {
		p.answer <- d
		delivered = true
	})
	if !delivered {
		return ErrAlreadyDecided
	}
	return nil
}

// Done is closed once the requester stops waiting.
func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

// Channel hands requests to a UI through Requests and blocks until the
// UI answers or the task is cancelled.
type Channel struct {
	requests chan *Pending
}

func NewChannel(buffer int) *Channel {
	if buffer < 0 {
		buffer = 0
	}
	return &Channel{requests: make(chan *Pending, buffer)}
}

// Requests is the stream a UI consumes.
func (c *Channel) Requests() <-chan *Pending { return c.requests }

func (c *Channel) Decide(ctx context.Context, req Request) (Decision, error) {
	waitCtx, cancel := withDeadline(ctx, req)
	defer cancel()

	p := newPending(req)
	defer p.close()

	select {
	case c.requests <- p:
	case <-waitCtx.Done():
		return Reject, ctxError(ctx)
	}

	select {
	case d := <-p.answer:
		return d, nil
	case <-waitCtx.Done():
		// An answer that raced the cancellation still wins.
		select {
		case d := <-p.answer:
			return d, nil
		default:
		}
		return Reject, ctxError(ctx)
	}
}
