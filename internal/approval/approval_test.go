package approval

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

func testRequest(id string) Request {
	r := NewRequest("call-1", "bash", map[string]any{"command": "curl https://example.com"},
		classify.Classification{Tier: classify.Caution, Rationale: "curl: reaches the network"},
		sandbox.Verdict{Kind: sandbox.Allowed})
	if id != "" {
		r.ID = id
	}
	return r
}

func TestScripted(t *testing.T) {
	s := NewScripted(Reject, Approve, CancelTask)
	ctx := context.Background()

	want := []Decision{Approve, CancelTask, Reject, Reject}
	for i, w := range want {
		got, err := s.Decide(ctx, testRequest(""))
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		if got != w {
			t.Errorf("decide %d = %v, want %v", i, got, w)
		}
	}
	if len(s.Seen()) != len(want) {
		t.Errorf("seen = %d, want %d", len(s.Seen()), len(want))
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Decide(cancelled, testRequest("")); !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestPolicyOnly(t *testing.T) {
	d, err := PolicyOnly{}.Decide(context.Background(), testRequest(""))
	if err != nil || d != Reject {
		t.Errorf("got %v, %v; want reject", d, err)
	}
}

func TestDescribe(t *testing.T) {
	r := testRequest("")
	if !strings.Contains(r.Description, "curl https://example.com") || !strings.Contains(r.Description, "[caution]") {
		t.Errorf("description = %q", r.Description)
	}
	if r.ID == "" || r.CreatedAt.IsZero() {
		t.Error("request should carry an id and timestamp")
	}
}

func TestChannel_Answer(t *testing.T) {
	ch := NewChannel(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p := <-ch.Requests()
		if err := p.Answer(Approve); err != nil {
			t.Errorf("answer: %v", err)
		}
		if err := p.Answer(Reject); !errors.Is(err, ErrAlreadyDecided) {
			t.Errorf("second answer err = %v, want ErrAlreadyDecided", err)
		}
	}()

	d, err := ch.Decide(context.Background(), testRequest(""))
	if err != nil || d != Approve {
		t.Fatalf("got %v, %v; want approve", d, err)
	}
	<-done
}

func TestChannel_CancelWhilePending(t *testing.T) {
	ch := NewChannel(1)
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		_, err := ch.Decide(ctx, testRequest(""))
		result <- err
	}()

	p := <-ch.Requests()
	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Decide did not return after cancellation")
	}
	<-p.Done()
	if err := p.Answer(Approve); !errors.Is(err, ErrCancelled) {
		t.Errorf("late answer err = %v, want ErrCancelled", err)
	}
}

func TestChannel_Deadline(t *testing.T) {
	ch := NewChannel(1)
	req := testRequest("")
	req.Deadline = time.Now().Add(20 * time.Millisecond)
	_, err := ch.Decide(context.Background(), req)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestTerminal(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("maybe\ny\n"), &out)

	d, err := term.Decide(context.Background(), testRequest(""))
	if err != nil || d != Approve {
		t.Fatalf("got %v, %v; want approve", d, err)
	}
	if !strings.Contains(out.String(), "unrecognised answer") {
		t.Errorf("output = %q", out.String())
	}

	// Input exhausted: nobody can answer any more.
	if _, err := term.Decide(context.Background(), testRequest("")); !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestTerminalSharesInput(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("delete build\nn\nexit\n"), &out)
	ctx := context.Background()

	line, err := term.ReadLine(ctx)
	if err != nil || line != "delete build" {
		t.Fatalf("ReadLine = %q, %v", line, err)
	}
	if d, err := term.Decide(ctx, testRequest("")); err != nil || d != Reject {
		t.Fatalf("Decide = %v, %v; want reject", d, err)
	}
	if line, _ := term.ReadLine(ctx); line != "exit" {
		t.Errorf("ReadLine = %q, want exit", line)
	}
	if _, err := term.ReadLine(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder(NewScripted(Reject, Approve, CancelTask))
	ctx := context.Background()

	if _, err := rec.Decide(ctx, testRequest("r1")); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Decide(ctx, testRequest("r1")); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("duplicate err = %v, want ErrAlreadyDecided", err)
	}
	if _, err := rec.Decide(ctx, testRequest("r2")); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Decide(ctx, testRequest("r3")); err != nil {
		t.Fatal(err)
	}

	stats := rec.Stats()
	if stats.Approved != 1 || stats.Cancelled != 1 || stats.Rejected != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(rec.History()) != 3 {
		t.Errorf("history = %d, want 3", len(rec.History()))
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{"Y": Approve, "no": Reject, " cancel ": CancelTask} {
		got, ok := ParseDecision(in)
		if !ok || got != want {
			t.Errorf("ParseDecision(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParseDecision("perhaps"); ok {
		t.Error("expected unknown answer")
	}
}

func TestProtocolFunc(t *testing.T) {
	var calls int
	var mu sync.Mutex
	p := ProtocolFunc(func(context.Context, Request) (Decision, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return Approve, nil
	})
	if d, _ := p.Decide(context.Background(), testRequest("")); d != Approve || calls != 1 {
		t.Errorf("got %v after %d calls", d, calls)
	}
	var nilFn ProtocolFunc
	if _, err := nilFn.Decide(context.Background(), testRequest("")); err == nil {
		t.Error("expected error from nil func")
	}
}
