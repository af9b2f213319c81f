package approval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func dialWebUI(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) wsMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func writeMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, msg wsMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func TestWebUI_ServesPage(t *testing.T) {
	srv := httptest.NewServer(NewWebUI("").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Pending approvals") {
		t.Errorf("GET / = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope status = %d", resp.StatusCode)
	}
}

func TestWebUI_ApproveOverWebSocket(t *testing.T) {
	ui := NewWebUI("")
	srv := httptest.NewServer(ui.Handler())
	defer srv.Close()
	ctx := context.Background()

	conn := dialWebUI(t, ctx, srv)
	req := testRequest("web-1")
	done := make(chan struct{})
	var (
		got    Decision
		gotErr error
	)
	go func() {
		got, gotErr = ui.Decide(ctx, req)
		close(done)
	}()

	msg := readMessage(t, ctx, conn)
	if msg.Type != "request" || msg.ID != "web-1" || msg.Tool != "bash" || msg.Tier != "caution" {
		t.Fatalf("request message = %+v", msg)
	}

	writeMessage(t, ctx, conn, wsMessage{Type: "decision", ID: "nope", Decision: "approve"})
	if e := readMessage(t, ctx, conn); e.Type != "error" || !strings.Contains(e.Error, "no pending request") {
		t.Fatalf("error message = %+v", e)
	}

	writeMessage(t, ctx, conn, wsMessage{Type: "decision", ID: "web-1", Decision: "yes"})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Decide did not return")
	}
	if gotErr != nil || got != Approve {
		t.Fatalf("Decide = %v, %v; want approve", got, gotErr)
	}
	if msg := readMessage(t, ctx, conn); msg.Type != "resolved" || msg.ID != "web-1" {
		t.Errorf("resolved message = %+v", msg)
	}
}

func TestWebUI_LateClientSeesPending(t *testing.T) {
	ui := NewWebUI("")
	srv := httptest.NewServer(ui.Handler())
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := ui.Decide(ctx, testRequest("web-2"))
		errc <- err
	}()
	deadline := time.Now().Add(3 * time.Second)
	for {
		ui.mu.Lock()
		n := len(ui.pending)
		ui.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := dialWebUI(t, context.Background(), srv)
	if msg := readMessage(t, context.Background(), conn); msg.ID != "web-2" {
		t.Fatalf("late client got %+v", msg)
	}

	cancel()
	if err := <-errc; !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestWebUI_StartStop(t *testing.T) {
	ui := NewWebUI("127.0.0.1:0")
	if err := ui.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + ui.Addr() + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	ui.Stop()
	if _, err := http.Get("http://" + ui.Addr() + "/"); err == nil {
		t.Error("server still answering after Stop")
	}
}
