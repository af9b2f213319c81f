package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const DefaultWebUIAddr = "127.0.0.1:18790"

// wsMessage is the wire format in both directions. The server sends
// "request" and "resolved"; clients send "decision".
type wsMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Tool        string `json:"tool,omitempty"`
	Tier        string `json:"tier,omitempty"`
	Description string `json:"description,omitempty"`
	Rationale   string `json:"rationale,omitempty"`
	Decision    string `json:"decision,omitempty"`
	Error       string `json:"error,omitempty"`
}

// WebUI serves approvals to browsers over a websocket. Every connected
// client sees every open request; the first answer wins.
type WebUI struct {
	addr   string
	logger *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	pending  map[string]*Pending
	clients  map[int64]*websocket.Conn
	nextID   atomic.Int64
}

type WebUIOption func(*WebUI)

func WithWebUILogger(l *zap.Logger) WebUIOption {
	return func(w *WebUI) {
		if l != nil {
			w.logger = l.Named("webui")
		}
	}
}

func NewWebUI(addr string, opts ...WebUIOption) *WebUI {
	if addr == "" {
		addr = DefaultWebUIAddr
	}
	w := &WebUI{
		addr:    addr,
		logger:  zap.NewNop(),
		pending: make(map[string]*Pending),
		clients: make(map[int64]*websocket.Conn),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handler serves the approval page at / and the websocket at /ws.
func (w *WebUI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(rw, r)
			return
		}
		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = rw.Write([]byte(webUIPage))
	})
	mux.HandleFunc("/ws", w.handleWS)
	return mux
}

// Start listens on the configured address and serves until Stop.
func (w *WebUI) Start(context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("approval: webui listen %s: %w", w.addr, err)
	}
	srv := &http.Server{Handler: w.Handler(), ReadHeaderTimeout: 10 * time.Second}
	w.mu.Lock()
	w.server, w.listener = srv, ln
	w.mu.Unlock()

	go func() {
		w.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once started, else the configured one.
func (w *WebUI) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.addr
}

func (w *WebUI) Stop() {
	w.mu.Lock()
	srv := w.server
	w.server = nil
	clients := w.clients
	w.clients = make(map[int64]*websocket.Conn)
	w.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			w.logger.Warn("shutdown error", zap.Error(err))
		}
	}
	for _, c := range clients {
		c.CloseNow()
	}
	w.logger.Info("stopped")
}

func (w *WebUI) Decide(ctx context.Context, req Request) (Decision, error) {
	waitCtx, cancel := withDeadline(ctx, req)
	defer cancel()

	p := newPending(req)
	defer p.close()

	w.mu.Lock()
	w.pending[req.ID] = p
	clients := w.snapshotClients()
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, req.ID)
		clients := w.snapshotClients()
		w.mu.Unlock()
		w.broadcast(clients, wsMessage{Type: "resolved", ID: req.ID})
	}()

	w.broadcast(clients, requestMessage(req))

	select {
	case d := <-p.answer:
		return d, nil
	case <-waitCtx.Done():
		return Reject, ctxError(ctx)
	}
}

func (w *WebUI) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket accept error", zap.Error(err))
		return
	}
	id := w.nextID.Add(1)

	w.mu.Lock()
	w.clients[id] = conn
	open := make([]Request, 0, len(w.pending))
	for _, p := range w.pending {
		open = append(open, p.Request)
	}
	w.mu.Unlock()
	w.logger.Debug("client connected", zap.Int64("client", id))

	defer func() {
		w.mu.Lock()
		delete(w.clients, id)
		w.mu.Unlock()
		conn.CloseNow()
		w.logger.Debug("client disconnected", zap.Int64("client", id))
	}()

	for _, req := range open {
		w.send(conn, requestMessage(req))
	}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "decision" {
			continue
		}
		if err := w.answer(msg.ID, msg.Decision); err != nil {
			w.send(conn, wsMessage{Type: "error", ID: msg.ID, Error: err.Error()})
		}
	}
}

func (w *WebUI) answer(id, word string) error {
	d, ok := ParseDecision(word)
	if !ok {
		return fmt.Errorf("unrecognised decision %q", word)
	}
	w.mu.Lock()
	p, ok := w.pending[id]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending request %s", id)
	}
	return p.Answer(d)
}

// snapshotClients must be called with mu held.
func (w *WebUI) snapshotClients() []*websocket.Conn {
	out := make([]*websocket.Conn, 0, len(w.clients))
	for _, c := range w.clients {
		out = append(out, c)
	}
	return out
}

func (w *WebUI) broadcast(clients []*websocket.Conn, msg wsMessage) {
	for _, c := range clients {
		w.send(c, msg)
	}
}

func (w *WebUI) send(c *websocket.Conn, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		w.logger.Debug("write failed", zap.Error(err))
	}
}

func requestMessage(req Request) wsMessage {
	return wsMessage{
		Type:        "request",
		ID:          req.ID,
		Tool:        req.Tool,
		Tier:        req.Classification.Tier.String(),
		Description: req.Description,
		Rationale:   req.Classification.Rationale,
	}
}

const webUIPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>clawgate approvals</title>
<style>body{font-family:sans-serif;max-width:48em;margin:2em auto}li{margin:1em 0}code{background:#eee;padding:2px 4px}</style>
</head><body>
<h1>Pending approvals</h1>
<ul id="list"></ul>
<script>
const list = document.getElementById("list");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
function send(id, decision) { ws.send(JSON.stringify({type: "decision", id, decision})); }
ws.onmessage = (ev) => {
  const m = JSON.parse(ev.data);
  if (m.type === "request") {
    const li = document.createElement("li");
    li.id = "req-" + m.id;
    li.innerHTML = "<b></b> <code></code><br><small></small><br>";
    li.querySelector("b").textContent = "[" + m.tier + "]";
    li.querySelector("code").textContent = m.description;
    li.querySelector("small").textContent = m.rationale || "";
    for (const d of ["approve", "reject", "cancel"]) {
      const b = document.createElement("button");
      b.textContent = d;
      b.onclick = () => send(m.id, d);
      li.appendChild(b);
    }
    list.appendChild(li);
  } else if (m.type === "resolved") {
    const li = document.getElementById("req-" + m.id);
    if (li) li.remove();
  } else if (m.type === "error") {
    alert(m.error);
  }
};
</script>
</body></html>
`
