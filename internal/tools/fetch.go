package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	xhtml "golang.org/x/net/html"

	"github.com/stellarlinkco/clawgate/internal/dispatch"
)

const (
	fetchMaxBytes     = 2 << 20
	fetchMaxRedirects = 5
	fetchUserAgent    = "clawgate-fetch/1.0"
)

// errHostRedirect stops redirects to a host the sandbox never checked.
var errHostRedirect = errors.New("redirect to a different host")

type fetch struct {
	client    *http.Client
	maxOutput int
}

func newFetch(timeout time.Duration, maxOutput int) *fetch {
	f := &fetch{maxOutput: maxOutput}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			if !strings.EqualFold(req.URL.Hostname(), via[0].URL.Hostname()) {
				return fmt.Errorf("%w: %s", errHostRedirect, req.URL)
			}
			return nil
		},
	}
	return f
}

func (t *fetch) Spec() dispatch.Spec {
	return dispatch.Spec{
		Name:        "fetch_url",
		Description: "Fetch a web page over HTTP(S) and return its text. Only hosts allowed by the network policy can be reached.",
		Access:      dispatch.AccessRead,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "minLength": 1},
			},
		},
	}
}

func (t *fetch) Run(ctx context.Context, args map[string]any) (dispatch.Result, error) {
	raw, err := stringArg(args, "url")
	if err != nil {
		return dispatch.Result{}, err
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return dispatch.Result{}, fmt.Errorf("invalid url %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return dispatch.Result{}, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	resp, err := t.client.Do(req)
	if err != nil {
		return dispatch.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes+1))
	if err != nil {
		return dispatch.Result{}, err
	}
	truncated := len(body) > fetchMaxBytes
	if truncated {
		body = body[:fetchMaxBytes]
	}
	meta := map[string]any{
		"url":          resp.Request.URL.String(),
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"truncated":    truncated,
	}
	text := string(body)
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "text/html" || mt == "application/xhtml+xml" {
		text = htmlText(text)
	}
	text = capOutput(text, t.maxOutput)
	if resp.StatusCode >= 400 {
		return dispatch.Result{Output: text, IsError: true, Metadata: meta}, fmt.Errorf("http status %s", resp.Status)
	}
	return dispatch.Result{Output: text, Metadata: meta}, nil
}

// htmlText keeps the readable text of a page, one block per line.
func htmlText(doc string) string {
	root, err := xhtml.Parse(strings.NewReader(doc))
	if err != nil {
		return doc
	}
	var sb strings.Builder
	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		switch n.Type {
		case xhtml.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "head", "svg":
				return
			}
		case xhtml.TextNode:
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte(' ')
				}
				sb.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == xhtml.ElementNode && isBlock(n.Data) && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}
	walk(root)
	return strings.TrimSpace(sb.String())
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "pre", "section", "article", "header", "footer", "table", "ul", "ol":
		return true
	}
	return false
}
