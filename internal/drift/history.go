package drift

import (
	"sort"
	"sync"
	"time"
)

// Entry is the last observation of one path.
type Entry struct {
	Fingerprint Fingerprint
	RecordedAt  time.Time
}

// ReadHistory maps canonical paths to the fingerprint the session last
// observed. It belongs to one session and is never shared.
type ReadHistory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewReadHistory() *ReadHistory {
	return &ReadHistory{entries: make(map[string]Entry), now: time.Now}
}

func (h *ReadHistory) Record(path string, fp Fingerprint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[path] = Entry{Fingerprint: fp, RecordedAt: h.now().UTC()}
}

func (h *ReadHistory) Lookup(path string) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[path]
	return e, ok
}

// Forget drops a path after a failed read.
func (h *ReadHistory) Forget(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, path)
}

// Paths returns the tracked paths in sorted order.
func (h *ReadHistory) Paths() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.entries))
	for p := range h.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (h *ReadHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
