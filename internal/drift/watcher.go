package drift

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher notices edits to tracked paths as they happen, so a UI can be
// told before the next turn boundary. It is a hint only; the Detector
// still recomputes fingerprints.
type Watcher struct {
	logger   *zap.Logger
	onChange func(path string)

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	dirs     map[string]int
	tracked  map[string]struct{}
	dirty    map[string]struct{}
	expected map[string]Fingerprint
	done     chan struct{}
	stopped  chan struct{}
}

// NewWatcher starts an fsnotify watcher. onChange may be nil.
func NewWatcher(logger *zap.Logger, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		logger:   logger.Named("watcher"),
		onChange: onChange,
		fsw:      fsw,
		dirs:     make(map[string]int),
		tracked:  make(map[string]struct{}),
		dirty:    make(map[string]struct{}),
		expected: make(map[string]Fingerprint),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Track starts watching path. The parent directory is watched so that
// deletes and atomic renames are seen too.
func (w *Watcher) Track(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tracked[path]; ok {
		return nil
	}
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.tracked[path] = struct{}{}
	return nil
}

// Ignore records fp as the state the session itself left path in.
// Events that arrive later are dropped while the file still matches it.
func (w *Watcher) Ignore(path string, fp Fingerprint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dirty, path)
	w.expected[path] = fp
}

// Drain returns and clears the paths changed since the last call.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirty))
	for p := range w.dirty {
		out = append(out, p)
	}
	sort.Strings(out)
	w.dirty = make(map[string]struct{})
	return out
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			tracked := w.mark(path)
			if tracked && w.onChange != nil {
				w.onChange(path)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

// mark flags a tracked path dirty unless it still holds what the session
// wrote.
func (w *Watcher) mark(path string) bool {
	w.mu.Lock()
	_, tracked := w.tracked[path]
	want, own := w.expected[path]
	w.mu.Unlock()
	if !tracked {
		return false
	}
	if own {
		if fp, err := Compute(path); err == nil && fp.Equal(want) {
			return false
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.expected, path)
	w.dirty[path] = struct{}{}
	return true
}

// Close stops the watcher and waits until no onChange call is running.
func (w *Watcher) Close() error {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return nil
	default:
		close(w.done)
	}
	w.mu.Unlock()
	err := w.fsw.Close()
	<-w.stopped
	return err
}
