package tether

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tetherlink/tether/internal/memstream"
)

const tokenPrefix = "clk:"

func formatToken(clock uint64) string {
	return tokenPrefix + strconv.FormatUint(clock, 10)
}

func parseToken(token string) (uint64, bool) {
	raw, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return 0, false
	}
	clock, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return clock, true
}

type fsWatch struct {
	name    string
	root    string
	options SubscribeOptions
	stream  *memstream.Stream
	notify  NotifyFunc
}

// matches reports whether a changed path belongs to this watch.
func (w *fsWatch) matches(path string) bool {
	if w.options.Recursive {
		if path != w.root && !strings.HasPrefix(path, w.root+string(filepath.Separator)) {
			return false
		}
	} else {
		if filepath.Dir(path) != w.root {
			return false
		}
	}
	if len(w.options.Patterns) == 0 {
		return true
	}
	for _, p := range w.options.Patterns {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// FSEventSource is a filesystem-backed EventSource built on fsnotify. Each
// named watch keeps a bounded in-memory change stream; resumption tokens
// are clock positions in that stream, so a subscriber holding a retained
// token can resume without loss.
type FSEventSource struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watches map[string]*fsWatch
	// dirs refcounts directories added to the shared fsnotify watcher.
	dirs   map[string]int
	retain int
	closed bool
	done   chan struct{}

	logger *logger
}

// NewFSEventSource creates the event source and starts its delivery loop.
func NewFSEventSource(config Config) (*FSEventSource, error) {
	config = config.withDefaults()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	var lg *logger
	if config.LogHandler != nil {
		lg = newLogger(config.LogLevel, config.LogHandler)
	}
	s := &FSEventSource{
		watcher: watcher,
		watches: make(map[string]*fsWatch),
		dirs:    make(map[string]int),
		retain:  config.StreamRetain,
		done:    make(chan struct{}),
		logger:  lg,
	}
	go s.run()
	return s, nil
}

// Subscribe implements EventSource. Subscribing an existing name refreshes
// it: the notify sink is replaced and, when since holds a retained token,
// missed changes are replayed before the call returns.
func (s *FSEventSource) Subscribe(root, name string, options SubscribeOptions, since string, notify NotifyFunc) (string, error) {
	root = filepath.Clean(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrorTransportClosed
	}

	if w, ok := s.watches[name]; ok {
		if w.root != root {
			return "", &Error{Code: ErrorBadRequest.Code, Message: fmt.Sprintf("watch %q bound to different root", name)}
		}
		w.notify = notify
		w.options = options
		s.replayLocked(w, since)
		return formatToken(w.stream.Top()), nil
	}

	if err := s.addRootLocked(root, options.Recursive); err != nil {
		return "", err
	}
	w := &fsWatch{
		name:    name,
		root:    root,
		options: options,
		stream:  memstream.New(s.retain),
		notify:  notify,
	}
	s.watches[name] = w
	if s.logger.enabled(LogLevelDebug) {
		s.logger.log(newLogEntry(LogLevelDebug, "watch established", map[string]any{"name": name, "root": root}))
	}
	return formatToken(w.stream.Top()), nil
}

// replayLocked delivers retained changes after the since token, if any.
// Delivery happens under the mutex so replayed batches cannot interleave
// with new ones and tokens stay monotonic per watch.
func (s *FSEventSource) replayLocked(w *fsWatch, since string) {
	clock, ok := parseToken(since)
	if !ok || w.notify == nil {
		return
	}
	entries, err := w.stream.Since(clock)
	if err != nil {
		// Token fell off the retained window: delivery starts from the
		// current state, the gap is the caller's to handle.
		s.logger.log(newLogEntry(LogLevelInfo, "stale resumption token", map[string]any{"name": w.name, "since": since}))
		return
	}
	for _, e := range entries {
		w.notify(WatchEvent{Name: w.name, Changes: e.Changes, Token: formatToken(e.Clock)})
	}
}

// Unsubscribe implements EventSource. Unknown names are a no-op.
func (s *FSEventSource) Unsubscribe(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[name]
	if !ok {
		return nil
	}
	delete(s.watches, name)
	s.releaseRootLocked(w.root, w.options.Recursive)
	return nil
}

func (s *FSEventSource) numWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Close implements EventSource.
func (s *FSEventSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.watches = make(map[string]*fsWatch)
	s.dirs = make(map[string]int)
	close(s.done)
	s.mu.Unlock()
	return s.watcher.Close()
}

func (s *FSEventSource) addRootLocked(root string, recursive bool) error {
	if !recursive {
		return s.addDirLocked(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.addDirLocked(path)
		}
		return nil
	})
}

func (s *FSEventSource) addDirLocked(dir string) error {
	if s.dirs[dir] > 0 {
		s.dirs[dir]++
		return nil
	}
	if err := s.watcher.Add(dir); err != nil {
		return err
	}
	s.dirs[dir] = 1
	return nil
}

func (s *FSEventSource) releaseRootLocked(root string, recursive bool) {
	for dir, refs := range s.dirs {
		if dir != root && !(recursive && strings.HasPrefix(dir, root+string(filepath.Separator))) {
			continue
		}
		if refs > 1 {
			s.dirs[dir] = refs - 1
			continue
		}
		delete(s.dirs, dir)
		_ = s.watcher.Remove(dir)
	}
}

func (s *FSEventSource) run() {
	for {
		select {
		case <-s.done:
			return
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.log(newLogEntry(LogLevelError, "watcher error", map[string]any{"error": err.Error()}))
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFsEvent(ev)
		}
	}
}

func (s *FSEventSource) handleFsEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// A new directory under a recursive watch joins the watcher.
	if ev.Op.Has(fsnotify.Create) {
		for _, w := range s.watches {
			if w.options.Recursive && w.matches(path) {
				if fi, err := os.Stat(path); err == nil && fi.IsDir() {
					if err := s.addDirLocked(path); err != nil {
						s.logger.log(newLogEntry(LogLevelWarn, "error watching new directory", map[string]any{"dir": path, "error": err.Error()}))
					}
					break
				}
			}
		}
	}

	for name, w := range s.watches {
		// Losing the watch root is a hard failure for this watch: the
		// sentinel tells subscribers a full reconnect is required, not a
		// token resume.
		if path == w.root && (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)) {
			delete(s.watches, name)
			s.releaseRootLocked(w.root, w.options.Recursive)
			if w.notify != nil {
				w.notify(WatchEvent{Name: w.name, Canceled: true})
			}
			continue
		}
		if !w.matches(path) {
			continue
		}
		clock := w.stream.Add([]string{path})
		if w.notify != nil {
			w.notify(WatchEvent{Name: w.name, Changes: []string{path}, Token: formatToken(clock)})
		}
	}
}
