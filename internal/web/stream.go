package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const debounceDelay = 200 * time.Millisecond

// watched are the files whose writes trigger a push.
var watched = map[string]bool{
	"state.json":          true,
	"agent_actions.jsonl": true,
}

// Broadcaster turns file-system changes to the state document and the audit
// log into change notifications for every connected client.
type Broadcaster struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

// NewBroadcaster watches controlDir and its logs directory.
func NewBroadcaster(controlDir string, logger *zap.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logs := filepath.Join(controlDir, "logs")
	if err := os.MkdirAll(logs, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range []string{controlDir, logs} {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return &Broadcaster{watcher: w, logger: logger, subs: map[chan struct{}]struct{}{}}, nil
}

// Run forwards debounced change events until ctx is done or the watcher closes.
func (b *Broadcaster) Run(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !watched[filepath.Base(ev.Name)] {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, b.notify)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (b *Broadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
			// a notification is already pending for this client
		}
	}
}

// Subscribe registers a client. The returned func unregisters it.
func (b *Broadcaster) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs[ch] = struct{}{}
	}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// Close stops the watcher and disconnects every subscriber.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
	return b.watcher.Close()
}

// handleEvents streams a full snapshot on connect and after every change.
func (s *Server) handleEvents(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := s.push(w); err != nil {
		return nil
	}
	if s.deps.Feed == nil {
		return nil
	}

	changes, cancel := s.deps.Feed.Subscribe()
	defer cancel()

	tick := time.NewTicker(s.heartbeat)
	defer tick.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := s.push(w); err != nil {
				return nil
			}
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// push writes one snapshot frame. A snapshot that cannot be read is logged
// and sent as an error event so the client keeps its last view.
func (s *Server) push(w *echo.Response) error {
	snap, err := s.snapshot()
	if err != nil {
		s.logger.Warn("read snapshot", zap.Error(err))
		if _, err := fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error()); err != nil {
			return err
		}
		w.Flush()
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
