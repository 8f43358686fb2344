package mirror

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize        = 64
	defaultDebounceTimeout = 100 * time.Millisecond
)

// FilterCallback returns true for paths whose events should be dropped.
type FilterCallback func(path string) bool

// Watcher turns filesystem events under a directory into nudges for the PushLoop. Bursts
// of events are coalesced into a single nudge.
type Watcher struct {
	watchDir        string
	rawEvents       chan notify.EventInfo
	nudges          chan struct{}
	done            chan struct{}
	wg              sync.WaitGroup
	debounceMu      sync.Mutex
	debounceTimer   *time.Timer
	debounceTimeout time.Duration
	ignoreCallback  FilterCallback
}

func NewWatcher(watchDir string) *Watcher {
	return &Watcher{
		watchDir:        watchDir,
		nudges:          make(chan struct{}, 1),
		done:            make(chan struct{}),
		debounceTimeout: defaultDebounceTimeout,
	}
}

func (w *Watcher) SetDebounceTimeout(timeout time.Duration) {
	w.debounceTimeout = timeout
}

// FilterPaths sets a callback that drops raw events before debouncing. Call it before
// Start.
func (w *Watcher) FilterPaths(callback FilterCallback) {
	w.ignoreCallback = callback
}

func (w *Watcher) Nudges() <-chan struct{} {
	return w.nudges
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", w.watchDir)

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(w.watchDir+"/...", w.rawEvents, notify.All); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.filterEvents(ctx)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	if w.rawEvents != nil {
		notify.Stop(w.rawEvents)
	}
	w.wg.Wait()

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()
	slog.Info("file watcher stopped")
}

func (w *Watcher) filterEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.rawEvents:
			if !ok {
				return
			}
			if w.ignoreCallback != nil && w.ignoreCallback(event.Path()) {
				continue
			}
			slog.Debug("file watcher", "event", event.Event(), "path", event.Path())
			w.debounce()
		}
	}
}

// debounce (re)arms the timer; the nudge goes out once events stop for debounceTimeout.
func (w *Watcher) debounce() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceTimeout, w.flush)
}

func (w *Watcher) flush() {
	select {
	case w.nudges <- struct{}{}:
	default:
		// a nudge is already pending
	}
}
