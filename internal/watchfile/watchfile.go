// Package watchfile monitors the backing files of mapped sections for
// out-of-band modification or removal while a traced-memory image still
// holds (or once held) a mapping over them. It is a diagnostic aid: it
// never changes Read/Add/Remove semantics, it only logs a warning and
// records an audit entry when a watched file's size or mtime changes
// underneath a live mapping, signalling that a decode session may now
// be reading stale or divergent bytes.
//
// Polling, rather than a kernel notification API, mirrors the
// teacher's FileWatcher: simple, portable, and tolerant of paths that
// do not exist yet.
package watchfile

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tracedmem/ptimage/internal/audit"
)

// DefaultPollInterval is the frequency at which Watcher rescans its
// watched paths.
const DefaultPollInterval = 500 * time.Millisecond

type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
}

// Watcher polls a set of backing file paths (grouped by the image name
// that maps them) and reports drift.
type Watcher struct {
	logger   *slog.Logger
	auditLog *audit.Logger
	interval time.Duration

	mu    sync.Mutex
	watch map[string]string // path -> image name
	state map[string]fileState

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a Watcher. interval <= 0 uses DefaultPollInterval.
// auditLog may be nil to disable audit recording of drift events.
func New(logger *slog.Logger, auditLog *audit.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger:   logger,
		auditLog: auditLog,
		interval: interval,
		watch:    make(map[string]string),
		state:    make(map[string]fileState),
		done:     make(chan struct{}),
	}
}

// Watch registers path as a backing file of image, to be polled for
// drift from now on. Registering the same path again replaces which
// image it is attributed to in logs but does not reset its baseline.
func (w *Watcher) Watch(image, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watch[path] = image
	if _, ok := w.state[path]; !ok {
		w.state[path] = statOf(path)
	}
}

// Unwatch stops tracking path.
func (w *Watcher) Unwatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watch, path)
	delete(w.state, path)
}

// Start begins polling in a background goroutine. It is safe to call
// only once; the goroutine exits when ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the polling goroutine to exit and waits for it to do so.
// Idempotent.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watch))
	for p := range w.watch {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, path := range paths {
		w.mu.Lock()
		image, tracked := w.watch[path]
		prev := w.state[path]
		w.mu.Unlock()
		if !tracked {
			continue
		}

		cur := statOf(path)
		if cur == prev {
			continue
		}

		w.report(image, path, prev, cur)

		w.mu.Lock()
		w.state[path] = cur
		w.mu.Unlock()
	}
}

func (w *Watcher) report(image, path string, prev, cur fileState) {
	var reason string
	switch {
	case prev.exists && !cur.exists:
		reason = "removed"
	case !prev.exists && cur.exists:
		reason = "created"
	default:
		reason = "modified"
	}

	w.logger.Warn("watchfile: backing file changed under a mapped section",
		slog.String("image", image),
		slog.String("path", path),
		slog.String("reason", reason),
	)

	if w.auditLog != nil {
		_, _ = w.auditLog.RecordUnmapFailure(audit.UnmapFailureEvent{
			Image:    image,
			Filename: path,
			Error:    "backing file " + reason + " while mapped",
		})
	}
}

func statOf(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{exists: false}
	}
	return fileState{exists: true, size: info.Size(), modTime: info.ModTime()}
}
