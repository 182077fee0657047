// ABOUTME: Fixed-window issuance limiter keyed by source identity.
// ABOUTME: Allows at most one successful grant per source per window.

package grant

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultWindow matches the grant TTL: one issuance per source per 30m.
const DefaultWindow = 30 * time.Minute

// cleanupInterval is how often stale window entries are dropped.
const cleanupInterval = time.Minute

// RateWindow tracks the last successful issuance per source identity.
type RateWindow struct {
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]time.Time

	now func() time.Time // overridable in tests

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateWindow creates a limiter with the given window and starts the
// background cleanup. Callers must Close the limiter when done.
func NewRateWindow(window time.Duration, logger *slog.Logger) *RateWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &RateWindow{
		window:  window,
		logger:  logger.With("component", "ratewindow"),
		entries: make(map[string]time.Time),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go w.cleanup()
	return w
}

// Close stops the background cleanup. Safe to call multiple times.
func (w *RateWindow) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Reserve records an issuance for the source if its window is clear.
// The check and the record are a single operation under the lock, so
// concurrent reservations for the same source yield exactly one success.
// On failure it returns how long the caller must wait before retrying.
func (w *RateWindow) Reserve(source string) (ok bool, retryAfter time.Duration) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if last, exists := w.entries[source]; exists {
		elapsed := now.Sub(last)
		if elapsed < w.window {
			return false, w.window - elapsed
		}
	}

	w.entries[source] = now
	return true, 0
}

// Release clears the source's reservation. Called when issuance fails
// after a successful Reserve, so the source is not locked out for a full
// window without ever receiving a credential.
func (w *RateWindow) Release(source string) {
	w.mu.Lock()
	delete(w.entries, source)
	w.mu.Unlock()
}

// cleanup drops entries whose window has rolled over.
func (w *RateWindow) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			now := w.now()
			w.mu.Lock()
			for source, last := range w.entries {
				if now.Sub(last) >= w.window {
					delete(w.entries, source)
				}
			}
			w.mu.Unlock()
		}
	}
}
