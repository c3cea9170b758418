// ABOUTME: Leading-edge debounce for typing signals
// ABOUTME: First keystroke emits immediately, repeats within the window are suppressed

package presence

import (
	"sync"
	"time"
)

// DefaultDebounceWindow bounds typing emissions to at most one per window
// per sender and conversation.
const DefaultDebounceWindow = 1500 * time.Millisecond

// entries are swept lazily once the table grows past this.
const limiterSweepThreshold = 1024

// Limiter implements leading-edge debouncing: the first call for a key
// passes, subsequent calls within the window are suppressed. Once the window
// elapses the next call passes again.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time

	// now is swappable for tests
	now func() time.Time
}

// NewLimiter creates a limiter with the given window. A non-positive window
// falls back to DefaultDebounceWindow.
func NewLimiter(window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Limiter{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether an emission for key should go out now. The leading
// edge passes; anything inside the window after it is suppressed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.window {
		return false
	}
	l.last[key] = now

	if len(l.last) > limiterSweepThreshold {
		l.sweepLocked(now)
	}
	return true
}

// sweepLocked drops entries whose window has long passed. Caller holds mu.
func (l *Limiter) sweepLocked(now time.Time) {
	for key, last := range l.last {
		if now.Sub(last) >= l.window {
			delete(l.last, key)
		}
	}
}
