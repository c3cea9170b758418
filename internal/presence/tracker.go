// ABOUTME: Receiver-side typing state with automatic expiry
// ABOUTME: A typing flag set by an event clears itself after the TTL or on message arrival

package presence

import (
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing flag stays set without a refreshing
// event before it clears on its own.
const DefaultTypingTTL = 3 * time.Second

// Tracker holds the receiver-side "is typing" flags. Each observed typing
// event arms (or re-arms) a per-key timer; when it fires without a refresh
// the flag clears automatically. Message arrival clears the flag immediately
// since the typed content has landed.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	deadline map[string]time.Time
	timers   map[string]*time.Timer

	// onChange, when set, is invoked outside the lock whenever a key's flag
	// flips. It must not call back into the tracker synchronously with
	// blocking work.
	onChange func(key string, typing bool)
}

// NewTracker creates a tracker with the given TTL. A non-positive TTL falls
// back to DefaultTypingTTL. onChange may be nil.
func NewTracker(ttl time.Duration, onChange func(key string, typing bool)) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Tracker{
		ttl:      ttl,
		deadline: make(map[string]time.Time),
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

// Observe records a typing event for key, setting the flag and resetting its
// expiry deadline.
func (t *Tracker) Observe(key string) {
	t.mu.Lock()
	_, wasTyping := t.deadline[key]
	t.deadline[key] = time.Now().Add(t.ttl)

	if timer, ok := t.timers[key]; ok {
		timer.Stop()
	}
	t.timers[key] = time.AfterFunc(t.ttl, func() { t.expire(key) })
	t.mu.Unlock()

	if !wasTyping && t.onChange != nil {
		t.onChange(key, true)
	}
}

// Clear drops the typing flag for key, if set. Called when a message from
// that participant arrives.
func (t *Tracker) Clear(key string) {
	t.mu.Lock()
	_, wasTyping := t.deadline[key]
	delete(t.deadline, key)
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()

	if wasTyping && t.onChange != nil {
		t.onChange(key, false)
	}
}

// IsTyping reports whether the flag for key is currently set.
func (t *Tracker) IsTyping(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := t.deadline[key]
	if !ok {
		return false
	}
	// Deadline check guards against a timer that has not fired yet
	return time.Now().Before(deadline)
}

// Stop cancels all pending expiry timers. The tracker must not be used after.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
	t.deadline = make(map[string]time.Time)
}

func (t *Tracker) expire(key string) {
	t.mu.Lock()
	deadline, ok := t.deadline[key]
	if !ok || time.Now().Before(deadline) {
		// Already cleared, or re-armed by a newer event
		t.mu.Unlock()
		return
	}
	delete(t.deadline, key)
	delete(t.timers, key)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(key, false)
	}
}
