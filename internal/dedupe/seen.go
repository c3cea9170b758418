// ABOUTME: Thread-safe TTL set of delivered message IDs.
// ABOUTME: Lets event consumers present at-least-once deliveries exactly once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// seenEntry stores the timestamp and list element for a tracked ID.
type seenEntry struct {
	timestamp time.Time
	element   *list.Element
}

// SeenSet tracks message IDs a consumer has already presented. Redelivery of
// the same ID inside the TTL window is reported as a duplicate. Size-limited;
// a doubly-linked list keeps insertion order for O(1) eviction of the oldest
// entry at capacity.
type SeenSet struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // IDs in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a seen-set with the given TTL and maximum size. A background
// goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *SeenSet {
	s := &SeenSet{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Observe atomically records an ID and reports whether it was already seen
// within the TTL. Returns true for a duplicate delivery the caller should
// drop, false for a first delivery. The single locked check-and-record
// avoids TOCTOU races between concurrent deliveries of the same ID.
func (s *SeenSet) Observe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.seen[id]
	if ok && time.Since(entry.timestamp) < s.ttl {
		return true
	}

	s.recordLocked(id)
	return false
}

// recordLocked inserts or refreshes an ID. Must be called with mu held.
func (s *SeenSet) recordLocked(id string) {
	now := time.Now()

	if entry, ok := s.seen[id]; ok {
		// Expired entry being refreshed: move to back
		entry.timestamp = now
		s.order.MoveToBack(entry.element)
		return
	}

	if len(s.seen) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.order.PushBack(id)
	s.seen[id] = &seenEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (s *SeenSet) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.seen, id)
}

// cleanup periodically removes expired entries until Close.
func (s *SeenSet) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

func (s *SeenSet) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, entry := range s.seen {
		if now.Sub(entry.timestamp) > s.ttl {
			s.order.Remove(entry.element)
			delete(s.seen, id)
		}
	}
}

// Len reports the number of tracked IDs, expired or not.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *SeenSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
