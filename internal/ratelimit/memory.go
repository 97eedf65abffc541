package ratelimit

import (
	"context"
	"sync"
	"time"
)

const memoryEvictInterval = time.Minute

// Window is the state of one bucket: when its current window opened and how
// many hits it has admitted since.
type Window struct {
	Start time.Time
	Count int
}

// CounterStore holds fixed-window counters. Implementations must make Take
// atomic per bucket: two concurrent callers must never both be admitted into
// the last free slot.
type CounterStore interface {
	// Take records one hit against bucket at now and reports whether it was
	// admitted. A missing or expired window is reset to (now, 1).
	Take(ctx context.Context, bucket string, now time.Time, spec Spec) (Window, bool, error)

	// Peek returns the window that would be in effect at now without changing
	// it. A missing or expired window is reported as (now, 0).
	Peek(ctx context.Context, bucket string, now time.Time, spec Spec) (Window, error)
}

type memWindow struct {
	Window
	expiresAt time.Time
}

// MemoryStore keeps counters in process. It is safe for concurrent use and
// is not shared between replicas.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]memWindow

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its eviction loop. The loop
// stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]memWindow),
		done:    make(chan struct{}),
	}
	go s.evictLoop(ctx)
	return s
}

func (s *MemoryStore) Take(_ context.Context, bucket string, now time.Time, spec Spec) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[bucket]
	if !ok || now.Sub(w.Start) >= spec.Period {
		w = memWindow{Window: Window{Start: now, Count: 1}, expiresAt: now.Add(spec.Period)}
		s.windows[bucket] = w
		return w.Window, true, nil
	}
	if w.Count >= spec.Max {
		return w.Window, false, nil
	}
	w.Count++
	s.windows[bucket] = w
	return w.Window, true, nil
}

func (s *MemoryStore) Peek(_ context.Context, bucket string, now time.Time, spec Spec) (Window, error) {
	s.mu.Lock()
	w, ok := s.windows[bucket]
	s.mu.Unlock()

	if !ok || now.Sub(w.Start) >= spec.Period {
		return Window{Start: now}, nil
	}
	return w.Window, nil
}

// Len returns the number of tracked buckets, including expired ones not yet
// evicted.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close stops the eviction loop. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemoryStore) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(memoryEvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired(time.Now())
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired(now time.Time) {
	s.mu.Lock()
	for k, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, k)
		}
	}
	s.mu.Unlock()
}
