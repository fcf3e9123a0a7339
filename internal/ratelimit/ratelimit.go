// Package ratelimit implements sliding-window request limits keyed by subject.
// The window is split into a fixed number of buckets; a subject's count is
// the sum of its buckets that still fall inside the window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config sizes a window.
type Config struct {
	Limit   int
	Window  time.Duration
	Buckets int
}

func (c Config) normalized() Config {
	if c.Buckets <= 0 {
		c.Buckets = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Limit <= 0 {
		c.Limit = 60
	}
	return c
}

func (c Config) bucketWidth() time.Duration {
	w := c.Window / time.Duration(c.Buckets)
	if w <= 0 {
		w = time.Millisecond
	}
	return w
}

// ring holds the bucket counts of one subject.
type ring struct {
	counts   []int
	epochs   []int64
	lastSeen int64
}

// SlidingWindow is the in-memory Limiter. Idle subjects are evicted lazily
// once per window, so memory tracks active subjects only.
type SlidingWindow struct {
	cfg   Config
	width time.Duration
	now   func() time.Time

	mu        sync.Mutex
	subjects  map[string]*ring
	lastSweep int64
}

// NewSlidingWindow builds an in-memory limiter.
func NewSlidingWindow(cfg Config) *SlidingWindow {
	cfg = cfg.normalized()
	return &SlidingWindow{
		cfg:      cfg,
		width:    cfg.bucketWidth(),
		now:      time.Now,
		subjects: make(map[string]*ring),
	}
}

// Allow counts one request for key if the window has room.
func (s *SlidingWindow) Allow(_ context.Context, key string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch := s.now().UnixNano() / int64(s.width)
	s.sweep(epoch)

	r, ok := s.subjects[key]
	if !ok {
		r = &ring{
			counts: make([]int, s.cfg.Buckets),
			epochs: make([]int64, s.cfg.Buckets),
		}
		s.subjects[key] = r
	}
	r.lastSeen = epoch

	oldest := epoch - int64(s.cfg.Buckets) + 1
	total := 0
	var oldestUsed int64 = -1
	for i := range r.counts {
		if r.epochs[i] < oldest {
			r.counts[i] = 0
			continue
		}
		total += r.counts[i]
		if r.counts[i] > 0 && (oldestUsed == -1 || r.epochs[i] < oldestUsed) {
			oldestUsed = r.epochs[i]
		}
	}

	d := Decision{Limit: s.cfg.Limit}
	if total >= s.cfg.Limit {
		// Room frees up when the oldest used bucket leaves the window.
		free := (oldestUsed + int64(s.cfg.Buckets)) * int64(s.width)
		d.RetryAfter = time.Duration(free - s.now().UnixNano())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		return d, nil
	}

	idx := int(epoch % int64(s.cfg.Buckets))
	if r.epochs[idx] != epoch {
		r.epochs[idx] = epoch
		r.counts[idx] = 0
	}
	r.counts[idx]++

	d.Allowed = true
	d.Remaining = s.cfg.Limit - total - 1
	return d, nil
}

func (s *SlidingWindow) sweep(epoch int64) {
	if epoch-s.lastSweep < int64(s.cfg.Buckets) {
		return
	}
	s.lastSweep = epoch
	for key, r := range s.subjects {
		if epoch-r.lastSeen >= int64(s.cfg.Buckets) {
			delete(s.subjects, key)
		}
	}
}

// Len returns the number of tracked subjects.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subjects)
}
