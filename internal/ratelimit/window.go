package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter gates task starts.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Releaser is implemented by limiters that can hand back their most recent
// grant when the caller ends up not using it.
type Releaser interface {
	Release()
}

// Window allows at most limit starts within any rolling interval.
type Window struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	starts   []time.Time // ring of the last limit start times
	next     int
	last     reservation
	now      func() time.Time
}

// reservation remembers what the latest Reserve overwrote.
type reservation struct {
	ok       bool
	appended bool
	idx      int
	prev     time.Time
}

// NewWindow builds a rolling window limiter. It returns nil when limit or
// interval is not positive, which callers treat as "unlimited".
func NewWindow(limit int, interval time.Duration) *Window {
	if limit <= 0 || interval <= 0 {
		return nil
	}
	return &Window{
		limit:    limit,
		interval: interval,
		starts:   make([]time.Time, 0, limit),
		now:      time.Now,
	}
}

// Reserve records a start and returns zero if one is allowed now. Otherwise it
// records nothing and returns how long to wait before trying again.
func (w *Window) Reserve() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if len(w.starts) < w.limit {
		w.starts = append(w.starts, now)
		w.last = reservation{ok: true, appended: true}
		return 0
	}
	// starts[next] is the oldest of the last limit starts.
	oldest := w.starts[w.next]
	if wait := oldest.Add(w.interval).Sub(now); wait > 0 {
		w.last = reservation{}
		return wait
	}
	w.last = reservation{ok: true, idx: w.next, prev: oldest}
	w.starts[w.next] = now
	w.next = (w.next + 1) % w.limit
	return 0
}

// Release undoes the latest successful Reserve. Calling it twice, or after a
// refused Reserve, does nothing.
func (w *Window) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.last.ok {
		return
	}
	if w.last.appended {
		w.starts = w.starts[:len(w.starts)-1]
	} else {
		w.starts[w.last.idx] = w.last.prev
		w.next = w.last.idx
	}
	w.last = reservation{}
}

// Wait blocks until a start is allowed or ctx is done.
func (w *Window) Wait(ctx context.Context) error {
	for {
		wait := w.Reserve()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
