// ABOUTME: Time-bounded memory of recently seen message ids
// ABOUTME: Lets the gateway refuse a retried chat message instead of asking the agent twice

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry struct {
	key  string
	seen time.Time
}

// Window remembers keys for ttl, holding at most maxSize of them. When full,
// the oldest key is forgotten first.
type Window struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	maxSize int
	index   map[string]*list.Element
	order   *list.List // oldest at front
}

// New creates a Window. A nil clock uses the wall clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.New()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{
		clock:   clk,
		ttl:     ttl,
		maxSize: maxSize,
		index:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Observe records key and reports whether it was already seen within ttl.
// A duplicate does not refresh the original sighting.
func (w *Window) Observe(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if el, ok := w.index[key]; ok {
		if now.Sub(el.Value.(*entry).seen) < w.ttl {
			return true
		}
		w.order.Remove(el)
		delete(w.index, key)
	}

	if w.order.Len() >= w.maxSize {
		w.removeLocked(w.order.Front())
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Forget drops key so the next Observe treats it as new.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.index[key]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of remembered keys, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

// Prune forgets expired keys and returns how many went.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.clock.Now().Add(-w.ttl)
	n := 0
	// Insertion order is time order, so stop at the first live key.
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if el.Value.(*entry).seen.After(cutoff) {
			break
		}
		w.removeLocked(el)
		n++
	}
	return n
}

// Run prunes every interval until ctx is done.
func (w *Window) Run(ctx context.Context, interval time.Duration) {
	ticker := w.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Prune()
		}
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.index, el.Value.(*entry).key)
}
