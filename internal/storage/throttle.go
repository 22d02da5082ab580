package storage

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var errQueueFull = errors.New("storage: job queue full")

const throttleCacheSize = 512

// throttle serializes tier checks per camera+tier+category+subcategory.
// Two conditions both apply: at most one check in flight per key, and at
// most one check per throttle_period.
type throttle struct {
	period time.Duration

	mu         sync.Mutex
	inProgress map[string]bool
	lastRun    *lru.Cache[string, time.Time]
}

func newThrottle(periodSecs int) *throttle {
	last, _ := lru.New[string, time.Time](throttleCacheSize)
	return &throttle{
		period:     time.Duration(periodSecs) * time.Second,
		inProgress: make(map[string]bool),
		lastRun:    last,
	}
}

// tryAcquire reports whether a check for key may run now and, if so,
// marks it in flight and stamps the run time. Callers must release.
func (t *throttle) tryAcquire(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inProgress[key] {
		return false
	}
	if t.period > 0 {
		if last, ok := t.lastRun.Get(key); ok && time.Since(last) < t.period {
			return false
		}
	}
	t.inProgress[key] = true
	t.lastRun.Add(key, time.Now())
	return true
}

func (t *throttle) release(key string) {
	t.mu.Lock()
	delete(t.inProgress, key)
	t.mu.Unlock()
}
