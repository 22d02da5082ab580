package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrWaitTimeout is returned when a WaitForDomain deadline expires before
// the target loads. The lifecycle manager maps it to a FAILED waiter.
var ErrWaitTimeout = errors.New("timed out waiting for domain")

// Future resolves once its domain entry reaches LOADED or terminally fails.
type Future struct {
	once     sync.Once
	done     chan struct{}
	instance interface{}
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(instance interface{}) {
	f.once.Do(func() {
		f.instance = instance
		close(f.done)
	})
}

func (f *Future) fail(err error) {
	if err == nil {
		err = errors.New("domain setup failed")
	}
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until resolution or timeout.
func (f *Future) Wait(timeout time.Duration) (interface{}, error) {
	select {
	case <-f.done:
		return f.instance, f.err
	case <-time.After(timeout):
		return nil, ErrWaitTimeout
	}
}

// Future returns the entry's future, creating it on first use. A domain
// already LOADED yields an immediately-resolved future, so callers never
// race the transition.
func (r *Registry) Future(domain, identifier string) (*Future, error) {
	r.mu.Lock()
	e, ok := r.entries[key{domain, identifier}]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("cannot wait for unregistered domain %s/%s", domain, identifier)
	}
	if e.future == nil {
		e.future = newFuture()
		switch e.State {
		case StateLoaded:
			e.future.complete(e.Instance)
		case StateFailed:
			e.future.fail(e.Err)
		}
	}
	fut := e.future
	r.mu.Unlock()
	return fut, nil
}

// WaitForDomain blocks until (domain, identifier) is LOADED and returns its
// instance. Used inside setup functions to order against dependencies that
// load concurrently.
func (r *Registry) WaitForDomain(domain, identifier string, timeout time.Duration) (interface{}, error) {
	fut, err := r.Future(domain, identifier)
	if err != nil {
		return nil, err
	}
	return fut.Wait(timeout)
}
