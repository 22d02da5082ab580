package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/technosupport/ts-nvr/internal/events"
)

// State of a domain entry's setup lifecycle.
type State string

const (
	StatePending  State = "pending"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateFailed   State = "failed"
	StateRetrying State = "retrying"
)

// SetupFunc produces a domain instance. Bound as a closure over the
// orchestrator, config and identifier at registration time.
type SetupFunc func() (interface{}, error)

// TeardownFunc releases a loaded instance. Entries without one fall back to
// the instance's Stop method when it has one.
type TeardownFunc func(instance interface{}) error

// Dep names a domain dependency edge.
type Dep struct {
	Domain     string
	Identifier string
}

func (d Dep) String() string {
	return d.Domain + "/" + d.Identifier
}

// Entry tracks one (domain, identifier) pair through setup. The registry
// owns the stored entry; accessors hand out value copies.
type Entry struct {
	Component    string
	Domain       string
	Identifier   string
	Config       interface{}
	RequiredDeps []Dep
	OptionalDeps []Dep
	SetupFn      SetupFunc
	TeardownFn   TeardownFunc

	State    State
	Instance interface{}
	Err      error
	Retries  int

	future *Future
}

// Key returns the unique registry key of the entry.
func (e *Entry) Key() string {
	return e.Domain + "/" + e.Identifier
}

// DependsOn reports whether the entry lists (domain, identifier) among its
// required or optional dependencies.
func (e *Entry) DependsOn(domain, identifier string) bool {
	for _, d := range e.RequiredDeps {
		if d.Domain == domain && d.Identifier == identifier {
			return true
		}
	}
	for _, d := range e.OptionalDeps {
		if d.Domain == domain && d.Identifier == identifier {
			return true
		}
	}
	return false
}

// StateTopic is the event topic for a state transition.
func StateTopic(state State, domain, identifier string) string {
	return fmt.Sprintf("domain/%s/%s/%s", state, domain, identifier)
}

// RegisteredTopic is the event topic announcing a loaded domain instance.
func RegisteredTopic(domain string) string {
	return "domain_registered/" + domain
}

// StateData is the payload of every domain/<state>/... event.
type StateData struct {
	Component  string
	Domain     string
	Identifier string
	State      State
	Err        error
}

// RegisteredData is the payload of domain_registered/<domain>.
type RegisteredData struct {
	Domain     string
	Identifier string
	Instance   interface{}
}

type key struct {
	domain     string
	identifier string
}

// Registry is the thread-safe store of domain entries. The mutex is never
// held across listener or setup invocations; events are dispatched after
// the lock is released.
type Registry struct {
	mu         sync.Mutex
	entries    map[key]*Entry
	dispatcher *events.Dispatcher
}

func New(dispatcher *events.Dispatcher) *Registry {
	return &Registry{
		entries:    make(map[key]*Entry),
		dispatcher: dispatcher,
	}
}

// Register stores a new entry in PENDING state. Registering a pair that is
// already PENDING, LOADING, RETRYING or LOADED is a no-op with a warning;
// a FAILED entry is replaced so a component can be set up again.
func (r *Registry) Register(e Entry) bool {
	k := key{e.Domain, e.Identifier}

	r.mu.Lock()
	if existing, ok := r.entries[k]; ok {
		if existing.State != StateFailed {
			r.mu.Unlock()
			log.Printf("[WARN] [Registry] %s/%s already registered (state %s), ignoring",
				e.Domain, e.Identifier, existing.State)
			return false
		}
	}
	stored := e
	stored.State = StatePending
	stored.Instance = nil
	stored.Err = nil
	stored.Retries = 0
	stored.future = nil
	r.entries[k] = &stored
	r.mu.Unlock()

	r.dispatchState(&stored)
	return true
}

// Unregister removes the pair from any state. Waiters on its future get an
// error so they do not hang until timeout.
func (r *Registry) Unregister(domain, identifier string) {
	k := key{domain, identifier}

	r.mu.Lock()
	e, ok := r.entries[k]
	if ok {
		delete(r.entries, k)
	}
	r.mu.Unlock()

	if ok && e.future != nil {
		e.future.fail(fmt.Errorf("domain %s/%s unregistered", domain, identifier))
	}
}

// SetState transitions the entry and dispatches the matching event. Moving
// to LOADED completes the entry's future and additionally dispatches
// domain_registered/<domain>; moving to FAILED fails the future.
func (r *Registry) SetState(domain, identifier string, state State, cause error) {
	k := key{domain, identifier}

	r.mu.Lock()
	e, ok := r.entries[k]
	if !ok {
		r.mu.Unlock()
		log.Printf("[WARN] [Registry] SetState on unknown entry %s/%s", domain, identifier)
		return
	}
	e.State = state
	e.Err = cause
	snapshot := *e
	fut := e.future
	r.mu.Unlock()

	r.dispatchState(&snapshot)

	switch state {
	case StateLoaded:
		if fut != nil {
			fut.complete(snapshot.Instance)
		}
		r.dispatcher.Dispatch(RegisteredTopic(domain), RegisteredData{
			Domain:     domain,
			Identifier: identifier,
			Instance:   snapshot.Instance,
		}, true)
	case StateFailed:
		if fut != nil {
			fut.fail(cause)
		}
	}
}

func (r *Registry) dispatchState(e *Entry) {
	r.dispatcher.Dispatch(StateTopic(e.State, e.Domain, e.Identifier), StateData{
		Component:  e.Component,
		Domain:     e.Domain,
		Identifier: e.Identifier,
		State:      e.State,
		Err:        e.Err,
	}, true)
}

// SetInstance records the setup result before the LOADED transition.
func (r *Registry) SetInstance(domain, identifier string, instance interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key{domain, identifier}]; ok {
		e.Instance = instance
	}
}

// AddRetry increments and returns the entry's retry counter.
func (r *Registry) AddRetry(domain, identifier string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key{domain, identifier}]; ok {
		e.Retries++
		return e.Retries
	}
	return 0
}

// Get returns a copy of the entry.
func (r *Registry) Get(domain, identifier string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key{domain, identifier}]; ok {
		return *e, true
	}
	return Entry{}, false
}

// GetInstance returns the instance iff the entry is LOADED.
func (r *Registry) GetInstance(domain, identifier string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key{domain, identifier}]
	if !ok || e.State != StateLoaded || e.Instance == nil {
		return nil, false
	}
	return e.Instance, true
}

// GetAllInstances returns domain → identifier → instance for every LOADED
// entry.
func (r *Registry) GetAllInstances() map[string]map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string]interface{})
	for k, e := range r.entries {
		if e.State != StateLoaded || e.Instance == nil {
			continue
		}
		m, ok := out[k.domain]
		if !ok {
			m = make(map[string]interface{})
			out[k.domain] = m
		}
		m[k.identifier] = e.Instance
	}
	return out
}

// GetLoaded returns identifier → instance for every LOADED entry of one
// domain.
func (r *Registry) GetLoaded(domain string) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]interface{})
	for k, e := range r.entries {
		if k.domain == domain && e.State == StateLoaded && e.Instance != nil {
			out[k.identifier] = e.Instance
		}
	}
	return out
}

// GetPending returns copies of all PENDING entries, ordered by key so the
// setup pool scans deterministically.
func (r *Registry) GetPending() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.entries {
		if e.State == StatePending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// GetDependents returns copies of every LOADED entry whose required or
// optional dependency lists contain (domain, identifier).
func (r *Registry) GetDependents(domain, identifier string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.entries {
		if e.State != StateLoaded {
			continue
		}
		if e.DependsOn(domain, identifier) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Registered reports whether the pair exists in any state.
func (r *Registry) Registered(domain, identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key{domain, identifier}]
	return ok
}

// DepsLoaded reports whether every dep in the list is LOADED.
func (r *Registry) DepsLoaded(deps []Dep) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range deps {
		e, ok := r.entries[key{d.Domain, d.Identifier}]
		if !ok || e.State != StateLoaded {
			return false
		}
	}
	return true
}

// UnmetOptional returns the optional deps of the entry that are not LOADED.
func (r *Registry) UnmetOptional(domain, identifier string) []Dep {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key{domain, identifier}]
	if !ok {
		return nil
	}
	var unmet []Dep
	for _, d := range e.OptionalDeps {
		dep, ok := r.entries[key{d.Domain, d.Identifier}]
		if !ok || dep.State != StateLoaded {
			unmet = append(unmet, d)
		}
	}
	return unmet
}

// ValidateDependencies fails every entry whose required dependencies were
// never registered. Runs after component discovery, before the setup pool
// starts scheduling.
func (r *Registry) ValidateDependencies() {
	r.mu.Lock()
	var failed []*Entry
	for _, e := range r.entries {
		for _, d := range e.RequiredDeps {
			if _, ok := r.entries[key{d.Domain, d.Identifier}]; !ok {
				e.State = StateFailed
				e.Err = fmt.Errorf("required dependency %s is not registered", d)
				failed = append(failed, e)
				break
			}
		}
	}
	snapshots := make([]Entry, len(failed))
	for i, e := range failed {
		snapshots[i] = *e
	}
	r.mu.Unlock()

	for i := range snapshots {
		log.Printf("[ERROR] [Registry] %s: %v", snapshots[i].Key(), snapshots[i].Err)
		r.dispatchState(&snapshots[i])
	}
}

// All returns copies of every entry, ordered by key.
func (r *Registry) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
