package lifecycle

import (
	"log"
	"time"

	"github.com/technosupport/ts-nvr/internal/registry"
)

// Grace windows for orderly shutdown. Per-domain teardown gets the
// goroutine window; the daemon enforces the process window around the
// whole sequence.
const (
	ProcessStopGrace = 20 * time.Second
	DomainStopGrace  = 5 * time.Second
)

// UnloadOrder returns the entries to tear down when unloading (domain,
// identifier): every transitive loaded dependent first, the target last.
func (m *Manager) UnloadOrder(domain, identifier string) []registry.Entry {
	var order []registry.Entry
	visited := map[string]bool{}

	var visit func(d, i string)
	visit = func(d, i string) {
		k := d + "/" + i
		if visited[k] {
			return
		}
		visited[k] = true
		for _, dep := range m.reg.GetDependents(d, i) {
			visit(dep.Domain, dep.Identifier)
		}
		if e, ok := m.reg.Get(d, i); ok {
			order = append(order, e)
		}
	}
	visit(domain, identifier)
	return order
}

// Teardown unloads the target and its dependents in reverse dependency
// order. Each entry's teardown runs outside the registry lock and is
// bounded by the domain grace window; the entry is unregistered afterwards
// regardless of teardown outcome.
func (m *Manager) Teardown(domain, identifier string) {
	for _, e := range m.UnloadOrder(domain, identifier) {
		m.teardownEntry(e)
	}
}

// TeardownAll unloads every registered entry, dependents always before the
// entries they depend on.
func (m *Manager) TeardownAll() {
	for {
		all := m.reg.All()
		if len(all) == 0 {
			return
		}
		progressed := false
		for _, e := range all {
			if len(m.reg.GetDependents(e.Domain, e.Identifier)) > 0 {
				continue
			}
			m.teardownEntry(e)
			progressed = true
		}
		if !progressed {
			// Dependency cycle between loaded entries. Break it rather
			// than loop forever.
			log.Printf("[WARN] [Lifecycle] dependency cycle during teardown, forcing %s", all[0].Key())
			m.teardownEntry(all[0])
		}
	}
}

func (m *Manager) teardownEntry(e registry.Entry) {
	// Only LOADED entries hold resources; everything else just needs to
	// leave the registry.
	if e.State == registry.StateLoaded {
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[ERROR] [Lifecycle] teardown of %s panicked: %v", e.Key(), r)
				}
			}()

			switch {
			case e.TeardownFn != nil:
				if err := e.TeardownFn(e.Instance); err != nil {
					log.Printf("[ERROR] [Lifecycle] teardown of %s: %v", e.Key(), err)
				}
			default:
				if s, ok := e.Instance.(Stoppable); ok {
					s.Stop()
				}
			}
		}()

		select {
		case <-done:
		case <-time.After(DomainStopGrace):
			log.Printf("[WARN] [Lifecycle] teardown of %s exceeded %s, abandoning", e.Key(), DomainStopGrace)
		}
	}

	m.reg.Unregister(e.Domain, e.Identifier)
	log.Printf("[Lifecycle] %s unloaded", e.Key())
}
