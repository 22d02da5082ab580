package lifecycle

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/technosupport/ts-nvr/internal/broker"
	"github.com/technosupport/ts-nvr/internal/bus"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/metrics"
	"github.com/technosupport/ts-nvr/internal/recorder"
	"github.com/technosupport/ts-nvr/internal/registry"
)

// Domain names. One implementation may be bound per (domain, camera).
const (
	DomainCamera          = "camera"
	DomainMotionDetector  = "motion_detector"
	DomainObjectDetector  = "object_detector"
	DomainNVR             = "nvr"
	DomainFaceRecognition = "face_recognition"
)

// EventShutdown fans out to every component before teardown begins.
const EventShutdown = "shutdown"

// Orchestrator carries the process-wide collaborators. It is built once in
// main and passed to every component; there is no package-level state.
type Orchestrator struct {
	Bus      *bus.Bus
	Events   *events.Dispatcher
	Registry *registry.Registry
	Config   *config.Config
	DB       *sql.DB
	Data     data.Models
	Metrics  *metrics.Collector
	Broker   *broker.Client

	// Cleanup pauses segment deletion while a recording window is open.
	// Wired to the storage engine in main; nil in tests.
	Cleanup recorder.CleanupPauser
}

// Component is one top-level config section brought up by the manager.
// Setup registers domain entries; the setup pool loads them afterwards.
type Component interface {
	Name() string
	Setup(o *Orchestrator) error
}

// Factory builds a component from the parsed config. Factories return
// (nil, nil) when their config section is absent.
type Factory func(o *Orchestrator) (Component, error)

var (
	factoryMu sync.Mutex
	factories = map[string]Factory{}
)

// RegisterComponent records a component constructor under its config key.
// Called from component package init functions.
func RegisterComponent(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("lifecycle: duplicate component %q", name))
	}
	factories[name] = f
}

func registeredComponents() []string {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func factoryFor(name string) (Factory, bool) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	f, ok := factories[name]
	return f, ok
}

// LoadComponents constructs and sets up every registered component. A
// failing component is logged and skipped; the rest of the system comes up
// without it.
func (m *Manager) LoadComponents(o *Orchestrator) {
	for _, name := range registeredComponents() {
		f, _ := factoryFor(name)
		comp, err := f(o)
		if err != nil {
			log.Printf("[ERROR] [Lifecycle] component %s failed to load: %v", name, err)
			continue
		}
		if comp == nil {
			continue
		}
		if err := comp.Setup(o); err != nil {
			log.Printf("[ERROR] [Lifecycle] component %s setup failed: %v", name, err)
			continue
		}
		log.Printf("[Lifecycle] component %s registered", name)
	}
	o.Registry.ValidateDependencies()
}

// Stoppable is the default teardown contract for domain instances.
type Stoppable interface {
	Stop()
}
