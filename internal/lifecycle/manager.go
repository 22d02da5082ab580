package lifecycle

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-nvr/internal/registry"
)

// ErrNotReady signals a setup function found its environment incomplete
// (stream not answering yet, sidecar still starting). The manager
// reschedules the entry with backoff instead of failing it.
var ErrNotReady = errors.New("domain not ready")

const (
	defaultWorkers      = 10
	defaultPollInterval = 200 * time.Millisecond
	defaultMaxRetries   = 5
	retryBackoffBase    = time.Second
	retryBackoffCap     = 30 * time.Second
)

type setupJob struct {
	domain     string
	identifier string
}

// Manager runs domain setup. A scheduler goroutine claims PENDING entries
// whose required dependencies are LOADED and feeds a fixed worker pool;
// workers invoke the entry's setup function and record the outcome.
type Manager struct {
	reg *registry.Registry

	workers      int
	pollInterval time.Duration
	maxRetries   int
	backoffBase  time.Duration
	backoffCap   time.Duration

	jobQueue chan setupJob
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ManagerConfig tunes the setup pool; zero values take defaults.
type ManagerConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func NewManager(reg *registry.Registry, cfg ManagerConfig) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = retryBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = retryBackoffCap
	}
	return &Manager{
		reg:          reg,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		maxRetries:   cfg.MaxRetries,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		jobQueue:     make(chan setupJob, cfg.Workers*2),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the scheduler and the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.schedule()
	log.Printf("[Lifecycle] setup pool started (workers=%d)", m.workers)
}

// Stop halts scheduling and waits for in-flight setups to return.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

// schedule claims runnable PENDING entries. Claiming means moving the entry
// to LOADING before it is queued, so no entry is handed to two workers.
func (m *Manager) schedule() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			for _, e := range m.reg.GetPending() {
				if !m.reg.DepsLoaded(e.RequiredDeps) {
					continue
				}
				m.reg.SetState(e.Domain, e.Identifier, registry.StateLoading, nil)
				select {
				case m.jobQueue <- setupJob{e.Domain, e.Identifier}:
				case <-m.stopChan:
					return
				}
			}
		}
	}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopChan:
			return
		case job := <-m.jobQueue:
			m.runSetup(job)
		}
	}
}

func (m *Manager) runSetup(job setupJob) {
	e, ok := m.reg.Get(job.domain, job.identifier)
	if !ok {
		return
	}
	if e.SetupFn == nil {
		m.reg.SetState(job.domain, job.identifier, registry.StateFailed,
			fmt.Errorf("no setup function registered"))
		return
	}

	if unmet := m.reg.UnmetOptional(job.domain, job.identifier); len(unmet) > 0 {
		log.Printf("[WARN] [Lifecycle] %s/%s starting without optional deps %v",
			job.domain, job.identifier, unmet)
	}

	instance, err := m.invoke(e.SetupFn)
	switch {
	case err == nil:
		m.reg.SetInstance(job.domain, job.identifier, instance)
		m.reg.SetState(job.domain, job.identifier, registry.StateLoaded, nil)
		log.Printf("[Lifecycle] %s/%s loaded", job.domain, job.identifier)

	case errors.Is(err, ErrNotReady):
		retries := m.reg.AddRetry(job.domain, job.identifier)
		if retries > m.maxRetries {
			m.reg.SetState(job.domain, job.identifier, registry.StateFailed,
				fmt.Errorf("gave up after %d attempts: %w", retries, err))
			log.Printf("[ERROR] [Lifecycle] %s/%s failed after %d attempts: %v",
				job.domain, job.identifier, retries, err)
			return
		}
		backoff := m.retryBackoff(retries)
		m.reg.SetState(job.domain, job.identifier, registry.StateRetrying, err)
		log.Printf("[Lifecycle] %s/%s not ready (attempt %d), retrying in %s",
			job.domain, job.identifier, retries, backoff)
		time.AfterFunc(backoff, func() {
			if m.stopped() {
				return
			}
			if cur, ok := m.reg.Get(job.domain, job.identifier); ok && cur.State == registry.StateRetrying {
				m.reg.SetState(job.domain, job.identifier, registry.StatePending, nil)
			}
		})

	default:
		m.reg.SetState(job.domain, job.identifier, registry.StateFailed, err)
		log.Printf("[ERROR] [Lifecycle] %s/%s setup failed: %v", job.domain, job.identifier, err)
	}
}

// invoke isolates setup panics so one broken domain cannot kill a worker.
func (m *Manager) invoke(fn registry.SetupFunc) (instance interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			instance = nil
			err = fmt.Errorf("setup panicked: %v", r)
		}
	}()
	return fn()
}

func (m *Manager) retryBackoff(attempt int) time.Duration {
	d := m.backoffBase << (attempt - 1)
	if d > m.backoffCap || d <= 0 {
		return m.backoffCap
	}
	return d
}

// WaitForSettle blocks until no entry is PENDING, LOADING or RETRYING, or
// the timeout expires. Used by the daemon to log the startup summary and by
// tests.
func (m *Manager) WaitForSettle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		settled := true
		for _, e := range m.reg.All() {
			switch e.State {
			case registry.StatePending, registry.StateLoading, registry.StateRetrying:
				settled = false
			}
		}
		if settled {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
