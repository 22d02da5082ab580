package storage

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/metrics"
)

// Job kinds.
const (
	JobCheckTier  = "check_tier"
	JobMoveFile   = "move_file"
	JobDeleteFile = "delete_file"
)

const jobQueueSize = 256

// Job is one unit of tier work. Run executes on a worker; Callback, when
// set, receives the job's error (nil on success) tagged by ID.
type Job struct {
	ID       uuid.UUID
	Kind     string
	Urgent   bool
	Run      func() error
	Callback func(id uuid.UUID, err error)
}

// Engine owns the tier workers, the per-tier schedulers, and the segment
// directory watchers. Tier checks are slow and queue separately from the
// urgent move/delete work they produce, so a backlog of scans never
// starves an in-flight move.
type Engine struct {
	cfg       *config.Config
	models    data.Models
	events    *events.Dispatcher
	collector *metrics.Collector
	limiter   *rate.Limiter

	slow     chan Job
	urgent   chan Job
	throttle *throttle

	cleanupMu sync.Mutex
	cleanup   map[string]int // camera -> pause counter

	watchers []*segmentWatcher

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEngine(cfg *config.Config, models data.Models, d *events.Dispatcher, collector *metrics.Collector) *Engine {
	var limiter *rate.Limiter
	if cfg.Storage.MoveThrottleMBs > 0 {
		bps := cfg.Storage.MoveThrottleMBs << 20
		limiter = rate.NewLimiter(rate.Limit(bps), bps)
	}
	return &Engine{
		cfg:       cfg,
		models:    models,
		events:    d,
		collector: collector,
		limiter:   limiter,
		slow:      make(chan Job, jobQueueSize),
		urgent:    make(chan Job, jobQueueSize),
		throttle:  newThrottle(cfg.Storage.ThrottlePeriod),
		cleanup:   make(map[string]int),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the worker pool, one scheduler per camera+tier, and one
// segment watcher per camera. One worker only drains urgent work; the rest
// prefer urgent but take either.
func (e *Engine) Start() error {
	workers := e.cfg.Storage.Workers
	if workers < 2 {
		workers = 2
	}

	e.wg.Add(1)
	go e.worker(true)
	for i := 1; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(false)
	}

	e.startSchedulers()
	if err := e.startWatchers(); err != nil {
		return err
	}
	log.Printf("[Storage] engine started (%d workers, %d tiers)", workers, len(e.cfg.Storage.Tiers))
	return nil
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	for _, w := range e.watchers {
		w.stop()
	}
	e.wg.Wait()
	log.Printf("[Storage] engine stopped")
}

// Submit queues a job on the right queue. A full queue drops the job with
// an error to the callback; the scheduler retries on its next tick.
func (e *Engine) Submit(j Job) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	q := e.slow
	if j.Urgent {
		q = e.urgent
	}
	select {
	case q <- j:
	default:
		log.Printf("[WARN] [Storage] %s queue full, dropping %s job", queueName(j.Urgent), j.Kind)
		if j.Callback != nil {
			j.Callback(j.ID, errQueueFull)
		}
	}
}

func queueName(urgent bool) string {
	if urgent {
		return "urgent"
	}
	return "slow"
}

// worker executes jobs until shutdown. urgentOnly workers never pick up
// slow tier checks.
func (e *Engine) worker(urgentOnly bool) {
	defer e.wg.Done()

	if n := e.cfg.Storage.Niceness; n != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, n); err != nil {
			log.Printf("[WARN] [Storage] setpriority(%d): %v", n, err)
		}
	}

	for {
		// Urgent first, always.
		select {
		case j := <-e.urgent:
			e.exec(j)
			continue
		default:
		}

		if urgentOnly {
			select {
			case <-e.stopChan:
				return
			case j := <-e.urgent:
				e.exec(j)
			}
			continue
		}

		select {
		case <-e.stopChan:
			return
		case j := <-e.urgent:
			e.exec(j)
		case j := <-e.slow:
			e.exec(j)
		}
	}
}

func (e *Engine) exec(j Job) {
	err := j.Run()
	if err != nil {
		log.Printf("[ERROR] [Storage] %s job %s: %v", j.Kind, j.ID, err)
	}
	if j.Callback != nil {
		j.Callback(j.ID, err)
	}
}

// PauseCleanup holds segment deletion for a camera while a recording
// window or concat job needs the segments. Counted, so overlapping pauses
// stack.
func (e *Engine) PauseCleanup(camera string) {
	e.cleanupMu.Lock()
	e.cleanup[camera]++
	e.cleanupMu.Unlock()
	log.Printf("[Storage] segment cleanup paused for %s", camera)
}

func (e *Engine) ResumeCleanup(camera string) {
	e.cleanupMu.Lock()
	if e.cleanup[camera] > 0 {
		e.cleanup[camera]--
	}
	resumed := e.cleanup[camera] == 0
	e.cleanupMu.Unlock()
	if resumed {
		log.Printf("[Storage] segment cleanup resumed for %s", camera)
	}
}

func (e *Engine) cleanupPaused(camera string) bool {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()
	return e.cleanup[camera] > 0
}
