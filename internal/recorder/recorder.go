package recorder

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/metrics"
)

// Trigger types stored with each recording.
const (
	TriggerMotion = "motion"
	TriggerObject = "object"
	TriggerManual = "manual"
)

// Event topics for recorder transitions.
func EventRecorderStart(camera string) string    { return "recorder_start/" + camera }
func EventRecorderComplete(camera string) string { return "recorder_complete/" + camera }

// RecordingData is the payload of recorder events.
type RecordingData struct {
	Identifier  string    `json:"identifier"`
	RecordingID int64     `json:"recording_id"`
	StartTime   time.Time `json:"start_time"`
	TriggerType string    `json:"trigger_type"`
	ClipPath    string    `json:"clip_path,omitempty"`
}

// CleanupPauser lets the recorder hold segment cleanup for a camera while
// an event window is open or a concat job still needs the segments.
type CleanupPauser interface {
	PauseCleanup(camera string)
	ResumeCleanup(camera string)
}

const dbTimeout = 5 * time.Second

// Recorder turns trigger windows into finished clips for one camera. Start
// opens a recordings row with the lookback applied; Stop closes the window
// and concatenates the covering segments in the background.
type Recorder struct {
	camera          string
	conf            *config.RecorderConfig
	segmentDir      string
	recordingsDir   string
	segmentDuration int

	models    data.Models
	events    *events.Dispatcher
	collector *metrics.Collector
	pauser    CleanupPauser

	mu          sync.Mutex
	active      bool
	recordingID int64
	startedAt   time.Time
	eventStart  time.Time
	trigger     string

	concatMu sync.Mutex // one concat job at a time per camera
	jobs     sync.WaitGroup
}

func New(camera string, conf *config.RecorderConfig, segmentDir, recordingsDir string,
	segmentDuration int, models data.Models, d *events.Dispatcher,
	collector *metrics.Collector, pauser CleanupPauser) *Recorder {

	return &Recorder{
		camera:          camera,
		conf:            conf,
		segmentDir:      segmentDir,
		recordingsDir:   recordingsDir,
		segmentDuration: segmentDuration,
		models:          models,
		events:          d,
		collector:       collector,
		pauser:          pauser,
	}
}

func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// StartedAt returns when the active recording began, zero when idle.
func (r *Recorder) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return time.Time{}
	}
	return r.startedAt
}

// Start opens an event window. The recording's adjusted start reaches back
// lookback seconds so the clip includes what led up to the trigger.
func (r *Recorder) Start(triggerType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return nil
	}

	now := time.Now()
	eventStart := now.Add(-time.Duration(r.conf.Lookback) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	id, err := r.models.Recordings.Start(ctx, r.camera, now, eventStart, triggerType)
	if err != nil {
		return err
	}

	r.active = true
	r.recordingID = id
	r.startedAt = now
	r.eventStart = eventStart
	r.trigger = triggerType

	if r.pauser != nil {
		r.pauser.PauseCleanup(r.camera)
	}
	r.collector.SetRecordingActive(r.camera, true)
	r.events.Dispatch(EventRecorderStart(r.camera), RecordingData{
		Identifier:  r.camera,
		RecordingID: id,
		StartTime:   eventStart,
		TriggerType: triggerType,
	}, true)
	log.Printf("[Recorder:%s] recording %d started (trigger=%s, lookback=%ds)",
		r.camera, id, triggerType, r.conf.Lookback)
	return nil
}

// Stop closes the window and kicks off the concat job. Returns immediately;
// Wait blocks on outstanding jobs.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	id := r.recordingID
	eventStart := r.eventStart
	trigger := r.trigger
	r.active = false
	r.recordingID = 0
	r.mu.Unlock()

	eventEnd := time.Now()
	r.collector.SetRecordingActive(r.camera, false)
	log.Printf("[Recorder:%s] recording %d stopped, concatenating", r.camera, id)

	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		r.concatJob(id, eventStart, eventEnd, trigger)
	}()
}

// Wait blocks until all background concat jobs finish.
func (r *Recorder) Wait() {
	r.jobs.Wait()
}

// Stop the recorder for teardown: close any open window and wait for jobs.
func (r *Recorder) Shutdown() {
	r.Stop()
	r.Wait()
}
