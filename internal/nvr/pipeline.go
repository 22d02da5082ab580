package nvr

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-nvr/internal/bus"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/detector"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/frames"
	"github.com/technosupport/ts-nvr/internal/metrics"
	"github.com/technosupport/ts-nvr/internal/recorder"
)

// Operation states published per camera.
const (
	StateIdle               = "idle"
	StateScanningForMotion  = "scanning_for_motion"
	StateScanningForObjects = "scanning_for_objects"
	StateRecording          = "recording"
	StateErrorScanningFrame = "error_scanning_frame"
)

func EventOperationState(camera string) string { return "operation_state/" + camera }

// OperationStateData is the payload of operation_state/<camera> events.
type OperationStateData struct {
	Identifier string `json:"identifier"`
	State      string `json:"state"`
}

// ProcessedFrameTopic carries each frame after scanning, with its
// detections attached, for the snapshot endpoint and live viewers.
func ProcessedFrameTopic(camera string) string { return "processed_frame/" + camera }

// ProcessedFrame is the payload of processed_frame/<camera>.
type ProcessedFrame struct {
	Frame          *frames.SharedFrame
	Objects        []detector.DetectedObject
	Contours       detector.Contours
	MotionDetected bool
}

const (
	framePullTimeout = time.Second
	maxFrameAge      = time.Second
	frameQueueSize   = 8
	resultQueueSize  = 4
)

// eventRecorder is the slice of recorder.Recorder the pipeline drives.
type eventRecorder interface {
	Start(triggerType string) error
	Stop()
	Active() bool
	StartedAt() time.Time
}

// PipelineOptions collects the per-camera collaborators.
type PipelineOptions struct {
	Identifier  string
	Pool        *frames.Pool
	CameraFPS   int
	IdleTimeout int // recorder idle timeout, seconds

	Motion *config.MotionDetectorConfig // nil when no motion scanner
	Object *config.ObjectDetectorConfig // nil when no object scanner

	Recorder    eventRecorder
	Bus         *bus.Bus
	Events      *events.Dispatcher
	Collector   *metrics.Collector
	ScanTimeout time.Duration
}

// Pipeline is the per-camera frame loop: pull, mark for scanners, wait for
// results, evaluate triggers, drive the recorder, publish the processed
// frame, schedule removal.
type Pipeline struct {
	identifier  string
	pool        *frames.Pool
	idleTimeout int // seconds of no trigger before the recording stops
	idleLimit   int // idleTimeout expressed in frames at the current output fps

	motionConf *config.MotionDetectorConfig
	objectConf *config.ObjectDetectorConfig

	rec         eventRecorder
	bus         *bus.Bus
	events      *events.Dispatcher
	collector   *metrics.Collector
	scanTimeout time.Duration

	// Owned by the run goroutine.
	motionFS       *FrameScanner
	objectFS       *FrameScanner
	outputFPS      int
	motionDetected bool
	idleFrames     int

	// Mirrors readable from other goroutines.
	opState        atomic.Value // string
	objectScanning atomic.Bool

	frameSubID  uuid.UUID
	frameChan   <-chan bus.Message
	motionSubID uuid.UUID
	motionChan  <-chan bus.Message
	objectSubID uuid.UUID
	objectChan  <-chan bus.Message

	latestMu sync.Mutex
	latest   *frames.SharedFrame

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipeline validates the scanner set and computes the initial scan
// cadence. At least one scanner is required; a camera without scanners has
// nothing for the pipeline to do.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Motion == nil && opts.Object == nil {
		return nil, fmt.Errorf("camera %s has no scanners registered", opts.Identifier)
	}

	idleTimeout := opts.IdleTimeout
	if idleTimeout < 1 {
		idleTimeout = 10
	}

	p := &Pipeline{
		identifier:  opts.Identifier,
		pool:        opts.Pool,
		idleTimeout: idleTimeout,
		motionConf:  opts.Motion,
		objectConf:  opts.Object,
		rec:         opts.Recorder,
		bus:         opts.Bus,
		events:      opts.Events,
		collector:   opts.Collector,
		scanTimeout: opts.ScanTimeout,
		stopChan:    make(chan struct{}),
	}

	if opts.Motion != nil {
		p.motionFS = NewFrameScanner(detector.ScannerMotion, opts.Identifier, opts.Motion.FPS, opts.CameraFPS)
		p.motionFS.SetEnabled(true)
	}
	if opts.Object != nil {
		p.objectFS = NewFrameScanner(detector.ScannerObject, opts.Identifier, opts.Object.FPS, opts.CameraFPS)
		// With both scanners and scan_on_motion_only, the object scanner
		// starts disabled and motion gates it.
		gated := p.motionFS != nil && opts.Object.ScanOnMotionOnly != nil && *opts.Object.ScanOnMotionOnly
		p.objectFS.SetEnabled(!gated)
	}
	p.recalc()
	p.opState.Store(StateIdle)
	return p, nil
}

// recalc recomputes output fps from the enabled scanner set, refreshes
// every scanner's interval, and re-expresses the idle window in frames at
// the new rate.
func (p *Pipeline) recalc() {
	out := 1
	for _, fs := range []*FrameScanner{p.motionFS, p.objectFS} {
		if fs != nil && fs.Enabled() && fs.FPS() > out {
			out = fs.FPS()
		}
	}
	p.outputFPS = out
	p.idleLimit = out * p.idleTimeout
	for _, fs := range []*FrameScanner{p.motionFS, p.objectFS} {
		if fs != nil {
			fs.SetOutputFPS(out)
		}
	}
	p.objectScanning.Store(p.objectFS != nil && p.objectFS.Enabled())
}

// OutputFPS is the decode rate the pipeline currently consumes at.
func (p *Pipeline) OutputFPS() int { return p.outputFPS }

// OperationState returns the last published state.
func (p *Pipeline) OperationState() string {
	return p.opState.Load().(string)
}

// ObjectScanEnabled reports whether the object scanner currently receives
// frames.
func (p *Pipeline) ObjectScanEnabled() bool { return p.objectScanning.Load() }

// Start subscribes to the camera's frame topic and the scanner result
// topics, then launches the loop.
func (p *Pipeline) Start() {
	p.frameSubID, p.frameChan = p.bus.SubscribeChan("frame_bytes/"+p.identifier, frameQueueSize)
	if p.motionFS != nil {
		p.motionSubID, p.motionChan = p.bus.SubscribeChan(detector.ResultTopic(detector.ScannerMotion, p.identifier), resultQueueSize)
	}
	if p.objectFS != nil {
		p.objectSubID, p.objectChan = p.bus.SubscribeChan(detector.ResultTopic(detector.ScannerObject, p.identifier), resultQueueSize)
	}

	p.wg.Add(1)
	go p.run()
	log.Printf("[NVR:%s] pipeline started (output_fps=%d)", p.identifier, p.outputFPS)
}

// Stop halts intake, joins the loop, closes any active recording, and
// frees the held snapshot frame.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.bus.Unsubscribe("frame_bytes/"+p.identifier, p.frameSubID)
		if p.motionFS != nil {
			p.bus.Unsubscribe(detector.ResultTopic(detector.ScannerMotion, p.identifier), p.motionSubID)
		}
		if p.objectFS != nil {
			p.bus.Unsubscribe(detector.ResultTopic(detector.ScannerObject, p.identifier), p.objectSubID)
		}
		close(p.stopChan)
	})
	p.wg.Wait()

	if p.rec.Active() {
		p.rec.Stop()
	}
	if s, ok := p.rec.(interface{ Wait() }); ok {
		s.Wait()
	}

	p.latestMu.Lock()
	if p.latest != nil {
		p.pool.Release(p.latest)
		p.latest = nil
	}
	p.latestMu.Unlock()
	log.Printf("[NVR:%s] pipeline stopped", p.identifier)
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case msg := <-p.frameChan:
			if sf, ok := msg.Payload.(*frames.SharedFrame); ok {
				p.process(sf)
			}
		case <-time.After(framePullTimeout):
			// No frames; the camera supervisor handles reconnects.
		}
	}
}

func (p *Pipeline) process(sf *frames.SharedFrame) {
	defer func() {
		p.pool.ScheduleRemove(sf, frames.RemoveDelay)
	}()

	if time.Since(sf.At) > maxFrameAge {
		p.collector.FrameDropped(p.identifier)
		return
	}

	fedMotion := p.motionFS != nil && p.motionFS.CheckScanInterval()
	if fedMotion {
		p.bus.Publish(detector.ScanTopic(detector.ScannerMotion, p.identifier), sf)
	}
	fedObject := p.objectFS != nil && p.objectFS.CheckScanInterval()
	if fedObject {
		p.bus.Publish(detector.ScanTopic(detector.ScannerObject, p.identifier), sf)
	}

	scanErr := false
	var contours detector.Contours
	var objects []detector.DetectedObject
	objectOK := false

	if fedMotion {
		res, ok := p.waitMotion(sf.FrameID)
		if !ok || res.Error != "" {
			p.scanError(detector.ScannerMotion)
			scanErr = true
		} else {
			p.motionDetected = res.DetectedMotion
			contours = res.Contours
		}
	}
	if fedObject {
		res, ok := p.waitObject(sf.FrameID)
		if !ok || res.Error != "" {
			p.scanError(detector.ScannerObject)
			scanErr = true
		} else {
			objects = res.Objects
			objectOK = true
		}
	}

	p.gateObjectScanner()
	p.driveRecorder(p.evaluateTriggers(objectOK, objects))
	p.publishState(scanErr)

	p.bus.Publish(ProcessedFrameTopic(p.identifier), ProcessedFrame{
		Frame:          sf,
		Objects:        objects,
		Contours:       contours,
		MotionDetected: p.motionDetected,
	})
	p.updateLatest(sf)
	p.collector.FrameProcessed(p.identifier)
}

// evaluateTriggers returns the trigger type this frame sustains, or "".
func (p *Pipeline) evaluateTriggers(objectOK bool, objects []detector.DetectedObject) string {
	if objectOK {
		for _, o := range objects {
			if !o.Relevant || !o.TriggerEventRecording {
				continue
			}
			if o.RequireMotion && !p.motionDetected {
				continue
			}
			return recorder.TriggerObject
		}
	}
	if p.motionConf != nil && p.motionConf.TriggerRecorder && p.motionDetected {
		return recorder.TriggerMotion
	}
	return ""
}

// gateObjectScanner applies scan_on_motion_only: motion turns the object
// scanner on; quiet scenes with no active recording turn it back off.
func (p *Pipeline) gateObjectScanner() {
	if p.objectFS == nil || p.motionFS == nil || p.objectConf == nil {
		return
	}
	if p.objectConf.ScanOnMotionOnly == nil || !*p.objectConf.ScanOnMotionOnly {
		return
	}

	if p.motionDetected && !p.objectFS.Enabled() {
		p.objectFS.SetEnabled(true)
		p.recalc()
		log.Printf("[NVR:%s] motion detected, object scanning enabled", p.identifier)
	} else if !p.motionDetected && p.objectFS.Enabled() && !p.rec.Active() {
		p.objectFS.SetEnabled(false)
		p.recalc()
		log.Printf("[NVR:%s] scene quiet, object scanning disabled", p.identifier)
	}
}

// driveRecorder starts, sustains, or winds down the recording based on the
// trigger state of this frame.
func (p *Pipeline) driveRecorder(trigger string) {
	if trigger != "" {
		if !p.rec.Active() {
			if err := p.rec.Start(trigger); err != nil {
				log.Printf("[ERROR] [NVR:%s] start recording: %v", p.identifier, err)
				return
			}
		}
		p.idleFrames = 0
		return
	}

	if !p.rec.Active() {
		p.idleFrames = 0
		return
	}

	// Keepalive: motion without an object trigger sustains the recording,
	// bounded by max_recorder_keepalive (0 = no cap).
	if p.motionConf != nil && p.motionConf.RecorderKeepalive && p.motionDetected {
		maxAlive := time.Duration(p.motionConf.MaxRecorderKeepalive) * time.Second
		if maxAlive == 0 || time.Since(p.rec.StartedAt()) < maxAlive {
			p.idleFrames = 0
			return
		}
		log.Printf("[NVR:%s] keepalive cap reached, closing recording", p.identifier)
		p.rec.Stop()
		p.idleFrames = 0
		return
	}

	p.idleFrames++
	if p.idleFrames >= p.idleLimit {
		p.rec.Stop()
		p.idleFrames = 0
	}
}

func (p *Pipeline) publishState(scanErr bool) {
	state := StateIdle
	switch {
	case scanErr:
		state = StateErrorScanningFrame
	case p.rec.Active():
		state = StateRecording
	case p.objectFS != nil && p.objectFS.Enabled():
		state = StateScanningForObjects
	case p.motionFS != nil && p.motionFS.Enabled():
		state = StateScanningForMotion
	}

	if p.opState.Swap(state) != state {
		p.events.Dispatch(EventOperationState(p.identifier), OperationStateData{
			Identifier: p.identifier,
			State:      state,
		}, true)
	}
}

func (p *Pipeline) scanError(scanner string) {
	p.collector.ScanError(p.identifier, scanner)
	log.Printf("[WARN] [NVR:%s] scan_error: no usable %s result for this frame", p.identifier, scanner)
}

func (p *Pipeline) waitMotion(frameID uint64) (detector.MotionResult, bool) {
	timer := time.NewTimer(p.scanTimeout)
	defer timer.Stop()
	for {
		select {
		case <-p.stopChan:
			return detector.MotionResult{}, false
		case <-timer.C:
			return detector.MotionResult{}, false
		case msg := <-p.motionChan:
			res, ok := msg.Payload.(detector.MotionResult)
			if !ok || res.Frame == nil || res.Frame.FrameID < frameID {
				continue // stale result from an earlier frame
			}
			return res, res.Frame.FrameID == frameID
		}
	}
}

func (p *Pipeline) waitObject(frameID uint64) (detector.ObjectResult, bool) {
	timer := time.NewTimer(p.scanTimeout)
	defer timer.Stop()
	for {
		select {
		case <-p.stopChan:
			return detector.ObjectResult{}, false
		case <-timer.C:
			return detector.ObjectResult{}, false
		case msg := <-p.objectChan:
			res, ok := msg.Payload.(detector.ObjectResult)
			if !ok || res.Frame == nil || res.Frame.FrameID < frameID {
				continue
			}
			return res, res.Frame.FrameID == frameID
		}
	}
}

// updateLatest pins the newest processed frame for the snapshot endpoint,
// releasing the previous pin.
func (p *Pipeline) updateLatest(sf *frames.SharedFrame) {
	if err := p.pool.Acquire(sf); err != nil {
		return
	}
	p.latestMu.Lock()
	prev := p.latest
	p.latest = sf
	p.latestMu.Unlock()
	if prev != nil {
		p.pool.Release(prev)
	}
}

// Snapshot encodes the newest processed frame as a JPEG.
func (p *Pipeline) Snapshot() ([]byte, error) {
	p.latestMu.Lock()
	sf := p.latest
	p.latestMu.Unlock()
	if sf == nil {
		return nil, errors.New("no frame processed yet")
	}
	return detector.EncodeJPEG(p.pool, sf)
}
