package detector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-nvr/internal/broker"
	"github.com/technosupport/ts-nvr/internal/bus"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/frames"
	"github.com/technosupport/ts-nvr/internal/metrics"
)

// MotionScanner consumes motion_detector/scan/<camera>, asks the sidecar
// for contours, and tracks motion state. A motion span opens a motion row
// on start and closes it on stop.
type MotionScanner struct {
	camera string
	conf   *config.MotionDetectorConfig

	pool        *frames.Pool
	bus         *bus.Bus
	events      *events.Dispatcher
	sidecar     sidecar
	timeout     time.Duration
	models      data.Models
	collector   *metrics.Collector
	snapshotDir string

	mu       sync.Mutex
	inMotion bool
	rowID    int64

	subID   uuid.UUID
	stopped sync.Once
}

func NewMotionScanner(camera string, conf *config.MotionDetectorConfig, pool *frames.Pool,
	b *bus.Bus, d *events.Dispatcher, sc sidecar, timeout time.Duration,
	models data.Models, collector *metrics.Collector, snapshotDir string) *MotionScanner {

	return &MotionScanner{
		camera:      camera,
		conf:        conf,
		pool:        pool,
		bus:         b,
		events:      d,
		sidecar:     sc,
		timeout:     timeout,
		models:      models,
		collector:   collector,
		snapshotDir: snapshotDir,
	}
}

func (s *MotionScanner) Config() *config.MotionDetectorConfig { return s.conf }
func (s *MotionScanner) FPS() int                             { return s.conf.FPS }

// Detected reports whether the camera is currently inside a motion span.
func (s *MotionScanner) Detected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inMotion
}

func (s *MotionScanner) Start() {
	s.subID = s.bus.SubscribeFunc(ScanTopic(ScannerMotion, s.camera), s.onScan)
	log.Printf("[MotionScanner:%s] listening (fps=%d, area=%.3f)", s.camera, s.conf.FPS, s.conf.Area)
}

// Stop unsubscribes and closes any open motion span.
func (s *MotionScanner) Stop() {
	s.stopped.Do(func() {
		s.bus.Unsubscribe(ScanTopic(ScannerMotion, s.camera), s.subID)
		s.transition(false, 0, nil)
	})
}

func (s *MotionScanner) onScan(msg bus.Message) {
	sf, ok := msg.Payload.(*frames.SharedFrame)
	if !ok {
		return
	}
	s.bus.Publish(ResultTopic(ScannerMotion, s.camera), s.scan(sf))
}

func (s *MotionScanner) scan(sf *frames.SharedFrame) MotionResult {
	result := MotionResult{Frame: sf}

	if err := s.pool.Acquire(sf); err != nil {
		result.Error = err.Error()
		return result
	}
	defer s.pool.Release(sf)

	raw, err := s.pool.Raw(sf)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	s.collector.ScanRequest(s.camera, ScannerMotion)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	resp, err := s.sidecar.Call(ctx, broker.Request{
		Kind:   broker.KindDetectMotion,
		Camera: s.camera,
		Width:  sf.Width,
		Height: sf.Height,
		Format: string(sf.PixelFormat),
		Frame:  raw,
		Thresh: s.conf.Area,
	})
	if err != nil {
		s.collector.ScanError(s.camera, ScannerMotion)
		result.Error = err.Error()
		return result
	}

	result.Contours = filterContours(resp.Contours, s.conf.Masks)
	result.DetectedMotion = result.Contours.MaxArea >= s.conf.Area

	s.transition(result.DetectedMotion, result.Contours.MaxArea, sf)
	return result
}

// transition opens or closes the motion span on a state change.
func (s *MotionScanner) transition(detected bool, maxArea float64, sf *frames.SharedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if detected == s.inMotion {
		return
	}
	s.inMotion = detected

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if detected {
		snapshotPath := ""
		if sf != nil {
			if p, err := saveSnapshot(s.pool, sf, s.snapshotDir); err == nil {
				snapshotPath = p
			}
		}
		id, err := s.models.Motion.Start(ctx, s.camera, time.Now(), snapshotPath)
		if err != nil {
			log.Printf("[ERROR] [MotionScanner:%s] open motion row: %v", s.camera, err)
		} else {
			s.rowID = id
		}
		log.Printf("[MotionScanner:%s] motion started (area=%.3f)", s.camera, maxArea)
	} else {
		if s.rowID != 0 {
			if err := s.models.Motion.End(ctx, s.rowID, time.Now()); err != nil {
				log.Printf("[ERROR] [MotionScanner:%s] close motion row %d: %v", s.camera, s.rowID, err)
			}
			s.rowID = 0
		}
		log.Printf("[MotionScanner:%s] motion stopped", s.camera)
	}

	s.events.Dispatch(EventMotionDetected(s.camera), MotionEventData{
		Identifier: s.camera,
		Detected:   detected,
		MaxArea:    maxArea,
	}, true)
}
