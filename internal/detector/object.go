package detector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-nvr/internal/broker"
	"github.com/technosupport/ts-nvr/internal/bus"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/frames"
	"github.com/technosupport/ts-nvr/internal/metrics"
)

const storeThrottleCap = 256

// persistTimeout bounds the DB insert for one stored hit so a slow
// database never backs up the scan handler.
const persistTimeout = 5 * time.Second

// ObjectScanner consumes object_detector/scan/<camera>, asks the sidecar
// for detections, filters them, publishes the result, and persists stored
// hits throttled per label.
type ObjectScanner struct {
	camera string
	conf   *config.ObjectDetectorConfig

	pool        *frames.Pool
	bus         *bus.Bus
	events      *events.Dispatcher
	sidecar     sidecar
	timeout     time.Duration
	models      data.Models
	collector   *metrics.Collector
	snapshotDir string

	// last stored time per label, so store_interval throttling survives
	// bursty scenes without unbounded growth.
	storeLast *lru.Cache[string, time.Time]

	subID   uuid.UUID
	stopped sync.Once
}

func NewObjectScanner(camera string, conf *config.ObjectDetectorConfig, pool *frames.Pool,
	b *bus.Bus, d *events.Dispatcher, sc sidecar, timeout time.Duration,
	models data.Models, collector *metrics.Collector, snapshotDir string) *ObjectScanner {

	throttle, _ := lru.New[string, time.Time](storeThrottleCap)
	return &ObjectScanner{
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
		storeLast:   throttle,
	}
}

func (s *ObjectScanner) Config() *config.ObjectDetectorConfig { return s.conf }
func (s *ObjectScanner) FPS() int                             { return s.conf.FPS }

// Start subscribes to the scan topic. Scans run on the bus worker, one at
// a time per scanner.
func (s *ObjectScanner) Start() {
	s.subID = s.bus.SubscribeFunc(ScanTopic(ScannerObject, s.camera), s.onScan)
	log.Printf("[ObjectScanner:%s] listening (fps=%d)", s.camera, s.conf.FPS)
}

func (s *ObjectScanner) Stop() {
	s.stopped.Do(func() {
		s.bus.Unsubscribe(ScanTopic(ScannerObject, s.camera), s.subID)
	})
}

func (s *ObjectScanner) onScan(msg bus.Message) {
	sf, ok := msg.Payload.(*frames.SharedFrame)
	if !ok {
		return
	}
	s.bus.Publish(ResultTopic(ScannerObject, s.camera), s.scan(sf))
}

func (s *ObjectScanner) scan(sf *frames.SharedFrame) ObjectResult {
	result := ObjectResult{Frame: sf}

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

	s.collector.ScanRequest(s.camera, ScannerObject)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	resp, err := s.sidecar.Call(ctx, broker.Request{
		Kind:   broker.KindDetectObjects,
		Camera: s.camera,
		Width:  sf.Width,
		Height: sf.Height,
		Format: string(sf.PixelFormat),
		Frame:  raw,
	})
	if err != nil {
		s.collector.ScanError(s.camera, ScannerObject)
		result.Error = err.Error()
		return result
	}

	objects := make([]DetectedObject, 0, len(resp.Objects))
	for _, d := range resp.Objects {
		objects = append(objects, objectFromDetection(d, sf.Width, sf.Height))
	}
	result.Objects = filterObjects(objects, s.conf)

	s.persist(sf, result.Objects)
	return result
}

// persist stores relevant store=true hits, at most one per label per
// store_interval, and dispatches the objects event for downstream caches.
func (s *ObjectScanner) persist(sf *frames.SharedFrame, objects []DetectedObject) {
	var relevant []DetectedObject
	snapshotPath := ""

	for _, o := range objects {
		if !o.Relevant {
			continue
		}
		relevant = append(relevant, o)
		if !o.Store {
			continue
		}

		if last, ok := s.storeLast.Get(o.Label); ok &&
			time.Since(last) < time.Duration(o.StoreInterval)*time.Second {
			continue
		}
		s.storeLast.Add(o.Label, time.Now())

		if snapshotPath == "" {
			p, err := saveSnapshot(s.pool, sf, s.snapshotDir)
			if err != nil {
				log.Printf("[WARN] [ObjectScanner:%s] snapshot failed: %v", s.camera, err)
			} else {
				snapshotPath = p
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		_, err := s.models.Objects.Insert(ctx, data.Object{
			CameraIdentifier: s.camera,
			Label:            o.Label,
			Confidence:       o.Confidence,
			X1:               o.X1,
			Y1:               o.Y1,
			X2:               o.X2,
			Y2:               o.Y2,
			Width:            o.X2 - o.X1,
			Height:           o.Y2 - o.Y1,
			SnapshotPath:     snapshotPath,
			Zone:             o.Zone,
		})
		cancel()
		if err != nil {
			log.Printf("[ERROR] [ObjectScanner:%s] store object %s: %v", s.camera, o.Label, err)
		}
	}

	if len(relevant) > 0 {
		s.events.Dispatch(EventObjectsDetected(s.camera), ObjectsEventData{
			Identifier: s.camera,
			Objects:    relevant,
		}, true)
	}
}
