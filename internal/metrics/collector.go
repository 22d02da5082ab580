package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-nvr/internal/bus"
)

// PoolSource reports frame-pool occupancy for one camera. The collector
// polls every registered source on its scrape loop.
type PoolSource interface {
	InUse() int
}

// Collector owns the process metrics registry. Hot-path packages increment
// counters directly; slow-changing gauges (bus queue, pool occupancy) are
// polled by a background loop.
type Collector struct {
	registry *prometheus.Registry

	framesProcessed *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	scanRequests    *prometheus.CounterVec
	scanErrors      *prometheus.CounterVec
	decoderRestarts *prometheus.CounterVec
	recordingActive *prometheus.GaugeVec
	tierBytesMoved  *prometheus.CounterVec
	tierFilesOp     *prometheus.CounterVec
	poolSlotsInUse  *prometheus.GaugeVec
	wsClients       prometheus.Gauge
	busPublished    prometheus.Gauge
	busDropped      prometheus.Gauge

	mu    sync.Mutex
	bus   *bus.Bus
	pools map[string]PoolSource

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCollector(b *bus.Bus) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		bus:      b,
		pools:    make(map[string]PoolSource),
		stopChan: make(chan struct{}),
	}

	c.framesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_frames_processed_total",
		Help: "Frames pulled through the per-camera pipeline",
	}, []string{"camera"})
	reg.MustRegister(c.framesProcessed)

	c.framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_frames_dropped_total",
		Help: "Frames dropped before scanning (stale or queue overrun)",
	}, []string{"camera"})
	reg.MustRegister(c.framesDropped)

	c.scanRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_scan_requests_total",
		Help: "Scan requests published per scanner",
	}, []string{"camera", "scanner"})
	reg.MustRegister(c.scanRequests)

	c.scanErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_scan_errors_total",
		Help: "Scanner timeouts and failures per scanner",
	}, []string{"camera", "scanner"})
	reg.MustRegister(c.scanErrors)

	c.decoderRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_decoder_restarts_total",
		Help: "Decoder subprocess restarts",
	}, []string{"camera"})
	reg.MustRegister(c.decoderRestarts)

	c.recordingActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvr_recording_active",
		Help: "1 while an event recording is open for the camera",
	}, []string{"camera"})
	reg.MustRegister(c.recordingActive)

	c.tierBytesMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_tier_bytes_moved_total",
		Help: "Bytes moved between storage tiers",
	}, []string{"camera"})
	reg.MustRegister(c.tierBytesMoved)

	c.tierFilesOp = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_tier_file_operations_total",
		Help: "Storage worker file operations by kind",
	}, []string{"operation"})
	reg.MustRegister(c.tierFilesOp)

	c.poolSlotsInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvr_frame_pool_slots_in_use",
		Help: "Frame pool slots currently holding a frame",
	}, []string{"camera"})
	reg.MustRegister(c.poolSlotsInUse)

	c.wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_ws_clients",
		Help: "Connected WebSocket event stream clients",
	})
	reg.MustRegister(c.wsClients)

	c.busPublished = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_bus_published_total",
		Help: "Messages published on the data bus",
	})
	reg.MustRegister(c.busPublished)

	c.busDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_bus_dropped_total",
		Help: "Messages evicted from full bus queues",
	})
	reg.MustRegister(c.busDropped)

	return c
}

// Start launches the scrape loop for the polled gauges.
func (c *Collector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

// Handler exposes the registry for the /metrics route.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegisterPool adds a camera frame pool to the scrape loop.
func (c *Collector) RegisterPool(camera string, p PoolSource) {
	c.mu.Lock()
	c.pools[camera] = p
	c.mu.Unlock()
}

// UnregisterPool drops a pool on camera unload.
func (c *Collector) UnregisterPool(camera string) {
	c.mu.Lock()
	delete(c.pools, camera)
	c.mu.Unlock()
	c.poolSlotsInUse.DeleteLabelValues(camera)
}

func (c *Collector) collect() {
	if c.bus != nil {
		stats := c.bus.Stats()
		c.busPublished.Set(float64(stats.Published))
		c.busDropped.Set(float64(stats.DroppedDispatch + stats.DroppedSub))
	}

	c.mu.Lock()
	for camera, p := range c.pools {
		c.poolSlotsInUse.WithLabelValues(camera).Set(float64(p.InUse()))
	}
	c.mu.Unlock()
}

// Hot-path increment helpers. Nil receivers are tolerated so tests can run
// components without a collector.

func (c *Collector) FrameProcessed(camera string) {
	if c == nil {
		return
	}
	c.framesProcessed.WithLabelValues(camera).Inc()
}

func (c *Collector) FrameDropped(camera string) {
	if c == nil {
		return
	}
	c.framesDropped.WithLabelValues(camera).Inc()
}

func (c *Collector) ScanRequest(camera, scanner string) {
	if c == nil {
		return
	}
	c.scanRequests.WithLabelValues(camera, scanner).Inc()
}

func (c *Collector) ScanError(camera, scanner string) {
	if c == nil {
		return
	}
	c.scanErrors.WithLabelValues(camera, scanner).Inc()
}

func (c *Collector) DecoderRestart(camera string) {
	if c == nil {
		return
	}
	c.decoderRestarts.WithLabelValues(camera).Inc()
}

func (c *Collector) SetRecordingActive(camera string, active bool) {
	if c == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	c.recordingActive.WithLabelValues(camera).Set(v)
}

func (c *Collector) TierBytesMoved(camera string, n int64) {
	if c == nil {
		return
	}
	c.tierBytesMoved.WithLabelValues(camera).Add(float64(n))
}

func (c *Collector) TierFileOp(operation string) {
	if c == nil {
		return
	}
	c.tierFilesOp.WithLabelValues(operation).Inc()
}

func (c *Collector) WSClientConnected()    { c.wsClientsDelta(1) }
func (c *Collector) WSClientDisconnected() { c.wsClientsDelta(-1) }

func (c *Collector) wsClientsDelta(d float64) {
	if c == nil {
		return
	}
	c.wsClients.Add(d)
}
