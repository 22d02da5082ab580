package camera

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/ts-nvr/internal/bus"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/frames"
	"github.com/technosupport/ts-nvr/internal/metrics"
)

var debugEnabled = os.Getenv("NVR_DEBUG") != ""

func logDebug(format string, args ...any) {
	if debugEnabled {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Bus topic and event helpers. Everything per-camera keys off the
// identifier.
func FrameBytesTopic(identifier string) string { return "frame_bytes/" + identifier }

func EventCameraStarted(identifier string) string { return "camera_started/" + identifier }
func EventCameraStopped(identifier string) string { return "camera_stopped/" + identifier }
func EventCameraStatus(identifier string) string  { return "status/" + identifier }

// StatusData is the payload of status/<identifier> events.
type StatusData struct {
	Identifier string
	Connected  bool
}

const (
	maxConsecutiveEmptyReads = 10
	decoderRestartDelay      = 5 * time.Second
	relayQueueSize           = 4
	watchdogInterval         = 10 * time.Second
)

// Camera owns the decode and segment subprocesses for one stream and
// publishes SharedFrame references on frame_bytes/<identifier>.
type Camera struct {
	identifier string
	conf       *config.CameraConfig
	info       StreamInfo
	segmentDir string
	segmentDur int
	outputFPS  int

	bus       *bus.Bus
	events    *events.Dispatcher
	collector *metrics.Collector
	pool      *frames.Pool

	connected atomic.Bool
	lastFrame atomic.Int64 // unix nano of the last relayed frame

	relayChan chan *frames.SharedFrame
	restart   chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New probes the stream (unless record-only or fully configured) and
// builds the camera. outputFPS caps the decode rate at the fastest scanner
// registered for the camera; decoding faster only burns CPU and skews
// frame-counted timeouts downstream. The returned camera is inert until
// Start.
func New(identifier string, conf *config.CameraConfig, segmentDir string, segmentDur, outputFPS int,
	b *bus.Bus, d *events.Dispatcher, collector *metrics.Collector, stop <-chan struct{}) (*Camera, error) {

	info := StreamInfo{
		Width:      conf.Width,
		Height:     conf.Height,
		FPS:        conf.FPS,
		Codec:      conf.Codec,
		AudioCodec: conf.AudioCodec,
	}
	if !conf.RecordOnly && (info.Width == 0 || info.Height == 0 || info.FPS == 0) {
		probed, err := Probe(conf.StreamURL(), stop)
		if err != nil {
			return nil, err
		}
		if info.Width == 0 {
			info.Width = probed.Width
			info.Height = probed.Height
		}
		if info.FPS == 0 {
			info.FPS = probed.FPS
		}
		if info.Codec == "" {
			info.Codec = probed.Codec
		}
		if info.AudioCodec == "" {
			info.AudioCodec = probed.AudioCodec
		}
	}

	c := &Camera{
		identifier: identifier,
		conf:       conf,
		info:       info,
		segmentDir: segmentDir,
		segmentDur: segmentDur,
		outputFPS:  outputFPS,
		bus:        b,
		events:     d,
		collector:  collector,
		relayChan:  make(chan *frames.SharedFrame, relayQueueSize),
		restart:    make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
	if !conf.RecordOnly {
		c.pool = frames.NewPool(identifier, c.frameBytes(), 0)
		if collector != nil {
			collector.RegisterPool(identifier, c.pool)
		}
	}
	return c, nil
}

// frameBytes is the exact byte count of one raw 4:2:0 frame on the pipe.
func (c *Camera) frameBytes() int {
	return c.info.Width * c.info.Height * 3 / 2
}

func (c *Camera) Identifier() string          { return c.identifier }
func (c *Camera) Config() *config.CameraConfig { return c.conf }
func (c *Camera) Info() StreamInfo            { return c.info }
func (c *Camera) SegmentDir() string          { return c.segmentDir }
func (c *Camera) Pool() *frames.Pool          { return c.pool }
func (c *Camera) Connected() bool             { return c.connected.Load() }
func (c *Camera) Failed() bool                { return false }

// Start launches the segmenter supervisor and, unless record-only, the
// decoder supervisor, relay and watchdog.
func (c *Camera) Start() error {
	if err := os.MkdirAll(c.segmentDir, 0750); err != nil {
		return fmt.Errorf("segment dir: %w", err)
	}

	c.wg.Add(1)
	go c.superviseSegmenter()

	if !c.conf.RecordOnly {
		c.wg.Add(3)
		go c.superviseDecoder()
		go c.relay()
		go c.watchdog()
	}

	c.events.Dispatch(EventCameraStarted(c.identifier), StatusData{Identifier: c.identifier}, true)
	log.Printf("[Camera:%s] started (%dx%d @ %d fps, record_only=%t)",
		c.identifier, c.info.Width, c.info.Height, c.info.FPS, c.conf.RecordOnly)
	return nil
}

// Stop terminates both subprocesses and the goroutines. Idempotent.
func (c *Camera) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()

	if c.pool != nil {
		c.pool.Close()
		if c.collector != nil {
			c.collector.UnregisterPool(c.identifier)
		}
	}
	c.setConnected(false)
	c.events.Dispatch(EventCameraStopped(c.identifier), StatusData{Identifier: c.identifier}, true)
	log.Printf("[Camera:%s] stopped", c.identifier)
}

func (c *Camera) setConnected(v bool) {
	if c.connected.Swap(v) != v {
		c.events.Dispatch(EventCameraStatus(c.identifier), StatusData{
			Identifier: c.identifier,
			Connected:  v,
		}, true)
	}
}

// superviseDecoder runs the decode subprocess in a restart loop. Each pass
// launches ffmpeg, reads frames until the pipe dies or the watchdog asks
// for a restart, then sleeps before relaunching.
func (c *Camera) superviseDecoder() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		cmd, stdout, err := startProcess("ffmpeg", decoderArgs(c.conf, c.info, c.outputFPS), true)
		if err != nil {
			log.Printf("[ERROR] [Camera:%s] decoder start failed: %v", c.identifier, err)
			c.setConnected(false)
			if !c.sleepOrStop(decoderRestartDelay) {
				return
			}
			continue
		}
		logDebug("[Camera:%s] decoder pid %d", c.identifier, cmd.Process.Pid)

		c.runDecoderOnce(cmd, stdout)
		c.setConnected(false)

		select {
		case <-c.stopChan:
			return
		default:
			c.collector.DecoderRestart(c.identifier)
			log.Printf("[Camera:%s] decoder exited, restarting in %s", c.identifier, decoderRestartDelay)
			if !c.sleepOrStop(decoderRestartDelay) {
				return
			}
		}
	}
}

// runDecoderOnce reads the decoder's output until the pipe breaks. The
// read blocks in the pipe, so a stop or a watchdog restart has to kill the
// process to unblock it; a watcher goroutine does exactly that.
func (c *Camera) runDecoderOnce(cmd *exec.Cmd, stdout io.Reader) {
	// Drop a restart request aimed at the previous decoder.
	select {
	case <-c.restart:
	default:
	}

	readDone := make(chan struct{})
	go func() {
		select {
		case <-readDone:
			return
		case <-c.restart:
			log.Printf("[WARN] [Camera:%s] watchdog requested decoder restart, killing decoder", c.identifier)
		case <-c.stopChan:
		}
		killProcess(cmd)
	}()

	c.readFrames(stdout)
	close(readDone)
	stopProcess(cmd)
}

// readFrames reads exactly frameBytes per frame from the decoder pipe into
// pool slots and hands them to the relay. Returns when the pipe breaks or
// too many empty reads accumulate.
func (c *Camera) readFrames(stdout io.Reader) {
	emptyReads := 0
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		sf, buf, err := c.pool.Create(c.info.Width, c.info.Height, frames.PixelFormat(c.conf.PixFmt), time.Now())
		if err != nil {
			// Pool full means every consumer is stalled. Skip a frame's
			// worth of bytes so the pipe keeps moving.
			if _, derr := io.CopyN(io.Discard, stdout, int64(c.frameBytes())); derr != nil {
				return
			}
			c.collector.FrameDropped(c.identifier)
			continue
		}

		n, err := io.ReadFull(stdout, buf)
		if err != nil || n < len(buf) {
			c.pool.Remove(sf)
			emptyReads++
			logDebug("[Camera:%s] short read (%d/%d), empty=%d err=%v",
				c.identifier, n, len(buf), emptyReads, err)
			if emptyReads >= maxConsecutiveEmptyReads {
				log.Printf("[ERROR] [Camera:%s] decode_error: %d consecutive empty reads", c.identifier, emptyReads)
				return
			}
			continue
		}
		emptyReads = 0

		select {
		case c.relayChan <- sf:
		default:
			// Relay stalled; lose this frame rather than block the pipe.
			c.pool.Remove(sf)
			c.collector.FrameDropped(c.identifier)
		}
	}
}

// relay publishes frames read by the decoder loop and maintains the
// connected flag plus the watchdog poll timestamp.
func (c *Camera) relay() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case sf := <-c.relayChan:
			c.lastFrame.Store(time.Now().UnixNano())
			c.setConnected(true)
			c.bus.Publish(FrameBytesTopic(c.identifier), sf)
		}
	}
}

// watchdog forces a decoder restart when no frame arrived within
// frame_timeout.
func (c *Camera) watchdog() {
	defer c.wg.Done()

	timeout := time.Duration(c.conf.FrameTimeout) * time.Second
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			last := c.lastFrame.Load()
			if last == 0 || !c.connected.Load() {
				continue
			}
			if time.Since(time.Unix(0, last)) > timeout {
				log.Printf("[WARN] [Camera:%s] no frame for %s, killing decoder", c.identifier, timeout)
				select {
				case c.restart <- struct{}{}:
				default:
				}
			}
		}
	}
}

// superviseSegmenter keeps the segment writer alive. In record-only mode
// its liveness is what drives the connected flag.
func (c *Camera) superviseSegmenter() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		cmd, _, err := startProcess("ffmpeg", segmenterArgs(c.conf, c.segmentDir, c.segmentDur), false)
		if err != nil {
			log.Printf("[ERROR] [Camera:%s] segmenter start failed: %v", c.identifier, err)
			if !c.sleepOrStop(decoderRestartDelay) {
				return
			}
			continue
		}
		logDebug("[Camera:%s] segmenter pid %d", c.identifier, cmd.Process.Pid)
		if c.conf.RecordOnly {
			c.setConnected(true)
		}

		waitDone := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(waitDone)
		}()

		select {
		case <-c.stopChan:
			terminate(cmd, waitDone)
			return
		case <-waitDone:
			if c.conf.RecordOnly {
				c.setConnected(false)
			}
			log.Printf("[WARN] [Camera:%s] segmenter exited, restarting in %s", c.identifier, decoderRestartDelay)
			if !c.sleepOrStop(decoderRestartDelay) {
				return
			}
		}
	}
}

func (c *Camera) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopChan:
		return false
	}
}
