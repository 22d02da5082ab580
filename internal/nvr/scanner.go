package nvr

import "log"

// FrameScanner decides which frames one scanner sees. With the camera
// decoding at output_fps and the scanner asking for scanner_fps, every
// interval-th frame is marked, where interval = round(output_fps /
// scanner_fps).
type FrameScanner struct {
	name     string
	camera   string
	fps      int
	enabled  bool
	interval int
	counter  int
}

// NewFrameScanner clamps scanner fps to the camera's output fps, warning
// once when the scanner asks for more than the camera produces.
func NewFrameScanner(name, camera string, scannerFPS, cameraFPS int) *FrameScanner {
	if scannerFPS > cameraFPS {
		log.Printf("[WARN] [NVR:%s] scanner %s wants %d fps but camera decodes %d, clamping",
			camera, name, scannerFPS, cameraFPS)
		scannerFPS = cameraFPS
	}
	if scannerFPS < 1 {
		scannerFPS = 1
	}
	return &FrameScanner{name: name, camera: camera, fps: scannerFPS}
}

func (s *FrameScanner) Name() string  { return s.name }
func (s *FrameScanner) FPS() int      { return s.fps }
func (s *FrameScanner) Enabled() bool { return s.enabled }

// SetEnabled turns the scanner on or off. Disabling resets the frame
// counter so re-enabling starts a fresh cadence.
func (s *FrameScanner) SetEnabled(v bool) {
	if s.enabled == v {
		return
	}
	s.enabled = v
	if !v {
		s.counter = 0
	}
}

// SetOutputFPS recomputes the scan interval for a new pipeline output fps.
func (s *FrameScanner) SetOutputFPS(outputFPS int) {
	if outputFPS < 1 {
		outputFPS = 1
	}
	interval := (outputFPS + s.fps/2) / s.fps
	if interval < 1 {
		interval = 1
	}
	s.interval = interval
	s.counter = 0
}

// CheckScanInterval reports whether the current frame belongs to this
// scanner and advances the counter.
func (s *FrameScanner) CheckScanInterval() bool {
	if !s.enabled || s.interval < 1 {
		return false
	}
	mark := s.counter%s.interval == 0
	s.counter++
	if s.counter >= s.interval {
		s.counter = 0
	}
	return mark
}
