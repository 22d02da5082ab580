package frames

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// RemoveDelay is the minimum time between publishing a frame and reclaiming
// its buffer. Subscribers slower than this lose the frame and must tolerate
// ErrFrameGone.
const RemoveDelay = 2 * time.Second

// DefaultMaxSlots caps a camera pool. 30 fps with the 2 s removal delay
// keeps ~60 frames outstanding; the rest is headroom for readers holding
// references across scan waits.
const DefaultMaxSlots = 128

var (
	ErrFrameGone     = errors.New("frame no longer in pool")
	ErrPoolExhausted = errors.New("frame pool exhausted")
	ErrPoolClosed    = errors.New("frame pool closed")
)

// PixelFormat of the raw plane data produced by the decoder.
type PixelFormat string

const (
	FormatNV12    PixelFormat = "nv12"
	FormatYUV420P PixelFormat = "yuv420p"
)

// SharedFrame describes one decoded frame held in a camera's pool. The
// struct is the bus payload; the pixel data stays in the pool and is
// reached through Raw/RGB while holding a reference.
type SharedFrame struct {
	CameraIdentifier string
	FrameID          uint64
	Width            int
	Height           int
	PlaneHeight      int // Height * 3 / 2 for 4:2:0 formats
	PixelFormat      PixelFormat
	At               time.Time
}

type slot struct {
	raw     []byte
	rgb     []byte
	refs    int
	removed bool
}

// Pool owns the frame buffers for one camera. Buffers are leased by the
// decoder reader, referenced by consumers, and reclaimed when the removal
// flag is set and the reference count reaches zero. Reclaimed buffers are
// reused for later frames, so steady state allocates nothing per frame.
type Pool struct {
	camera    string
	frameSize int
	maxSlots  int

	mu     sync.Mutex
	slots  map[uint64]*slot
	free   []*slot
	timers map[uint64]*time.Timer
	nextID uint64
	closed bool
}

func NewPool(camera string, frameSize, maxSlots int) *Pool {
	if maxSlots <= 0 {
		maxSlots = DefaultMaxSlots
	}
	return &Pool{
		camera:    camera,
		frameSize: frameSize,
		maxSlots:  maxSlots,
		slots:     make(map[uint64]*slot),
		timers:    make(map[uint64]*time.Timer),
	}
}

// Create leases a buffer for the next frame and returns the descriptor plus
// the raw plane to write into. The frame starts with one reference (the
// publication reference) which is dropped by Remove/ScheduleRemove.
func (p *Pool) Create(width, height int, format PixelFormat, at time.Time) (*SharedFrame, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrPoolClosed
	}

	var s *slot
	if n := len(p.free); n > 0 {
		s = p.free[n-1]
		p.free = p.free[:n-1]
	} else if len(p.slots) < p.maxSlots {
		s = &slot{raw: make([]byte, p.frameSize)}
	} else {
		return nil, nil, fmt.Errorf("%w: %d frames outstanding for %s", ErrPoolExhausted, len(p.slots), p.camera)
	}
	s.refs = 1
	s.removed = false

	p.nextID++
	id := p.nextID
	p.slots[id] = s

	sf := &SharedFrame{
		CameraIdentifier: p.camera,
		FrameID:          id,
		Width:            width,
		Height:           height,
		PlaneHeight:      height * 3 / 2,
		PixelFormat:      format,
		At:               at,
	}
	return sf, s.raw, nil
}

// Acquire takes a reference so the frame outlives its removal timer while
// the caller reads it. Returns ErrFrameGone once the frame was reclaimed.
func (p *Pool) Acquire(sf *SharedFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[sf.FrameID]
	if !ok {
		return ErrFrameGone
	}
	s.refs++
	return nil
}

// Release drops a reference taken by Acquire (or the publication reference
// when called via Remove). The buffer is reclaimed at refs==0 after removal
// was flagged.
func (p *Pool) Release(sf *SharedFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(sf.FrameID)
}

func (p *Pool) releaseLocked(id uint64) {
	s, ok := p.slots[id]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 && s.removed {
		delete(p.slots, id)
		if !p.closed {
			p.free = append(p.free, s)
		}
	}
}

// Raw returns the raw plane bytes. The caller must hold a reference.
func (p *Pool) Raw(sf *SharedFrame) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[sf.FrameID]
	if !ok {
		return nil, ErrFrameGone
	}
	return s.raw, nil
}

// RGB returns the frame converted to packed RGB24, converting on first use
// and caching the result in a second buffer tied to the same slot.
func (p *Pool) RGB(sf *SharedFrame) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[sf.FrameID]
	if !ok {
		return nil, ErrFrameGone
	}
	if s.rgb == nil {
		rgb := make([]byte, sf.Width*sf.Height*3)
		if err := convertToRGB(sf.PixelFormat, s.raw, rgb, sf.Width, sf.Height); err != nil {
			return nil, err
		}
		s.rgb = rgb
	}
	return s.rgb, nil
}

// Remove drops the publication reference and flags the slot for
// reclamation. Consumers holding references keep the buffer alive until
// their Release.
func (p *Pool) Remove(sf *SharedFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.timers[sf.FrameID]; ok {
		t.Stop()
		delete(p.timers, sf.FrameID)
	}
	s, ok := p.slots[sf.FrameID]
	if !ok || s.removed {
		return
	}
	s.removed = true
	p.releaseLocked(sf.FrameID)
}

// ScheduleRemove arranges Remove to run after delay. Exactly one removal
// per published frame: scheduling twice keeps only the first timer.
func (p *Pool) ScheduleRemove(sf *SharedFrame, delay time.Duration) {
	if delay < RemoveDelay {
		delay = RemoveDelay
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.timers[sf.FrameID]; ok {
		p.mu.Unlock()
		return
	}
	id := sf.FrameID
	frame := *sf
	p.timers[id] = time.AfterFunc(delay, func() {
		p.Remove(&frame)
	})
	p.mu.Unlock()
}

// InUse reports how many frames currently hold a slot.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Close stops all pending removal timers and reclaims everything. Frames
// referenced after Close read as gone.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	leaked := 0
	for id, s := range p.slots {
		if s.refs > 1 || !s.removed {
			leaked++
		}
		delete(p.slots, id)
	}
	p.free = nil
	if leaked > 0 {
		log.Printf("[WARN] [Frames:%s] pool closed with %d frames still referenced", p.camera, leaked)
	}
}
