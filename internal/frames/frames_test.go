package frames

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, maxSlots int) *Pool {
	t.Helper()
	// 4x4 NV12 frame: 16 luma bytes + 8 chroma bytes
	p := NewPool("cam1", 4*4*3/2, maxSlots)
	t.Cleanup(p.Close)
	return p
}

func create(t *testing.T, p *Pool) (*SharedFrame, []byte) {
	t.Helper()
	sf, raw, err := p.Create(4, 4, FormatNV12, time.Now())
	require.NoError(t, err)
	return sf, raw
}

func TestFrameLifecycle(t *testing.T) {
	p := testPool(t, 4)

	sf, raw := create(t, p)
	assert.Equal(t, 24, len(raw))
	assert.Equal(t, 6, sf.PlaneHeight)
	assert.Equal(t, 1, p.InUse())

	// consumer takes a reference, producer-side removal happens, buffer
	// survives until the consumer releases
	require.NoError(t, p.Acquire(sf))
	p.Remove(sf)
	assert.Equal(t, 1, p.InUse(), "referenced frame must survive removal")

	got, err := p.Raw(sf)
	require.NoError(t, err)
	assert.Equal(t, &raw[0], &got[0], "same backing buffer")

	p.Release(sf)
	assert.Equal(t, 0, p.InUse())

	_, err = p.Raw(sf)
	assert.ErrorIs(t, err, ErrFrameGone)
	assert.ErrorIs(t, p.Acquire(sf), ErrFrameGone)
}

func TestBufferReuse(t *testing.T) {
	p := testPool(t, 1)

	sf1, raw1 := create(t, p)
	p.Remove(sf1)

	sf2, raw2 := create(t, p)
	assert.NotEqual(t, sf1.FrameID, sf2.FrameID, "frame ids are monotonic")
	assert.Equal(t, &raw1[0], &raw2[0], "reclaimed buffer is reused")
	p.Remove(sf2)
}

func TestPoolExhaustion(t *testing.T) {
	p := testPool(t, 2)

	sf1, _ := create(t, p)
	create(t, p)

	_, _, err := p.Create(4, 4, FormatNV12, time.Now())
	assert.ErrorIs(t, err, ErrPoolExhausted)

	// freeing one slot unblocks creation
	p.Remove(sf1)
	_, _, err = p.Create(4, 4, FormatNV12, time.Now())
	assert.NoError(t, err)
}

func TestScheduleRemoveFiresOnce(t *testing.T) {
	// The 2s floor makes real-timer tests slow, so exercise the schedule
	// bookkeeping and rely on Remove for the reclaim path.
	p := testPool(t, 4)

	sf, _ := create(t, p)
	p.ScheduleRemove(sf, RemoveDelay)
	p.ScheduleRemove(sf, RemoveDelay) // second schedule is ignored

	p.mu.Lock()
	timers := len(p.timers)
	p.mu.Unlock()
	assert.Equal(t, 1, timers)

	// immediate Remove cancels the pending timer
	p.Remove(sf)
	p.mu.Lock()
	timers = len(p.timers)
	p.mu.Unlock()
	assert.Equal(t, 0, timers)
	assert.Equal(t, 0, p.InUse())
}

func TestRGBLazyConversion(t *testing.T) {
	p := testPool(t, 4)

	sf, raw := create(t, p)
	// neutral gray in NV12: luma 128 everywhere, chroma 128/128
	for i := range raw {
		raw[i] = 128
	}

	rgb, err := p.RGB(sf)
	require.NoError(t, err)
	require.Equal(t, 4*4*3, len(rgb))
	assert.True(t, bytes.Equal(rgb, bytes.Repeat([]byte{128}, len(rgb))), "gray in, gray out")

	// second call returns the cached buffer
	rgb2, err := p.RGB(sf)
	require.NoError(t, err)
	assert.Equal(t, &rgb[0], &rgb2[0])

	p.Remove(sf)
	_, err = p.RGB(sf)
	assert.ErrorIs(t, err, ErrFrameGone)
}

func TestYUV420PConversion(t *testing.T) {
	w, h := 4, 2
	src := make([]byte, w*h*3/2)
	dst := make([]byte, w*h*3)
	for i := range src {
		src[i] = 128
	}
	require.NoError(t, convertToRGB(FormatYUV420P, src, dst, w, h))
	assert.True(t, bytes.Equal(dst, bytes.Repeat([]byte{128}, len(dst))))

	// short buffer is rejected
	assert.Error(t, convertToRGB(FormatYUV420P, src[:3], dst, w, h))
	assert.Error(t, convertToRGB(PixelFormat("rgb565"), src, dst, w, h))
}

func TestCreateAfterClose(t *testing.T) {
	p := NewPool("cam1", 24, 2)
	p.Close()
	_, _, err := p.Create(4, 4, FormatNV12, time.Now())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
