package nvr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameScannerMarksEveryNth(t *testing.T) {
	fs := NewFrameScanner("motion_detector", "cam1", 1, 5)
	fs.SetEnabled(true)
	fs.SetOutputFPS(5)

	var marks []bool
	for i := 0; i < 11; i++ {
		marks = append(marks, fs.CheckScanInterval())
	}
	assert.Equal(t, []bool{true, false, false, false, false, true, false, false, false, false, true}, marks)
}

func TestFrameScannerClampsToCameraFPS(t *testing.T) {
	fs := NewFrameScanner("object_detector", "cam1", 30, 10)
	assert.Equal(t, 10, fs.FPS())

	fs.SetEnabled(true)
	fs.SetOutputFPS(10)
	// Clamped to camera fps: every frame is marked.
	for i := 0; i < 5; i++ {
		assert.True(t, fs.CheckScanInterval())
	}
}

func TestFrameScannerDisableResetsCounter(t *testing.T) {
	fs := NewFrameScanner("motion_detector", "cam1", 1, 2)
	fs.SetEnabled(true)
	fs.SetOutputFPS(2)

	assert.True(t, fs.CheckScanInterval())  // frame 0 marked
	assert.False(t, fs.CheckScanInterval()) // frame 1 not

	fs.SetEnabled(false)
	assert.False(t, fs.CheckScanInterval())

	// Re-enabling starts a fresh cadence at the next frame.
	fs.SetEnabled(true)
	assert.True(t, fs.CheckScanInterval())
}

func TestFrameScannerRoundsInterval(t *testing.T) {
	fs := NewFrameScanner("object_detector", "cam1", 2, 5)
	fs.SetEnabled(true)
	fs.SetOutputFPS(5)

	// round(5/2) = 3: marks frames 0, 3, 6.
	var marked int
	for i := 0; i < 9; i++ {
		if fs.CheckScanInterval() {
			marked++
		}
	}
	assert.Equal(t, 3, marked)
}
