package detector

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-nvr/internal/broker"
	"github.com/technosupport/ts-nvr/internal/bus"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/frames"
)

type fakeSidecar struct {
	resp    broker.Response
	err     error
	lastReq broker.Request
	calls   int
}

func (f *fakeSidecar) Call(_ context.Context, req broker.Request) (broker.Response, error) {
	f.lastReq = req
	f.calls++
	return f.resp, f.err
}

func square(x1, y1, x2, y2 float64) []config.Point {
	return []config.Point{{X: x1, Y: y1}, {X: x2, Y: y1}, {X: x2, Y: y2}, {X: x1, Y: y2}}
}

func TestPointInPolygon(t *testing.T) {
	poly := square(0.25, 0.25, 0.75, 0.75)

	assert.True(t, pointInPolygon(0.5, 0.5, poly))
	assert.False(t, pointInPolygon(0.1, 0.5, poly))
	assert.False(t, pointInPolygon(0.5, 0.9, poly))
	assert.False(t, pointInPolygon(0.5, 0.5, poly[:2])) // degenerate
}

func TestMatchLabel(t *testing.T) {
	labels := []config.Label{{
		Label:                 "person",
		Confidence:            0.8,
		HeightMin:             0.1,
		HeightMax:             0.9,
		WidthMax:              1,
		TriggerEventRecording: true,
		Store:                 true,
		StoreInterval:         60,
	}}

	o := DetectedObject{Label: "person", Confidence: 0.85, RelWidth: 0.2, RelHeight: 0.4}
	require.True(t, matchLabel(&o, labels))
	assert.True(t, o.Relevant)
	assert.True(t, o.TriggerEventRecording)
	assert.True(t, o.Store)
	assert.Equal(t, 60, o.StoreInterval)

	low := DetectedObject{Label: "person", Confidence: 0.5, RelWidth: 0.2, RelHeight: 0.4}
	assert.False(t, matchLabel(&low, labels))

	tiny := DetectedObject{Label: "person", Confidence: 0.9, RelWidth: 0.2, RelHeight: 0.05}
	assert.False(t, matchLabel(&tiny, labels))

	cat := DetectedObject{Label: "cat", Confidence: 0.99, RelWidth: 0.2, RelHeight: 0.4}
	assert.False(t, matchLabel(&cat, labels))
}

func TestFilterObjectsMaskDiscards(t *testing.T) {
	conf := &config.ObjectDetectorConfig{
		Labels: []config.Label{{Label: "person", Confidence: 0.5, HeightMax: 1, WidthMax: 1}},
		Masks:  []config.Mask{{Coordinates: square(0, 0, 0.5, 1)}},
	}

	objects := []DetectedObject{
		// Anchor (bottom center) at (0.25, 0.8): inside the mask.
		{Label: "person", Confidence: 0.9, RelX1: 0.2, RelY1: 0.4, RelX2: 0.3, RelY2: 0.8, RelWidth: 0.1, RelHeight: 0.4},
		// Anchor at (0.75, 0.8): clear of the mask.
		{Label: "person", Confidence: 0.9, RelX1: 0.7, RelY1: 0.4, RelX2: 0.8, RelY2: 0.8, RelWidth: 0.1, RelHeight: 0.4},
	}

	out := filterObjects(objects, conf)
	assert.False(t, out[0].Relevant)
	assert.True(t, out[1].Relevant)
}

func TestFilterObjectsZoneAssignment(t *testing.T) {
	conf := &config.ObjectDetectorConfig{
		Zones: []config.Zone{{
			Name:        "driveway",
			Coordinates: square(0.5, 0, 1, 1),
			Labels:      []config.Label{{Label: "car", Confidence: 0.5, HeightMax: 1, WidthMax: 1, TriggerEventRecording: true}},
		}},
	}

	objects := []DetectedObject{
		{Label: "car", Confidence: 0.9, RelX1: 0.6, RelY1: 0.2, RelX2: 0.9, RelY2: 0.6, RelWidth: 0.3, RelHeight: 0.4},
		{Label: "car", Confidence: 0.9, RelX1: 0.0, RelY1: 0.2, RelX2: 0.2, RelY2: 0.6, RelWidth: 0.2, RelHeight: 0.4},
	}

	out := filterObjects(objects, conf)
	assert.Equal(t, "driveway", out[0].Zone)
	assert.True(t, out[0].TriggerEventRecording)
	assert.Empty(t, out[1].Zone)
	assert.False(t, out[1].Relevant)
}

func TestFilterContours(t *testing.T) {
	polys := []broker.Polygon{
		{Points: []broker.Point{{X: 0.1, Y: 0.1}, {X: 0.2, Y: 0.1}, {X: 0.15, Y: 0.2}}, Area: 0.05},
		{Points: []broker.Point{{X: 0.6, Y: 0.6}, {X: 0.8, Y: 0.6}, {X: 0.7, Y: 0.8}}, Area: 0.12},
	}

	c := filterContours(polys, nil)
	assert.Len(t, c.Polygons, 2)
	assert.InDelta(t, 0.12, c.MaxArea, 1e-9)

	masked := filterContours(polys, []config.Mask{{Coordinates: square(0.5, 0.5, 1, 1)}})
	assert.Len(t, masked.Polygons, 1)
	assert.InDelta(t, 0.05, masked.MaxArea, 1e-9)
}

func TestObjectFromDetection(t *testing.T) {
	o := objectFromDetection(broker.Detection{
		Label:      "person",
		Confidence: 0.91,
		BBox:       broker.BBox{X: 0.25, Y: 0.5, W: 0.25, H: 0.25},
	}, 1920, 1080)

	assert.Equal(t, 480, o.X1)
	assert.Equal(t, 540, o.Y1)
	assert.Equal(t, 960, o.X2)
	assert.Equal(t, 810, o.Y2)
	assert.InDelta(t, 0.5, o.RelX2, 1e-9)
}

func scanFrame(t *testing.T, pool *frames.Pool) *frames.SharedFrame {
	t.Helper()
	sf, _, err := pool.Create(4, 4, frames.FormatNV12, time.Now())
	require.NoError(t, err)
	return sf
}

func TestObjectScannerScan(t *testing.T) {
	pool := frames.NewPool("cam1", 4*4*3/2, 0)
	defer pool.Close()

	sc := &fakeSidecar{resp: broker.Response{
		Objects: []broker.Detection{{Label: "person", Confidence: 0.95, BBox: broker.BBox{X: 0.1, Y: 0.1, W: 0.3, H: 0.6}}},
	}}
	conf := &config.ObjectDetectorConfig{
		FPS:    1,
		Labels: []config.Label{{Label: "person", Confidence: 0.8, HeightMax: 1, WidthMax: 1, TriggerEventRecording: true}},
	}

	s := NewObjectScanner("cam1", conf, pool, bus.New(0), events.NewDispatcher(), sc,
		time.Second, data.Models{}, nil, t.TempDir())

	res := s.scan(scanFrame(t, pool))
	require.Empty(t, res.Error)
	require.Len(t, res.Objects, 1)
	assert.True(t, res.Objects[0].Relevant)
	assert.True(t, res.Objects[0].TriggerEventRecording)
	assert.Equal(t, broker.KindDetectObjects, sc.lastReq.Kind)
	assert.Equal(t, "cam1", sc.lastReq.Camera)
}

func TestMotionScannerTransitions(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO motion`).
		WithArgs("cam1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(`UPDATE motion`).
		WithArgs(sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool := frames.NewPool("cam1", 4*4*3/2, 0)
	defer pool.Close()

	sc := &fakeSidecar{resp: broker.Response{
		Contours: []broker.Polygon{{Points: []broker.Point{{X: 0.4, Y: 0.4}, {X: 0.6, Y: 0.4}, {X: 0.5, Y: 0.6}}, Area: 0.2}},
	}}
	conf := &config.MotionDetectorConfig{FPS: 1, Area: 0.1}

	s := NewMotionScanner("cam1", conf, pool, bus.New(0), events.NewDispatcher(), sc,
		time.Second, data.NewModels(db), nil, t.TempDir())

	res := s.scan(scanFrame(t, pool))
	require.Empty(t, res.Error)
	assert.True(t, res.DetectedMotion)
	assert.True(t, s.Detected())

	sc.resp = broker.Response{} // scene went quiet
	res = s.scan(scanFrame(t, pool))
	assert.False(t, res.DetectedMotion)
	assert.False(t, s.Detected())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScannerSidecarErrorPropagates(t *testing.T) {
	pool := frames.NewPool("cam1", 4*4*3/2, 0)
	defer pool.Close()

	sc := &fakeSidecar{err: context.DeadlineExceeded}
	s := NewMotionScanner("cam1", &config.MotionDetectorConfig{FPS: 1, Area: 0.1}, pool,
		bus.New(0), events.NewDispatcher(), sc, time.Millisecond, data.Models{}, nil, t.TempDir())

	res := s.scan(scanFrame(t, pool))
	assert.NotEmpty(t, res.Error)
	assert.False(t, s.Detected())
}
