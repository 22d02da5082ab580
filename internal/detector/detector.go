package detector

import (
	"context"

	"github.com/technosupport/ts-nvr/internal/broker"
	"github.com/technosupport/ts-nvr/internal/frames"
)

// Scanner names. A scanner's bus topics and registry domain share the
// same name.
const (
	ScannerMotion = "motion_detector"
	ScannerObject = "object_detector"
)

// ScanTopic carries SharedFrames the pipeline marked for this scanner.
func ScanTopic(scanner, camera string) string { return scanner + "/scan/" + camera }

// ResultTopic carries the scanner's answer for each scanned frame.
func ResultTopic(scanner, camera string) string { return scanner + "/result/" + camera }

// Event topics consumed by the state cache and the event stream.
func EventMotionDetected(camera string) string  { return "motion_detected/" + camera }
func EventObjectsDetected(camera string) string { return "objects_detected/" + camera }

// sidecar is the slice of broker.Client the scanners use. Tests substitute
// a canned implementation.
type sidecar interface {
	Call(ctx context.Context, req broker.Request) (broker.Response, error)
}

// DetectedObject is one sidecar hit after label/zone/mask filtering.
// Relative coordinates are in [0,1] on the camera's natural resolution;
// absolute coordinates are pixels.
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`

	RelX1 float64 `json:"rel_x1"`
	RelY1 float64 `json:"rel_y1"`
	RelX2 float64 `json:"rel_x2"`
	RelY2 float64 `json:"rel_y2"`

	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`

	RelWidth  float64 `json:"rel_width"`
	RelHeight float64 `json:"rel_height"`

	// Set by filtering.
	TriggerEventRecording bool   `json:"trigger_event_recording"`
	Store                 bool   `json:"store"`
	StoreInterval         int    `json:"store_interval"`
	RequireMotion         bool   `json:"require_motion"`
	Relevant              bool   `json:"relevant"`
	Zone                  string `json:"zone,omitempty"`
}

// objectFromDetection converts a raw sidecar detection into absolute and
// relative boxes on a width×height frame.
func objectFromDetection(d broker.Detection, width, height int) DetectedObject {
	o := DetectedObject{
		Label:      d.Label,
		Confidence: d.Confidence,
		RelX1:      d.BBox.X,
		RelY1:      d.BBox.Y,
		RelX2:      d.BBox.X + d.BBox.W,
		RelY2:      d.BBox.Y + d.BBox.H,
		RelWidth:   d.BBox.W,
		RelHeight:  d.BBox.H,
	}
	o.X1 = int(o.RelX1 * float64(width))
	o.Y1 = int(o.RelY1 * float64(height))
	o.X2 = int(o.RelX2 * float64(width))
	o.Y2 = int(o.RelY2 * float64(height))
	return o
}

// Contours are the motion polygons of one frame with the largest relative
// area precomputed, so trigger evaluation is a single comparison.
type Contours struct {
	Polygons []broker.Polygon `json:"polygons"`
	MaxArea  float64          `json:"max_area"`
}

// ObjectResult is published on object_detector/result/<camera>.
type ObjectResult struct {
	Frame   *frames.SharedFrame
	Objects []DetectedObject
	Error   string
}

// MotionResult is published on motion_detector/result/<camera>.
type MotionResult struct {
	Frame          *frames.SharedFrame
	Contours       Contours
	DetectedMotion bool
	Error          string
}

// MotionEventData is the payload of motion_detected/<camera> events.
type MotionEventData struct {
	Identifier string  `json:"identifier"`
	Detected   bool    `json:"detected"`
	MaxArea    float64 `json:"max_area"`
}

// ObjectsEventData is the payload of objects_detected/<camera> events.
type ObjectsEventData struct {
	Identifier string           `json:"identifier"`
	Objects    []DetectedObject `json:"objects"`
}
