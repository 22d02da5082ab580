package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire format: 4-byte big-endian length prefix followed by one JSON
// document. Both directions use the same framing.

// maxFrameSize bounds a single wire frame. A 4K RGB frame base64-encoded
// stays well under this.
const maxFrameSize = 64 << 20

// Request kinds understood by the detection sidecar.
const (
	KindDetectObjects = "detect_objects"
	KindDetectMotion  = "detect_motion"
	KindPostProcess   = "post_process"
)

// Request is one unit of work sent to the sidecar. Frame carries the raw
// plane bytes base64-encoded by encoding/json.
type Request struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	Camera string  `json:"camera"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Format string  `json:"format"`
	Frame  []byte  `json:"frame,omitempty"`
	Crop   []int   `json:"crop,omitempty"`   // x1,y1,x2,y2 for post-processing
	Thresh float64 `json:"thresh,omitempty"` // motion area threshold
}

// BBox is a relative bounding box, origin top-left, all values in [0,1].
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one raw sidecar hit before label filtering.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Polygon is one motion contour in relative coordinates.
type Polygon struct {
	Points []Point `json:"points"`
	Area   float64 `json:"area"` // relative area of the contour
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Response answers one Request, matched by ID.
type Response struct {
	ID       string          `json:"id"`
	Error    string          `json:"error,omitempty"`
	Objects  []Detection     `json:"objects,omitempty"`
	Contours []Polygon       `json:"contours,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"` // post-processor payload
}

// handshake messages exchanged before any work flows.
type challengeMsg struct {
	Challenge []byte `json:"challenge"`
}

type proofMsg struct {
	MAC []byte `json:"mac"`
}

type handshakeAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// writeFrame encodes v as one length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readFrame decodes one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
