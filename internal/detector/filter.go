package detector

import (
	"github.com/technosupport/ts-nvr/internal/broker"
	"github.com/technosupport/ts-nvr/internal/config"
)

// pointInPolygon runs a ray cast over the polygon edges. Points on an edge
// count as inside.
func pointInPolygon(x, y float64, poly []config.Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := poly[i].X, poly[i].Y
		xj, yj := poly[j].X, poly[j].Y
		if (yi > y) != (yj > y) &&
			x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// anchorPoint is the point used for mask and zone membership: the bottom
// center of the box, where the object touches the ground.
func anchorPoint(o DetectedObject) (float64, float64) {
	return (o.RelX1 + o.RelX2) / 2, o.RelY2
}

// masked reports whether the object's anchor falls inside any mask.
func masked(o DetectedObject, masks []config.Mask) bool {
	x, y := anchorPoint(o)
	for _, m := range masks {
		if pointInPolygon(x, y, m.Coordinates) {
			return true
		}
	}
	return false
}

// matchLabel finds the label entry covering this object and applies its
// flags. Size bounds are on the relative box.
func matchLabel(o *DetectedObject, labels []config.Label) bool {
	for _, l := range labels {
		if l.Label != o.Label {
			continue
		}
		if o.Confidence < l.Confidence {
			continue
		}
		if o.RelHeight < l.HeightMin || o.RelHeight > l.HeightMax {
			continue
		}
		if o.RelWidth < l.WidthMin || o.RelWidth > l.WidthMax {
			continue
		}
		o.Relevant = true
		o.TriggerEventRecording = o.TriggerEventRecording || l.TriggerEventRecording
		o.Store = o.Store || l.Store
		o.RequireMotion = o.RequireMotion || l.RequireMotion
		if o.StoreInterval == 0 || l.StoreInterval < o.StoreInterval {
			o.StoreInterval = l.StoreInterval
		}
		return true
	}
	return false
}

// filterObjects applies masks, global labels, and zone labels in place.
// Every object comes back; irrelevant ones just carry no flags.
func filterObjects(objects []DetectedObject, conf *config.ObjectDetectorConfig) []DetectedObject {
	for i := range objects {
		o := &objects[i]

		if masked(*o, conf.Masks) {
			continue
		}
		matchLabel(o, conf.Labels)

		x, y := anchorPoint(*o)
		for _, z := range conf.Zones {
			if !pointInPolygon(x, y, z.Coordinates) {
				continue
			}
			if matchLabel(o, z.Labels) {
				o.Zone = z.Name
			}
		}
	}
	return objects
}

// filterContours drops masked polygons and precomputes the max area.
func filterContours(polys []broker.Polygon, masks []config.Mask) Contours {
	var out Contours
	for _, p := range polys {
		if len(masks) > 0 {
			cx, cy := centroid(p.Points)
			if inAnyMask(cx, cy, masks) {
				continue
			}
		}
		out.Polygons = append(out.Polygons, p)
		if p.Area > out.MaxArea {
			out.MaxArea = p.Area
		}
	}
	return out
}

func inAnyMask(x, y float64, masks []config.Mask) bool {
	for _, m := range masks {
		if pointInPolygon(x, y, m.Coordinates) {
			return true
		}
	}
	return false
}

func centroid(points []broker.Point) (float64, float64) {
	if len(points) == 0 {
		return 0, 0
	}
	var sx, sy float64
	for _, p := range points {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(points))
	return sx / n, sy / n
}
