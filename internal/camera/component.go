package camera

import (
	"fmt"

	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/lifecycle"
	"github.com/technosupport/ts-nvr/internal/platform/paths"
	"github.com/technosupport/ts-nvr/internal/registry"
)

func init() {
	lifecycle.RegisterComponent("cameras", newComponent)
}

type component struct{}

func newComponent(o *lifecycle.Orchestrator) (lifecycle.Component, error) {
	if len(o.Config.Cameras) == 0 {
		return nil, nil
	}
	return &component{}, nil
}

func (c *component) Name() string { return "cameras" }

// Setup registers one camera domain per configured camera. Segments land
// under the first storage tier; the tier worker moves them onward.
func (c *component) Setup(o *lifecycle.Orchestrator) error {
	if len(o.Config.Storage.Tiers) == 0 {
		return fmt.Errorf("cameras require at least one storage tier")
	}
	tier0 := o.Config.Storage.Tiers[0].Path
	segmentDur := o.Config.Storage.SegmentDuration

	for _, id := range o.Config.CameraIDs() {
		identifier := id
		conf := o.Config.Cameras[identifier]

		o.Registry.Register(registry.Entry{
			Component:  "cameras",
			Domain:     lifecycle.DomainCamera,
			Identifier: identifier,
			Config:     conf,
			SetupFn: func() (interface{}, error) {
				cam, err := New(identifier, conf, paths.SegmentsDir(tier0, identifier),
					segmentDur, outputFPS(o.Config, identifier), o.Bus, o.Events, o.Metrics, nil)
				if err == nil {
					if serr := cam.Start(); serr != nil {
						cam.Stop()
						err = serr
					}
				}
				if err != nil {
					// Leave a stub behind so the web API can still list the
					// camera and report why it is down.
					o.Registry.SetInstance(lifecycle.DomainCamera, identifier,
						NewFailedCamera(identifier, conf, err))
					return nil, err
				}
				return cam, nil
			},
		})
	}
	return nil
}

// outputFPS is the decode rate for a camera: the fastest scanner registered
// for it, or 1 when none is.
func outputFPS(cfg *config.Config, identifier string) int {
	out := 1
	if md := cfg.MotionDetector[identifier]; md != nil && md.FPS > out {
		out = md.FPS
	}
	if od := cfg.ObjectDetector[identifier]; od != nil && od.FPS > out {
		out = od.FPS
	}
	return out
}
