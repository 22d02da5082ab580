package nvr

import (
	"fmt"

	"github.com/technosupport/ts-nvr/internal/camera"
	"github.com/technosupport/ts-nvr/internal/lifecycle"
	"github.com/technosupport/ts-nvr/internal/platform/paths"
	"github.com/technosupport/ts-nvr/internal/recorder"
	"github.com/technosupport/ts-nvr/internal/registry"
)

func init() {
	lifecycle.RegisterComponent("nvr", newComponent)
}

type component struct{}

func newComponent(o *lifecycle.Orchestrator) (lifecycle.Component, error) {
	if len(o.Config.NVR) == 0 {
		return nil, nil
	}
	return &component{}, nil
}

func (c *component) Name() string { return "nvr" }

// Setup registers one pipeline domain per camera named in the nvr section.
// The pipeline requires the camera and every scanner configured for it, so
// the setup pool brings them up first.
func (c *component) Setup(o *lifecycle.Orchestrator) error {
	tier0 := o.Config.Storage.Tiers[0].Path
	segmentDur := o.Config.Storage.SegmentDuration

	for id := range o.Config.NVR {
		identifier := id

		deps := []registry.Dep{{Domain: lifecycle.DomainCamera, Identifier: identifier}}
		if _, ok := o.Config.MotionDetector[identifier]; ok {
			deps = append(deps, registry.Dep{Domain: lifecycle.DomainMotionDetector, Identifier: identifier})
		}
		if _, ok := o.Config.ObjectDetector[identifier]; ok {
			deps = append(deps, registry.Dep{Domain: lifecycle.DomainObjectDetector, Identifier: identifier})
		}

		o.Registry.Register(registry.Entry{
			Component:    "nvr",
			Domain:       lifecycle.DomainNVR,
			Identifier:   identifier,
			RequiredDeps: deps,
			SetupFn: func() (interface{}, error) {
				inst, ok := o.Registry.GetInstance(lifecycle.DomainCamera, identifier)
				if !ok {
					return nil, fmt.Errorf("camera %s is not loaded", identifier)
				}
				cam, ok := inst.(*camera.Camera)
				if !ok {
					return nil, fmt.Errorf("camera %s failed to start", identifier)
				}
				if cam.Config().RecordOnly {
					return nil, fmt.Errorf("camera %s is record-only, pipeline not applicable", identifier)
				}

				rec := recorder.New(identifier, &cam.Config().Recorder, cam.SegmentDir(),
					paths.RecordingsDir(tier0, identifier), segmentDur,
					o.Data, o.Events, o.Metrics, o.Cleanup)

				pl, err := NewPipeline(PipelineOptions{
					Identifier:  identifier,
					Pool:        cam.Pool(),
					CameraFPS:   cam.Info().FPS,
					IdleTimeout: cam.Config().Recorder.IdleTimeout,
					Motion:      o.Config.MotionDetector[identifier],
					Object:      o.Config.ObjectDetector[identifier],
					Recorder:    rec,
					Bus:         o.Bus,
					Events:      o.Events,
					Collector:   o.Metrics,
					ScanTimeout: o.Config.ScanTimeout(),
				})
				if err != nil {
					return nil, err
				}
				pl.Start()
				return pl, nil
			},
		})
	}
	return nil
}
