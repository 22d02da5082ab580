package detector

import (
	"fmt"

	"github.com/technosupport/ts-nvr/internal/camera"
	"github.com/technosupport/ts-nvr/internal/lifecycle"
	"github.com/technosupport/ts-nvr/internal/platform/paths"
	"github.com/technosupport/ts-nvr/internal/registry"
)

func init() {
	lifecycle.RegisterComponent("motion_detector", newMotionComponent)
	lifecycle.RegisterComponent("object_detector", newObjectComponent)
	lifecycle.RegisterComponent("face_recognition", newPostProcessComponent)
}

// scannerCamera resolves the loaded camera for a scanner and rejects
// record-only cameras, which produce no decoded frames to scan.
func scannerCamera(o *lifecycle.Orchestrator, identifier string) (*camera.Camera, error) {
	inst, ok := o.Registry.GetInstance(lifecycle.DomainCamera, identifier)
	if !ok {
		return nil, fmt.Errorf("camera %s is not loaded", identifier)
	}
	cam, ok := inst.(*camera.Camera)
	if !ok {
		return nil, fmt.Errorf("camera %s failed to start", identifier)
	}
	if cam.Config().RecordOnly {
		return nil, fmt.Errorf("camera %s is record-only, nothing to scan", identifier)
	}
	return cam, nil
}

func snapshotDir(o *lifecycle.Orchestrator, identifier string) string {
	return paths.ThumbnailsDir(o.Config.Storage.Tiers[0].Path, identifier)
}

type motionComponent struct{}

func newMotionComponent(o *lifecycle.Orchestrator) (lifecycle.Component, error) {
	if len(o.Config.MotionDetector) == 0 {
		return nil, nil
	}
	return &motionComponent{}, nil
}

func (c *motionComponent) Name() string { return "motion_detector" }

func (c *motionComponent) Setup(o *lifecycle.Orchestrator) error {
	for id, conf := range o.Config.MotionDetector {
		identifier, mc := id, conf
		o.Registry.Register(registry.Entry{
			Component:    "motion_detector",
			Domain:       lifecycle.DomainMotionDetector,
			Identifier:   identifier,
			Config:       mc,
			RequiredDeps: []registry.Dep{{Domain: lifecycle.DomainCamera, Identifier: identifier}},
			SetupFn: func() (interface{}, error) {
				cam, err := scannerCamera(o, identifier)
				if err != nil {
					return nil, err
				}
				s := NewMotionScanner(identifier, mc, cam.Pool(), o.Bus, o.Events,
					o.Broker, o.Config.ScanTimeout(), o.Data, o.Metrics, snapshotDir(o, identifier))
				s.Start()
				return s, nil
			},
		})
	}
	return nil
}

type objectComponent struct{}

func newObjectComponent(o *lifecycle.Orchestrator) (lifecycle.Component, error) {
	if len(o.Config.ObjectDetector) == 0 {
		return nil, nil
	}
	return &objectComponent{}, nil
}

func (c *objectComponent) Name() string { return "object_detector" }

func (c *objectComponent) Setup(o *lifecycle.Orchestrator) error {
	for id, conf := range o.Config.ObjectDetector {
		identifier, oc := id, conf
		o.Registry.Register(registry.Entry{
			Component:    "object_detector",
			Domain:       lifecycle.DomainObjectDetector,
			Identifier:   identifier,
			Config:       oc,
			RequiredDeps: []registry.Dep{{Domain: lifecycle.DomainCamera, Identifier: identifier}},
			SetupFn: func() (interface{}, error) {
				cam, err := scannerCamera(o, identifier)
				if err != nil {
					return nil, err
				}
				s := NewObjectScanner(identifier, oc, cam.Pool(), o.Bus, o.Events,
					o.Broker, o.Config.ScanTimeout(), o.Data, o.Metrics, snapshotDir(o, identifier))
				s.Start()
				return s, nil
			},
		})
	}
	return nil
}

type postProcessComponent struct{}

func newPostProcessComponent(o *lifecycle.Orchestrator) (lifecycle.Component, error) {
	if len(o.Config.FaceRecognition) == 0 {
		return nil, nil
	}
	return &postProcessComponent{}, nil
}

func (c *postProcessComponent) Name() string { return "face_recognition" }

func (c *postProcessComponent) Setup(o *lifecycle.Orchestrator) error {
	for id, conf := range o.Config.FaceRecognition {
		identifier, pc := id, conf
		o.Registry.Register(registry.Entry{
			Component:  "face_recognition",
			Domain:     lifecycle.DomainFaceRecognition,
			Identifier: identifier,
			Config:     pc,
			RequiredDeps: []registry.Dep{
				{Domain: lifecycle.DomainCamera, Identifier: identifier},
				{Domain: lifecycle.DomainObjectDetector, Identifier: identifier},
			},
			SetupFn: func() (interface{}, error) {
				cam, err := scannerCamera(o, identifier)
				if err != nil {
					return nil, err
				}
				p := NewPostProcessor(identifier, pc, cam.Pool(), o.Bus,
					o.Broker, o.Config.ScanTimeout(), o.Data)
				p.Start()
				return p, nil
			},
		})
	}
	return nil
}
