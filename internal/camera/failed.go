package camera

import "github.com/technosupport/ts-nvr/internal/config"

// FailedCamera stands in for a camera whose setup failed terminally. It
// answers identity queries so the web API can still list the camera and
// show why it is down.
type FailedCamera struct {
	identifier string
	conf       *config.CameraConfig
	err        error
}

func NewFailedCamera(identifier string, conf *config.CameraConfig, err error) *FailedCamera {
	return &FailedCamera{identifier: identifier, conf: conf, err: err}
}

func (f *FailedCamera) Identifier() string           { return f.identifier }
func (f *FailedCamera) Config() *config.CameraConfig { return f.conf }
func (f *FailedCamera) Connected() bool              { return false }
func (f *FailedCamera) Failed() bool                 { return true }
func (f *FailedCamera) Error() string {
	if f.err == nil {
		return ""
	}
	return f.err.Error()
}
func (f *FailedCamera) Stop() {}
