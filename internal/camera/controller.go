// Package camera owns the camera-active flag on the UI side and the frame
// loop that turns capture requests into snapshot files.
package camera

import (
	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

// ActiveState is the camera flag in the shared state.
type ActiveState interface {
	SetCameraActive(active bool)
	CameraActive() bool
}

// Controller applies camera.set_active events. It runs inside the UI loop.
type Controller struct {
	state  ActiveState
	logger zerolog.Logger
}

// NewController creates a Controller.
func NewController(state ActiveState, logger zerolog.Logger) *Controller {
	return &Controller{
		state:  state,
		logger: logger.With().Str("component", "camera").Logger(),
	}
}

// Handle is a ui.Handler.
func (c *Controller) Handle(ev protocol.Event) {
	active, ok := ev.CameraActive()
	if !ok {
		return
	}
	if c.state.CameraActive() == active {
		return
	}
	c.state.SetCameraActive(active)
	if active {
		c.logger.Info().Str("source", ev.Source).Msg("camera started")
	} else {
		c.logger.Info().Str("source", ev.Source).Msg("camera stopped")
	}
}
