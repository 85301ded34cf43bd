//go:build !gstreamer

package decode

import (
	"context"
	"errors"
	"image"
	"log/slog"
)

// V4L2Source is only functional in builds with the gstreamer tag.
type V4L2Source struct {
	Device string
	Logger *slog.Logger
}

// NewV4L2Source returns a source for device.
func NewV4L2Source(device string, logger *slog.Logger) *V4L2Source {
	return &V4L2Source{Device: device, Logger: logger}
}

// Open always fails without the gstreamer build tag.
func (v *V4L2Source) Open(context.Context, Constraints, func(image.Image)) (FrameStream, error) {
	return nil, &CameraError{
		Class:   ClassNoCamera,
		Backend: "frames",
		Err:     errors.New("frame capture not built in (rebuild with -tags gstreamer)"),
	}
}
