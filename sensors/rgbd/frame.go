// Package rgbd implements the depth camera side of the frame pump: stream configuration,
// acquisition of simultaneous color and depth frames, and depth-to-color alignment.
package rgbd

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
)

const (
	// ColorFormatRGB8 is an 8 bit per channel color stream.
	ColorFormatRGB8 = "rgb8"
	// DepthFormatZ16 is a 16 bit depth stream in millimetres.
	DepthFormatZ16 = "z16"
)

// ErrEndOfStream is returned by a FrameSource that has no more frames to give.
var ErrEndOfStream = errors.New("end of frame stream")

// FrameSet is a color and depth pair that share a capture timestamp.
type FrameSet struct {
	Color     *image.NRGBA
	Depth     *image.Gray16
	Timestamp time.Time
}

// Validate checks that both buffers exist and have the same dimensions.
func (fs FrameSet) Validate() error {
	if fs.Color == nil {
		return errors.New("frame set is missing a color image")
	}
	if fs.Depth == nil {
		return errors.New("frame set is missing a depth image")
	}
	colorSize := fs.Color.Bounds().Size()
	depthSize := fs.Depth.Bounds().Size()
	if colorSize != depthSize {
		return errors.Errorf("color image (%d, %d) and depth image (%d, %d) do not match",
			colorSize.X, colorSize.Y, depthSize.X, depthSize.Y)
	}
	return nil
}

// Seconds returns the capture timestamp in seconds, the unit used by the tracking engine.
func (fs FrameSet) Seconds() float64 {
	return float64(fs.Timestamp.UnixNano()) * 1e-9
}

// Profile describes the streams negotiated by FrameSource.Start.
type Profile struct {
	ColorIntrinsics *transform.PinholeCameraIntrinsics
	// DepthIntrinsics may be nil when the depth stream is already registered to the color stream.
	DepthIntrinsics *transform.PinholeCameraIntrinsics
	Distortion      *transform.BrownConrady
}

// Width of the color stream.
func (p Profile) Width() int {
	if p.ColorIntrinsics == nil {
		return 0
	}
	return p.ColorIntrinsics.Width
}

// Height of the color stream.
func (p Profile) Height() int {
	if p.ColorIntrinsics == nil {
		return 0
	}
	return p.ColorIntrinsics.Height
}

// A FrameSource produces frame sets from a depth camera.
type FrameSource interface {
	// Start configures and starts the streams.
	Start(ctx context.Context) (Profile, error)
	// WaitForFrames blocks until the next frame set is available.
	WaitForFrames(ctx context.Context) (FrameSet, error)
	// Stop stops the streams.
	Stop(ctx context.Context) error
}

// Config is the requested stream configuration.
type Config struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	FPS         int    `json:"fps"`
	ColorFormat string `json:"color_format"`
	DepthFormat string `json:"depth_format"`
}

// DefaultConfig is 640x480 RGB8 color with Z16 depth at 30 frames per second.
func DefaultConfig() Config {
	return Config{
		Width:       640,
		Height:      480,
		FPS:         30,
		ColorFormat: ColorFormatRGB8,
		DepthFormat: DepthFormatZ16,
	}
}

// Validate ensures the stream configuration is usable.
func (cfg Config) Validate() error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("invalid stream size (%d, %d)", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return errors.Errorf("invalid stream frame rate %d", cfg.FPS)
	}
	if cfg.ColorFormat != ColorFormatRGB8 {
		return errors.Errorf("unsupported color format %q, only %q is supported", cfg.ColorFormat, ColorFormatRGB8)
	}
	if cfg.DepthFormat != DepthFormatZ16 {
		return errors.Errorf("unsupported depth format %q, only %q is supported", cfg.DepthFormat, DepthFormatZ16)
	}
	return nil
}

// FramePeriod is the time between two frames at the configured rate.
func (cfg Config) FramePeriod() time.Duration {
	return time.Second / time.Duration(cfg.FPS)
}
