package rgbd

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
)

// ReadCameraSystem reads the color and depth intrinsics together with the depth to color
// extrinsics from a JSON file laid out like the camera_system attribute of rdk's
// align_color_depth_extrinsics camera:
//
//	{
//	  "color_intrinsic_parameters": {"width_px": 640, "height_px": 480, "fx": ..., "fy": ..., "ppx": ..., "ppy": ...},
//	  "depth_intrinsic_parameters": {...},
//	  "depth_to_color_extrinsic_parameters": {"rotation_rads": [1, 0, 0, 0, 1, 0, 0, 0, 1], "translation_mm": [0, 0, 0]}
//	}
func ReadCameraSystem(path string) (*transform.DepthColorIntrinsicsExtrinsics, error) {
	system, err := transform.NewDepthColorIntrinsicsExtrinsicsFromJSONFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading camera system from %v", path)
	}
	if err := system.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "invalid camera system in %v", path)
	}
	return system, nil
}

// Aligner registers depth frames to the color frame.
type Aligner struct {
	width, height int
	// nil when depth is already registered to color
	system *transform.DepthColorIntrinsicsExtrinsics
	// only the size of the color image matters to the alignment
	colorFrame *rimage.Image
}

// NewAligner returns an aligner to the color stream. When system is nil it is built from the
// stream intrinsics with the two sensors sharing an optical frame, and a nil depthIntrinsics
// means the depth stream is already registered to the color stream and only its size is
// checked. A given system takes precedence over the stream intrinsics.
func NewAligner(
	colorIntrinsics, depthIntrinsics *transform.PinholeCameraIntrinsics,
	system *transform.DepthColorIntrinsicsExtrinsics,
) (*Aligner, error) {
	if system != nil {
		if err := system.CheckValid(); err != nil {
			return nil, errors.Wrap(err, "invalid camera system")
		}
		if colorIntrinsics != nil && (colorIntrinsics.Width != system.ColorCamera.Width ||
			colorIntrinsics.Height != system.ColorCamera.Height) {
			return nil, errors.Errorf("camera system color size (%d, %d) does not match color stream (%d, %d)",
				system.ColorCamera.Width, system.ColorCamera.Height, colorIntrinsics.Width, colorIntrinsics.Height)
		}
		return newAligner(system), nil
	}

	if colorIntrinsics == nil {
		return nil, transform.NewNoIntrinsicsError("alignment needs the color stream intrinsics")
	}
	if colorIntrinsics.Width <= 0 || colorIntrinsics.Height <= 0 {
		return nil, errors.Errorf("alignment needs the color stream size, got (%d, %d)",
			colorIntrinsics.Width, colorIntrinsics.Height)
	}
	if depthIntrinsics == nil || *depthIntrinsics == *colorIntrinsics {
		return &Aligner{width: colorIntrinsics.Width, height: colorIntrinsics.Height}, nil
	}
	if err := depthIntrinsics.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "invalid depth intrinsics")
	}
	if err := colorIntrinsics.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "invalid color intrinsics")
	}
	system = transform.NewEmptyDepthColorIntrinsicsExtrinsics()
	system.ColorCamera = *colorIntrinsics
	system.DepthCamera = *depthIntrinsics
	return newAligner(system), nil
}

func newAligner(system *transform.DepthColorIntrinsicsExtrinsics) *Aligner {
	return &Aligner{
		width:      system.ColorCamera.Width,
		height:     system.ColorCamera.Height,
		system:     system,
		colorFrame: rimage.NewImage(system.ColorCamera.Width, system.ColorCamera.Height),
	}
}

// Process returns fs with its depth image registered to the color image.
func (a *Aligner) Process(ctx context.Context, fs FrameSet) (FrameSet, error) {
	ctx, span := trace.StartSpan(ctx, "rgbd::Aligner::Process")
	defer span.End()

	if fs.Depth == nil {
		return FrameSet{}, errors.New("frame set is missing a depth image")
	}
	if a.system == nil {
		size := fs.Depth.Bounds().Size()
		if size.X != a.width || size.Y != a.height {
			return FrameSet{}, errors.Errorf("depth image (%d, %d) does not match color stream (%d, %d) "+
				"and no depth intrinsics are available to align it", size.X, size.Y, a.width, a.height)
		}
		return fs, fs.Validate()
	}
	if fs.Color == nil {
		return FrameSet{}, errors.New("frame set is missing a color image")
	}
	if size := fs.Color.Bounds().Size(); !size.Eq(image.Pt(a.width, a.height)) {
		return FrameSet{}, errors.Errorf("color image (%d, %d) does not match the color intrinsics (%d, %d)",
			size.X, size.Y, a.width, a.height)
	}

	dm, err := rimage.ConvertImageToDepthMap(ctx, fs.Depth)
	if err != nil {
		return FrameSet{}, err
	}
	_, aligned, err := a.system.AlignColorAndDepthImage(a.colorFrame, dm)
	if err != nil {
		return FrameSet{}, err
	}
	out := FrameSet{Color: fs.Color, Depth: aligned.ToGray16Picture(), Timestamp: fs.Timestamp}
	return out, out.Validate()
}
