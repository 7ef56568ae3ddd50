package orbslamrgbd

import (
	"context"
	"image"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/rdk/rimage/transform"

	"github.com/viamrobotics/orbslam3-rgbd/sensors/rgbd"
	"github.com/viamrobotics/orbslam3-rgbd/sensors/utils"
)

const pumpLogIntervalFrames = 100

// RunFramePump starts source and hands its frame sets to tracker. It stops without an error once
// the tracker shuts down or the source has no more frames, and likewise when ctx is cancelled.
// Each frame set is aligned to the color stream and resized by the tracker's image scale first.
// cameras may be nil, in which case the source profile's intrinsics are used for the
// alignment. It returns the number of frame sets tracked.
func RunFramePump(
	ctx context.Context,
	source rgbd.FrameSource,
	tracker Tracker,
	cameras *transform.DepthColorIntrinsicsExtrinsics,
	logger golog.Logger,
) (frames int, err error) {
	ctx, span := trace.StartSpan(ctx, "orbslamrgbd::RunFramePump")
	defer span.End()

	scale := tracker.ImageScale()
	if scale <= 0 {
		return 0, errors.Errorf("invalid image scale %v", scale)
	}

	profile, err := source.Start(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "error starting frame source")
	}
	defer func() {
		// ctx may already be done here
		err = multierr.Combine(err, errors.Wrap(source.Stop(context.Background()), "error stopping frame source"))
	}()

	aligner, err := rgbd.NewAligner(profile.ColorIntrinsics, profile.DepthIntrinsics, cameras)
	if err != nil {
		return 0, errors.Wrap(err, "error setting up depth alignment")
	}
	scaledWidth, scaledHeight := utils.ScaledSize(image.Rect(0, 0, profile.Width(), profile.Height()), scale)
	logger.Debugw("frame pump started",
		"width", profile.Width(), "height", profile.Height(), "image_scale", scale,
		"tracked_width", scaledWidth, "tracked_height", scaledHeight)

	for !tracker.IsShutDown() {
		if ctx.Err() != nil {
			return frames, nil
		}

		fs, err := source.WaitForFrames(ctx)
		if err != nil {
			if errors.Is(err, rgbd.ErrEndOfStream) {
				logger.Infow("frame source has no more frames", "frames", frames)
				return frames, nil
			}
			if ctx.Err() != nil {
				return frames, nil
			}
			return frames, errors.Wrap(err, "error waiting for frames")
		}

		color, depth, err := prepareFrameSet(ctx, aligner, fs, scale)
		if err != nil {
			return frames, err
		}

		if err := tracker.TrackRGBD(ctx, color, depth, fs.Seconds()); err != nil {
			if tracker.IsShutDown() {
				return frames, nil
			}
			return frames, errors.Wrap(err, "error tracking frame set")
		}
		frames++
		if frames%pumpLogIntervalFrames == 0 {
			logger.Debugw("frame pump progress", "frames", frames)
		}
	}
	logger.Infow("tracker shut down, stopping frame pump", "frames", frames)
	return frames, nil
}

// prepareFrameSet aligns depth to color and applies the image scale to both buffers.
func prepareFrameSet(ctx context.Context, aligner *rgbd.Aligner, fs rgbd.FrameSet, scale float64) (*image.NRGBA, *image.Gray16, error) {
	aligned, err := aligner.Process(ctx, fs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error aligning depth to color")
	}
	if scale == 1 {
		return aligned.Color, aligned.Depth, nil
	}

	width, height := utils.ScaledSize(aligned.Color.Bounds(), scale)
	color, err := utils.ResizeColor(aligned.Color, width, height)
	if err != nil {
		return nil, nil, err
	}
	depth, err := utils.ResizeDepth(aligned.Depth, width, height)
	if err != nil {
		return nil, nil, err
	}
	return color, depth, nil
}
