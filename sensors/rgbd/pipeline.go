package rgbd

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/robot"
	slamSensorUtils "go.viam.com/slam/sensors/utils"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/orbslam3-rgbd/sensors/utils"
)

// opTimeoutErrorMessage is what a camera returns when a frame did not arrive in time.
const opTimeoutErrorMessage = "bad scan: OpTimeout"

// Pipeline is a FrameSource backed by a color camera and a depth camera.
type Pipeline struct {
	cfg       Config
	colorName string
	depthName string
	color     camera.Camera
	depth     camera.Camera
	logger    golog.Logger

	mu                      sync.Mutex
	ticker                  *time.Ticker
	activeBackgroundWorkers sync.WaitGroup
}

// NewPipeline returns a pipeline reading from the given cameras. The color camera must come
// first; it is the one whose intrinsics define the output frame.
func NewPipeline(color, depth camera.Camera, colorName, depthName string, cfg Config, logger golog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stream configuration")
	}
	if color == nil || depth == nil {
		return nil, errors.New("a color camera and a depth camera are required")
	}
	return &Pipeline{
		cfg:       cfg,
		colorName: colorName,
		depthName: depthName,
		color:     color,
		depth:     depth,
		logger:    logger,
	}, nil
}

// PipelineFromRobot looks the two cameras up on a robot.
func PipelineFromRobot(r robot.Robot, colorName, depthName string, cfg Config, logger golog.Logger) (*Pipeline, error) {
	color, err := camera.FromRobot(r, colorName)
	if err != nil {
		return nil, errors.Wrapf(err, "error getting camera %v for frame pipeline", colorName)
	}
	depth, err := camera.FromRobot(r, depthName)
	if err != nil {
		return nil, errors.Wrapf(err, "error getting camera %v for frame pipeline", depthName)
	}
	return NewPipeline(color, depth, colorName, depthName, cfg, logger)
}

// Start checks the camera parameters and starts the frame clock.
func (p *Pipeline) Start(ctx context.Context) (Profile, error) {
	ctx, span := trace.StartSpan(ctx, "rgbd::Pipeline::Start")
	defer span.End()

	proj, err := p.color.Projector(ctx)
	if err != nil {
		return Profile{}, errors.Wrap(err,
			"Unable to get camera features for first camera, make sure the color camera is listed first")
	}
	intrinsics, ok := proj.(*transform.PinholeCameraIntrinsics)
	if !ok {
		return Profile{}, transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return Profile{}, err
	}

	props, err := p.color.Properties(ctx)
	if err != nil {
		return Profile{}, errors.Wrap(err, "error getting camera properties for frame pipeline")
	}
	brownConrady, ok := props.DistortionParams.(*transform.BrownConrady)
	if !ok {
		return Profile{}, errors.New("error getting distortion_parameters for frame pipeline, " +
			"only BrownConrady distortion parameters are supported")
	}
	if err := brownConrady.CheckValid(); err != nil {
		return Profile{}, errors.Wrapf(err, "error validating distortion_parameters for frame pipeline")
	}

	if intrinsics.Width != p.cfg.Width || intrinsics.Height != p.cfg.Height {
		p.logger.Warnw("color stream size differs from the requested size, using the camera size",
			"requested_width", p.cfg.Width, "requested_height", p.cfg.Height,
			"width", intrinsics.Width, "height", intrinsics.Height)
	}

	profile := Profile{ColorIntrinsics: intrinsics, Distortion: brownConrady}
	depthProps, err := p.depth.Properties(ctx)
	if err != nil {
		p.logger.Debugw("depth camera has no properties, assuming it is registered to the color camera", "error", err)
	} else if depthProps.IntrinsicParams != nil && depthProps.IntrinsicParams.CheckValid() == nil {
		profile.DepthIntrinsics = depthProps.IntrinsicParams
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		return Profile{}, errors.New("frame pipeline already started")
	}
	p.ticker = time.NewTicker(p.cfg.FramePeriod())
	p.logger.Debugw("frame pipeline started", "color", p.colorName, "depth", p.depthName, "fps", p.cfg.FPS)
	return profile, nil
}

// WaitForFrames waits for the next frame period and reads both cameras. Frames the camera
// reports as timed out are skipped.
func (p *Pipeline) WaitForFrames(ctx context.Context) (FrameSet, error) {
	ctx, span := trace.StartSpan(ctx, "rgbd::Pipeline::WaitForFrames")
	defer span.End()

	p.mu.Lock()
	ticker := p.ticker
	p.mu.Unlock()
	if ticker == nil {
		return FrameSet{}, errors.New("frame pipeline is not started")
	}

	for {
		select {
		case <-ctx.Done():
			return FrameSet{}, ctx.Err()
		case <-ticker.C:
		}

		fs, err := p.readFrameSet(ctx)
		if err != nil {
			if err.Error() == opTimeoutErrorMessage {
				p.logger.Warnw("Skipping this frame set due to error", "error", err)
				continue
			}
			return FrameSet{}, err
		}
		return fs, nil
	}
}

func (p *Pipeline) readFrameSet(ctx context.Context) (FrameSet, error) {
	timestamp := time.Now()
	images, releaseFuncs, err := p.getSimultaneousColorAndDepth(ctx)
	for _, rFunc := range releaseFuncs {
		if rFunc != nil {
			defer rFunc()
		}
	}
	if err != nil {
		return FrameSet{}, err
	}

	colorImg, err := utils.DecodeColorPNG(images[0])
	if err != nil {
		return FrameSet{}, errors.Wrapf(err, "error reading color camera %v", p.colorName)
	}
	depthImg, err := utils.DecodeDepthPNG(images[1])
	if err != nil {
		return FrameSet{}, errors.Wrapf(err, "error reading depth camera %v", p.depthName)
	}
	return FrameSet{Color: colorImg, Depth: depthImg, Timestamp: timestamp}, nil
}

// getSimultaneousColorAndDepth gets the color and depth images from the cameras as close to simultaneously as possible.
func (p *Pipeline) getSimultaneousColorAndDepth(ctx context.Context) ([2][]byte, [2]func(), error) {
	var wg sync.WaitGroup
	var images [2][]byte
	var releaseFuncs [2]func()
	var errs [2]error
	cams := [2]camera.Camera{p.color, p.depth}

	for i := 0; i < 2; i++ {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return images, releaseFuncs, err
		}
		p.activeBackgroundWorkers.Add(1)
		wg.Add(1)
		iLoop := i
		goutils.PanicCapturingGo(func() {
			defer p.activeBackgroundWorkers.Done()
			defer wg.Done()
			images[iLoop], releaseFuncs[iLoop], errs[iLoop] = slamSensorUtils.GetPNGImage(ctx, cams[iLoop])
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return images, releaseFuncs, err
		}
	}
	return images, releaseFuncs, nil
}

// Stop stops the frame clock. The cameras belong to the robot and stay open.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	p.mu.Unlock()
	p.activeBackgroundWorkers.Wait()
	return nil
}
