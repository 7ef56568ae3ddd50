// Package main streams color and depth frames from a depth camera into ORB_SLAM3 and prints the
// poses it tracks.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/robot/client"
	"go.viam.com/utils"
	"go.viam.com/utils/rpc"

	orbslamrgbd "github.com/viamrobotics/orbslam3-rgbd"
	"github.com/viamrobotics/orbslam3-rgbd/sensors/replay"
	"github.com/viamrobotics/orbslam3-rgbd/sensors/rgbd"
)

const usage = "Usage: rgbd_realsense path_to_vocabulary path_to_settings (optional_trajectory_file)"

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	errUsage = errors.New("missing vocabulary or settings path")
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("rgbd_realsense"))
}

// Arguments for the command. Flags go before the positional arguments.
type Arguments struct {
	Vocabulary       string `flag:"0,usage=ORB vocabulary file"`
	Settings         string `flag:"1,usage=ORB_SLAM3 settings file"`
	Trajectory       string `flag:"2,usage=file the camera trajectory is saved to on shutdown"`
	Robot            string `flag:"robot,default=localhost:8080,usage=address of the robot with the cameras"`
	Insecure         bool   `flag:"insecure,usage=connect to the robot without TLS"`
	Color            string `flag:"color,default=color,usage=color camera name"`
	Depth            string `flag:"depth,default=depth,usage=depth camera name"`
	Replay           string `flag:"replay,usage=directory with rgb and depth images to replay instead of cameras"`
	Realtime         bool   `flag:"realtime,usage=replay at the recorded frame rate"`
	Extrinsics       string `flag:"extrinsics,usage=JSON file with the color and depth intrinsics and the depth to color extrinsics"`
	DataDir          string `flag:"data_dir,usage=working directory of the tracking engine"`
	Port             string `flag:"port,default=localhost:0,usage=address of the tracking engine service"`
	Engine           string `flag:"engine,default=orb_grpc_server,usage=tracking engine executable"`
	Width            int    `flag:"width,default=640,usage=stream width"`
	Height           int    `flag:"height,default=480,usage=stream height"`
	FPS              int    `flag:"fps,default=30,usage=stream frame rate"`
	Viewer           bool   `flag:"viewer,usage=show the tracking engine viewer"`
	GenerateSettings bool   `flag:"generate_settings,usage=write the settings file from the color camera intrinsics"`
	SettingsParams   string `flag:"settings_params,usage=comma separated key=value overrides for generated settings"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Vocabulary == "" || argsParsed.Settings == "" {
		fmt.Fprintln(stderr, usage)
		return errUsage
	}
	return runDriver(ctx, argsParsed, logger)
}

func runDriver(ctx context.Context, args Arguments, logger golog.Logger) (err error) {
	streamCfg := rgbd.Config{
		Width:       args.Width,
		Height:      args.Height,
		FPS:         args.FPS,
		ColorFormat: rgbd.ColorFormatRGB8,
		DepthFormat: rgbd.DepthFormatZ16,
	}
	if err := streamCfg.Validate(); err != nil {
		return err
	}

	cameras, err := loadCameraSystem(args.Extrinsics)
	if err != nil {
		return err
	}

	dataDir := args.DataDir
	if dataDir == "" {
		if dataDir, err = os.MkdirTemp("", "orbslam3-rgbd-*"); err != nil {
			return err
		}
		logger.Infof("using data directory %v", dataDir)
	}

	source, closeSource, err := openFrameSource(ctx, args, streamCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeSource())
	}()

	settingsPath := args.Settings
	if args.GenerateSettings {
		if settingsPath, err = generateSettings(ctx, source, dataDir, args, logger); err != nil {
			return err
		}
	}

	tracker, err := orbslamrgbd.New(ctx, orbslamrgbd.Config{
		VocabularyPath: args.Vocabulary,
		SettingsPath:   settingsPath,
		TrajectoryPath: args.Trajectory,
		Mode:           orbslamrgbd.Rgbd,
		DataDirectory:  dataDir,
		Port:           args.Port,
		Viewer:         args.Viewer,
	}, logger, false, args.Engine)
	if err != nil {
		return err
	}

	posesDone := make(chan struct{})
	utils.PanicCapturingGo(func() {
		defer close(posesDone)
		for pose := range tracker.Poses() {
			fmt.Fprintln(stdout, pose.String())
		}
	})
	defer func() {
		err = multierr.Combine(err, tracker.Shutdown())
		<-posesDone
	}()

	frames, err := orbslamrgbd.RunFramePump(ctx, source, tracker, cameras, logger)
	logger.Infow("frame pump finished", "frames", frames)
	return err
}

// openFrameSource returns the replay source when a replay directory is given and the robot's
// cameras otherwise. The returned function releases the source.
func openFrameSource(
	ctx context.Context,
	args Arguments,
	streamCfg rgbd.Config,
	logger golog.Logger,
) (rgbd.FrameSource, func() error, error) {
	if args.Replay != "" {
		source, err := replay.New(args.Replay, args.Realtime, logger)
		if err != nil {
			return nil, nil, err
		}
		return source, func() error { return nil }, nil
	}

	var opts []client.RobotClientOption
	if args.Insecure {
		opts = append(opts, client.WithDialOptions(rpc.WithInsecure()))
	}
	robotClient, err := client.New(ctx, args.Robot, logger, opts...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error connecting to robot at %v", args.Robot)
	}
	pipeline, err := rgbd.PipelineFromRobot(robotClient, args.Color, args.Depth, streamCfg, logger)
	if err != nil {
		return nil, nil, multierr.Combine(err, robotClient.Close(context.Background()))
	}
	return pipeline, func() error { return robotClient.Close(context.Background()) }, nil
}

// generateSettings starts the source once to read the color intrinsics and writes a settings
// file for them into the data directory.
func generateSettings(
	ctx context.Context,
	source rgbd.FrameSource,
	dataDir string,
	args Arguments,
	logger golog.Logger,
) (string, error) {
	params, err := parseSettingsParams(args.SettingsParams)
	if err != nil {
		return "", err
	}
	profile, err := source.Start(ctx)
	if err != nil {
		return "", errors.Wrap(err, "error reading camera intrinsics for settings")
	}
	if err := source.Stop(ctx); err != nil {
		return "", err
	}
	if err := profile.ColorIntrinsics.CheckValid(); err != nil {
		return "", errors.Wrap(err, "camera intrinsics are needed to generate settings")
	}

	cameraModel := &transform.PinholeCameraModel{PinholeCameraIntrinsics: profile.ColorIntrinsics}
	if profile.Distortion != nil {
		cameraModel.Distortion = profile.Distortion
	} else {
		logger.Debug("no distortion parameters available, assuming an undistorted camera")
		cameraModel.Distortion = &transform.BrownConrady{}
	}

	settings, err := orbslamrgbd.NewSettings(cameraModel, args.FPS, params, logger)
	if err != nil {
		return "", errors.Wrap(err, "error generating settings")
	}
	if err := orbslamrgbd.SetupDataDirectory(dataDir, orbslamrgbd.Rgbd, logger); err != nil {
		return "", err
	}
	path, err := orbslamrgbd.GenerateSettings(dataDir, orbslamrgbd.DefaultSensorName, settings, logger)
	if err != nil {
		return "", errors.Wrap(err, "error writing settings")
	}
	logger.Infof("generated settings file %v", path)
	return path, nil
}

// parseSettingsParams parses "key=value,key=value".
func parseSettingsParams(s string) (orbslamrgbd.SettingsParams, error) {
	params := orbslamrgbd.SettingsParams{}
	if strings.TrimSpace(s) == "" {
		return params, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pieces := strings.SplitN(pair, "=", 2)
		if len(pieces) != 2 || strings.TrimSpace(pieces[0]) == "" {
			return nil, errors.Errorf("invalid settings parameter %q, expected key=value", pair)
		}
		params[strings.TrimSpace(pieces[0])] = strings.TrimSpace(pieces[1])
	}
	return params, nil
}

func loadCameraSystem(path string) (*transform.DepthColorIntrinsicsExtrinsics, error) {
	if path == "" {
		return nil, nil
	}
	return rgbd.ReadCameraSystem(path)
}
