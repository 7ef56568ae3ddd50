// Package testhelper provides fake cameras, a fake engine server and tracker construction for
// the tests of this module.
package testhelper

import (
	"context"
	"image"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/edaniels/golog"
	"github.com/edaniels/gostream"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/testutils/inject"
	rdkutils "go.viam.com/rdk/utils"
	"go.viam.com/test"
	"google.golang.org/grpc"

	orbslamrgbd "github.com/viamrobotics/orbslam3-rgbd"
	"github.com/viamrobotics/orbslam3-rgbd/sensors/utils"
	"github.com/viamrobotics/orbslam3-rgbd/testhelper"
)

const (
	// TestExecutableName is the program "true", not the boolean value. It exits right away, so
	// it only serves trackers that are expected to fail before tracking.
	TestExecutableName = "true"
	// CameraWidth is the width of the images the fake cameras return.
	CameraWidth = 64
	// CameraHeight is the height of the images the fake cameras return.
	CameraHeight = 48
	// CameraDepthMm is the depth the fake depth camera sees everywhere.
	CameraDepthMm = 1500
)

var (
	// ColorIntrinsics are the intrinsics of the good fake color camera. Not the real camera parameters.
	ColorIntrinsics = &transform.PinholeCameraIntrinsics{
		Width:  CameraWidth,
		Height: CameraHeight,
		Fx:     50,
		Fy:     50,
		Ppx:    32,
		Ppy:    24,
	}
	// Distortion of the good fake color camera.
	Distortion = &transform.BrownConrady{RadialK1: 0.001, RadialK2: 0.00004}
)

// SetupCameras returns a fake camera for each known name. Unknown names are skipped.
func SetupCameras(t *testing.T, names ...string) map[string]*inject.Camera {
	t.Helper()
	colorPNG, err := utils.EncodePNG(context.Background(), testhelper.ColorImage(CameraWidth, CameraHeight))
	test.That(t, err, test.ShouldBeNil)
	depthPNG, err := utils.EncodePNG(context.Background(),
		testhelper.DepthImage(CameraWidth, CameraHeight, CameraDepthMm))
	test.That(t, err, test.ShouldBeNil)

	cams := make(map[string]*inject.Camera, len(names))
	for _, name := range names {
		cam := &inject.Camera{}
		cam.NextPointCloudFunc = func(ctx context.Context) (pointcloud.PointCloud, error) {
			return nil, errors.New("camera not lidar")
		}
		switch name {
		case "good_color_camera":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return ColorIntrinsics, nil
			}
			cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
				return camera.Properties{IntrinsicParams: ColorIntrinsics, DistortionParams: Distortion}, nil
			}
			cam.StreamFunc = pngStream(colorPNG)
		case "good_depth_camera":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return nil, transform.NewNoIntrinsicsError("")
			}
			cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
				return camera.Properties{}, nil
			}
			cam.StreamFunc = pngStream(depthPNG)
		case "timeout_depth_camera":
			// times out on every other read
			var reads uint64
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return nil, transform.NewNoIntrinsicsError("")
			}
			cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
				return camera.Properties{}, nil
			}
			cam.StreamFunc = func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
				if atomic.AddUint64(&reads, 1)%2 == 1 {
					return nil, errors.New("bad scan: OpTimeout")
				}
				return pngStream(depthPNG)(ctx, errHandlers...)
			}
		case "missing_distortion_parameters_camera":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return ColorIntrinsics, nil
			}
			cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
				return camera.Properties{IntrinsicParams: ColorIntrinsics, DistortionParams: nil}, nil
			}
			cam.StreamFunc = pngStream(colorPNG)
		case "missing_camera_properties":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return ColorIntrinsics, nil
			}
			cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
				return camera.Properties{}, errors.New("somehow couldn't get properties")
			}
			cam.StreamFunc = pngStream(colorPNG)
		case "bad_camera_intrinsics":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return &transform.PinholeCameraIntrinsics{}, nil
			}
			cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
				return camera.Properties{
					IntrinsicParams:  &transform.PinholeCameraIntrinsics{},
					DistortionParams: &transform.BrownConrady{},
				}, nil
			}
			cam.StreamFunc = pngStream(colorPNG)
		case "bad_camera_no_stream":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return ColorIntrinsics, nil
			}
			cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
				return camera.Properties{IntrinsicParams: ColorIntrinsics, DistortionParams: Distortion}, nil
			}
			cam.StreamFunc = func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
				return nil, errors.New("bad_camera_no_stream")
			}
		case "invalid_sensor_type":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return nil, transform.NewNoIntrinsicsError("")
			}
			cam.StreamFunc = func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
				return nil, errors.New("this device does not stream images")
			}
		default:
			continue
		}
		cams[name] = cam
	}
	return cams
}

func pngStream(data []byte) func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
	return func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
		lazy := rimage.NewLazyEncodedImage(data, rdkutils.MimeTypePNG)
		return gostream.NewEmbeddedVideoStreamFromReader(
			gostream.VideoReaderFunc(func(ctx context.Context) (image.Image, func(), error) {
				return lazy, func() {}, nil
			}),
		), nil
	}
}

// SetupTestGRPCServer starts a gRPC server with no services on a free port. It stands in for
// the engine's server so that the tracker can connect.
func SetupTestGRPCServer(tb testing.TB) (*grpc.Server, int) {
	listener, err := net.Listen("tcp", ":0")
	test.That(tb, err, test.ShouldBeNil)
	grpcServer := grpc.NewServer()
	go grpcServer.Serve(listener)

	return grpcServer, listener.Addr().(*net.TCPAddr).Port
}

// EngineScript writes a shell script that stands in for the engine and returns its path. The
// script ignores the engine arguments.
func EngineScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orb_grpc_server")
	//nolint:gosec
	test.That(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700), test.ShouldBeNil)
	return path
}

// RunningEngine returns a stand-in engine that runs until it is stopped.
func RunningEngine(t *testing.T) string {
	t.Helper()
	return EngineScript(t, "exec sleep 300")
}

// CreateTracker creates a tracker with short timeouts. With success false the creation is
// expected to fail and the error is returned.
func CreateTracker(
	t *testing.T,
	cfg orbslamrgbd.Config,
	logger golog.Logger,
	bufferLogs bool,
	success bool,
	executableName string,
) (*orbslamrgbd.ORBTracker, error) {
	t.Helper()

	orbslamrgbd.SetDialMaxTimeoutSecForTesting(1)

	tracker, err := orbslamrgbd.New(context.Background(), cfg, logger, bufferLogs, executableName)
	if success {
		if err != nil {
			return nil, err
		}
		test.That(t, tracker, test.ShouldNotBeNil)
		return tracker, nil
	}

	test.That(t, tracker, test.ShouldBeNil)
	return nil, err
}

// CloseOutDataDirectory empties the data directory used by a test.
func CloseOutDataDirectory(t *testing.T, name string) {
	t.Helper()

	if name != "" {
		err := testhelper.ResetFolder(name)
		test.That(t, err, test.ShouldBeNil)
	}
}
