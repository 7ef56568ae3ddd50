package rgbd_test

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"

	"github.com/viamrobotics/orbslam3-rgbd/sensors/rgbd"
)

func intrinsics(width, height int) *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     100,
		Fy:     100,
		Ppx:    float64(width) / 2,
		Ppy:    float64(height) / 2,
	}
}

func flatDepth(width, height int, depth uint16) *image.Gray16 {
	dm := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dm.SetGray16(x, y, color.Gray16{Y: depth})
		}
	}
	return dm
}

func cameraSystem(color, depth *transform.PinholeCameraIntrinsics) *transform.DepthColorIntrinsicsExtrinsics {
	system := transform.NewEmptyDepthColorIntrinsicsExtrinsics()
	system.ColorCamera = *color
	system.DepthCamera = *depth
	return system
}

func TestNewAligner(t *testing.T) {
	t.Run("missing color intrinsics", func(t *testing.T) {
		_, err := rgbd.NewAligner(nil, nil, nil)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("invalid depth intrinsics", func(t *testing.T) {
		_, err := rgbd.NewAligner(intrinsics(8, 6), &transform.PinholeCameraIntrinsics{Width: 8, Height: 6}, nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "invalid depth intrinsics")
	})

	t.Run("invalid camera system", func(t *testing.T) {
		_, err := rgbd.NewAligner(nil, nil, transform.NewEmptyDepthColorIntrinsicsExtrinsics())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "invalid camera system")
	})

	t.Run("camera system for another color size", func(t *testing.T) {
		_, err := rgbd.NewAligner(intrinsics(16, 12), nil, cameraSystem(intrinsics(8, 6), intrinsics(8, 6)))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "does not match color stream")
	})
}

func TestAlignerPassThrough(t *testing.T) {
	for _, depthIntrinsics := range []*transform.PinholeCameraIntrinsics{nil, intrinsics(8, 6)} {
		aligner, err := rgbd.NewAligner(intrinsics(8, 6), depthIntrinsics, nil)
		test.That(t, err, test.ShouldBeNil)

		fs := rgbd.FrameSet{
			Color:     image.NewNRGBA(image.Rect(0, 0, 8, 6)),
			Depth:     flatDepth(8, 6, 1000),
			Timestamp: time.Now(),
		}
		out, err := aligner.Process(context.Background(), fs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Depth, test.ShouldEqual, fs.Depth)

		fs.Depth = flatDepth(4, 3, 1000)
		_, err = aligner.Process(context.Background(), fs)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no depth intrinsics are available")
	}
}

func TestAlignerReprojects(t *testing.T) {
	t.Run("depth from the stream intrinsics", func(t *testing.T) {
		depthIntrinsics := intrinsics(8, 6)
		depthIntrinsics.Fx = 100.5
		aligner, err := rgbd.NewAligner(intrinsics(8, 6), depthIntrinsics, nil)
		test.That(t, err, test.ShouldBeNil)

		fs := rgbd.FrameSet{Color: image.NewNRGBA(image.Rect(0, 0, 8, 6)), Depth: flatDepth(8, 6, 1000)}
		out, err := aligner.Process(context.Background(), fs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Color, test.ShouldEqual, fs.Color)
		test.That(t, out.Depth.Bounds().Size(), test.ShouldResemble, image.Point{8, 6})
		test.That(t, out.Depth.Gray16At(4, 3).Y, test.ShouldEqual, 1000)
	})

	t.Run("principal point offset shifts depth into the color frame", func(t *testing.T) {
		colorIntrinsics := intrinsics(8, 6)
		colorIntrinsics.Ppx = 5
		aligner, err := rgbd.NewAligner(nil, nil, cameraSystem(colorIntrinsics, intrinsics(8, 6)))
		test.That(t, err, test.ShouldBeNil)

		depth := image.NewGray16(image.Rect(0, 0, 8, 6))
		depth.SetGray16(2, 3, color.Gray16{Y: 1000})
		fs := rgbd.FrameSet{Color: image.NewNRGBA(image.Rect(0, 0, 8, 6)), Depth: depth}

		out, err := aligner.Process(context.Background(), fs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Depth.Gray16At(3, 3).Y, test.ShouldEqual, 1000)
		test.That(t, out.Depth.Gray16At(2, 3).Y, test.ShouldEqual, 0)
	})

	t.Run("depth is resampled to the color size", func(t *testing.T) {
		colorIntrinsics := &transform.PinholeCameraIntrinsics{Width: 4, Height: 4, Fx: 50, Fy: 50, Ppx: 2, Ppy: 2}
		aligner, err := rgbd.NewAligner(colorIntrinsics, intrinsics(8, 8), nil)
		test.That(t, err, test.ShouldBeNil)

		fs := rgbd.FrameSet{Color: image.NewNRGBA(image.Rect(0, 0, 4, 4)), Depth: flatDepth(8, 8, 2000)}
		out, err := aligner.Process(context.Background(), fs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Depth.Bounds().Size(), test.ShouldResemble, image.Point{4, 4})
		test.That(t, out.Depth.Gray16At(1, 1).Y, test.ShouldEqual, 2000)
	})

	t.Run("frames of the wrong size fail", func(t *testing.T) {
		aligner, err := rgbd.NewAligner(nil, nil, cameraSystem(intrinsics(8, 6), intrinsics(8, 6)))
		test.That(t, err, test.ShouldBeNil)

		fs := rgbd.FrameSet{Color: image.NewNRGBA(image.Rect(0, 0, 4, 3)), Depth: flatDepth(8, 6, 1000)}
		_, err = aligner.Process(context.Background(), fs)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "does not match the color intrinsics")

		fs = rgbd.FrameSet{Color: image.NewNRGBA(image.Rect(0, 0, 8, 6)), Depth: flatDepth(4, 3, 1000)}
		_, err = aligner.Process(context.Background(), fs)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "expected depth image")
	})
}

func TestFrameSetValidate(t *testing.T) {
	fs := rgbd.FrameSet{}
	test.That(t, fs.Validate(), test.ShouldNotBeNil)

	fs.Color = image.NewNRGBA(image.Rect(0, 0, 4, 4))
	test.That(t, fs.Validate(), test.ShouldNotBeNil)

	fs.Depth = flatDepth(4, 3, 1)
	test.That(t, fs.Validate().Error(), test.ShouldContainSubstring, "do not match")

	fs.Depth = flatDepth(4, 4, 1)
	test.That(t, fs.Validate(), test.ShouldBeNil)

	fs.Timestamp = time.Unix(12, 500000000)
	test.That(t, fs.Seconds(), test.ShouldAlmostEqual, 12.5)
}

func TestConfigValidate(t *testing.T) {
	cfg := rgbd.DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.FramePeriod(), test.ShouldEqual, time.Second/30)

	bad := cfg
	bad.Width = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.FPS = -1
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.DepthFormat = "z8"
	test.That(t, bad.Validate().Error(), test.ShouldContainSubstring, "unsupported depth format")
}
