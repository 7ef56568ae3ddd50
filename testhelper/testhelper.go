// Package testhelper provides helper functions for testing the tracker and the frame sources.
package testhelper

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/slam/config"
	"go.viam.com/slam/dataprocess"
	"go.viam.com/test"

	"github.com/viamrobotics/orbslam3-rgbd/sensors/utils"
)

// CreateTempDataDirectory creates a new random temporary directory with the config, data and map
// subdirectories the tracking engine works in, and the rgb and depth image directories.
func CreateTempDataDirectory(logger golog.Logger) (string, error) {
	tmpDir, err := os.MkdirTemp("", "*")
	if err != nil {
		return "", err
	}
	if err := config.SetupDirectories(tmpDir, logger); err != nil {
		return "", err
	}
	for _, name := range []string{"rgb", "depth"} {
		if err := os.Mkdir(filepath.Join(tmpDir, "data", name), os.ModePerm); err != nil {
			return "", err
		}
	}
	return tmpDir, nil
}

// ResetFolder removes all content in path and creates a new directory
// in its place.
func ResetFolder(path string) error {
	dirInfo, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !dirInfo.IsDir() {
		return errors.Errorf("the path passed ResetFolder does not point to a folder: %v", path)
	}
	if err = os.RemoveAll(path); err != nil {
		return err
	}
	return os.Mkdir(path, dirInfo.Mode())
}

// CountFiles returns the number of entries in dir.
func CountFiles(t *testing.T, dir string) int {
	t.Helper()
	files, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	return len(files)
}

// ColorImage returns a color image with a horizontal gradient.
func ColorImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

// DepthImage returns a depth image of a plane at depthMm millimetres.
func DepthImage(width, height int, depthMm uint16) *image.Gray16 {
	dm := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dm.SetGray16(x, y, color.Gray16{Y: depthMm})
		}
	}
	return dm
}

// WriteFramePair writes a color and depth image into the rgb and depth directories of dir,
// named the way the tracker names them. Either image may be nil to write only the other one.
func WriteFramePair(dir, name string, timestamp time.Time, colorImg *image.NRGBA, depthImg *image.Gray16) error {
	images := map[string]image.Image{}
	if colorImg != nil {
		images["rgb"] = colorImg
	}
	if depthImg != nil {
		images["depth"] = depthImg
	}
	for subdir, img := range images {
		data, err := utils.EncodePNG(context.Background(), img)
		if err != nil {
			return err
		}
		filename := dataprocess.CreateTimestampFilename(filepath.Join(dir, subdir), name, ".png", timestamp)
		if err := dataprocess.WriteBytesToFile(data, filename); err != nil {
			return err
		}
	}
	return nil
}

// WriteSettingsFile writes a minimal ORB_SLAM3 settings file into dir and returns its path.
// A scale of 0 leaves Camera.imageScale out of the file.
func WriteSettingsFile(t *testing.T, dir string, scale float64) string {
	t.Helper()
	contents := "%YAML:1.0\n" +
		"File.version: \"1.0\"\n" +
		"Camera.type: \"PinHole\"\n" +
		"Camera.width: 640\n" +
		"Camera.height: 480\n" +
		"Camera.fps: 30.0\n" +
		"Camera1.fx: 535.4\n" +
		"Camera1.fy: 539.2\n" +
		"Camera1.cx: 320.1\n" +
		"Camera1.cy: 247.6\n" +
		"RGBD.DepthMapFactor: 1000.0\n" +
		"Tbc: !!opencv-matrix\n" +
		"  rows: 2\n" +
		"  cols: 2\n" +
		"  dt: f\n" +
		"  data: [1.0, 0.0, 0.0, 1.0]\n"
	if scale != 0 {
		contents += fmt.Sprintf("Camera.imageScale: %v\n", scale)
	}
	path := filepath.Join(dir, "config", "settings.yaml")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}
