// Package utils contains helper functions for the sensor implementations: conversion of
// camera output into the buffer formats expected by the tracking engine, resizing, and PNG
// encoding for the file handoff.
package utils

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/utils"
	"go.viam.com/slam/dataprocess"
	"golang.org/x/image/draw"
)

const timestampSeparator = "_data_"

// ToColorBuffer returns img as an 8 bit per channel color buffer. Images that already are
// *image.NRGBA are returned as is.
func ToColorBuffer(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	return imaging.Clone(img)
}

// ToDepthBuffer returns img as a 16 bit depth buffer. Only images that carry 16 bit gray
// values are accepted; an 8 bit image cannot hold millimetre depth.
func ToDepthBuffer(img image.Image) (*image.Gray16, error) {
	switch dm := img.(type) {
	case *image.Gray16:
		return dm, nil
	case nil:
		return nil, errors.New("expected depth image, got nil")
	default:
		if img.ColorModel() != color.Gray16Model {
			return nil, errors.Errorf("expected 16 bit depth image, got %T", img)
		}
		bounds := img.Bounds()
		out := image.NewGray16(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				out.SetGray16(x-bounds.Min.X, y-bounds.Min.Y, color.Gray16Model.Convert(img.At(x, y)).(color.Gray16))
			}
		}
		return out, nil
	}
}

// ScaledSize returns the dimensions of bounds multiplied by scale, truncated towards zero.
func ScaledSize(bounds image.Rectangle, scale float64) (int, int) {
	return int(float64(bounds.Dx()) * scale), int(float64(bounds.Dy()) * scale)
}

// ResizeColor resizes a color buffer with linear interpolation.
func ResizeColor(img *image.NRGBA, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid color resize target (%d, %d)", width, height)
	}
	return imaging.Resize(img, width, height, imaging.Linear), nil
}

// ResizeDepth resizes a depth buffer with nearest neighbour sampling. This differs from
// cv::resize with its default bilinear filter: bilinear output blends a foreground and a
// background surface at their edge into a depth neither has, while every value here is a depth
// the sensor measured.
func ResizeDepth(dm *image.Gray16, width, height int) (*image.Gray16, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid depth resize target (%d, %d)", width, height)
	}
	out := image.NewGray16(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(out, out.Bounds(), dm, dm.Bounds(), draw.Src, nil)
	return out, nil
}

// EncodePNG encodes a color or depth buffer as PNG.
func EncodePNG(ctx context.Context, img image.Image) ([]byte, error) {
	return rimage.EncodeImage(ctx, img, utils.MimeTypePNG)
}

// DecodeColorPNG decodes PNG bytes into a color buffer.
func DecodeColorPNG(data []byte) (*image.NRGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "error decoding color image")
	}
	return ToColorBuffer(img), nil
}

// DecodeDepthPNG decodes 16 bit gray PNG bytes into a depth buffer.
func DecodeDepthPNG(data []byte) (*image.Gray16, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "error decoding depth image")
	}
	return ToDepthBuffer(img)
}

// TimestampFromFilename parses the time written into a file name by
// dataprocess.CreateTimestampFilename, <name>_data_<timestamp><ext>.
func TimestampFromFilename(path, ext string) (time.Time, error) {
	name := filepath.Base(path)
	loc := strings.LastIndex(name, timestampSeparator)
	if loc == -1 || filepath.Ext(name) != ext {
		return time.Time{}, errors.Errorf("%v is not a timestamped %v file", name, ext)
	}
	timestamp, err := time.Parse(dataprocess.SlamTimeFormat, name[loc+len(timestampSeparator):len(name)-len(ext)])
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "unable to parse timestamp of %v", name)
	}
	return timestamp, nil
}
