// Package replay implements a frame source that plays back color and depth images saved on disk,
// in the layout the tracker writes them: rgb/<name>_data_<timestamp>.png next to
// depth/<name>_data_<timestamp>.png.
package replay

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/rimage/transform"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/orbslam3-rgbd/sensors/rgbd"
	"github.com/viamrobotics/orbslam3-rgbd/sensors/utils"
)

const (
	colorDirectory = "rgb"
	depthDirectory = "depth"
	imageExt       = ".png"
	// IntrinsicsFilename holds the color intrinsics of a recording, in the rdk JSON format.
	IntrinsicsFilename = "intrinsics.json"
	// DepthIntrinsicsFilename holds the depth intrinsics of a recording that is not registered yet.
	DepthIntrinsicsFilename = "depth_intrinsics.json"
)

type framePair struct {
	color     string
	depth     string
	timestamp time.Time
}

// Source replays a recording. With realtime set, frames are spaced by the differences of their
// timestamps; otherwise they are returned as fast as they are asked for.
type Source struct {
	dir      string
	realtime bool
	logger   golog.Logger

	mu       sync.Mutex
	pairs    []framePair
	next     int
	started  bool
	lastSent time.Time
}

// New scans dir for frame pairs. Color images without a depth image of the same timestamp, and
// the reverse, are skipped.
func New(dir string, realtime bool, logger golog.Logger) (*Source, error) {
	colorFiles, err := timestampedFiles(filepath.Join(dir, colorDirectory), logger)
	if err != nil {
		return nil, err
	}
	depthFiles, err := timestampedFiles(filepath.Join(dir, depthDirectory), logger)
	if err != nil {
		return nil, err
	}

	pairs := make([]framePair, 0, len(colorFiles))
	for key, colorFile := range colorFiles {
		depthFile, ok := depthFiles[key]
		if !ok {
			logger.Debugw("skipping color image without depth image", "file", colorFile.path)
			continue
		}
		pairs = append(pairs, framePair{color: colorFile.path, depth: depthFile.path, timestamp: colorFile.timestamp})
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("no color and depth image pairs found in %v", dir)
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].timestamp.Before(pairs[j].timestamp)
	})
	logger.Debugf("found %d frame pairs in %v", len(pairs), dir)

	return &Source{dir: dir, realtime: realtime, logger: logger, pairs: pairs}, nil
}

type timestampedFile struct {
	path      string
	timestamp time.Time
}

// timestampedFiles lists the timestamped PNGs of a directory keyed by their timestamp.
func timestampedFiles(dir string, logger golog.Logger) (map[int64]timestampedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading recording directory %v", dir)
	}
	files := make(map[int64]timestampedFile, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != imageExt {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		timestamp, err := utils.TimestampFromFilename(path, imageExt)
		if err != nil {
			logger.Debugw("skipping file without timestamp", "file", path, "error", err)
			continue
		}
		files[timestamp.UnixNano()] = timestampedFile{path: path, timestamp: timestamp}
	}
	return files, nil
}

// Len returns the number of frame pairs in the recording.
func (s *Source) Len() int {
	return len(s.pairs)
}

// Start reads the intrinsics of the recording. Without an intrinsics file the color intrinsics
// only carry the image size, which is enough when depth is registered to color.
func (s *Source) Start(ctx context.Context) (rgbd.Profile, error) {
	_, span := trace.StartSpan(ctx, "replay::Source::Start")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return rgbd.Profile{}, errors.New("replay already started")
	}

	var profile rgbd.Profile
	colorIntrinsics, err := s.readIntrinsics(IntrinsicsFilename)
	if err != nil {
		return rgbd.Profile{}, err
	}
	if colorIntrinsics == nil {
		colorIntrinsics, err = s.sizeOnlyIntrinsics()
		if err != nil {
			return rgbd.Profile{}, err
		}
		s.logger.Debugw("recording has no intrinsics, using the image size only",
			"width", colorIntrinsics.Width, "height", colorIntrinsics.Height)
	}
	profile.ColorIntrinsics = colorIntrinsics

	if profile.DepthIntrinsics, err = s.readIntrinsics(DepthIntrinsicsFilename); err != nil {
		return rgbd.Profile{}, err
	}

	s.started = true
	s.next = 0
	s.lastSent = time.Time{}
	return profile, nil
}

func (s *Source) readIntrinsics(name string) (*transform.PinholeCameraIntrinsics, error) {
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	intrinsics, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading intrinsics from %v", path)
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "invalid intrinsics in %v", path)
	}
	return intrinsics, nil
}

func (s *Source) sizeOnlyIntrinsics() (*transform.PinholeCameraIntrinsics, error) {
	//nolint:gosec
	f, err := os.Open(s.pairs[0].color)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading size of %v", s.pairs[0].color)
	}
	return &transform.PinholeCameraIntrinsics{Width: cfg.Width, Height: cfg.Height}, nil
}

// WaitForFrames returns the next frame pair of the recording, or rgbd.ErrEndOfStream once all
// of them were returned.
func (s *Source) WaitForFrames(ctx context.Context) (rgbd.FrameSet, error) {
	ctx, span := trace.StartSpan(ctx, "replay::Source::WaitForFrames")
	defer span.End()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return rgbd.FrameSet{}, errors.New("replay is not started")
	}
	if s.next >= len(s.pairs) {
		s.mu.Unlock()
		return rgbd.FrameSet{}, rgbd.ErrEndOfStream
	}
	pair := s.pairs[s.next]
	var wait time.Duration
	if s.realtime && s.next > 0 {
		gap := pair.timestamp.Sub(s.pairs[s.next-1].timestamp)
		wait = gap - time.Since(s.lastSent)
	}
	s.next++
	s.mu.Unlock()

	if wait > 0 && !goutils.SelectContextOrWait(ctx, wait) {
		return rgbd.FrameSet{}, ctx.Err()
	}

	fs, err := readFramePair(pair)
	if err != nil {
		return rgbd.FrameSet{}, err
	}

	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
	return fs, nil
}

func readFramePair(pair framePair) (rgbd.FrameSet, error) {
	//nolint:gosec
	colorBytes, err := os.ReadFile(pair.color)
	if err != nil {
		return rgbd.FrameSet{}, err
	}
	color, err := utils.DecodeColorPNG(colorBytes)
	if err != nil {
		return rgbd.FrameSet{}, errors.Wrapf(err, "error reading %v", pair.color)
	}
	//nolint:gosec
	depthBytes, err := os.ReadFile(pair.depth)
	if err != nil {
		return rgbd.FrameSet{}, err
	}
	depth, err := utils.DecodeDepthPNG(depthBytes)
	if err != nil {
		return rgbd.FrameSet{}, errors.Wrapf(err, "error reading %v", pair.depth)
	}
	return rgbd.FrameSet{Color: color, Depth: depth, Timestamp: pair.timestamp}, nil
}

// Stop ends the replay. A stopped source can be started again from the first frame.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}
