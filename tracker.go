// Package orbslamrgbd feeds RGB-D frames into the ORB_SLAM3 tracking engine.
// The engine runs as an external process; frames are handed over through its data directory
// and poses come back through its log output and gRPC service.
package orbslamrgbd

import (
	"bufio"
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	pb "go.viam.com/api/service/slam/v1"
	"go.viam.com/rdk/spatialmath"
	slamConfig "go.viam.com/slam/config"
	"go.viam.com/slam/dataprocess"
	slamUtils "go.viam.com/slam/utils"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/pexec"
	"golang.org/x/exp/slices"

	"github.com/viamrobotics/orbslam3-rgbd/internal/exitwatch"
	"github.com/viamrobotics/orbslam3-rgbd/sensors/utils"
)

var (
	dialMaxTimeoutSec = 30 // reconfigurable for testing
	supportedModes    = []Mode{Mono, Rgbd}
)

const (
	parsePortMaxTimeoutSec = 60
	poseBufferSize         = 16
	localhost0             = "localhost:0"
	portLogLinePrefix      = "Server listening on "
	shutdownLogLine        = "System shutdown"
	// DefaultExecutableName is what this program expects to call to start the grpc server.
	DefaultExecutableName = "orb_grpc_server"
	// DefaultSensorName names the frames written into the data directory.
	DefaultSensorName = "color"
)

// Mode defines the ORB_SLAM3 specific algorithms that we support.
type Mode string

const (
	// Mono represents monocular vision (uses only one camera).
	Mono Mode = "mono"
	// Rgbd uses a color camera and a depth camera for SLAM.
	Rgbd Mode = "rgbd"
)

// SetDialMaxTimeoutSecForTesting sets dialMaxTimeoutSec for testing.
func SetDialMaxTimeoutSecForTesting(val int) {
	dialMaxTimeoutSec = val
}

// Tracker is the tracking engine as seen by the frame pump.
type Tracker interface {
	// ImageScale is the factor frames are resized by before tracking.
	ImageScale() float64
	// TrackRGBD hands one aligned color and depth pair to the engine. timestamp is in seconds.
	TrackRGBD(ctx context.Context, color *image.NRGBA, depth *image.Gray16, timestamp float64) error
	IsShutDown() bool
	Shutdown() error
}

// Config describes how to start the tracking engine.
type Config struct {
	VocabularyPath string
	SettingsPath   string
	// TrajectoryPath is where the engine saves the camera trajectory on shutdown. Optional.
	TrajectoryPath string
	Mode           Mode
	DataDirectory  string
	// Port is the engine's gRPC address. localhost:0 lets the engine pick one and report it in its log.
	Port       string
	SensorName string
	Viewer     bool
}

// Validate checks the config and fills in defaults.
func (cfg *Config) Validate() error {
	if cfg.VocabularyPath == "" {
		return goutils.NewConfigValidationFieldRequiredError("tracker", "vocabulary")
	}
	if cfg.SettingsPath == "" {
		return goutils.NewConfigValidationFieldRequiredError("tracker", "settings")
	}
	if cfg.DataDirectory == "" {
		return goutils.NewConfigValidationFieldRequiredError("tracker", "data_dir")
	}
	if cfg.Mode == "" {
		cfg.Mode = Rgbd
	}
	if !slices.Contains(supportedModes, cfg.Mode) {
		return errors.Errorf("tracker does not have a mode %v", cfg.Mode)
	}
	if cfg.Port == "" {
		cfg.Port = localhost0
	}
	if cfg.SensorName == "" {
		cfg.SensorName = DefaultSensorName
	}
	return nil
}

// ORBTracker runs the ORB_SLAM3 engine process and talks to it.
type ORBTracker struct {
	cfg             Config
	executableName  string // by default: DefaultExecutableName
	imageScale      float64
	process         pexec.ProcessManager
	processExits    <-chan exitwatch.Exit
	clientAlgo      pb.SLAMServiceClient
	clientAlgoClose func() error

	port   string
	logger golog.Logger

	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup

	logReader         io.ReadCloser
	logWriter         io.WriteCloser
	bufferedLogReader *bufio.Reader
	bufferLogs        bool

	poses chan Pose

	mu          sync.Mutex
	shutDown    bool
	closed      bool
	frames      int
	logLines    []string
	closeResult error
}

// New starts the engine described by cfg and connects to it. When bufferLogs is true every
// line of the engine log is also kept in memory; see LogLines.
func New(ctx context.Context, cfg Config, logger golog.Logger, bufferLogs bool, executableName string) (*ORBTracker, error) {
	ctx, span := trace.StartSpan(ctx, "orbslamrgbd::New")
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker config")
	}

	settings, err := LoadSettings(cfg.SettingsPath)
	if err != nil {
		return nil, errors.Wrap(err, "error loading tracker settings")
	}

	if err := SetupDataDirectory(cfg.DataDirectory, cfg.Mode, logger); err != nil {
		return nil, err
	}

	processLogger, processExits := exitwatch.New(logger)
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	t := &ORBTracker{
		cfg:            cfg,
		executableName: executableName,
		imageScale:     settings.Scale(),
		process:        pexec.NewProcessManager(processLogger),
		processExits:   processExits,
		port:           cfg.Port,
		logger:         logger,
		cancelFunc:     cancelFunc,
		bufferLogs:     bufferLogs,
		poses:          make(chan Pose, poseBufferSize),
	}

	var success bool
	defer func() {
		if !success {
			if err := t.Shutdown(); err != nil {
				logger.Errorw("error closing out after error", "error", err)
			}
		}
	}()

	if err := t.startProcess(ctx, cancelCtx); err != nil {
		return nil, errors.Wrap(err, "error with tracker process")
	}

	t.startLogWatcher(cancelCtx)

	client, clientClose, err := slamConfig.SetupGRPCConnection(ctx, t.port, dialMaxTimeoutSec, logger)
	if err != nil {
		return nil, errors.Wrap(err, "error with initial grpc client to tracker")
	}
	t.clientAlgo = client
	t.clientAlgoClose = clientClose

	success = true
	return t, nil
}

// SetupDataDirectory creates the config, data and map directories along with the per stream
// image directories the engine reads from.
func SetupDataDirectory(dataDirectory string, mode Mode, logger golog.Logger) error {
	if err := slamConfig.SetupDirectories(dataDirectory, logger); err != nil {
		return errors.Wrap(err, "unable to setup working directories")
	}
	directoryNames := []string{"rgb"}
	if mode == Rgbd {
		directoryNames = append(directoryNames, "depth")
	}
	for _, directoryName := range directoryNames {
		directoryPath := filepath.Join(dataDirectory, "data", directoryName)
		if _, err := os.Stat(directoryPath); os.IsNotExist(err) {
			logger.Debugf("%v directory does not exist, creating it", directoryPath)
			if err := os.Mkdir(directoryPath, os.ModePerm); err != nil {
				return errors.Errorf("issue creating directory at %v: %v", directoryPath, err)
			}
		}
	}
	return nil
}

// ImageScale returns the scale read from the settings file.
func (t *ORBTracker) ImageScale() float64 {
	return t.imageScale
}

// Port returns the address of the engine's gRPC service.
func (t *ORBTracker) Port() string {
	return t.port
}

// Poses returns the poses the engine reports in its log. The channel is closed once the log
// stream ends. Poses are dropped when nobody keeps up with the channel.
func (t *ORBTracker) Poses() <-chan Pose {
	return t.poses
}

// IsShutDown reports whether the engine has shut down, its process exited, or Shutdown was called.
func (t *ORBTracker) IsShutDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutDown
}

// FramesTracked returns the number of frame sets handed to the engine.
func (t *ORBTracker) FramesTracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// LogLines returns the engine log lines seen so far. It is empty unless the tracker was created
// with bufferLogs.
func (t *ORBTracker) LogLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.logLines...)
}

func (t *ORBTracker) markShutDown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutDown = true
}

// TrackRGBD writes the frame pair into the engine's data directory, color under data/rgb and
// depth under data/depth, both named after the frame timestamp.
func (t *ORBTracker) TrackRGBD(ctx context.Context, color *image.NRGBA, depth *image.Gray16, timestamp float64) error {
	ctx, span := trace.StartSpan(ctx, "orbslamrgbd::ORBTracker::TrackRGBD")
	defer span.End()

	if t.IsShutDown() {
		return errors.New("tracker is shut down")
	}
	if color == nil || depth == nil {
		return errors.New("tracking requires a color and a depth image")
	}
	if !color.Bounds().Size().Eq(depth.Bounds().Size()) {
		return errors.Errorf("color size %v and depth size %v do not match",
			color.Bounds().Size(), depth.Bounds().Size())
	}
	if t.cfg.Mode != Rgbd {
		return errors.Errorf("tracker in mode %v cannot track RGB-D frames", t.cfg.Mode)
	}

	colorBytes, err := utils.EncodePNG(ctx, color)
	if err != nil {
		return errors.Wrap(err, "error encoding color image")
	}
	depthBytes, err := utils.EncodePNG(ctx, depth)
	if err != nil {
		return errors.Wrap(err, "error encoding depth image")
	}

	colorFilename, depthFilename := createTimestampFilenames(t.cfg.DataDirectory, t.cfg.SensorName, secondsToTime(timestamp))
	// the engine picks frames up by their color file, so depth has to be in place first
	if err := dataprocess.WriteBytesToFile(depthBytes, depthFilename); err != nil {
		return errors.Wrap(err, "error writing depth image")
	}
	if err := dataprocess.WriteBytesToFile(colorBytes, colorFilename); err != nil {
		return errors.Wrap(err, "error writing color image")
	}

	t.mu.Lock()
	t.frames++
	t.mu.Unlock()
	return nil
}

// TrackMonocular writes a color frame into the engine's data directory.
func (t *ORBTracker) TrackMonocular(ctx context.Context, color *image.NRGBA, timestamp float64) error {
	ctx, span := trace.StartSpan(ctx, "orbslamrgbd::ORBTracker::TrackMonocular")
	defer span.End()

	if t.IsShutDown() {
		return errors.New("tracker is shut down")
	}
	if color == nil {
		return errors.New("tracking requires a color image")
	}
	colorBytes, err := utils.EncodePNG(ctx, color)
	if err != nil {
		return errors.Wrap(err, "error encoding color image")
	}
	colorFilename, _ := createTimestampFilenames(t.cfg.DataDirectory, t.cfg.SensorName, secondsToTime(timestamp))
	if err := dataprocess.WriteBytesToFile(colorBytes, colorFilename); err != nil {
		return errors.Wrap(err, "error writing color image")
	}

	t.mu.Lock()
	t.frames++
	t.mu.Unlock()
	return nil
}

// Position asks the engine for its current position. Once a response is received, it is unpacked
// into a Pose and a component reference string.
func (t *ORBTracker) Position(ctx context.Context) (spatialmath.Pose, string, error) {
	ctx, span := trace.StartSpan(ctx, "orbslamrgbd::ORBTracker::Position")
	defer span.End()

	if t.clientAlgo == nil {
		return nil, "", errors.New("error getting SLAM position: tracker is not connected")
	}
	req := &pb.GetPositionRequest{Name: t.cfg.SensorName}

	resp, err := t.clientAlgo.GetPosition(ctx, req)
	if err != nil {
		return nil, "", errors.Wrap(err, "error getting SLAM position")
	}
	pose := spatialmath.NewPoseFromProtobuf(resp.GetPose())
	componentReference := resp.GetComponentReference()
	returnedExt := resp.Extra.AsMap()

	return slamUtils.CheckQuaternionFromClientAlgo(pose, componentReference, returnedExt)
}

// ProcessConfig returns the process config for the engine process.
func (t *ORBTracker) ProcessConfig() pexec.ProcessConfig {
	args := []string{
		"-vocabulary=" + t.cfg.VocabularyPath,
		"-settings=" + t.cfg.SettingsPath,
		"-mode=" + string(t.cfg.Mode),
		"-data_dir=" + t.cfg.DataDirectory,
		"-port=" + t.cfg.Port,
		"-use_live_data=true",
		"-viewer=" + strconv.FormatBool(t.cfg.Viewer),
	}
	if t.cfg.TrajectoryPath != "" {
		args = append(args, "-trajectory_file="+t.cfg.TrajectoryPath)
	}

	return pexec.ProcessConfig{
		ID:         "orbslam3_rgbd",
		Name:       t.executableName,
		Args:       args,
		Log:        true,
		OneShot:    false,
		StopSignal: syscall.SIGINT,
	}
}

// startProcess starts up the engine by calling the executable binary and giving it the necessary
// arguments. Its log is piped back so that the port and poses can be read from it.
func (t *ORBTracker) startProcess(ctx, cancelCtx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "orbslamrgbd::ORBTracker::startProcess")
	defer span.End()

	processConfig := t.ProcessConfig()

	t.logReader, t.logWriter = io.Pipe()
	t.bufferedLogReader = bufio.NewReader(t.logReader)
	processConfig.LogWriter = t.logWriter

	if _, err := t.process.AddProcessFromConfig(ctx, processConfig); err != nil {
		return errors.Wrap(err, "problem adding tracker process")
	}

	t.logger.Debug("starting tracker process")

	if err := t.process.Start(ctx); err != nil {
		return errors.Wrap(err, "problem starting tracker process")
	}
	t.startExitWatcher(cancelCtx)

	if t.port == localhost0 {
		port, err := t.parsePort(ctx)
		if err != nil {
			return err
		}
		t.port = port
	}
	return nil
}

// parsePort reads the engine log until the engine reports the port it listens on.
func (t *ORBTracker) parsePort(ctx context.Context) (string, error) {
	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, parsePortMaxTimeoutSec*time.Second)
	defer timeoutCancel()

	type result struct {
		port string
		err  error
	}
	resultChan := make(chan result, 1)
	goutils.PanicCapturingGo(func() {
		for {
			line, err := t.bufferedLogReader.ReadString('\n')
			if err != nil {
				resultChan <- result{err: err}
				return
			}
			t.handleLogLine(line)
			if strings.Contains(line, portLogLinePrefix) {
				linePieces := strings.Split(line, portLogLinePrefix)
				if len(linePieces) != 2 {
					resultChan <- result{err: errors.Errorf("failed to parse port from tracker process log line: %v", line)}
					return
				}
				resultChan <- result{port: "localhost:" + strings.TrimSpace(linePieces[1])}
				return
			}
		}
	})

	select {
	case <-timeoutCtx.Done():
		// unblocks the reader goroutine
		goutils.UncheckedError(t.logReader.Close())
		return "", errors.Wrap(timeoutCtx.Err(), "error getting port from tracker process")
	case res := <-resultChan:
		if res.err != nil {
			return "", errors.Wrap(res.err, "error getting port from tracker process")
		}
		return res.port, nil
	}
}

// startLogWatcher follows the engine log for the lifetime of the tracker.
func (t *ORBTracker) startLogWatcher(cancelCtx context.Context) {
	t.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer t.activeBackgroundWorkers.Done()
		defer close(t.poses)
		for {
			line, err := t.bufferedLogReader.ReadString('\n')
			if line != "" {
				t.handleLogLine(line)
			}
			if err != nil {
				if cancelCtx.Err() == nil {
					t.logger.Debugw("tracker log stream ended", "error", err)
				}
				t.markShutDown()
				return
			}
		}
	})
}

// startExitWatcher shuts the tracker down when the engine process exits on its own. The process
// is stopped before the process manager can restart it and the log stream is closed so that
// readers of the log see its end.
func (t *ORBTracker) startExitWatcher(cancelCtx context.Context) {
	t.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer t.activeBackgroundWorkers.Done()
		select {
		case <-cancelCtx.Done():
			return
		case exit := <-t.processExits:
			if exit.Clean() {
				t.logger.Info("tracker process exited")
			} else {
				t.logger.Warnw("tracker process exited unexpectedly", "code", exit.Code)
			}
			t.markShutDown()
			if err := t.process.Stop(); err != nil {
				t.logger.Debugw("error stopping exited tracker process", "error", err)
			}
			goutils.UncheckedError(t.logWriter.Close())
		}
	})
}

func (t *ORBTracker) handleLogLine(line string) {
	if t.bufferLogs {
		t.mu.Lock()
		t.logLines = append(t.logLines, strings.TrimRight(line, "\n"))
		t.mu.Unlock()
	}
	if strings.Contains(line, shutdownLogLine) {
		t.logger.Info("tracker reported shutdown")
		t.markShutDown()
		return
	}
	pose, err := ParsePoseLine(line)
	if err != nil {
		if !errors.Is(err, ErrNotPoseLine) {
			t.logger.Debugw("skipping malformed pose line", "error", err)
		}
		return
	}
	select {
	case t.poses <- pose:
	default:
		t.logger.Debugw("dropping pose, nobody is reading poses", "pose", pose)
	}
}

// Shutdown stops the engine and closes the connection to it. Calling it more than once returns
// the result of the first call.
func (t *ORBTracker) Shutdown() error {
	t.mu.Lock()
	if t.closed {
		defer t.mu.Unlock()
		return t.closeResult
	}
	t.closed = true
	t.shutDown = true
	t.mu.Unlock()

	t.cancelFunc()

	var err error
	if t.clientAlgoClose != nil {
		err = multierr.Combine(err, errors.Wrap(t.clientAlgoClose(), "error closing tracker client"))
	}
	if t.logReader != nil {
		err = multierr.Combine(err, errors.Wrap(t.logReader.Close(), "error occurred during closeout of tracker log reader"))
	}
	if t.logWriter != nil {
		err = multierr.Combine(err, errors.Wrap(t.logWriter.Close(), "error occurred during closeout of tracker log writer"))
	}
	if stopErr := t.process.Stop(); stopErr != nil {
		err = multierr.Combine(err, errors.Wrap(stopErr, "problem stopping tracker process"))
	}
	t.activeBackgroundWorkers.Wait()

	t.mu.Lock()
	t.closeResult = err
	t.mu.Unlock()
	return err
}

// createTimestampFilenames creates the color and depth filenames for one frame pair. Both use the
// same timestamp in different directories.
func createTimestampFilenames(dataDirectory, sensorName string, timestamp time.Time) (string, string) {
	dataDir := filepath.Join(dataDirectory, "data")
	rgbFilename := dataprocess.CreateTimestampFilename(filepath.Join(dataDir, "rgb"), sensorName, ".png", timestamp)
	depthFilename := dataprocess.CreateTimestampFilename(filepath.Join(dataDir, "depth"), sensorName, ".png", timestamp)
	return rgbFilename, depthFilename
}

func secondsToTime(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second))).UTC()
}
