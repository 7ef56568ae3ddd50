// Package supervisor starts and stops the frame pump driver on commands received over MQTT and
// relays the poses it tracks back to the broker as grid cells.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"syscall"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/pexec"

	orbslamrgbd "github.com/viamrobotics/orbslam3-rgbd"
	"github.com/viamrobotics/orbslam3-rgbd/internal/exitwatch"
)

const (
	// ActionLoadMap starts the driver.
	ActionLoadMap = "load_map"
	// ActionShutdown stops the driver.
	ActionShutdown = "shutdown"

	driverProcessID = "slam-driver"
)

// Command is the payload of a message on the command topic.
type Command struct {
	Action string `json:"action"`
}

// GridCell is a pose on the grid published to the pose topic.
type GridCell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ToGridCell truncates a pose to the grid cell it falls in. The grid y axis points the other
// way from the camera's.
func ToGridCell(pose orbslamrgbd.Pose, resolution float64) GridCell {
	p := pose.Point()
	return GridCell{
		X: int(p.X / resolution),
		Y: int(-p.Y / resolution),
	}
}

// Supervisor owns at most one driver process at a time.
type Supervisor struct {
	cfg    *Config
	broker Broker
	logger golog.Logger

	mu                      sync.Mutex
	driver                  *driverRun
	activeBackgroundWorkers sync.WaitGroup
	exitWatchers            sync.WaitGroup
	closed                  bool
}

// driverRun is one start of the driver. The process manager would restart a driver that exits,
// so it is stopped as soon as it exits and a new run starts on the next load_map.
type driverRun struct {
	process   pexec.ManagedProcess
	logWriter io.WriteCloser
	stopped   chan struct{}
}

func (d *driverRun) stop() error {
	close(d.stopped)
	err := d.process.Stop()
	return multierr.Combine(err, d.logWriter.Close())
}

// New returns a supervisor for a validated config.
func New(cfg *Config, broker Broker, logger golog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, broker: broker, logger: logger}
}

// Start subscribes to the command topic. Commands are handled on the broker's goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	topic := s.cfg.CommandTopic()
	if err := s.broker.Subscribe(topic, func(_ string, payload []byte) {
		if err := s.HandleCommand(ctx, payload); err != nil {
			s.logger.Warnw("error handling command", "payload", string(payload), "error", err)
		}
	}); err != nil {
		return err
	}
	s.logger.Infow("listening for commands", "topic", topic)
	return nil
}

// Run starts the supervisor and blocks until ctx is done, then stops the driver and disconnects.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return multierr.Combine(err, s.Close())
	}
	<-ctx.Done()
	return s.Close()
}

// HandleCommand parses and executes one command. Unknown actions are logged and ignored.
func (s *Supervisor) HandleCommand(ctx context.Context, payload []byte) error {
	ctx, span := trace.StartSpan(ctx, "supervisor::Supervisor::HandleCommand")
	defer span.End()

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return errors.Wrap(err, "invalid command")
	}
	action := strings.TrimSpace(cmd.Action)
	s.logger.Infow("received command", "action", action)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("supervisor is closed")
	}

	switch action {
	case ActionLoadMap:
		if s.driver != nil {
			s.logger.Info("driver already running")
			return nil
		}
		return s.startDriver(ctx)
	case ActionShutdown:
		if s.driver == nil {
			s.logger.Info("no driver to shut down")
			return nil
		}
		return s.stopDriver()
	default:
		s.logger.Warnw("ignoring unknown action", "action", action)
		return nil
	}
}

// Running reports whether a driver process is up.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver != nil
}

// startDriver must be called with mu held.
func (s *Supervisor) startDriver(ctx context.Context) error {
	logReader, logWriter := io.Pipe()
	processLogger, exits := exitwatch.New(s.logger)
	driver := &driverRun{
		process: pexec.NewManagedProcess(pexec.ProcessConfig{
			ID:         driverProcessID,
			Name:       s.cfg.Executable,
			Args:       s.cfg.Args,
			Log:        true,
			LogWriter:  logWriter,
			StopSignal: syscall.SIGINT,
		}, processLogger),
		logWriter: logWriter,
		stopped:   make(chan struct{}),
	}

	s.logger.Infow("starting driver", "executable", s.cfg.Executable, "args", s.cfg.Args)
	if err := driver.process.Start(ctx); err != nil {
		return multierr.Combine(
			errors.Wrap(err, "problem starting driver"),
			logWriter.Close(),
			logReader.Close(),
		)
	}
	s.driver = driver

	s.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		defer goutils.UncheckedErrorFunc(logReader.Close)
		s.relayDriverOutput(logReader)
	})

	s.exitWatchers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.exitWatchers.Done()
		select {
		case <-driver.stopped:
		case exit := <-exits:
			s.driverExited(driver, exit)
		}
	})
	return nil
}

// driverExited forgets a driver that exited on its own so that it is not restarted.
func (s *Supervisor) driverExited(driver *driverRun, exit exitwatch.Exit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver != driver {
		return
	}
	if exit.Clean() {
		s.logger.Info("driver exited")
	} else {
		s.logger.Warnw("driver exited unexpectedly", "code", exit.Code)
	}
	if err := driver.stop(); err != nil {
		s.logger.Debugw("error stopping exited driver", "error", err)
	}
	s.activeBackgroundWorkers.Wait()
	s.driver = nil
}

// stopDriver must be called with mu held.
func (s *Supervisor) stopDriver() error {
	s.logger.Info("shutting down driver")
	err := errors.Wrap(s.driver.stop(), "problem stopping driver")
	s.activeBackgroundWorkers.Wait()
	s.driver = nil
	return err
}

// relayDriverOutput publishes the poses the driver reports. The process manager logs each line.
func (s *Supervisor) relayDriverOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, orbslamrgbd.PoseLinePrefix) {
			continue
		}
		pose, err := orbslamrgbd.ParsePoseLine(line)
		if err != nil {
			s.logger.Warnw("error parsing pose line", "line", line, "error", err)
			continue
		}
		cell := ToGridCell(pose, s.cfg.PoseResolution)
		payload, err := json.Marshal(cell)
		if err != nil {
			s.logger.Warnw("error encoding grid cell", "error", err)
			continue
		}
		if err := s.broker.Publish(s.cfg.PoseTopic(), payload); err != nil {
			s.logger.Warnw("error publishing pose", "error", err)
			continue
		}
		s.logger.Debugw("published pose", "x", cell.X, "y", cell.Y)
	}
}

// Close stops the driver if it runs and disconnects from the broker. Further commands fail.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.driver != nil {
		err = s.stopDriver()
	}
	s.mu.Unlock()

	s.exitWatchers.Wait()
	s.broker.Disconnect()
	return err
}
