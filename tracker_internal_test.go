package orbslamrgbd

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"go.viam.com/utils/pexec"
)

// newPipedTracker returns a tracker whose engine log is fed through the returned writer.
func newPipedTracker(t *testing.T) (*ORBTracker, io.WriteCloser) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	_, cancelFunc := context.WithCancel(context.Background())
	reader, writer := io.Pipe()
	tracker := &ORBTracker{
		cfg:               Config{Port: localhost0},
		port:              localhost0,
		process:           pexec.NewProcessManager(logger),
		logger:            logger,
		cancelFunc:        cancelFunc,
		logReader:         reader,
		logWriter:         writer,
		bufferedLogReader: bufio.NewReader(reader),
		bufferLogs:        true,
		poses:             make(chan Pose, poseBufferSize),
	}
	return tracker, writer
}

func writeLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	_, err := io.WriteString(w, line+"\n")
	test.That(t, err, test.ShouldBeNil)
}

func nextPose(t *testing.T, poses <-chan Pose) Pose {
	t.Helper()
	select {
	case pose, ok := <-poses:
		test.That(t, ok, test.ShouldBeTrue)
		return pose
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pose")
	}
	return Pose{}
}

func TestParsePort(t *testing.T) {
	tracker, writer := newPipedTracker(t)
	defer func() {
		test.That(t, tracker.Shutdown(), test.ShouldBeNil)
	}()

	go func() {
		writeLine(t, writer, "Loading vocabulary")
		writeLine(t, writer, "Current pose x: 1, y: 2")
		writeLine(t, writer, "Server listening on 37541")
	}()
	port, err := tracker.parsePort(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, port, test.ShouldEqual, "localhost:37541")
	// lines before the port are not lost
	test.That(t, nextPose(t, tracker.Poses()), test.ShouldResemble, Pose{X: 1, Y: 2})
	test.That(t, tracker.LogLines(), test.ShouldResemble,
		[]string{"Loading vocabulary", "Current pose x: 1, y: 2", "Server listening on 37541"})
}

func TestParsePortFailures(t *testing.T) {
	t.Run("log ends before the port is reported", func(t *testing.T) {
		tracker, writer := newPipedTracker(t)
		go func() {
			writeLine(t, writer, "Loading vocabulary")
			test.That(t, writer.Close(), test.ShouldBeNil)
		}()
		_, err := tracker.parsePort(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "error getting port from tracker process")
		test.That(t, tracker.Shutdown(), test.ShouldBeNil)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		tracker, _ := newPipedTracker(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := tracker.parsePort(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "error getting port from tracker process")
		test.That(t, tracker.Shutdown(), test.ShouldBeNil)
	})
}

func TestLogWatcher(t *testing.T) {
	tracker, writer := newPipedTracker(t)
	tracker.startLogWatcher(context.Background())

	writeLine(t, writer, "Current pose x: 0.5, y: -0.25, z: 0.1, timestamp: 12.5")
	writeLine(t, writer, "Current pose x: broken, y: 1")
	writeLine(t, writer, "tracking lost")
	writeLine(t, writer, "Current pose x: 1, y: 1")

	test.That(t, nextPose(t, tracker.Poses()), test.ShouldResemble, Pose{X: 0.5, Y: -0.25, Z: 0.1, Timestamp: 12.5})
	test.That(t, nextPose(t, tracker.Poses()), test.ShouldResemble, Pose{X: 1, Y: 1})
	test.That(t, tracker.IsShutDown(), test.ShouldBeFalse)

	writeLine(t, writer, "System shutdown")
	for !tracker.IsShutDown() {
		time.Sleep(time.Millisecond)
	}

	test.That(t, writer.Close(), test.ShouldBeNil)
	select {
	case _, ok := <-tracker.Poses():
		test.That(t, ok, test.ShouldBeFalse)
	case <-time.After(5 * time.Second):
		t.Fatal("pose channel was not closed at the end of the log")
	}
	test.That(t, tracker.Shutdown(), test.ShouldBeNil)
	test.That(t, len(tracker.LogLines()), test.ShouldEqual, 5)
}

func TestLogWatcherDropsUnreadPoses(t *testing.T) {
	tracker, writer := newPipedTracker(t)
	tracker.startLogWatcher(context.Background())

	for i := 0; i < poseBufferSize+5; i++ {
		writeLine(t, writer, Pose{X: float64(i)}.String())
	}
	// the write above returns once the line was read, wait for the last one to be handled
	writeLine(t, writer, "System shutdown")
	for !tracker.IsShutDown() {
		time.Sleep(time.Millisecond)
	}
	test.That(t, len(tracker.Poses()), test.ShouldEqual, poseBufferSize)
	test.That(t, nextPose(t, tracker.Poses()).X, test.ShouldEqual, 0.)
	test.That(t, tracker.Shutdown(), test.ShouldBeNil)
}
