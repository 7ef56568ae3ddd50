package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	orbslamrgbd "github.com/viamrobotics/orbslam3-rgbd"
	"github.com/viamrobotics/orbslam3-rgbd/supervisor"
)

type message struct {
	topic   string
	payload string
}

// fakeBroker delivers messages to subscribers synchronously and records publications.
type fakeBroker struct {
	subscribeErr error

	mu           sync.Mutex
	handlers     map[string]supervisor.MessageHandler
	published    chan message
	disconnected bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:  map[string]supervisor.MessageHandler{},
		published: make(chan message, 16),
	}
}

func (b *fakeBroker) Subscribe(topic string, handler supervisor.MessageHandler) error {
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Publish(topic string, payload []byte) error {
	b.published <- message{topic: topic, payload: string(payload)}
	return nil
}

func (b *fakeBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
}

func (b *fakeBroker) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	b.mu.Lock()
	handler, ok := b.handlers[topic]
	b.mu.Unlock()
	test.That(t, ok, test.ShouldBeTrue)
	handler(topic, []byte(payload))
}

func (b *fakeBroker) nextPublished(t *testing.T) message {
	t.Helper()
	select {
	case msg := <-b.published:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a published message")
	}
	return message{}
}

func testConfig(t *testing.T) *supervisor.Config {
	t.Helper()
	cfg := &supervisor.Config{
		Broker:     "tcp://localhost:1883",
		DeviceID:   "jetson_01",
		Executable: "sh",
		Args: []string{
			"-c",
			"echo 'Loading vocabulary'; echo 'Current pose x: 0.5, y: -0.17, z: 0.1, timestamp: 12.5'; exec sleep 30",
		},
	}
	test.That(t, cfg.Validate("supervisor"), test.ShouldBeNil)
	return cfg
}

func TestConfig(t *testing.T) {
	cfg := testConfig(t)
	test.That(t, cfg.ClientID, test.ShouldEqual, "slam-supervisor-jetson_01")
	test.That(t, cfg.PoseResolution, test.ShouldEqual, supervisor.DefaultPoseResolution)
	test.That(t, cfg.CommandTopic(), test.ShouldEqual, "/commands/jetson_01")
	test.That(t, cfg.PoseTopic(), test.ShouldEqual, "/pose/jetson_01")

	for _, field := range []string{"broker", "device_id", "executable"} {
		bad := *cfg
		switch field {
		case "broker":
			bad.Broker = ""
		case "device_id":
			bad.DeviceID = ""
		case "executable":
			bad.Executable = ""
		}
		err := bad.Validate("supervisor")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, field)
	}

	bad := *cfg
	bad.PoseResolution = -1
	test.That(t, bad.Validate("supervisor"), test.ShouldNotBeNil)
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supervisor.json")

	_, err := supervisor.ReadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)

	data := `{"broker":"tcp://192.168.1.11:1883","device_id":"jetson_01","executable":"rgbd_realsense",` +
		`"args":["ORBvoc.txt","RealSense_D435i.yaml","loc"],"pose_resolution_m":0.1}`
	test.That(t, os.WriteFile(path, []byte(data), 0o600), test.ShouldBeNil)
	cfg, err := supervisor.ReadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Args, test.ShouldResemble, []string{"ORBvoc.txt", "RealSense_D435i.yaml", "loc"})
	test.That(t, cfg.PoseResolution, test.ShouldEqual, 0.1)

	test.That(t, os.WriteFile(path, []byte(`{"broker":"tcp://192.168.1.11:1883"}`), 0o600), test.ShouldBeNil)
	_, err = supervisor.ReadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "device_id")

	test.That(t, os.WriteFile(path, []byte(`{"broker":`), 0o600), test.ShouldBeNil)
	_, err = supervisor.ReadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "error parsing supervisor config")
}

func TestToGridCell(t *testing.T) {
	test.That(t, supervisor.ToGridCell(orbslamrgbd.Pose{X: 0.5, Y: -0.17}, 0.08), test.ShouldResemble,
		supervisor.GridCell{X: 6, Y: 2})
	// truncation is toward zero on both sides of the origin
	test.That(t, supervisor.ToGridCell(orbslamrgbd.Pose{X: -0.5, Y: 0.17}, 0.08), test.ShouldResemble,
		supervisor.GridCell{X: -6, Y: -2})
	test.That(t, supervisor.ToGridCell(orbslamrgbd.Pose{X: 0.07, Y: 0.07}, 0.08), test.ShouldResemble,
		supervisor.GridCell{})
}

func TestSupervisor(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	broker := newFakeBroker()
	cfg := testConfig(t)
	svc := supervisor.New(cfg, broker, logger)

	ctx := context.Background()
	test.That(t, svc.Start(ctx), test.ShouldBeNil)

	t.Run("load_map starts the driver and relays poses", func(t *testing.T) {
		broker.deliver(t, cfg.CommandTopic(), `{"action": "load_map"}`)
		test.That(t, svc.Running(), test.ShouldBeTrue)

		msg := broker.nextPublished(t)
		test.That(t, msg.topic, test.ShouldEqual, "/pose/jetson_01")
		test.That(t, msg.payload, test.ShouldEqual, `{"x":6,"y":2}`)

		// a second load_map does not start another driver
		broker.deliver(t, cfg.CommandTopic(), `{"action": "load_map"}`)
		test.That(t, len(logs.FilterMessageSnippet("driver already running").All()), test.ShouldEqual, 1)
	})

	t.Run("shutdown stops the driver", func(t *testing.T) {
		broker.deliver(t, cfg.CommandTopic(), `{"action": " shutdown "}`)
		test.That(t, svc.Running(), test.ShouldBeFalse)

		broker.deliver(t, cfg.CommandTopic(), `{"action": "shutdown"}`)
		test.That(t, len(logs.FilterMessageSnippet("no driver to shut down").All()), test.ShouldEqual, 1)
	})

	t.Run("bad commands are logged", func(t *testing.T) {
		broker.deliver(t, cfg.CommandTopic(), `not json`)
		test.That(t, len(logs.FilterMessageSnippet("error handling command").All()), test.ShouldEqual, 1)

		broker.deliver(t, cfg.CommandTopic(), `{"action": "fly"}`)
		test.That(t, len(logs.FilterMessageSnippet("ignoring unknown action").All()), test.ShouldEqual, 1)
		test.That(t, svc.Running(), test.ShouldBeFalse)

		err := svc.HandleCommand(ctx, []byte(`{"action":`))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "invalid command")
	})

	t.Run("close stops a running driver and disconnects", func(t *testing.T) {
		broker.deliver(t, cfg.CommandTopic(), `{"action": "load_map"}`)
		test.That(t, svc.Running(), test.ShouldBeTrue)

		test.That(t, svc.Close(), test.ShouldBeNil)
		test.That(t, svc.Running(), test.ShouldBeFalse)
		test.That(t, broker.disconnected, test.ShouldBeTrue)
		test.That(t, svc.Close(), test.ShouldBeNil)

		err := svc.HandleCommand(ctx, []byte(`{"action": "load_map"}`))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "supervisor is closed")
	})
}

func TestSupervisorRun(t *testing.T) {
	logger := golog.NewTestLogger(t)

	t.Run("returns when the context is done", func(t *testing.T) {
		broker := newFakeBroker()
		svc := supervisor.New(testConfig(t), broker, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		test.That(t, svc.Run(ctx), test.ShouldBeNil)
		test.That(t, broker.disconnected, test.ShouldBeTrue)
	})

	t.Run("subscribe errors are returned", func(t *testing.T) {
		broker := newFakeBroker()
		broker.subscribeErr = errors.New("not authorized")
		svc := supervisor.New(testConfig(t), broker, logger)
		err := svc.Run(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "not authorized")
		test.That(t, broker.disconnected, test.ShouldBeTrue)
	})

	t.Run("driver that exits is not restarted", func(t *testing.T) {
		broker := newFakeBroker()
		cfg := testConfig(t)
		runs := filepath.Join(t.TempDir(), "runs")
		cfg.Args = []string{
			"-c",
			"echo run >> " + runs + "; echo 'Current pose x: 0.5, y: -0.17, z: 0.1, timestamp: 12.5'; exit 0",
		}
		svc := supervisor.New(cfg, broker, logger)
		defer func() {
			test.That(t, svc.Close(), test.ShouldBeNil)
		}()

		test.That(t, svc.HandleCommand(context.Background(), []byte(`{"action": "load_map"}`)), test.ShouldBeNil)
		msg := broker.nextPublished(t)
		test.That(t, msg.payload, test.ShouldEqual, `{"x":6,"y":2}`)

		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, svc.Running(), test.ShouldBeFalse)
		})
		time.Sleep(1500 * time.Millisecond)
		data, err := os.ReadFile(runs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(data), test.ShouldEqual, "run\n")

		// the next load_map starts it again
		test.That(t, svc.HandleCommand(context.Background(), []byte(`{"action": "load_map"}`)), test.ShouldBeNil)
		broker.nextPublished(t)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, svc.Running(), test.ShouldBeFalse)
		})
		data, err = os.ReadFile(runs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(data), test.ShouldEqual, "run\nrun\n")
	})

	t.Run("driver that fails to start", func(t *testing.T) {
		broker := newFakeBroker()
		cfg := testConfig(t)
		cfg.Executable = "fail_this_binary_does_not_exist"
		svc := supervisor.New(cfg, broker, logger)
		err := svc.HandleCommand(context.Background(), []byte(`{"action": "load_map"}`))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "problem starting driver")
		test.That(t, svc.Running(), test.ShouldBeFalse)
		test.That(t, svc.Close(), test.ShouldBeNil)
	})
}
