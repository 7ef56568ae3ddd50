package supervisor

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

const (
	// DefaultPoseResolution is the grid cell size in metres poses are reported in.
	DefaultPoseResolution    = 0.08
	defaultConnectTimeoutSec = 30
)

// Config describes the broker the supervisor listens on and the driver it controls.
type Config struct {
	Broker            string   `json:"broker"`
	ClientID          string   `json:"client_id"`
	DeviceID          string   `json:"device_id"`
	Executable        string   `json:"executable"`
	Args              []string `json:"args"`
	PoseResolution    float64  `json:"pose_resolution_m"`
	ConnectTimeoutSec int      `json:"connect_timeout_sec"`
}

// Validate ensures all required fields are set and fills in defaults.
func (cfg *Config) Validate(path string) error {
	if cfg.Broker == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "broker")
	}
	if cfg.DeviceID == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "device_id")
	}
	if cfg.Executable == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "executable")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "slam-supervisor-" + cfg.DeviceID
	}
	if cfg.PoseResolution < 0 {
		return errors.Errorf("%s: pose_resolution_m must be positive, got %v", path, cfg.PoseResolution)
	}
	if cfg.PoseResolution == 0 {
		cfg.PoseResolution = DefaultPoseResolution
	}
	if cfg.ConnectTimeoutSec <= 0 {
		cfg.ConnectTimeoutSec = defaultConnectTimeoutSec
	}
	return nil
}

// CommandTopic is where the supervisor receives commands.
func (cfg *Config) CommandTopic() string {
	return "/commands/" + cfg.DeviceID
}

// PoseTopic is where the supervisor publishes grid cells.
func (cfg *Config) PoseTopic() string {
	return "/pose/" + cfg.DeviceID
}

// ReadConfig reads and validates a JSON config file.
func ReadConfig(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading supervisor config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "error parsing supervisor config %v", path)
	}
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}
