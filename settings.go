package orbslamrgbd

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/utils"
	"go.viam.com/slam/dataprocess"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v2"
)

const (
	// file version needed by ORBSLAM.
	fileVersion         = "1.0"
	yamlFilePrefixBytes = "%YAML:1.0\n"
	opencvMatrixTag     = "!!opencv-matrix"
)

// ORBsettings is the subset of the ORB_SLAM3 settings file this program reads and writes.
type ORBsettings struct {
	FileVersion    string  `yaml:"File.version"`
	NFeatures      int     `yaml:"ORBextractor.nFeatures"`
	ScaleFactor    float64 `yaml:"ORBextractor.scaleFactor"`
	NLevels        int     `yaml:"ORBextractor.nLevels"`
	IniThFAST      int     `yaml:"ORBextractor.iniThFAST"`
	MinThFAST      int     `yaml:"ORBextractor.minThFAST"`
	CamType        string  `yaml:"Camera.type"`
	Width          int     `yaml:"Camera.width"`
	Height         int     `yaml:"Camera.height"`
	ImageScale     float64 `yaml:"Camera.imageScale,omitempty"`
	Fx             float64 `yaml:"Camera1.fx"`
	Fy             float64 `yaml:"Camera1.fy"`
	Ppx            float64 `yaml:"Camera1.cx"`
	Ppy            float64 `yaml:"Camera1.cy"`
	RadialK1       float64 `yaml:"Camera1.k1"`
	RadialK2       float64 `yaml:"Camera1.k2"`
	RadialK3       float64 `yaml:"Camera1.k3"`
	TangentialP1   float64 `yaml:"Camera1.p1"`
	TangentialP2   float64 `yaml:"Camera1.p2"`
	RGBflag        int8    `yaml:"Camera.RGB"`
	Stereob        float64 `yaml:"Stereo.b"`
	StereoThDepth  float64 `yaml:"Stereo.ThDepth"`
	DepthMapFactor float64 `yaml:"RGBD.DepthMapFactor"`
	FPSCamera      int16   `yaml:"Camera.fps"`
	LoadMapLoc     string  `yaml:"System.LoadAtlasFromFile,omitempty"`
}

// Scale returns the image scale, 1 when the file does not set one.
func (s *ORBsettings) Scale() float64 {
	if s.ImageScale == 0 {
		return 1
	}
	return s.ImageScale
}

// TrackerSettings are the values of an ORB_SLAM3 settings file the tracker itself uses. The rest
// of the file is left to the engine, so it may use any types the engine accepts.
type TrackerSettings struct {
	ImageScale float64 `yaml:"Camera.imageScale"`
}

// Scale returns the image scale, 1 when the file does not set one.
func (s *TrackerSettings) Scale() float64 {
	if s.ImageScale == 0 {
		return 1
	}
	return s.ImageScale
}

// LoadSettings reads the tracker settings from an ORB_SLAM3 settings file. The OpenCV specific
// parts of the format, the %YAML directive and the !!opencv-matrix tags, are dropped before parsing.
func LoadSettings(path string) (*TrackerSettings, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cleaned bytes.Buffer
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("%")) {
			continue
		}
		cleaned.Write(bytes.ReplaceAll(line, []byte(opencvMatrixTag), nil))
		cleaned.WriteByte('\n')
	}

	var settings TrackerSettings
	if err := yaml.Unmarshal(cleaned.Bytes(), &settings); err != nil {
		return nil, errors.Wrapf(err, "error parsing settings file %v", path)
	}
	if settings.ImageScale < 0 {
		return nil, errors.Errorf("Camera.imageScale must be positive, got %v", settings.ImageScale)
	}
	return &settings, nil
}

// SettingsParams are user overrides for generated settings, keyed by the names used on the
// command line (orb_n_features, depth_map_factor, ...).
type SettingsParams map[string]string

// NewSettings takes in the camera properties and settings params and constructs an ORBsettings
// struct to use with yaml.Marshal.
func NewSettings(camProperties *transform.PinholeCameraModel, fps int, params SettingsParams, logger golog.Logger) (*ORBsettings, error) {
	intrinsics := camProperties.PinholeCameraIntrinsics
	if intrinsics == nil {
		return nil, transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}
	distortion, ok := camProperties.Distortion.(*transform.BrownConrady)
	if !ok {
		return nil, utils.NewUnimplementedInterfaceError(distortion, camProperties.Distortion)
	}
	if fps <= 0 || fps > math.MaxInt16 {
		return nil, errors.Errorf("orbslam yaml generation expected fps between 1 and %d, got %d", math.MaxInt16, fps)
	}

	settings := &ORBsettings{
		FileVersion:  fileVersion,
		CamType:      "PinHole",
		Width:        intrinsics.Width,
		Height:       intrinsics.Height,
		Fx:           intrinsics.Fx,
		Fy:           intrinsics.Fy,
		Ppx:          intrinsics.Ppx,
		Ppy:          intrinsics.Ppy,
		RadialK1:     distortion.RadialK1,
		RadialK2:     distortion.RadialK2,
		RadialK3:     distortion.RadialK3,
		TangentialP1: distortion.TangentialP1,
		TangentialP2: distortion.TangentialP2,
		FPSCamera:    int16(fps),
	}
	if err := params.apply(settings, logger); err != nil {
		return nil, err
	}
	return settings, nil
}

// apply sets the tunable fields of settings from params, falling back to the defaults below.
func (params SettingsParams) apply(settings *ORBsettings, logger golog.Logger) error {
	var rgbFlag int
	for _, p := range []struct {
		key string
		def int
		dst *int
	}{
		{"orb_n_features", 1250, &settings.NFeatures},
		{"orb_n_levels", 8, &settings.NLevels},
		{"orb_n_ini_th_fast", 20, &settings.IniThFAST},
		{"orb_n_min_th_fast", 7, &settings.MinThFAST},
		{"rgb_flag", 1, &rgbFlag},
	} {
		val, err := params.toInt(p.key, p.def, logger)
		if err != nil {
			return err
		}
		*p.dst = val
	}
	for _, p := range []struct {
		key string
		def float64
		dst *float64
	}{
		{"orb_scale_factor", 1.2, &settings.ScaleFactor},
		{"stereo_b", 0.0745, &settings.Stereob},
		{"stereo_th_depth", 40, &settings.StereoThDepth},
		{"depth_map_factor", 1000, &settings.DepthMapFactor},
		{"image_scale", 1, &settings.ImageScale},
	} {
		val, err := params.toFloat(p.key, p.def, logger)
		if err != nil {
			return err
		}
		*p.dst = val
	}

	if settings.ImageScale <= 0 {
		return errors.Errorf("Parameter image_scale must be positive, got %v", settings.ImageScale)
	}
	// Camera.RGB: 1 for RGB channel order, 0 for BGR
	if rgbFlag != 0 && rgbFlag != 1 {
		return errors.Errorf("Parameter rgb_flag must be 0 or 1, got %d", rgbFlag)
	}
	settings.RGBflag = int8(rgbFlag)
	return nil
}

// GenerateSettings writes settings into the config directory of dataDirectory and returns the
// path of the new file. When a saved atlas exists in the map directory it is set to be loaded,
// and the file is named after the atlas timestamp.
func GenerateSettings(dataDirectory, sensorName string, settings *ORBsettings, logger golog.Logger) (string, error) {
	loadMapTimeStamp, loadMapName, err := LatestMap(dataDirectory, logger)
	if err != nil {
		logger.Debugf("Error occurred while parsing %s for maps, building map from scratch", dataDirectory)
	}
	if loadMapTimeStamp == "" {
		loadMapTimeStamp = time.Now().UTC().Format(dataprocess.SlamTimeFormat)
	} else {
		settings.LoadMapLoc = "\"" + loadMapName + "\""
	}

	// named after the loaded map so that images taken later can be added to it
	yamlFileName := filepath.Join(dataDirectory, "config", sensorName+"_data_"+loadMapTimeStamp+".yaml")
	if err := WriteSettings(yamlFileName, settings); err != nil {
		return "", err
	}
	return yamlFileName, nil
}

// WriteSettings writes settings to path in the format ORB_SLAM3 reads.
func WriteSettings(path string, settings *ORBsettings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "Error while Marshaling YAML file")
	}

	//nolint:gosec
	outfile, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err = outfile.WriteString(yamlFilePrefixBytes); err != nil {
		goutils.UncheckedError(outfile.Close())
		return err
	}

	if _, err = outfile.Write(yamlData); err != nil {
		goutils.UncheckedError(outfile.Close())
		return err
	}
	return outfile.Close()
}

func (params SettingsParams) toInt(key string, def int, logger golog.Logger) (int, error) {
	valStr, ok := params[key]
	if !ok {
		logger.Debugf("Parameter %s not found, using default value %d", key, def)
		return def, nil
	}

	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, errors.Errorf("Parameter %s has an invalid definition", key)
	}

	return val, nil
}

func (params SettingsParams) toFloat(key string, def float64, logger golog.Logger) (float64, error) {
	valStr, ok := params[key]
	if !ok {
		logger.Debugf("Parameter %s not found, using default value %f", key, def)
		return def, nil
	}

	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return 0, errors.Errorf("Parameter %s has an invalid definition", key)
	}
	return val, nil
}
