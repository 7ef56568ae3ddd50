package orbslamrgbd

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/slam/dataprocess"

	"github.com/viamrobotics/orbslam3-rgbd/sensors/utils"
)

const mapExt = ".osa"

// LatestMap checks the map folder within the data directory for an existing atlas.
// It returns the timestamp and the path without extension of the most recently generated one,
// or empty strings when there is none.
func LatestMap(dataDirectory string, logger golog.Logger) (string, string, error) {
	root := filepath.Join(dataDirectory, "map")
	mapTimestamp := time.Time{}
	var mapPath string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != mapExt {
			return nil
		}
		timestamp, err := utils.TimestampFromFilename(path, mapExt)
		if err != nil {
			logger.Debugf("Unable to parse map %s, %v", path, err)
			return nil
		}
		if timestamp.After(mapTimestamp) {
			mapTimestamp = timestamp
			mapPath = strings.TrimSuffix(path, mapExt)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	// not an error, the engine builds a map from scratch
	if mapTimestamp.IsZero() {
		logger.Debugf("No maps found in directory %s", root)
		return "", "", nil
	}
	logger.Infof("Previous map found, using %v", mapPath)
	return mapTimestamp.UTC().Format(dataprocess.SlamTimeFormat), mapPath, nil
}
