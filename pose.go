package orbslamrgbd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// PoseLinePrefix marks a pose report in the engine and driver output.
const PoseLinePrefix = "Current pose"

// ErrNotPoseLine is returned by ParsePoseLine for lines that carry no pose report.
var ErrNotPoseLine = errors.New("not a pose line")

// Pose is a camera position reported by the tracking engine, in metres, with the timestamp
// of the frame it was computed from in seconds.
type Pose struct {
	X         float64
	Y         float64
	Z         float64
	Timestamp float64
}

// Point is the camera position in metres.
func (p Pose) Point() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// String formats the pose as a pose line.
func (p Pose) String() string {
	return fmt.Sprintf("%s x: %f, y: %f, z: %f, timestamp: %f", PoseLinePrefix, p.X, p.Y, p.Z, p.Timestamp)
}

// ParsePoseLine extracts a pose from a line such as
// "Current pose x: 0.12, y: -0.5, z: 0.01, timestamp: 1681830536.12".
// The pose may appear anywhere in the line so that logger prefixes are tolerated. x and y are
// required, z and timestamp are optional.
func ParsePoseLine(line string) (Pose, error) {
	loc := strings.Index(line, PoseLinePrefix)
	if loc == -1 {
		return Pose{}, ErrNotPoseLine
	}
	parts := strings.Split(strings.TrimSpace(line[loc+len(PoseLinePrefix):]), ",")
	if len(parts) < 2 {
		return Pose{}, errors.Errorf("pose line has %d fields, expected at least 2: %q", len(parts), line)
	}

	var values [4]float64
	for i := 0; i < len(parts) && i < len(values); i++ {
		pieces := strings.Split(parts[i], ":")
		val, err := strconv.ParseFloat(strings.TrimSpace(pieces[len(pieces)-1]), 64)
		if err != nil {
			return Pose{}, errors.Wrapf(err, "invalid field %d in pose line %q", i, line)
		}
		values[i] = val
	}
	return Pose{X: values[0], Y: values[1], Z: values[2], Timestamp: values[3]}, nil
}
