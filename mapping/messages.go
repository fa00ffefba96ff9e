package mapping

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"go.viam.com/occupancy/pointcloud"
)

// LaserScan is a single sweep of a planar range finder in its own frame. Angles are in radians,
// ranges in meters.
type LaserScan struct {
	FrameID        string    `json:"frame_id"`
	Stamp          time.Time `json:"stamp"`
	AngleMin       float64   `json:"angle_min"`
	AngleMax       float64   `json:"angle_max"`
	AngleIncrement float64   `json:"angle_increment"`
	RangeMin       float64   `json:"range_min"`
	RangeMax       float64   `json:"range_max"`
	Ranges         []float64 `json:"ranges"`
}

// Points converts the scan to points in the sensor frame. Readings closer than RangeMin are
// dropped. Readings beyond RangeMax, including infinite ones, are returned in far; they only carry
// free space evidence.
func (scan *LaserScan) Points() (near, far *pointcloud.Cloud) {
	near = pointcloud.New()
	far = pointcloud.New()
	if scan.AngleIncrement <= 0 || scan.AngleMax <= scan.AngleMin {
		return near, far
	}
	steps := int((scan.AngleMax - scan.AngleMin) / scan.AngleIncrement)
	if steps == 0 {
		return near, far
	}
	stepSize := (scan.AngleMax - scan.AngleMin) / float64(steps)

	for i := 0; i < steps && i < len(scan.Ranges); i++ {
		r := scan.Ranges[i]
		if math.IsNaN(r) || r < scan.RangeMin {
			continue
		}
		if math.IsInf(r, 1) {
			// direction is all that matters for a miss
			r = 2 * scan.RangeMax
		}
		angle := scan.AngleMin + stepSize*float64(i)
		p := r3.Vector{X: r * math.Cos(angle), Y: r * math.Sin(angle)}
		if r > scan.RangeMax {
			far.Append(p)
		} else {
			near.Append(p)
		}
	}
	return near, far
}

// DepthFrame is an organized cloud from a depth camera in its optical frame, with Z along the
// viewing axis. Points are ordered row by row when the cloud is dense.
type DepthFrame struct {
	FrameID string
	Stamp   time.Time
	// Width and Height are the image size in pixels. Zero means the configured camera size.
	Width  int
	Height int
	Cloud  *pointcloud.Cloud
}
