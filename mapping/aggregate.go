package mapping

import (
	"github.com/golang/geo/r3"

	"go.viam.com/occupancy/pointcloud"
)

// Accumulate returns target extended with the points of in above minHeight, downsampled to one
// point per leafSize cell when downsample is set. Neither input is modified; callers keep the
// returned cloud. An empty target is seeded with a copy of in as is; the height filter only
// applies from the second call on.
func Accumulate(in, target *pointcloud.Cloud, minHeight float64, downsample bool, leafSize float64) *pointcloud.Cloud {
	if target.Empty() {
		if in == nil {
			return pointcloud.New()
		}
		return in.Clone()
	}
	out := pointcloud.Concat(target, aboveHeight(in, minHeight))
	if downsample {
		return pointcloud.VoxelDownsample(out, leafSize)
	}
	return out
}

// aboveHeight keeps the points strictly above minHeight.
func aboveHeight(cloud *pointcloud.Cloud, minHeight float64) *pointcloud.Cloud {
	return cloud.Filter(func(p r3.Vector) bool {
		return p.Z > minHeight
	})
}

// withinDepth keeps the points no further than maxDepth along the optical axis.
func withinDepth(cloud *pointcloud.Cloud, maxDepth float64) *pointcloud.Cloud {
	return cloud.Filter(func(p r3.Vector) bool {
		return p.Z <= maxDepth
	})
}
