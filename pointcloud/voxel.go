package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// VoxelCoords stores Voxel coordinates in VoxelGrid axes.
type VoxelCoords struct {
	I, J, K int64
}

// GetVoxelCoordinates computes the voxel coordinates of a point for a grid anchored at the origin
// with cubic voxels of the given size.
func GetVoxelCoordinates(pt r3.Vector, voxelSize float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor(pt.X / voxelSize)),
		J: int64(math.Floor(pt.Y / voxelSize)),
		K: int64(math.Floor(pt.Z / voxelSize)),
	}
}

type voxelAccumulator struct {
	sum   r3.Vector
	count int
}

// VoxelDownsample replaces all points falling in the same leaf-sized cell by their centroid.
// Cells are emitted in the order their first point appears in the input. A non-positive leaf
// size returns a copy of the input.
func VoxelDownsample(cloud *Cloud, leafSize float64) *Cloud {
	if leafSize <= 0 || cloud.Empty() {
		return cloud.Clone()
	}
	order := make([]VoxelCoords, 0)
	cells := make(map[VoxelCoords]*voxelAccumulator)
	for _, p := range cloud.Points() {
		coords := GetVoxelCoordinates(p, leafSize)
		acc, ok := cells[coords]
		if !ok {
			acc = &voxelAccumulator{}
			cells[coords] = acc
			order = append(order, coords)
		}
		acc.sum = acc.sum.Add(p)
		acc.count++
	}

	out := NewWithPrealloc(len(order))
	for _, coords := range order {
		acc := cells[coords]
		if acc.count == 1 {
			out.Append(acc.sum)
			continue
		}
		out.Append(acc.sum.Mul(1 / float64(acc.count)))
	}
	return out
}
