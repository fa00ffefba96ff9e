package octree

import (
	"context"
	"math"
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/occupancy/pointcloud"
	"go.viam.com/occupancy/utils"
)

// ComputeRayKeys traces the voxels crossed by the segment from origin to end into ray using a 3D
// digital differential analyser. The origin voxel is included, the end voxel is not. It returns
// false if either point lies outside the addressable volume.
func (t *OcTree) ComputeRayKeys(origin, end r3.Vector, ray *KeyRay) bool {
	ray.Reset()

	keyOrigin, okOrigin := t.CoordToKeyChecked(origin)
	keyEnd, okEnd := t.CoordToKeyChecked(end)
	if !okOrigin || !okEnd {
		return false
	}
	if keyOrigin == keyEnd {
		return true
	}
	ray.Add(keyOrigin)

	direction := end.Sub(origin)
	length := direction.Norm()
	direction = direction.Mul(1 / length)
	dir := [3]float64{direction.X, direction.Y, direction.Z}
	orig := [3]float64{origin.X, origin.Y, origin.Z}

	var step [3]int
	var tMax, tDelta [3]float64
	current := keyOrigin
	for i := 0; i < 3; i++ {
		switch {
		case dir[i] > 0:
			step[i] = 1
		case dir[i] < 0:
			step[i] = -1
		default:
			step[i] = 0
		}
		if step[i] != 0 {
			voxelBorder := t.axisKeyToCoord(current[i]) + float64(step[i])*t.resolution*0.5
			tMax[i] = (voxelBorder - orig[i]) / dir[i]
			tDelta[i] = t.resolution / math.Abs(dir[i])
		} else {
			tMax[i] = math.MaxFloat64
			tDelta[i] = math.MaxFloat64
		}
	}

	for {
		var dim int
		if tMax[0] < tMax[1] {
			if tMax[0] < tMax[2] {
				dim = 0
			} else {
				dim = 2
			}
		} else {
			if tMax[1] < tMax[2] {
				dim = 1
			} else {
				dim = 2
			}
		}

		next := int(current[dim]) + step[dim]
		if next < 0 || next >= 2*treeMaxVal {
			return true
		}
		current[dim] = uint16(next)
		tMax[dim] += tDelta[dim]

		if current == keyEnd {
			return true
		}
		if math.Min(math.Min(tMax[0], tMax[1]), tMax[2]) > length {
			return true
		}
		ray.Add(current)
	}
}

// ComputeUpdate computes the voxels observed free and occupied by a cloud of end points seen from
// origin. Points within maxRange of the origin (or any point when maxRange is negative) mark their
// ray free and their end voxel occupied. Points further away only mark the ray up to maxRange free.
// The result sets are disjoint; a voxel seen both ways is occupied. Rays are traced in parallel.
func (t *OcTree) ComputeUpdate(
	ctx context.Context,
	cloud *pointcloud.Cloud,
	origin r3.Vector,
	maxRange float64,
) (KeySet, KeySet, error) {
	free := KeySet{}
	occupied := KeySet{}
	var freeMu, occupiedMu sync.Mutex

	var rays []*KeyRay
	points := cloud.Points()
	err := utils.GroupWorkParallel(
		ctx,
		len(points),
		func(numGroups int) {
			rays = make([]*KeyRay, numGroups)
			for i := range rays {
				rays[i] = NewKeyRay()
			}
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			ray := rays[groupNum]
			return func(memberNum, workNum int) {
				p := points[workNum]
				if maxRange < 0 || p.Sub(origin).Norm() <= maxRange {
					if t.ComputeRayKeys(origin, p, ray) {
						t.InsertKeys(&freeMu, free, ray.Keys())
					}
					if key, ok := t.CoordToKeyChecked(p); ok {
						t.InsertKeys(&occupiedMu, occupied, []Key{key})
					}
					return
				}
				newEnd := origin.Add(p.Sub(origin).Normalize().Mul(maxRange))
				if t.ComputeRayKeys(origin, newEnd, ray) {
					t.InsertKeys(&freeMu, free, ray.Keys())
				}
			}, nil
		},
	)
	if err != nil {
		return nil, nil, err
	}

	free.RemoveAll(occupied)
	return free, occupied, nil
}

// InsertKeys adds the keys admitted by the bounding box limit to set while holding mu.
func (t *OcTree) InsertKeys(mu *sync.Mutex, set KeySet, keys []Key) {
	if len(keys) == 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	for _, k := range keys {
		if t.Admits(k) {
			set[k] = struct{}{}
		}
	}
}
