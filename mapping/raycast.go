package mapping

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"golang.org/x/time/rate"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/octree"
	"go.viam.com/occupancy/pointcloud"
	"go.viam.com/occupancy/utils"
)

var raySkipLog = rate.Sometimes{Interval: 5 * time.Second}

// RaySkip thins the rays cast from a dense range image of Width x Height points. Only pixels whose
// column is a multiple of Horizontal and whose row is a multiple of Vertical cast a ray.
type RaySkip struct {
	Width      int
	Height     int
	Vertical   int
	Horizontal int
}

// appliesTo reports whether a cloud of numPoints is a full image and both strides thin it.
func (s RaySkip) appliesTo(numPoints int) bool {
	return s.Width > 0 && s.Height > 0 && s.Width*s.Height == numPoints &&
		s.Vertical > 1 && s.Horizontal > 1
}

func (s RaySkip) skips(idx int) bool {
	column := idx % s.Width
	row := idx / s.Width
	return column%s.Horizontal != 0 || row%s.Vertical != 0
}

// ScanRecord is one observation ready to be cast into the occupancy tree: points in the world
// frame seen from Origin looking along Direction.
type ScanRecord struct {
	Origin    r3.Vector
	Direction r3.Vector
	Cloud     *pointcloud.Cloud
	MaxRange  float64
	Planar    bool
}

// ComputeUpdate returns the disjoint free and occupied keys observed by rec. Planar records are
// clipped against the far plane perpendicular to their direction and may be thinned by skip.
// Other records are clipped radially by the tree.
func ComputeUpdate(
	ctx context.Context,
	tree *octree.OcTree,
	rec ScanRecord,
	skip RaySkip,
	logger logging.Logger,
) (octree.KeySet, octree.KeySet, error) {
	if rec.Planar {
		return ComputeUpdatePlanar(ctx, tree, rec.Cloud, rec.Origin, rec.Direction, rec.MaxRange, skip, logger)
	}
	return tree.ComputeUpdate(ctx, rec.Cloud, rec.Origin, rec.MaxRange)
}

// ComputeUpdatePlanar computes the free and occupied keys for a camera shaped sensor. A point
// whose distance along direction is within maxRange (or any point when maxRange is negative)
// marks its ray free and its voxel occupied. Other points lie beyond the far plane: their ray is
// cut where it meets the plane and only marks free space. An empty cloud or a zero direction
// yields empty sets.
func ComputeUpdatePlanar(
	ctx context.Context,
	tree *octree.OcTree,
	cloud *pointcloud.Cloud,
	origin, direction r3.Vector,
	maxRange float64,
	skip RaySkip,
	logger logging.Logger,
) (octree.KeySet, octree.KeySet, error) {
	free := octree.KeySet{}
	occupied := octree.KeySet{}
	points := cloud.Points()
	if len(points) == 0 || direction.Norm2() == 0 {
		return free, occupied, nil
	}
	dir := direction.Normalize()

	skipping := skip.appliesTo(len(points))
	if skipping {
		raySkipLog.Do(func() {
			logger.Debugw("ray skipping", "vertical", skip.Vertical, "horizontal", skip.Horizontal)
		})
	}

	var freeMu, occupiedMu sync.Mutex
	var rays []*octree.KeyRay
	err := utils.GroupWorkParallel(
		ctx,
		len(points),
		func(numGroups int) {
			rays = make([]*octree.KeyRay, numGroups)
			for i := range rays {
				rays[i] = octree.NewKeyRay()
			}
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			ray := rays[groupNum]
			return func(memberNum, workNum int) {
				if skipping && skip.skips(workNum) {
					return
				}
				p := points[workNum]
				toPoint := p.Sub(origin)
				perp := dir.Dot(toPoint)
				if maxRange < 0 || perp <= maxRange {
					if tree.ComputeRayKeys(origin, p, ray) {
						tree.InsertKeys(&freeMu, free, ray.Keys())
					}
					if key, ok := tree.CoordToKeyChecked(p); ok {
						tree.InsertKeys(&occupiedMu, occupied, []octree.Key{key})
					}
					return
				}
				// perp > maxRange >= 0 so the ray meets the far plane in front of the sensor
				unit := toPoint.Normalize()
				newEnd := origin.Add(unit.Mul(maxRange / dir.Dot(unit)))
				if tree.ComputeRayKeys(origin, newEnd, ray) {
					tree.InsertKeys(&freeMu, free, ray.Keys())
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
