// Package pointcloud defines an ordered point cloud in meters plus the file codecs and voxel
// filters used by the mapping service.
//
// Clouds keep insertion order. Structured clouds coming from a depth camera rely on this: point i
// is pixel (i % width, i / width).
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"

	"go.viam.com/occupancy/spatialmath"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData creates a new MetaData with bounds that any point will widen.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the meta data with the new point.
func (meta *MetaData) Merge(v r3.Vector) {
	if v.X > meta.MaxX {
		meta.MaxX = v.X
	}
	if v.Y > meta.MaxY {
		meta.MaxY = v.Y
	}
	if v.Z > meta.MaxZ {
		meta.MaxZ = v.Z
	}

	if v.X < meta.MinX {
		meta.MinX = v.X
	}
	if v.Y < meta.MinY {
		meta.MinY = v.Y
	}
	if v.Z < meta.MinZ {
		meta.MinZ = v.Z
	}
}

// Cloud is an ordered collection of 3D points. A nil *Cloud behaves as an empty cloud for
// read-only methods.
type Cloud struct {
	points []r3.Vector
	meta   MetaData
}

// New returns an empty Cloud.
func New() *Cloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated Cloud.
func NewWithPrealloc(size int) *Cloud {
	return &Cloud{
		points: make([]r3.Vector, 0, size),
		meta:   NewMetaData(),
	}
}

// NewFromPoints returns a Cloud holding a copy of the given points in order.
func NewFromPoints(points []r3.Vector) *Cloud {
	cloud := NewWithPrealloc(len(points))
	for _, p := range points {
		cloud.Append(p)
	}
	return cloud
}

// Append adds a point at the end of the cloud.
func (cloud *Cloud) Append(p r3.Vector) {
	cloud.points = append(cloud.points, p)
	cloud.meta.Merge(p)
}

// Size returns the number of points in the cloud.
func (cloud *Cloud) Size() int {
	if cloud == nil {
		return 0
	}
	return len(cloud.points)
}

// Empty returns whether the cloud is nil or holds no points.
func (cloud *Cloud) Empty() bool {
	return cloud.Size() == 0
}

// MetaData returns the bounds of the cloud.
func (cloud *Cloud) MetaData() MetaData {
	if cloud == nil {
		return NewMetaData()
	}
	return cloud.meta
}

// At returns the i-th point.
func (cloud *Cloud) At(i int) r3.Vector {
	return cloud.points[i]
}

// Points returns the backing slice of points. Callers must not modify it.
func (cloud *Cloud) Points() []r3.Vector {
	if cloud == nil {
		return nil
	}
	return cloud.points
}

// Iterate iterates over all points in the cloud in order and calls the given function for each
// point. If the supplied function returns false, iteration will stop after the function returns.
// numBatches lets you divide up the work. 0 means don't divide.
// myBatch is used iff numBatches > 0 and is which batch you want.
func (cloud *Cloud) Iterate(numBatches, myBatch int, fn func(i int, p r3.Vector) bool) {
	n := cloud.Size()
	from, to := 0, n
	if numBatches > 0 {
		batchSize := (n + numBatches - 1) / numBatches
		from = myBatch * batchSize
		to = from + batchSize
		if from > n {
			from = n
		}
		if to > n {
			to = n
		}
	}
	for i := from; i < to; i++ {
		if !fn(i, cloud.points[i]) {
			return
		}
	}
}

// Clone returns a deep copy of the cloud.
func (cloud *Cloud) Clone() *Cloud {
	return NewFromPoints(cloud.Points())
}

// Filter returns a new cloud holding, in order, the points for which keep returns true.
func (cloud *Cloud) Filter(keep func(p r3.Vector) bool) *Cloud {
	return NewFromPoints(lo.Filter(cloud.Points(), func(p r3.Vector, _ int) bool {
		return keep(p)
	}))
}

// Transform returns a new cloud with every point mapped through pose.
func (cloud *Cloud) Transform(pose spatialmath.Pose) *Cloud {
	return NewFromPoints(lo.Map(cloud.Points(), func(p r3.Vector, _ int) r3.Vector {
		return pose.Transform(p)
	}))
}

// Concat returns a new cloud holding the points of every input cloud in order.
func Concat(clouds ...*Cloud) *Cloud {
	total := 0
	for _, c := range clouds {
		total += c.Size()
	}
	out := NewWithPrealloc(total)
	for _, c := range clouds {
		for _, p := range c.Points() {
			out.Append(p)
		}
	}
	return out
}
