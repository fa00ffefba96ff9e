// Package symmetry completes a partially observed profile by mirroring it across its best
// vertical plane of symmetry.
package symmetry

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/pointcloud"
)

// ErrTooFewPoints is returned when a cloud cannot define a plane.
var ErrTooFewPoints = errors.New("not enough points to detect symmetry")

// Detector produces a symmetry completed copy of a cloud.
type Detector interface {
	Detect(ctx context.Context, cloud *pointcloud.Cloud) (*pointcloud.Cloud, error)
}

// Plane is a mirror plane through Centroid with unit Normal. Score is the fraction of mirrored
// points that land on an observed cell.
type Plane struct {
	Centroid r3.Vector
	Normal   r3.Vector
	Score    float64
}

// Mirror reflects p across the plane.
func (pl Plane) Mirror(p r3.Vector) r3.Vector {
	d := p.Sub(pl.Centroid).Dot(pl.Normal)
	return p.Sub(pl.Normal.Mul(2 * d))
}

// DefaultLeafSize is the cell size used to compare a cloud with its mirror image.
const DefaultLeafSize = 0.1

// maxNormalZ rejects principal axes that are close to vertical; a horizontal mirror plane would
// fold the object into the ground.
const maxNormalZ = 0.9

// MirrorDetector tries the principal axes of a cloud as mirror plane normals and keeps the one
// whose mirror image best overlaps the cloud.
type MirrorDetector struct {
	LeafSize float64
	logger   logging.Logger
}

// NewMirrorDetector returns a detector comparing clouds on a grid of leafSize cells.
func NewMirrorDetector(leafSize float64, logger logging.Logger) *MirrorDetector {
	if leafSize <= 0 {
		leafSize = DefaultLeafSize
	}
	return &MirrorDetector{LeafSize: leafSize, logger: logger}
}

// FindPlane returns the best vertical mirror plane of cloud.
func (md *MirrorDetector) FindPlane(ctx context.Context, cloud *pointcloud.Cloud) (Plane, error) {
	points := cloud.Points()
	if len(points) < 3 {
		return Plane{}, errors.Wrapf(ErrTooFewPoints, "got %d", len(points))
	}

	data := mat.NewDense(len(points), 3, nil)
	for i, p := range points {
		data.SetRow(i, []float64{p.X, p.Y, p.Z})
	}
	centroid := r3.Vector{
		X: stat.Mean(mat.Col(nil, 0, data), nil),
		Y: stat.Mean(mat.Col(nil, 1, data), nil),
		Z: stat.Mean(mat.Col(nil, 2, data), nil),
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return Plane{}, errors.New("principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	observed := make(map[pointcloud.VoxelCoords]struct{}, len(points))
	for _, p := range points {
		observed[pointcloud.GetVoxelCoordinates(p, md.LeafSize)] = struct{}{}
	}

	best := Plane{Score: -1}
	_, numAxes := vecs.Dims()
	for j := 0; j < numAxes; j++ {
		if err := ctx.Err(); err != nil {
			return Plane{}, err
		}
		normal := r3.Vector{X: vecs.At(0, j), Y: vecs.At(1, j), Z: vecs.At(2, j)}
		if normal.Norm2() == 0 || math.Abs(normal.Normalize().Z) > maxNormalZ {
			continue
		}
		candidate := Plane{Centroid: centroid, Normal: normal.Normalize()}
		hits := 0
		for _, p := range points {
			if _, ok := observed[pointcloud.GetVoxelCoordinates(candidate.Mirror(p), md.LeafSize)]; ok {
				hits++
			}
		}
		candidate.Score = float64(hits) / float64(len(points))
		if md.logger != nil {
			md.logger.Debugw("mirror candidate", "normal", candidate.Normal, "score", candidate.Score)
		}
		if candidate.Score > best.Score {
			best = candidate
		}
	}
	if best.Score < 0 {
		return Plane{}, errors.New("cloud has no vertical plane of symmetry")
	}
	return best, nil
}

// Detect returns cloud merged with its mirror image across the best plane, downsampled to the
// detector's leaf size.
func (md *MirrorDetector) Detect(ctx context.Context, cloud *pointcloud.Cloud) (*pointcloud.Cloud, error) {
	plane, err := md.FindPlane(ctx, cloud)
	if err != nil {
		return nil, err
	}
	mirrored := pointcloud.NewWithPrealloc(cloud.Size())
	for _, p := range cloud.Points() {
		mirrored.Append(plane.Mirror(p))
	}
	if md.logger != nil {
		md.logger.Infow("symmetry plane found", "centroid", plane.Centroid, "normal", plane.Normal, "score", plane.Score)
	}
	return pointcloud.VoxelDownsample(pointcloud.Concat(cloud, mirrored), md.LeafSize), nil
}
