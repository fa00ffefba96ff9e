// Package spatialmath defines spatial mathematical operations
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

const floatEpsilon = 1e-9

// Pose is a rigid transform in 3D, stored as a unit dual quaternion. The real part is the
// rotation, the dual part is half the translation multiplied by the rotation.
type Pose struct {
	q dualquat.Number
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{dualquat.Number{Real: quat.Number{Real: 1}}}
}

// NewPoseFromPoint returns a pose translating by point with no rotation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return NewPose(point, quat.Number{Real: 1})
}

// NewPose returns a pose from a translation and a rotation quaternion. The quaternion is
// normalised; a zero quaternion is treated as the identity rotation.
func NewPose(point r3.Vector, orientation quat.Number) Pose {
	norm := quat.Abs(orientation)
	if norm < floatEpsilon {
		orientation = quat.Number{Real: 1}
	} else {
		orientation = quat.Scale(1/norm, orientation)
	}
	t := quat.Number{Imag: point.X, Jmag: point.Y, Kmag: point.Z}
	return Pose{dualquat.Number{
		Real: orientation,
		Dual: quat.Scale(0.5, quat.Mul(t, orientation)),
	}}
}

// Point returns the translation of the pose.
func (p Pose) Point() r3.Vector {
	t := quat.Scale(2, quat.Mul(p.q.Dual, quat.Conj(p.q.Real)))
	return r3.Vector{X: t.Imag, Y: t.Jmag, Z: t.Kmag}
}

// Orientation returns the unit rotation quaternion of the pose.
func (p Pose) Orientation() quat.Number {
	return p.q.Real
}

// Rotate applies only the rotation of the pose to v.
func (p Pose) Rotate(v r3.Vector) r3.Vector {
	return rotate(p.q.Real, v)
}

// Transform maps v from the pose's child frame into its parent frame.
func (p Pose) Transform(v r3.Vector) r3.Vector {
	return p.Rotate(v).Add(p.Point())
}

// Direction is the unit x axis of the child frame expressed in the parent frame. For a sensor
// pose this is the sensor's viewing direction.
func (p Pose) Direction() r3.Vector {
	return p.Rotate(r3.Vector{X: 1})
}

// Compose returns the pose applying b first and then a.
func Compose(a, b Pose) Pose {
	return Pose{dualquat.Mul(a.q, b.q)}
}

// Invert returns the inverse transform of p.
func (p Pose) Invert() Pose {
	rInv := quat.Conj(p.q.Real)
	return NewPose(rotate(rInv, p.Point()).Mul(-1), rInv)
}

func (p Pose) String() string {
	pt := p.Point()
	r := p.q.Real
	return fmt.Sprintf("{X:%.4f Y:%.4f Z:%.4f W:%.4f I:%.4f J:%.4f K:%.4f}", pt.X, pt.Y, pt.Z, r.Real, r.Imag, r.Jmag, r.Kmag)
}

// PoseAlmostEqual returns whether two poses are the same transform within epsilon. The rotation
// comparison accounts for q and -q describing the same rotation.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	if a.Point().Sub(b.Point()).Norm() > epsilon {
		return false
	}
	ra, rb := a.q.Real, b.q.Real
	dot := ra.Real*rb.Real + ra.Imag*rb.Imag + ra.Jmag*rb.Jmag + ra.Kmag*rb.Kmag
	return 1-math.Abs(dot) <= epsilon
}

// QuatFromAxisAngle returns the unit quaternion rotating by theta radians around axis.
func QuatFromAxisAngle(axis r3.Vector, theta float64) quat.Number {
	if axis.Norm() < floatEpsilon {
		return quat.Number{Real: 1}
	}
	axis = axis.Normalize()
	s := math.Sin(theta / 2)
	return quat.Number{Real: math.Cos(theta / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// QuatFromRPY returns the unit quaternion for intrinsic roll, pitch, yaw angles in radians,
// applied yaw first about z, then pitch about y, then roll about x.
func QuatFromRPY(roll, pitch, yaw float64) quat.Number {
	qx := QuatFromAxisAngle(r3.Vector{X: 1}, roll)
	qy := QuatFromAxisAngle(r3.Vector{Y: 1}, pitch)
	qz := QuatFromAxisAngle(r3.Vector{Z: 1}, yaw)
	return quat.Mul(quat.Mul(qz, qy), qx)
}

func rotate(r quat.Number, v r3.Vector) r3.Vector {
	out := quat.Mul(quat.Mul(r, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(r))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}
