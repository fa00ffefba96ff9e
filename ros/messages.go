package ros

import (
	"math"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/occupancy/mapping"
	"go.viam.com/occupancy/spatialmath"
)

// Header is the standard ROS message header.
type Header struct {
	Seq     uint32
	Stamp   time.Time
	FrameID string
}

// Transform is one edge of a tf message: the pose of Child in Parent at Stamp.
type Transform struct {
	Parent string
	Child  string
	Stamp  time.Time
	Pose   spatialmath.Pose
}

func field(m map[string]interface{}, name string) (interface{}, error) {
	v, ok := m[name]
	if !ok {
		return nil, errors.Errorf("missing field %q", name)
	}
	return v, nil
}

func object(m map[string]interface{}, name string) (map[string]interface{}, error) {
	v, err := field(m, name)
	if err != nil {
		return nil, err
	}
	obj, err := cast.ToStringMapE(v)
	if err != nil {
		return nil, errors.Wrapf(err, "field %q", name)
	}
	return obj, nil
}

func float(m map[string]interface{}, name string) (float64, error) {
	v, err := field(m, name)
	if err != nil {
		return 0, err
	}
	f, err := rangeValue(v)
	if err != nil {
		return 0, errors.Wrapf(err, "field %q", name)
	}
	return f, nil
}

// frameName strips the leading slash ROS 1 bags often carry.
func frameName(s string) string {
	return strings.TrimPrefix(s, "/")
}

// rangeValue converts a JSON number. JSON has no NaN or infinities, so they may arrive as strings
// or null; null reads as NaN.
func rangeValue(v interface{}) (float64, error) {
	if v == nil {
		return math.NaN(), nil
	}
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "inf", "+inf", "infinity":
			return math.Inf(1), nil
		case "-inf", "-infinity":
			return math.Inf(-1), nil
		case "nan":
			return math.NaN(), nil
		}
	}
	return cast.ToFloat64E(v)
}

// HeaderFromMessage decodes the header field of a message.
func HeaderFromMessage(data map[string]interface{}) (Header, error) {
	h, err := object(data, "header")
	if err != nil {
		return Header{}, err
	}
	var header Header
	if seq, ok := h["seq"]; ok {
		if header.Seq, err = cast.ToUint32E(seq); err != nil {
			return Header{}, errors.Wrap(err, "header seq")
		}
	}
	stamp, err := object(h, "stamp")
	if err != nil {
		return Header{}, err
	}
	if header.Stamp, err = decodeTime(stamp); err != nil {
		return Header{}, errors.Wrap(err, "header stamp")
	}
	header.FrameID = frameName(cast.ToString(h["frame_id"]))
	return header, nil
}

// LaserScanFromMessage decodes a sensor_msgs/LaserScan.
func LaserScanFromMessage(data map[string]interface{}) (mapping.LaserScan, error) {
	header, err := HeaderFromMessage(data)
	if err != nil {
		return mapping.LaserScan{}, errors.Wrap(err, "laser scan")
	}
	scan := mapping.LaserScan{FrameID: header.FrameID, Stamp: header.Stamp}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"angle_min", &scan.AngleMin},
		{"angle_max", &scan.AngleMax},
		{"angle_increment", &scan.AngleIncrement},
		{"range_min", &scan.RangeMin},
		{"range_max", &scan.RangeMax},
	} {
		if *f.dst, err = float(data, f.name); err != nil {
			return mapping.LaserScan{}, errors.Wrap(err, "laser scan")
		}
	}

	raw, err := field(data, "ranges")
	if err != nil {
		return mapping.LaserScan{}, errors.Wrap(err, "laser scan")
	}
	ranges, err := cast.ToSliceE(raw)
	if err != nil {
		return mapping.LaserScan{}, errors.Wrap(err, "laser scan ranges")
	}
	scan.Ranges = make([]float64, 0, len(ranges))
	for i, v := range ranges {
		r, err := rangeValue(v)
		if err != nil {
			return mapping.LaserScan{}, errors.Wrapf(err, "laser scan range %d", i)
		}
		scan.Ranges = append(scan.Ranges, r)
	}
	return scan, nil
}

func vector(m map[string]interface{}, name string) (r3.Vector, error) {
	obj, err := object(m, name)
	if err != nil {
		return r3.Vector{}, err
	}
	var v r3.Vector
	if v.X, err = float(obj, "x"); err != nil {
		return r3.Vector{}, err
	}
	if v.Y, err = float(obj, "y"); err != nil {
		return r3.Vector{}, err
	}
	if v.Z, err = float(obj, "z"); err != nil {
		return r3.Vector{}, err
	}
	return v, nil
}

func quaternion(m map[string]interface{}, name string) (quat.Number, error) {
	obj, err := object(m, name)
	if err != nil {
		return quat.Number{}, err
	}
	var q quat.Number
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"w", &q.Real}, {"x", &q.Imag}, {"y", &q.Jmag}, {"z", &q.Kmag}} {
		if *f.dst, err = float(obj, f.name); err != nil {
			return quat.Number{}, err
		}
	}
	norm := quat.Abs(q)
	if norm == 0 || math.IsNaN(norm) {
		return quat.Number{}, errors.Errorf("invalid rotation %v", q)
	}
	return quat.Scale(1/norm, q), nil
}

// TransformsFromMessage decodes a tf2_msgs/TFMessage into its transforms.
func TransformsFromMessage(data map[string]interface{}) ([]Transform, error) {
	raw, err := field(data, "transforms")
	if err != nil {
		return nil, err
	}
	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, errors.Wrap(err, "transforms")
	}
	transforms := make([]Transform, 0, len(items))
	for i, item := range items {
		m, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, errors.Wrapf(err, "transform %d", i)
		}
		header, err := HeaderFromMessage(m)
		if err != nil {
			return nil, errors.Wrapf(err, "transform %d", i)
		}
		tf, err := object(m, "transform")
		if err != nil {
			return nil, errors.Wrapf(err, "transform %d", i)
		}
		translation, err := vector(tf, "translation")
		if err != nil {
			return nil, errors.Wrapf(err, "transform %d translation", i)
		}
		rotation, err := quaternion(tf, "rotation")
		if err != nil {
			return nil, errors.Wrapf(err, "transform %d rotation", i)
		}
		child := frameName(cast.ToString(m["child_frame_id"]))
		if child == "" || header.FrameID == "" {
			return nil, errors.Errorf("transform %d is missing a frame id", i)
		}
		transforms = append(transforms, Transform{
			Parent: header.FrameID,
			Child:  child,
			Stamp:  header.Stamp,
			Pose:   spatialmath.NewPose(translation, rotation),
		})
	}
	return transforms, nil
}
