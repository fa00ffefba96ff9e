package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/occupancy/referenceframe"
	"go.viam.com/occupancy/spatialmath"
)

// File names written to and read from the data directory.
const (
	ProfileCloudFile         = "profile_cloud.pcd"
	ProfileSymmetryCloudFile = "profile_cloud_symmetry.pcd"
	ProfileTreeFile          = "profile_octree.ot"
	ProfileLASFile           = "profile_cloud.las"
)

// StaticTransform attaches a frame to its parent with a fixed pose. Angles are in radians.
type StaticTransform struct {
	Frame  string  `json:"frame"`
	Parent string  `json:"parent"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Roll   float64 `json:"roll"`
	Pitch  float64 `json:"pitch"`
	Yaw    float64 `json:"yaw"`
}

// Validate ensures all parts of the config are valid.
func (st *StaticTransform) Validate(path string) error {
	if st.Frame == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "frame")
	}
	if st.Parent == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "parent")
	}
	return nil
}

// Pose returns the pose of the frame in its parent.
func (st StaticTransform) Pose() spatialmath.Pose {
	return spatialmath.NewPose(r3.Vector{X: st.X, Y: st.Y, Z: st.Z}, spatialmath.QuatFromRPY(st.Roll, st.Pitch, st.Yaw))
}

// Config describes how the mapping module integrates sensor data.
type Config struct {
	Debug                 bool              `json:"debug_mapping"`
	CheckSymmetry         bool              `json:"profiling_check_symmetry"`
	FillOccupancy         bool              `json:"profiling_fill_octomap"`
	FillContinuously      bool              `json:"profiling_fill_octomap_continuously"`
	DepthRangeMax         float64           `json:"depth_range_max"`
	Resolution            float64           `json:"octree_resolution"`
	MinHeight             float64           `json:"sensor_data_min_height"`
	ProfileLeafSize       float64           `json:"voxel_grid_resolution_profile"`
	DepthLeafSize         float64           `json:"voxel_grid_resolution_depth_sensor"`
	BoundsXMin            float64           `json:"object_bounds_x_min"`
	BoundsXMax            float64           `json:"object_bounds_x_max"`
	BoundsYMin            float64           `json:"object_bounds_y_min"`
	BoundsYMax            float64           `json:"object_bounds_y_max"`
	BoundsZMin            float64           `json:"object_bounds_z_min"`
	BoundsZMax            float64           `json:"object_bounds_z_max"`
	WidthPx               int               `json:"width_px"`
	HeightPx              int               `json:"height_px"`
	RaySkipVertical       int               `json:"ray_skipping_vertical"`
	RaySkipHorizontal     int               `json:"ray_skipping_horizontal"`
	DataDir               string            `json:"data_dir"`
	TransformRetryDelayMs int               `json:"transform_retry_delay_ms"`
	WorldFrame            string            `json:"world_frame"`
	LogFile               string            `json:"log_file"`
	ExportLAS             bool              `json:"export_las"`
	StaticTransforms      []StaticTransform `json:"static_transforms"`
}

// DefaultConfig returns the configuration used for options that are not set.
func DefaultConfig() Config {
	return Config{
		CheckSymmetry:         true,
		FillOccupancy:         true,
		FillContinuously:      true,
		DepthRangeMax:         5,
		Resolution:            0.2,
		MinHeight:             0.5,
		ProfileLeafSize:       0.1,
		DepthLeafSize:         0.1,
		BoundsXMin:            -1,
		BoundsXMax:            1,
		BoundsYMin:            -1,
		BoundsYMax:            1,
		BoundsZMin:            0,
		BoundsZMax:            1,
		WidthPx:               640,
		HeightPx:              480,
		RaySkipVertical:       1,
		RaySkipHorizontal:     1,
		DataDir:               ".",
		TransformRetryDelayMs: 1000,
		WorldFrame:            referenceframe.World,
	}
}

// DecodeConfig overlays attrs on the defaults. Keys are the json names of the Config fields.
func DecodeConfig(attrs map[string]interface{}) (Config, error) {
	conf := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &conf,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return Config{}, errors.Wrap(err, "cannot decode mapping config")
	}
	return conf, nil
}

// ReadConfig reads a JSON config file. An empty file name returns the defaults.
func ReadConfig(fn string) (Config, error) {
	if fn == "" {
		return DefaultConfig(), nil
	}
	//nolint:gosec
	data, err := os.ReadFile(fn)
	if err != nil {
		return Config{}, err
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse config file %q", fn)
	}
	return DecodeConfig(attrs)
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Resolution <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "octree_resolution")
	}
	if conf.DataDir == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "data_dir")
	}
	if conf.WorldFrame == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "world_frame")
	}
	if conf.DepthRangeMax <= 0 {
		return utils.NewConfigValidationError(path, errors.New("depth_range_max must be positive"))
	}
	if conf.ProfileLeafSize < 0 || conf.DepthLeafSize < 0 {
		return utils.NewConfigValidationError(path, errors.New("voxel grid resolutions cannot be negative"))
	}
	if conf.WidthPx <= 0 || conf.HeightPx <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("invalid image size %dx%d", conf.WidthPx, conf.HeightPx))
	}
	if conf.RaySkipVertical < 1 || conf.RaySkipHorizontal < 1 {
		return utils.NewConfigValidationError(path, errors.New("ray skipping factors must be at least 1"))
	}
	if conf.TransformRetryDelayMs < 0 {
		return utils.NewConfigValidationError(path, errors.New("transform_retry_delay_ms cannot be negative"))
	}
	minB, maxB := conf.Bounds()
	if minB.X > maxB.X || minB.Y > maxB.Y || minB.Z > maxB.Z {
		return utils.NewConfigValidationError(path, errors.Errorf("object bounds min %v exceeds max %v", minB, maxB))
	}
	for idx, st := range conf.StaticTransforms {
		if err := st.Validate(fmt.Sprintf("%s.%s.%d", path, "static_transforms", idx)); err != nil {
			return err
		}
	}
	return nil
}

// Bounds returns the corners of the object bounding box.
func (conf *Config) Bounds() (r3.Vector, r3.Vector) {
	return r3.Vector{X: conf.BoundsXMin, Y: conf.BoundsYMin, Z: conf.BoundsZMin},
		r3.Vector{X: conf.BoundsXMax, Y: conf.BoundsYMax, Z: conf.BoundsZMax}
}

// TransformRetryDelay is the back off after a failed pose lookup.
func (conf *Config) TransformRetryDelay() time.Duration {
	return time.Duration(conf.TransformRetryDelayMs) * time.Millisecond
}

// RaySkip returns the ray skipping applied to depth frames.
func (conf *Config) RaySkip() RaySkip {
	return RaySkip{
		Width:      conf.WidthPx,
		Height:     conf.HeightPx,
		Vertical:   conf.RaySkipVertical,
		Horizontal: conf.RaySkipHorizontal,
	}
}

// DataPath returns the path of a file in the data directory.
func (conf *Config) DataPath(name string) string {
	return filepath.Join(conf.DataDir, name)
}

// NewFrameSystem builds a frame system holding the configured static transforms.
func (conf *Config) NewFrameSystem(maxAge time.Duration) (*referenceframe.FrameSystem, error) {
	fs := referenceframe.NewFrameSystem(conf.WorldFrame, maxAge)
	for _, st := range conf.StaticTransforms {
		if err := fs.SetStatic(st.Frame, st.Parent, st.Pose()); err != nil {
			return nil, err
		}
	}
	return fs, nil
}
