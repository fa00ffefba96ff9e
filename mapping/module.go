// Package mapping builds a probabilistic occupancy tree and profile point clouds from laser scans
// and depth frames, driven by a small set of lifecycle commands.
package mapping

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/octree"
	"go.viam.com/occupancy/pointcloud"
	"go.viam.com/occupancy/referenceframe"
	"go.viam.com/occupancy/spatialmath"
	"go.viam.com/occupancy/symmetry"
)

// opticalAxis is the viewing direction of a depth camera in its own frame.
var opticalAxis = r3.Vector{Z: 1}

// Option configures optional collaborators of a Module.
type Option func(*Module)

// WithPublisher sets where the periodic snapshots are sent.
func WithPublisher(pub Publisher) Option {
	return func(m *Module) {
		m.publisher = pub
	}
}

// WithShutdown sets the function called when a save or load fails. The host is expected to stop.
func WithShutdown(shutdown func(error)) Option {
	return func(m *Module) {
		m.shutdown = shutdown
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Module) {
		m.clock = clk
	}
}

// WithSymmetryDetector replaces the detector run when profiling stops.
func WithSymmetryDetector(detector symmetry.Detector) Option {
	return func(m *Module) {
		m.detector = detector
	}
}

// Module integrates laser scans and depth frames into a profile cloud, an rgbd cloud and an
// occupancy tree. All sensor callbacks and commands are serialized.
type Module struct {
	mu        sync.Mutex
	cfg       Config
	logger    logging.Logger
	lookup    referenceframe.TransformLookup
	detector  symmetry.Detector
	publisher Publisher
	shutdown  func(error)
	clock     clock.Clock

	state    State
	tree     *octree.OcTree
	profile  *pointcloud.Cloud
	symmetry *pointcloud.Cloud
	rgbd     *pointcloud.Cloud
	buffer   ScanBuffer

	cameraRequested atomic.Bool
	scansReceived   atomic.Uint64
	framesReceived  atomic.Uint64
}

// NewModule returns an idle module. Poses of incoming sensor data are resolved through lookup.
func NewModule(cfg Config, lookup referenceframe.TransformLookup, logger logging.Logger, opts ...Option) (*Module, error) {
	if err := cfg.Validate("mapping"); err != nil {
		return nil, err
	}
	if lookup == nil {
		return nil, errors.New("a transform lookup is required")
	}
	if cfg.Debug {
		logger.SetLevel(logging.DEBUG)
	}
	m := &Module{
		cfg:    cfg,
		logger: logger,
		lookup: lookup,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.detector == nil {
		m.detector = symmetry.NewMirrorDetector(cfg.ProfileLeafSize, logger.Sublogger("symmetry"))
	}
	if m.shutdown == nil {
		m.shutdown = func(err error) {
			logger.Errorw("mapping requested shutdown", "error", err)
		}
	}
	return m, nil
}

// Config returns the configuration the module was built with.
func (m *Module) Config() Config {
	return m.cfg
}

// Status returns a snapshot of the module state.
func (m *Module) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		State:          m.state,
		BufferedScans:  m.buffer.Len(),
		ProfilePoints:  m.profile.Size(),
		RGBDPoints:     m.rgbd.Size(),
		SymmetryPoints: m.symmetry.Size(),
		HasTree:        m.tree != nil,
		ScansReceived:  m.scansReceived.Load(),
		FramesReceived: m.framesReceived.Load(),
	}
	if m.tree != nil {
		status.TreeNodes = m.tree.Size()
	}
	return status
}

// lookupPose resolves the world pose of frame at stamp. On failure it logs, backs off for the
// configured delay and returns the error; the caller drops the observation.
func (m *Module) lookupPose(ctx context.Context, frame string, stamp time.Time) (spatialmath.Pose, error) {
	pose, err := m.lookup.LookupTransform(ctx, m.cfg.WorldFrame, frame, stamp)
	if err == nil {
		return pose, nil
	}
	m.logger.Errorw("cannot look up sensor pose", "frame", frame, "stamp", stamp, "error", err)
	if delay := m.cfg.TransformRetryDelay(); delay > 0 {
		timer := m.clock.Timer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return spatialmath.Pose{}, errors.Wrapf(err, "dropping data from %q", frame)
}

// integrate casts rec into the tree. Callers hold mu and have checked the tree exists. The tree
// is only touched once the whole update is computed.
func (m *Module) integrate(ctx context.Context, rec ScanRecord, skip RaySkip) error {
	free, occupied, err := ComputeUpdate(ctx, m.tree, rec, skip, m.logger)
	if err != nil {
		return err
	}
	misses, hits := Integrate(m.tree, free, occupied, m.cfg.MinHeight)
	m.logger.Debugw("integrated observation", "planar", rec.Planar, "points", rec.Cloud.Size(),
		"free", misses, "occupied", hits)
	return nil
}

// HandleScan adds a laser scan to the profile cloud while scanning. While profiling with filling
// enabled it is also integrated into the tree, immediately or when scanning stops.
func (m *Module) HandleScan(ctx context.Context, scan LaserScan) error {
	m.scansReceived.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Scanning {
		return nil
	}

	pose, err := m.lookupPose(ctx, scan.FrameID, scan.Stamp)
	if err != nil {
		return err
	}
	near, far := scan.Points()
	near = near.Transform(pose)
	far = far.Transform(pose)

	m.profile = Accumulate(aboveHeight(near, m.cfg.MinHeight), m.profile, m.cfg.MinHeight, true, m.cfg.ProfileLeafSize)
	m.logger.Debugw("scan added", "points", near.Size(), "profile_points", m.profile.Size())

	if !m.cfg.FillOccupancy || !m.state.Profiling || m.tree == nil {
		return nil
	}
	rec := ScanRecord{
		Origin:    pose.Point(),
		Direction: pose.Direction(),
		Cloud:     pointcloud.Concat(near, far),
		MaxRange:  scan.RangeMax,
	}
	if m.cfg.FillContinuously {
		return m.integrate(ctx, rec, m.cfg.RaySkip())
	}
	m.buffer.Add(rec)
	return nil
}

// HandleDepth consumes a depth frame when one was requested with the get camera data command.
// Points within the depth range join the rgbd cloud; while profiling the whole frame is
// integrated into the tree against the camera's far plane. Only one frame is consumed per
// request; a frame whose pose is unknown leaves the request open.
func (m *Module) HandleDepth(ctx context.Context, frame DepthFrame) error {
	m.framesReceived.Inc()
	if !m.cameraRequested.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// another frame may have answered the request while this one waited
	if !m.cameraRequested.Load() {
		return nil
	}

	pose, err := m.lookupPose(ctx, frame.FrameID, frame.Stamp)
	if err != nil {
		return err
	}
	near := withinDepth(frame.Cloud, m.cfg.DepthRangeMax).Transform(pose)
	raw := frame.Cloud.Transform(pose)

	m.rgbd = Accumulate(near, m.rgbd, m.cfg.MinHeight, true, m.cfg.DepthLeafSize)
	m.logger.Debugw("depth frame added", "points", near.Size(), "rgbd_points", m.rgbd.Size())

	if m.state.Profiling && m.tree != nil {
		rec := ScanRecord{
			Origin:    pose.Point(),
			Direction: pose.Rotate(opticalAxis),
			Cloud:     raw,
			MaxRange:  m.cfg.DepthRangeMax,
			Planar:    true,
		}
		if err := m.integrate(ctx, rec, m.frameRaySkip(frame)); err != nil {
			return err
		}
	}
	m.cameraRequested.Store(false)
	return nil
}

// frameRaySkip returns the ray skipping for frame, sized by the frame when it reports its image
// size and by the configured camera otherwise.
func (m *Module) frameRaySkip(frame DepthFrame) RaySkip {
	skip := m.cfg.RaySkip()
	if frame.Width > 0 && frame.Height > 0 {
		skip.Width = frame.Width
		skip.Height = frame.Height
	}
	return skip
}

// processScans drains the scan buffer newest first. A record leaves the buffer only once it is
// integrated, so a cancelled replay keeps every scan it did not finish.
func (m *Module) processScans(ctx context.Context) error {
	if m.buffer.Len() == 0 {
		return nil
	}
	if m.tree == nil {
		return errors.Wrapf(ErrNoOccupancyTree, "cannot process %d buffered scans", m.buffer.Len())
	}
	m.logger.Infow("processing buffered scans", "count", m.buffer.Len())

	start := m.clock.Now()
	durations := make([]float64, 0, m.buffer.Len())
	for m.buffer.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "stopped with %d scans left", m.buffer.Len())
		}
		rec, _ := m.buffer.Last()
		scanStart := m.clock.Now()
		if err := m.integrate(ctx, rec, m.cfg.RaySkip()); err != nil {
			return errors.Wrapf(err, "stopped with %d scans left", m.buffer.Len())
		}
		m.buffer.PopLast()
		durations = append(durations, m.clock.Since(scanStart).Seconds())
	}
	logReplayTiming(m.logger, m.clock.Since(start), durations)
	return nil
}

// Tree returns the occupancy tree, or nil if profiling never started and no map was loaded. The
// tree must not be used concurrently with the module.
func (m *Module) Tree() *octree.OcTree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree
}

// ProfileCloud returns a copy of the profile cloud.
func (m *Module) ProfileCloud() *pointcloud.Cloud {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile.Clone()
}

// RGBDCloud returns a copy of the rgbd cloud.
func (m *Module) RGBDCloud() *pointcloud.Cloud {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rgbd.Clone()
}

// SymmetryCloud returns a copy of the symmetry completed profile, if any.
func (m *Module) SymmetryCloud() *pointcloud.Cloud {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.symmetry == nil {
		return nil
	}
	return m.symmetry.Clone()
}
