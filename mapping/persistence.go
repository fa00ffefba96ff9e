package mapping

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/occupancy/octree"
	"go.viam.com/occupancy/pointcloud"
)

var (
	// ErrNoProfileCloud is returned when saving before any scan was accumulated.
	ErrNoProfileCloud = errors.New("no point cloud data available")
	// ErrNoSymmetryCloud is returned when saving with symmetry checking on but no symmetry result.
	ErrNoSymmetryCloud = errors.New("no symmetry data available")
	// ErrNoOccupancyTree is returned when the occupancy tree is needed but was never created.
	ErrNoOccupancyTree = errors.New("no octomap data available")
)

// SaveMap writes the profile cloud, the symmetry cloud when symmetry checking is on and the
// occupancy tree when filling is on to the data directory. It stops at the first failure.
func (m *Module) SaveMap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.profile.Empty() {
		return ErrNoProfileCloud
	}
	fn := m.cfg.DataPath(ProfileCloudFile)
	if err := pointcloud.WriteToFile(m.profile, fn); err != nil {
		return errors.Wrapf(err, "cannot save profile cloud to %q", fn)
	}
	if m.cfg.ExportLAS {
		lasFn := m.cfg.DataPath(ProfileLASFile)
		if err := pointcloud.WriteToLASFile(m.profile, lasFn); err != nil {
			return errors.Wrapf(err, "cannot export profile cloud to %q", lasFn)
		}
	}

	if m.cfg.CheckSymmetry {
		if m.symmetry == nil {
			return ErrNoSymmetryCloud
		}
		fn := m.cfg.DataPath(ProfileSymmetryCloudFile)
		if err := pointcloud.WriteToFile(m.symmetry, fn); err != nil {
			return errors.Wrapf(err, "cannot save symmetry cloud to %q", fn)
		}
	}

	if m.cfg.FillOccupancy {
		if m.tree == nil {
			return ErrNoOccupancyTree
		}
		fn := m.cfg.DataPath(ProfileTreeFile)
		if err := m.tree.WriteFile(fn); err != nil {
			return errors.Wrapf(err, "failed to save octomap data to %q", fn)
		}
	}
	m.logger.Infow("saved map", "dir", m.cfg.DataDir)
	return nil
}

// LoadMap reads back what SaveMap wrote. Files are read before any state is replaced so a failed
// load leaves the module unchanged.
func (m *Module) LoadMap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn := m.cfg.DataPath(ProfileCloudFile)
	m.logger.Infow("reading", "file", fn)
	profile, err := pointcloud.NewFromFile(fn, m.logger)
	if err != nil {
		return errors.Wrapf(err, "failed to load point cloud from %q", fn)
	}

	var sym *pointcloud.Cloud
	if m.cfg.CheckSymmetry {
		fn := m.cfg.DataPath(ProfileSymmetryCloudFile)
		m.logger.Infow("reading", "file", fn)
		sym, err = pointcloud.NewFromFile(fn, m.logger)
		if err != nil {
			return errors.Wrapf(err, "failed to load point cloud from %q", fn)
		}
	}

	var tree *octree.OcTree
	if m.cfg.FillOccupancy {
		fn := m.cfg.DataPath(ProfileTreeFile)
		m.logger.Infow("reading", "file", fn)
		tree, err = octree.ReadFile(fn, m.logger.Sublogger("octree"))
		if err != nil {
			return errors.Wrapf(err, "failed to load octomap from %q", fn)
		}
		minB, maxB := m.cfg.Bounds()
		tree.SetBBXMin(minB)
		tree.SetBBXMax(maxB)
	}

	m.profile = profile
	if sym != nil {
		m.symmetry = sym
	}
	if tree != nil {
		m.tree = tree
	}
	m.logger.Info("successfully loaded maps")
	return nil
}

// WriteTree serializes the occupancy tree to w.
func (m *Module) WriteTree(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree == nil {
		return ErrNoOccupancyTree
	}
	return m.tree.Write(w)
}

// snapshot encodes the published state while holding the lock.
func (m *Module) snapshot() ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var msgs []Message
	var errs error
	if !m.profile.Empty() {
		msg, err := cloudMessage(TopicProfileCloud, m.cfg.WorldFrame, now, m.profile)
		errs = multierr.Combine(errs, err)
		if err == nil {
			msgs = append(msgs, msg)
		}
	}
	if !m.rgbd.Empty() {
		msg, err := cloudMessage(TopicRGBDCloud, m.cfg.WorldFrame, now, m.rgbd)
		errs = multierr.Combine(errs, err)
		if err == nil {
			msgs = append(msgs, msg)
		}
	}
	if m.tree != nil {
		msg, err := treeMessage(TopicOccupancyTree, m.cfg.WorldFrame, now, m.tree)
		errs = multierr.Combine(errs, err)
		if err == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, errs
}
