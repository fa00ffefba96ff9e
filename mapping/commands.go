package mapping

import (
	"context"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/octree"
)

// Command is an integer coded lifecycle request.
type Command int

// The known commands. The values are part of the wire protocol.
const (
	CommandStartScanning Command = iota
	CommandStopScanning
	CommandStartProfiling
	CommandStopProfiling
	CommandSaveMap
	CommandGetCameraData
	CommandLoadMap
)

var commandNames = map[Command]string{
	CommandStartScanning:  "start_scanning",
	CommandStopScanning:   "stop_scanning",
	CommandStartProfiling: "start_profiling",
	CommandStopProfiling:  "stop_profiling",
	CommandSaveMap:        "save_map",
	CommandGetCameraData:  "get_camera_data",
	CommandLoadMap:        "load_map",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown(" + cast.ToString(int(c)) + ")"
}

// ParseCommand accepts a command name or its integer code.
func ParseCommand(s string) (Command, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}
	code, err := cast.ToIntE(name)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownCommand, "%q", s)
	}
	return Command(code), nil
}

var (
	// ErrUnknownCommand is returned for command codes outside the protocol.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrNoCameraData is returned when no depth frame arrived while waiting for one.
	ErrNoCameraData = errors.New("could not get camera data")
)

// CameraPollInterval is the time between checks while waiting for a depth frame.
var CameraPollInterval = 100 * time.Millisecond

// cameraPollCount bounds the wait for a depth frame.
const cameraPollCount = 10

// ProcessCommand runs a lifecycle command and reports whether it succeeded. A failed save or load
// leaves the map in an unknown state: the shutdown hook is called before returning.
func (m *Module) ProcessCommand(ctx context.Context, cmd Command) (bool, error) {
	m.logger.Infow("command", "command", cmd)

	var err error
	switch cmd {
	case CommandStartScanning:
		err = m.startScanning(ctx)
	case CommandStopScanning:
		err = m.stopScanning(ctx)
	case CommandStartProfiling:
		err = m.startProfiling()
	case CommandStopProfiling:
		err = m.stopProfiling(ctx)
	case CommandSaveMap, CommandLoadMap:
		if cmd == CommandSaveMap {
			err = m.SaveMap()
		} else {
			err = m.LoadMap()
		}
		if err != nil {
			m.logger.Errorw("map persistence failed, shutting down", "command", cmd, "error", err)
			m.shutdown(err)
			return false, err
		}
	case CommandGetCameraData:
		err = m.getCameraData(ctx)
	default:
		err = errors.Wrapf(ErrUnknownCommand, "%d", int(cmd))
	}
	if err != nil {
		m.logger.Warnw("command failed", "command", cmd, "error", err)
		return false, err
	}
	return true, nil
}

func (m *Module) startScanning(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffer.Len() > 0 {
		// scans from an earlier session must not mix with this one
		if m.tree != nil {
			if err := m.processScans(ctx); err != nil {
				return err
			}
		} else {
			m.logger.Warnw("discarding buffered scans", "count", m.buffer.Clear())
		}
	}
	m.state.Scanning = true
	return nil
}

func (m *Module) stopScanning(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Scanning = false
	if m.cfg.FillOccupancy && !m.cfg.FillContinuously {
		return m.processScans(ctx)
	}
	return nil
}

func (m *Module) startProfiling() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree == nil {
		tree, err := octree.New(m.cfg.Resolution, m.logger.Sublogger("octree"))
		if err != nil {
			return err
		}
		minB, maxB := m.cfg.Bounds()
		tree.SetBBXMin(minB)
		tree.SetBBXMax(maxB)
		m.tree = tree
	}
	m.state.Profiling = true
	return nil
}

func (m *Module) stopProfiling(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Scanning = false
	if err := m.processScans(ctx); err != nil {
		return err
	}
	m.state.Profiling = false

	if !m.cfg.CheckSymmetry {
		return nil
	}
	if m.profile.Empty() {
		m.logger.Warn("no profile cloud to check for symmetry")
		return nil
	}
	sym, err := m.detector.Detect(ctx, m.profile)
	if err != nil {
		return errors.Wrap(err, "symmetry detection failed")
	}
	m.symmetry = sym
	return nil
}

// getCameraData arms a one shot depth request and waits for HandleDepth to consume a frame.
func (m *Module) getCameraData(ctx context.Context) error {
	m.cameraRequested.Store(true)
	m.logger.Info("waiting for camera data")
	for i := 0; i < cameraPollCount && m.cameraRequested.Load(); i++ {
		timer := m.clock.Timer(CameraPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.cameraRequested.Store(false)
			return ctx.Err()
		case <-timer.C:
		}
	}
	if m.cameraRequested.Load() {
		m.cameraRequested.Store(false)
		return ErrNoCameraData
	}
	return nil
}

// logReplayTiming summarizes how long a replay of buffered scans took.
func logReplayTiming(logger logging.Logger, total time.Duration, perScan []float64) {
	if len(perScan) == 0 {
		return
	}
	data := stats.Float64Data(perScan)
	mean, err := data.Mean()
	if err != nil {
		logger.Debugw("cannot summarize replay timing", "error", err)
		return
	}
	p95, err := data.Percentile(95)
	if err != nil {
		p95 = mean
	}
	logger.Infow("done processing scans",
		"total_sec", total.Seconds(),
		"scans", len(perScan),
		"sec_per_scan", total.Seconds()/float64(len(perScan)),
		"mean_sec", mean,
		"p95_sec", p95)
}
