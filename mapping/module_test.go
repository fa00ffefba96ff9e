package mapping

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/octree"
	"go.viam.com/occupancy/pointcloud"
	"go.viam.com/occupancy/referenceframe"
	"go.viam.com/occupancy/spatialmath"
)

type fakeDetector struct {
	calls int
	err   error
}

func (fd *fakeDetector) Detect(ctx context.Context, cloud *pointcloud.Cloud) (*pointcloud.Cloud, error) {
	fd.calls++
	if fd.err != nil {
		return nil, fd.err
	}
	return cloud.Clone(), nil
}

type harness struct {
	m         *Module
	fs        *referenceframe.FrameSystem
	detector  *fakeDetector
	mu        sync.Mutex
	shutdowns []error
}

func (h *harness) shutdownCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.shutdowns)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	conf := DefaultConfig()
	conf.DataDir = t.TempDir()
	conf.TransformRetryDelayMs = 0
	conf.CheckSymmetry = false
	return conf
}

func newHarness(t *testing.T, conf Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		fs:       referenceframe.NewFrameSystem(referenceframe.World, 0),
		detector: &fakeDetector{},
	}
	test.That(t, h.fs.SetStatic("laser", referenceframe.World, spatialmath.NewPoseFromPoint(r3.Vector{Z: 1})), test.ShouldBeNil)
	// optical z of the camera looks along world x
	cameraPose := spatialmath.NewPose(r3.Vector{Z: 1.5}, spatialmath.QuatFromAxisAngle(r3.Vector{Y: 1}, math.Pi/2))
	test.That(t, h.fs.SetStatic("camera", referenceframe.World, cameraPose), test.ShouldBeNil)

	opts = append([]Option{
		WithSymmetryDetector(h.detector),
		WithShutdown(func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.shutdowns = append(h.shutdowns, err)
		}),
	}, opts...)
	m, err := NewModule(conf, h.fs, logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	h.m = m
	return h
}

func (h *harness) command(t *testing.T, cmd Command) {
	t.Helper()
	ok, err := h.m.ProcessCommand(context.Background(), cmd)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
}

// arcScan returns a scan of a wall 3m away spanning 90 degrees, with a few readings past the
// maximum range.
func arcScan(frame string, stamp time.Time) LaserScan {
	scan := LaserScan{
		FrameID:        frame,
		Stamp:          stamp,
		AngleMin:       -math.Pi / 4,
		AngleMax:       math.Pi / 4,
		AngleIncrement: 0.05,
		RangeMin:       0.1,
		RangeMax:       10,
	}
	for i := 0; i < 32; i++ {
		r := 3.0
		if i%8 == 0 {
			r = 25
		}
		scan.Ranges = append(scan.Ranges, r)
	}
	return scan
}

func occupiedLeaves(tree *octree.OcTree) int {
	count := 0
	tree.IterateLeaves(func(leaf octree.Leaf) bool {
		if leaf.Type == octree.LeafNodeOccupied {
			count++
		}
		return true
	})
	return count
}

func TestNewModuleValidates(t *testing.T) {
	conf := testConfig(t)
	conf.Resolution = 0
	_, err := NewModule(conf, referenceframe.NewFrameSystem(referenceframe.World, 0), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewModule(testConfig(t), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestScansIgnoredUntilScanning(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	test.That(t, h.m.HandleScan(ctx, arcScan("laser", time.Time{})), test.ShouldBeNil)
	status := h.m.Status()
	test.That(t, status.ScansReceived, test.ShouldEqual, 1)
	test.That(t, status.ProfilePoints, test.ShouldEqual, 0)
	test.That(t, status.State.String(), test.ShouldEqual, "idle")

	// scanning without profiling accumulates points but builds no tree
	h.command(t, CommandStartScanning)
	test.That(t, h.m.HandleScan(ctx, arcScan("laser", time.Time{})), test.ShouldBeNil)
	status = h.m.Status()
	test.That(t, status.ProfilePoints, test.ShouldBeGreaterThan, 0)
	test.That(t, status.HasTree, test.ShouldBeFalse)
	for _, p := range h.m.ProfileCloud().Points() {
		test.That(t, p.Z, test.ShouldAlmostEqual, 1)
		test.That(t, p.Norm(), test.ShouldBeLessThan, 4)
	}
}

func TestContinuousFilling(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	h.command(t, CommandStartProfiling)
	h.command(t, CommandStartScanning)
	test.That(t, h.m.Status().State, test.ShouldResemble, State{Scanning: true, Profiling: true})

	test.That(t, h.m.HandleScan(ctx, arcScan("laser", time.Time{})), test.ShouldBeNil)
	tree := h.m.Tree()
	test.That(t, tree, test.ShouldNotBeNil)
	test.That(t, occupiedLeaves(tree), test.ShouldBeGreaterThan, 0)
	test.That(t, h.m.Status().BufferedScans, test.ShouldEqual, 0)

	minB, maxB := tree.BBX()
	test.That(t, minB, test.ShouldResemble, r3.Vector{X: -1, Y: -1, Z: 0})
	test.That(t, maxB, test.ShouldResemble, r3.Vector{X: 1, Y: 1, Z: 1})

	// the wall 3m ahead is occupied, the space between is free
	scan := arcScan("laser", time.Time{})
	near, _ := scan.Points()
	laserOrigin := r3.Vector{Z: 1}
	wall := near.Transform(spatialmath.NewPoseFromPoint(laserOrigin)).At(near.Size() / 2)
	value, found := tree.Search(key(t, tree, wall))
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, tree.IsOccupied(value), test.ShouldBeTrue)
	halfway := laserOrigin.Add(wall.Sub(laserOrigin).Mul(0.5))
	value, found = tree.Search(key(t, tree, halfway))
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, tree.IsOccupied(value), test.ShouldBeFalse)

	// restarting profiling keeps the tree
	h.command(t, CommandStartProfiling)
	test.That(t, h.m.Tree(), test.ShouldEqual, tree)
}

func TestDeferredReplayMatchesContinuous(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	continuousConf := testConfig(t)
	deferredConf := testConfig(t)
	deferredConf.FillContinuously = false
	continuous := newHarness(t, continuousConf)
	deferred := newHarness(t, deferredConf)

	for _, h := range []*harness{continuous, deferred} {
		for i := 0; i < 3; i++ {
			pose := spatialmath.NewPose(
				r3.Vector{X: 0.3 * float64(i), Z: 1},
				spatialmath.QuatFromAxisAngle(r3.Vector{Z: 1}, 0.2*float64(i)))
			test.That(t, h.fs.AddPose("scanner", referenceframe.World, t0.Add(time.Duration(i)*time.Second), pose), test.ShouldBeNil)
		}
		h.command(t, CommandStartProfiling)
		h.command(t, CommandStartScanning)
		for i := 0; i < 3; i++ {
			test.That(t, h.m.HandleScan(ctx, arcScan("scanner", t0.Add(time.Duration(i)*time.Second))), test.ShouldBeNil)
		}
	}

	test.That(t, deferred.m.Status().BufferedScans, test.ShouldEqual, 3)
	test.That(t, deferred.m.Tree().Size(), test.ShouldEqual, 0)

	h := deferred
	h.command(t, CommandStopScanning)
	test.That(t, h.m.Status().BufferedScans, test.ShouldEqual, 0)
	test.That(t, h.m.Status().State, test.ShouldResemble, State{Profiling: true})

	// continuous mode has nothing to replay when scanning stops
	continuous.command(t, CommandStopScanning)

	keys := octree.KeySet{}
	for _, leaf := range collectLeaves(continuous.m.Tree()) {
		keys.Add(leaf.Key)
	}
	for _, leaf := range collectLeaves(deferred.m.Tree()) {
		keys.Add(leaf.Key)
	}
	test.That(t, len(keys), test.ShouldBeGreaterThan, 0)
	assertSameValues(t, continuous.m.Tree(), deferred.m.Tree(), keys)
	test.That(t, deferred.m.ProfileCloud().Size(), test.ShouldEqual, continuous.m.ProfileCloud().Size())
}

func TestInterruptedReplayKeepsOldestScans(t *testing.T) {
	conf := testConfig(t)
	conf.FillContinuously = false
	h := newHarness(t, conf)

	h.command(t, CommandStartProfiling)
	h.command(t, CommandStartScanning)
	for i := 0; i < 2; i++ {
		test.That(t, h.m.HandleScan(context.Background(), arcScan("laser", time.Time{})), test.ShouldBeNil)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := h.m.ProcessCommand(cancelled, CommandStopScanning)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, h.m.Status().BufferedScans, test.ShouldEqual, 2)
	test.That(t, h.m.Status().State.Scanning, test.ShouldBeFalse)
	test.That(t, h.shutdownCount(), test.ShouldEqual, 0)

	// the next session starts only after the leftovers are integrated
	h.command(t, CommandStartScanning)
	test.That(t, h.m.Status().BufferedScans, test.ShouldEqual, 0)
	test.That(t, occupiedLeaves(h.m.Tree()), test.ShouldBeGreaterThan, 0)
}

// cancelAfterChecks is a context that reports cancellation once Err has been called allowed times.
type cancelAfterChecks struct {
	context.Context
	allowed int32
	checks  atomic.Int32
}

func (c *cancelAfterChecks) Err() error {
	if c.checks.Inc() <= c.allowed {
		return nil
	}
	return context.Canceled
}

func TestCancelledIntegrationKeepsScan(t *testing.T) {
	conf := testConfig(t)
	conf.FillContinuously = false
	h := newHarness(t, conf)

	h.command(t, CommandStartProfiling)
	h.command(t, CommandStartScanning)
	for i := 0; i < 2; i++ {
		test.That(t, h.m.HandleScan(context.Background(), arcScan("laser", time.Time{})), test.ShouldBeNil)
	}

	// the replay starts, then the context is cancelled while the newest scan is being cast
	ctx := &cancelAfterChecks{Context: context.Background(), allowed: 1}
	ok, err := h.m.ProcessCommand(ctx, CommandStopScanning)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, ctx.checks.Load(), test.ShouldBeGreaterThan, 1)
	test.That(t, h.m.Status().BufferedScans, test.ShouldEqual, 2)
	test.That(t, h.m.Tree().Size(), test.ShouldEqual, 0)

	h.command(t, CommandStopScanning)
	test.That(t, h.m.Status().BufferedScans, test.ShouldEqual, 0)
	test.That(t, occupiedLeaves(h.m.Tree()), test.ShouldBeGreaterThan, 0)
}

func TestStopProfiling(t *testing.T) {
	conf := testConfig(t)
	conf.FillContinuously = false
	conf.CheckSymmetry = true
	h := newHarness(t, conf)

	// nothing scanned yet: symmetry is skipped
	h.command(t, CommandStartProfiling)
	h.command(t, CommandStopProfiling)
	test.That(t, h.detector.calls, test.ShouldEqual, 0)
	test.That(t, h.m.SymmetryCloud(), test.ShouldBeNil)

	h.command(t, CommandStartProfiling)
	h.command(t, CommandStartScanning)
	test.That(t, h.m.HandleScan(context.Background(), arcScan("laser", time.Time{})), test.ShouldBeNil)
	test.That(t, h.m.Status().BufferedScans, test.ShouldEqual, 1)

	h.command(t, CommandStopProfiling)
	status := h.m.Status()
	test.That(t, status.State, test.ShouldResemble, State{})
	test.That(t, status.BufferedScans, test.ShouldEqual, 0)
	test.That(t, occupiedLeaves(h.m.Tree()), test.ShouldBeGreaterThan, 0)
	test.That(t, h.detector.calls, test.ShouldEqual, 1)
	test.That(t, h.m.SymmetryCloud().Size(), test.ShouldEqual, status.ProfilePoints)

	h.detector.err = errors.New("no plane")
	ok, err := h.m.ProcessCommand(context.Background(), CommandStopProfiling)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no plane")
	test.That(t, h.shutdownCount(), test.ShouldEqual, 0)
}

func TestSaveEmptySessionFails(t *testing.T) {
	h := newHarness(t, testConfig(t))

	ok, err := h.m.ProcessCommand(context.Background(), CommandSaveMap)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, ErrNoProfileCloud), test.ShouldBeTrue)
	test.That(t, h.shutdownCount(), test.ShouldEqual, 1)
	conf := h.m.Config()
	_, statErr := os.Stat(conf.DataPath(ProfileCloudFile))
	test.That(t, os.IsNotExist(statErr), test.ShouldBeTrue)

	// profile but no tree while filling is on
	h.command(t, CommandStartScanning)
	test.That(t, h.m.HandleScan(context.Background(), arcScan("laser", time.Time{})), test.ShouldBeNil)
	ok, err = h.m.ProcessCommand(context.Background(), CommandSaveMap)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, ErrNoOccupancyTree), test.ShouldBeTrue)
	test.That(t, h.shutdownCount(), test.ShouldEqual, 2)

	conf = testConfig(t)
	conf.CheckSymmetry = true
	h = newHarness(t, conf)
	h.command(t, CommandStartScanning)
	test.That(t, h.m.HandleScan(context.Background(), arcScan("laser", time.Time{})), test.ShouldBeNil)
	ok, err = h.m.ProcessCommand(context.Background(), CommandSaveMap)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, ErrNoSymmetryCloud), test.ShouldBeTrue)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	conf := testConfig(t)
	conf.CheckSymmetry = true
	conf.ExportLAS = true
	h := newHarness(t, conf)

	h.command(t, CommandStartProfiling)
	h.command(t, CommandStartScanning)
	test.That(t, h.m.HandleScan(context.Background(), arcScan("laser", time.Time{})), test.ShouldBeNil)
	h.command(t, CommandStopProfiling)
	h.command(t, CommandSaveMap)
	test.That(t, h.shutdownCount(), test.ShouldEqual, 0)

	for _, name := range []string{ProfileCloudFile, ProfileSymmetryCloudFile, ProfileTreeFile, ProfileLASFile} {
		_, err := os.Stat(conf.DataPath(name))
		test.That(t, err, test.ShouldBeNil)
	}
	data, err := os.ReadFile(conf.DataPath(ProfileCloudFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Contains(string(data), "DATA ascii"), test.ShouldBeTrue)

	loaded := newHarness(t, conf)
	loaded.command(t, CommandLoadMap)
	test.That(t, loaded.m.ProfileCloud().Size(), test.ShouldEqual, h.m.ProfileCloud().Size())
	test.That(t, loaded.m.SymmetryCloud().Size(), test.ShouldEqual, h.m.SymmetryCloud().Size())
	test.That(t, collectLeaves(loaded.m.Tree()), test.ShouldResemble, collectLeaves(h.m.Tree()))
	test.That(t, loaded.m.Status().State, test.ShouldResemble, State{})
}

func TestLoadFailures(t *testing.T) {
	conf := testConfig(t)
	h := newHarness(t, conf)

	ok, err := h.m.ProcessCommand(context.Background(), CommandLoadMap)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, h.shutdownCount(), test.ShouldEqual, 1)

	// a readable cloud but a tree of another kind
	cloud := pointcloud.NewFromPoints([]r3.Vector{{X: 1, Y: 2, Z: 3}})
	test.That(t, pointcloud.WriteToFile(cloud, conf.DataPath(ProfileCloudFile)), test.ShouldBeNil)
	test.That(t, os.WriteFile(conf.DataPath(ProfileTreeFile),
		[]byte("# Octomap OcTree file\nid ColorOcTree\nsize 0\nres 0.2\ndata\n"), 0o600), test.ShouldBeNil)
	ok, err = h.m.ProcessCommand(context.Background(), CommandLoadMap)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, octree.ErrTreeTypeMismatch), test.ShouldBeTrue)
	test.That(t, h.shutdownCount(), test.ShouldEqual, 2)
	// nothing was replaced
	test.That(t, h.m.ProfileCloud().Size(), test.ShouldEqual, 0)
	test.That(t, h.m.Tree(), test.ShouldBeNil)
}

func depthFrame() DepthFrame {
	return DepthFrame{
		FrameID: "camera",
		Width:   2,
		Height:  2,
		Cloud: pointcloud.NewFromPoints([]r3.Vector{
			{X: -0.2, Y: -0.2, Z: 3},
			{X: 0.2, Y: -0.2, Z: 3},
			{X: -0.2, Y: 0.2, Z: 8},
			{X: 0.2, Y: 0.2, Z: 8},
		}),
	}
}

func withCameraPollInterval(t *testing.T, interval time.Duration) {
	t.Helper()
	prev := CameraPollInterval
	CameraPollInterval = interval
	t.Cleanup(func() {
		CameraPollInterval = prev
	})
}

func TestGetCameraData(t *testing.T) {
	withCameraPollInterval(t, 50*time.Millisecond)
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	h.command(t, CommandStartProfiling)

	// frames are ignored until one is requested
	test.That(t, h.m.HandleDepth(ctx, depthFrame()), test.ShouldBeNil)
	test.That(t, h.m.RGBDCloud().Size(), test.ShouldEqual, 0)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := h.m.ProcessCommand(ctx, CommandGetCameraData)
		done <- result{ok, err}
	}()
	for i := 0; i < 1000 && !h.m.cameraRequested.Load(); i++ {
		time.Sleep(time.Millisecond)
	}
	test.That(t, h.m.HandleDepth(ctx, depthFrame()), test.ShouldBeNil)
	res := <-done
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, res.ok, test.ShouldBeTrue)

	// only points within the depth range join the rgbd cloud
	rgbd := h.m.RGBDCloud()
	test.That(t, rgbd.Size(), test.ShouldEqual, 2)
	for _, p := range rgbd.Points() {
		test.That(t, p.X, test.ShouldAlmostEqual, 3)
	}

	// the far points only clear space up to the far plane
	tree := h.m.Tree()
	value, found := tree.Search(key(t, tree, rgbd.At(0)))
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, tree.IsOccupied(value), test.ShouldBeTrue)
	_, found = tree.Search(key(t, tree, r3.Vector{X: 8, Y: 0.2, Z: 1.3}))
	test.That(t, found, test.ShouldBeFalse)
	tree.IterateLeaves(func(leaf octree.Leaf) bool {
		test.That(t, leaf.Center.X, test.ShouldBeLessThan, 5.5)
		return true
	})

	// the request is one shot
	test.That(t, h.m.HandleDepth(ctx, depthFrame()), test.ShouldBeNil)
	test.That(t, h.m.RGBDCloud().Size(), test.ShouldEqual, 2)
	test.That(t, h.m.Status().FramesReceived, test.ShouldEqual, 3)
}

// gatedLookup holds the first lookup until released.
type gatedLookup struct {
	referenceframe.TransformLookup
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedLookup) LookupTransform(ctx context.Context, target, source string, stamp time.Time) (spatialmath.Pose, error) {
	if g.calls.Inc() == 1 {
		close(g.entered)
		<-g.release
	}
	return g.TransformLookup.LookupTransform(ctx, target, source, stamp)
}

func TestGetCameraDataTakesOneFrame(t *testing.T) {
	withCameraPollInterval(t, 200*time.Millisecond)
	fs := newHarness(t, testConfig(t)).fs
	lookup := &gatedLookup{
		TransformLookup: fs,
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	m, err := NewModule(testConfig(t), lookup, logging.NewTestLogger(t), WithSymmetryDetector(&fakeDetector{}))
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := m.ProcessCommand(ctx, CommandGetCameraData)
		done <- result{ok, err}
	}()
	for i := 0; i < 1000 && !m.cameraRequested.Load(); i++ {
		time.Sleep(time.Millisecond)
	}

	// a second frame arrives while the first is still resolving its pose
	frameErrs := make(chan error, 2)
	go func() {
		frameErrs <- m.HandleDepth(ctx, depthFrame())
	}()
	<-lookup.entered
	shifted := depthFrame()
	shifted.Cloud = shifted.Cloud.Transform(spatialmath.NewPoseFromPoint(r3.Vector{Y: 1}))
	go func() {
		frameErrs <- m.HandleDepth(ctx, shifted)
	}()
	for i := 0; i < 1000 && m.Status().FramesReceived < 2; i++ {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(lookup.release)

	test.That(t, <-frameErrs, test.ShouldBeNil)
	test.That(t, <-frameErrs, test.ShouldBeNil)
	res := <-done
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, res.ok, test.ShouldBeTrue)
	test.That(t, lookup.calls.Load(), test.ShouldEqual, 1)
	test.That(t, m.RGBDCloud().Size(), test.ShouldEqual, 2)
	test.That(t, m.cameraRequested.Load(), test.ShouldBeFalse)
}

func TestDepthFrameSizeDrivesRaySkipping(t *testing.T) {
	conf := testConfig(t)
	conf.RaySkipHorizontal = 2
	conf.RaySkipVertical = 2
	near := depthFrame()
	near.Cloud = pointcloud.NewFromPoints([]r3.Vector{
		{X: -0.2, Y: -0.2, Z: 3},
		{X: 0.2, Y: -0.2, Z: 3},
		{X: -0.2, Y: 0.2, Z: 3},
		{X: 0.2, Y: 0.2, Z: 3},
	})

	for _, tc := range []struct {
		name     string
		width    int
		height   int
		occupied int
	}{
		// a 2x2 image keeps only the top left pixel
		{"frame size", 2, 2, 1},
		// the configured 640x480 camera does not match four points, so nothing is skipped
		{"configured size", 0, 0, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, conf)
			h.command(t, CommandStartProfiling)
			frame := near
			frame.Width = tc.width
			frame.Height = tc.height
			h.m.cameraRequested.Store(true)
			test.That(t, h.m.HandleDepth(context.Background(), frame), test.ShouldBeNil)
			test.That(t, occupiedLeaves(h.m.Tree()), test.ShouldEqual, tc.occupied)
		})
	}
}

func TestGetCameraDataTimeout(t *testing.T) {
	withCameraPollInterval(t, time.Millisecond)
	h := newHarness(t, testConfig(t))

	ok, err := h.m.ProcessCommand(context.Background(), CommandGetCameraData)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, ErrNoCameraData), test.ShouldBeTrue)
	test.That(t, h.m.cameraRequested.Load(), test.ShouldBeFalse)
	test.That(t, h.shutdownCount(), test.ShouldEqual, 0)

	// a frame arriving after the timeout is not used
	test.That(t, h.m.HandleDepth(context.Background(), depthFrame()), test.ShouldBeNil)
	test.That(t, h.m.RGBDCloud().Size(), test.ShouldEqual, 0)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ok, err := h.m.ProcessCommand(context.Background(), Command(42))
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, ErrUnknownCommand), test.ShouldBeTrue)
	test.That(t, h.shutdownCount(), test.ShouldEqual, 0)
	test.That(t, Command(42).String(), test.ShouldEqual, "unknown(42)")
}

func TestParseCommand(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Command
	}{
		{"start_scanning", CommandStartScanning},
		{"STOP_PROFILING", CommandStopProfiling},
		{" save_map ", CommandSaveMap},
		{"5", CommandGetCameraData},
		{"6", CommandLoadMap},
	} {
		cmd, err := ParseCommand(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cmd, test.ShouldEqual, tc.want)
	}
	test.That(t, CommandLoadMap.String(), test.ShouldEqual, "load_map")

	_, err := ParseCommand("explode")
	test.That(t, errors.Is(err, ErrUnknownCommand), test.ShouldBeTrue)
}

func TestTransformFailureDropsObservation(t *testing.T) {
	conf := testConfig(t)
	conf.TransformRetryDelayMs = 1000
	mock := clock.NewMock()
	logger, logs := logging.NewObservedTestLogger(t)
	h := &harness{fs: referenceframe.NewFrameSystem(referenceframe.World, 0)}
	m, err := NewModule(conf, h.fs, logger, WithClock(mock))
	test.That(t, err, test.ShouldBeNil)
	h.m = m
	h.command(t, CommandStartScanning)

	done := make(chan error, 1)
	go func() {
		done <- m.HandleScan(context.Background(), arcScan("ghost", time.Time{}))
	}()
	var scanErr error
waitLoop:
	for i := 0; i < 1000; i++ {
		select {
		case scanErr = <-done:
			break waitLoop
		default:
			mock.Add(100 * time.Millisecond)
		}
	}
	test.That(t, errors.Is(scanErr, referenceframe.ErrTransformUnavailable), test.ShouldBeTrue)
	test.That(t, m.Status().ProfilePoints, test.ShouldEqual, 0)
	test.That(t, logs.FilterMessage("cannot look up sensor pose").Len(), test.ShouldEqual, 1)
}

func TestPublish(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	pub := PublisherFunc(func(ctx context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	})
	mock := clock.NewMock()
	h := newHarness(t, testConfig(t), WithPublisher(pub), WithClock(mock))

	// nothing to publish yet
	test.That(t, h.m.Publish(context.Background()), test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, 0)

	h.command(t, CommandStartProfiling)
	h.command(t, CommandStartScanning)
	test.That(t, h.m.HandleScan(context.Background(), arcScan("laser", time.Time{})), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- h.m.Run(ctx)
	}()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}
	for i := 0; i < 2000 && count() < 2; i++ {
		mock.Add(time.Second / UpdateRate)
	}
	cancel()
	test.That(t, <-runDone, test.ShouldBeNil)

	mu.Lock()
	defer mu.Unlock()
	test.That(t, len(got), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, got[0].Topic, test.ShouldEqual, TopicProfileCloud)
	test.That(t, got[0].FrameID, test.ShouldEqual, referenceframe.World)
	test.That(t, got[0].Encoding, test.ShouldEqual, EncodingPCD)
	test.That(t, string(got[0].Payload), test.ShouldStartWith, "VERSION .7\n")
	test.That(t, strings.Contains(string(got[0].Payload), "DATA binary"), test.ShouldBeTrue)
	test.That(t, got[1].Topic, test.ShouldEqual, TopicOccupancyTree)
	test.That(t, got[1].Encoding, test.ShouldEqual, EncodingOcTree)
	test.That(t, string(got[1].Payload), test.ShouldStartWith, "# Octomap OcTree file\n")
}
