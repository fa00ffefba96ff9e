// Package referenceframe resolves sensor poses: a tree of named frames rooted at the world frame,
// each attached to its parent by a static pose or a time stamped history of poses.
package referenceframe

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/occupancy/spatialmath"
)

// World is the default name of the root frame.
const World = "world"

// DefaultHistorySize is the number of poses kept per dynamic frame.
const DefaultHistorySize = 1000

// ErrTransformUnavailable is returned when no transform between two frames is known at the
// requested time.
var ErrTransformUnavailable = errors.New("transform unavailable")

// TransformLookup resolves the pose of the source frame expressed in the target frame at a time. A
// zero time asks for the latest available transform.
type TransformLookup interface {
	LookupTransform(ctx context.Context, target, source string, stamp time.Time) (spatialmath.Pose, error)
}

type stampedPose struct {
	stamp time.Time
	pose  spatialmath.Pose
}

type frame struct {
	parent  string
	static  bool
	history []stampedPose
}

// FrameSystem is a thread-safe TransformLookup backed by static and time stamped poses.
type FrameSystem struct {
	mu          sync.RWMutex
	world       string
	frames      map[string]*frame
	maxAge      time.Duration
	historySize int
}

// NewFrameSystem returns an empty frame system rooted at world. A dynamic pose is usable for
// lookups up to maxAge after its stamp; zero disables the age check.
func NewFrameSystem(world string, maxAge time.Duration) *FrameSystem {
	return &FrameSystem{
		world:       world,
		frames:      map[string]*frame{},
		maxAge:      maxAge,
		historySize: DefaultHistorySize,
	}
}

// World returns the name of the root frame.
func (fs *FrameSystem) World() string {
	return fs.world
}

// FrameNames returns the sorted names of all non-root frames.
func (fs *FrameSystem) FrameNames() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	names := make([]string, 0, len(fs.frames))
	for k := range fs.frames {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (fs *FrameSystem) checkParent(name, parent string) error {
	if name == fs.world {
		return errors.Errorf("cannot attach the root frame %q to a parent", name)
	}
	if name == "" || parent == "" {
		return errors.New("frame and parent names must not be empty")
	}
	// walking up from the parent must not reach the frame itself
	for current := parent; current != fs.world; {
		if current == name {
			return errors.Errorf("attaching %q to %q would create a cycle", name, parent)
		}
		f, ok := fs.frames[current]
		if !ok {
			return nil
		}
		current = f.parent
	}
	return nil
}

// SetStatic attaches name to parent with a fixed pose, replacing any previous attachment.
func (fs *FrameSystem) SetStatic(name, parent string, pose spatialmath.Pose) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkParent(name, parent); err != nil {
		return err
	}
	fs.frames[name] = &frame{parent: parent, static: true, history: []stampedPose{{pose: pose}}}
	return nil
}

// AddPose records the pose of name relative to parent at stamp. Poses may arrive out of order.
// Re-parenting a frame drops its history.
func (fs *FrameSystem) AddPose(name, parent string, stamp time.Time, pose spatialmath.Pose) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkParent(name, parent); err != nil {
		return err
	}
	f, ok := fs.frames[name]
	if !ok || f.static || f.parent != parent {
		f = &frame{parent: parent}
		fs.frames[name] = f
	}
	idx := sort.Search(len(f.history), func(i int) bool {
		return f.history[i].stamp.After(stamp)
	})
	f.history = append(f.history, stampedPose{})
	copy(f.history[idx+1:], f.history[idx:])
	f.history[idx] = stampedPose{stamp: stamp, pose: pose}
	if len(f.history) > fs.historySize {
		f.history = f.history[len(f.history)-fs.historySize:]
	}
	return nil
}

// poseAt returns the pose of f relative to its parent at stamp.
func (fs *FrameSystem) poseAt(name string, f *frame, stamp time.Time) (spatialmath.Pose, error) {
	if f.static {
		return f.history[0].pose, nil
	}
	if len(f.history) == 0 {
		return spatialmath.Pose{}, errors.Wrapf(ErrTransformUnavailable, "no pose recorded for %q", name)
	}
	if stamp.IsZero() {
		return f.history[len(f.history)-1].pose, nil
	}
	idx := sort.Search(len(f.history), func(i int) bool {
		return f.history[i].stamp.After(stamp)
	})
	if idx == 0 {
		return spatialmath.Pose{}, errors.Wrapf(ErrTransformUnavailable,
			"%q has no pose at or before %s", name, stamp.Format(time.RFC3339Nano))
	}
	entry := f.history[idx-1]
	if fs.maxAge > 0 && stamp.Sub(entry.stamp) > fs.maxAge {
		return spatialmath.Pose{}, errors.Wrapf(ErrTransformUnavailable,
			"latest pose of %q is %s older than requested", name, stamp.Sub(entry.stamp))
	}
	return entry.pose, nil
}

// frameToWorld composes the poses from name up to the root frame.
func (fs *FrameSystem) frameToWorld(name string, stamp time.Time) (spatialmath.Pose, error) {
	q := spatialmath.NewZeroPose()
	current := name
	for depth := 0; current != fs.world; depth++ {
		if depth > len(fs.frames) {
			return spatialmath.Pose{}, fmt.Errorf("frame %q does not lead to %q", name, fs.world)
		}
		f, ok := fs.frames[current]
		if !ok {
			return spatialmath.Pose{}, errors.Wrapf(ErrTransformUnavailable, "frame %q not in frame system", current)
		}
		pose, err := fs.poseAt(current, f, stamp)
		if err != nil {
			return spatialmath.Pose{}, err
		}
		q = spatialmath.Compose(pose, q)
		current = f.parent
	}
	return q, nil
}

// LookupTransform returns the pose of source expressed in target at stamp.
func (fs *FrameSystem) LookupTransform(ctx context.Context, target, source string, stamp time.Time) (spatialmath.Pose, error) {
	if err := ctx.Err(); err != nil {
		return spatialmath.Pose{}, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	srcToWorld, err := fs.frameToWorld(source, stamp)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	dstToWorld, err := fs.frameToWorld(target, stamp)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return spatialmath.Compose(dstToWorld.Invert(), srcToWorld), nil
}
