// Package octree implements a probabilistic occupancy octree. Space is partitioned into voxels of a
// fixed resolution addressed by 16 bit keys per axis; each node stores the log-odds of being occupied.
package octree

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/occupancy/logging"
)

// Each leaf in the octree is classified against the occupancy threshold. Inner nodes carry the
// maximum log-odds of their children.
const (
	InternalNode = NodeType(iota)
	LeafNodeFree
	LeafNodeOccupied
)

// NodeType represents the possible types of nodes in an octree.
type NodeType uint8

// Default sensor model. Probabilities are converted to log-odds on construction.
const (
	DefaultProbHit          = 0.7
	DefaultProbMiss         = 0.4
	DefaultClampingThresMin = 0.1192
	DefaultClampingThresMax = 0.971
	DefaultOccupancyThres   = 0.5
)

// SensorModel holds the occupancy update parameters as probabilities.
type SensorModel struct {
	ProbHit          float64
	ProbMiss         float64
	ClampingThresMin float64
	ClampingThresMax float64
	OccupancyThres   float64
}

// DefaultSensorModel returns the standard laser sensor model.
func DefaultSensorModel() SensorModel {
	return SensorModel{
		ProbHit:          DefaultProbHit,
		ProbMiss:         DefaultProbMiss,
		ClampingThresMin: DefaultClampingThresMin,
		ClampingThresMax: DefaultClampingThresMax,
		OccupancyThres:   DefaultOccupancyThres,
	}
}

// Logodds converts a probability into log-odds.
func Logodds(probability float64) float32 {
	return float32(math.Log(probability / (1 - probability)))
}

// Probability converts log-odds into a probability.
func Probability(logodds float32) float64 {
	return 1 - (1 / (1 + math.Exp(float64(logodds))))
}

type node struct {
	value    float32
	children *[8]*node
}

func (n *node) hasChildren() bool {
	if n.children == nil {
		return false
	}
	for _, c := range n.children {
		if c != nil {
			return true
		}
	}
	return false
}

// OcTree is a sparse probabilistic voxel store. It is not safe for concurrent mutation; the
// key conversion helpers are safe to call concurrently with each other.
type OcTree struct {
	logger           logging.Logger
	resolution       float64
	resolutionFactor float64
	root             *node
	size             int

	probHitLog   float32
	probMissLog  float32
	clampMinLog  float32
	clampMaxLog  float32
	occupancyLog float32

	useBBXLimit bool
	bbxMin      r3.Vector
	bbxMax      r3.Vector
	bbxMinKey   Key
	bbxMaxKey   Key
}

// New creates an empty octree with the given leaf resolution in meters and the default sensor model.
func New(resolution float64, logger logging.Logger) (*OcTree, error) {
	return NewWithSensorModel(resolution, DefaultSensorModel(), logger)
}

// NewWithSensorModel creates an empty octree with the given leaf resolution and sensor model.
func NewWithSensorModel(resolution float64, model SensorModel, logger logging.Logger) (*OcTree, error) {
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return nil, errors.Errorf("invalid resolution (%.4f) for octree", resolution)
	}
	for _, p := range []float64{model.ProbHit, model.ProbMiss, model.ClampingThresMin, model.ClampingThresMax, model.OccupancyThres} {
		if p <= 0 || p >= 1 {
			return nil, errors.Errorf("invalid probability (%.4f) in sensor model", p)
		}
	}
	if model.ClampingThresMin >= model.ClampingThresMax {
		return nil, errors.Errorf("clamping min (%.4f) must be below clamping max (%.4f)",
			model.ClampingThresMin, model.ClampingThresMax)
	}
	return &OcTree{
		logger:           logger,
		resolution:       resolution,
		resolutionFactor: 1 / resolution,
		probHitLog:       Logodds(model.ProbHit),
		probMissLog:      Logodds(model.ProbMiss),
		clampMinLog:      Logodds(model.ClampingThresMin),
		clampMaxLog:      Logodds(model.ClampingThresMax),
		occupancyLog:     Logodds(model.OccupancyThres),
	}, nil
}

// Resolution returns the leaf edge length in meters.
func (t *OcTree) Resolution() float64 {
	return t.resolution
}

// Size returns the number of nodes in the tree, including inner nodes.
func (t *OcTree) Size() int {
	return t.size
}

// Clear removes every node.
func (t *OcTree) Clear() {
	t.root = nil
	t.size = 0
}

// SetBBXMin sets the minimum corner of the bounding box.
func (t *OcTree) SetBBXMin(p r3.Vector) {
	t.bbxMin = p
	if key, ok := t.CoordToKeyChecked(p); ok {
		t.bbxMinKey = key
	} else {
		t.logger.Warnw("bounding box min out of range", "min", p)
	}
}

// SetBBXMax sets the maximum corner of the bounding box.
func (t *OcTree) SetBBXMax(p r3.Vector) {
	t.bbxMax = p
	if key, ok := t.CoordToKeyChecked(p); ok {
		t.bbxMaxKey = key
	} else {
		t.logger.Warnw("bounding box max out of range", "max", p)
	}
}

// BBX returns the bounding box corners.
func (t *OcTree) BBX() (r3.Vector, r3.Vector) {
	return t.bbxMin, t.bbxMax
}

// UseBBXLimit toggles whether updates are restricted to the bounding box.
func (t *OcTree) UseBBXLimit(enable bool) {
	t.useBBXLimit = enable
}

// BBXLimitEnabled returns whether updates are restricted to the bounding box.
func (t *OcTree) BBXLimitEnabled() bool {
	return t.useBBXLimit
}

// InBBX returns whether key lies within the bounding box, inclusive.
func (t *OcTree) InBBX(key Key) bool {
	for i := 0; i < 3; i++ {
		if key[i] < t.bbxMinKey[i] || key[i] > t.bbxMaxKey[i] {
			return false
		}
	}
	return true
}

// Admits returns whether an update to key is allowed: always when the bounding box limit is off,
// otherwise only inside the box.
func (t *OcTree) Admits(key Key) bool {
	return !t.useBBXLimit || t.InBBX(key)
}

// IsOccupied returns whether the log-odds value is classified occupied.
func (t *OcTree) IsOccupied(logodds float32) bool {
	return logodds >= t.occupancyLog
}

// Search returns the log-odds of the node containing key. The node may be an inner node at a lower
// depth when its children have been pruned. The second return is false for unknown space.
func (t *OcTree) Search(key Key) (float32, bool) {
	n := t.root
	if n == nil {
		return 0, false
	}
	for depth := 0; depth < TreeDepth; depth++ {
		if !n.hasChildren() {
			return n.value, true
		}
		child := n.children[childIndex(key, depth)]
		if child == nil {
			return 0, false
		}
		n = child
	}
	return n.value, true
}

// UpdateNode integrates a single hit (occupied) or miss (free) observation into the leaf at key and
// returns the leaf's resulting log-odds. Updates that cannot change a clamped leaf are skipped.
func (t *OcTree) UpdateNode(key Key, occupied bool) float32 {
	update := t.probMissLog
	if occupied {
		update = t.probHitLog
	}
	return t.UpdateNodeLogOdds(key, update)
}

// UpdateNodeLogOdds adds update to the log-odds of the leaf at key, clamping the result.
func (t *OcTree) UpdateNodeLogOdds(key Key, update float32) float32 {
	if value, ok := t.Search(key); ok {
		if (update >= 0 && value >= t.clampMaxLog) || (update <= 0 && value <= t.clampMinLog) {
			return value
		}
	}
	created := false
	if t.root == nil {
		t.root = &node{}
		t.size++
		created = true
	}
	return t.updateNodeRecurs(t.root, created, key, 0, update)
}

func (t *OcTree) updateNodeRecurs(n *node, nodeJustCreated bool, key Key, depth int, update float32) float32 {
	if depth < TreeDepth {
		pos := childIndex(key, depth)
		created := false
		if n.children == nil || n.children[pos] == nil {
			if !n.hasChildren() && !nodeJustCreated {
				// current node has no children and is not new, so it is a pruned leaf
				t.expandNode(n)
			} else {
				t.createChild(n, pos)
				created = true
			}
		}
		value := t.updateNodeRecurs(n.children[pos], created, key, depth+1, update)
		if !t.pruneNode(n) {
			n.value = maxChildValue(n)
		}
		return value
	}

	n.value += update
	if n.value < t.clampMinLog {
		n.value = t.clampMinLog
	} else if n.value > t.clampMaxLog {
		n.value = t.clampMaxLog
	}
	return n.value
}

func (t *OcTree) createChild(n *node, pos int) {
	if n.children == nil {
		n.children = &[8]*node{}
	}
	n.children[pos] = &node{}
	t.size++
}

// expandNode gives a pruned leaf 8 children carrying its value.
func (t *OcTree) expandNode(n *node) {
	if n.children == nil {
		n.children = &[8]*node{}
	}
	for i := range n.children {
		n.children[i] = &node{value: n.value}
	}
	t.size += 8
}

// pruneNode collapses 8 identical leaf children into their parent.
func (t *OcTree) pruneNode(n *node) bool {
	if n.children == nil {
		return false
	}
	first := n.children[0]
	if first == nil || first.hasChildren() {
		return false
	}
	for _, c := range n.children[1:] {
		if c == nil || c.hasChildren() || c.value != first.value {
			return false
		}
	}
	n.value = first.value
	n.children = nil
	t.size -= 8
	return true
}

func maxChildValue(n *node) float32 {
	maxValue := float32(-math.MaxFloat32)
	for _, c := range n.children {
		if c != nil && c.value > maxValue {
			maxValue = c.value
		}
	}
	return maxValue
}

// Leaf describes one leaf of the tree during iteration.
type Leaf struct {
	// Key of the minimum corner voxel covered by the leaf.
	Key     Key
	Depth   int
	Center  r3.Vector
	Size    float64
	LogOdds float32
	Type    NodeType
}

// IterateLeaves calls fn for every leaf in depth-first order. Leaves above TreeDepth cover
// several voxels. Iteration stops when fn returns false.
func (t *OcTree) IterateLeaves(fn func(leaf Leaf) bool) {
	if t.root == nil {
		return
	}
	t.iterateLeavesRecurs(t.root, 0, [3]uint32{}, fn)
}

func (t *OcTree) iterateLeavesRecurs(n *node, depth int, minKey [3]uint32, fn func(leaf Leaf) bool) bool {
	if !n.hasChildren() {
		span := uint32(1) << uint(TreeDepth-depth)
		center := r3.Vector{
			X: (float64(minKey[0]) - treeMaxVal + float64(span)/2) * t.resolution,
			Y: (float64(minKey[1]) - treeMaxVal + float64(span)/2) * t.resolution,
			Z: (float64(minKey[2]) - treeMaxVal + float64(span)/2) * t.resolution,
		}
		leafType := LeafNodeFree
		if t.IsOccupied(n.value) {
			leafType = LeafNodeOccupied
		}
		return fn(Leaf{
			Key:     Key{uint16(minKey[0]), uint16(minKey[1]), uint16(minKey[2])},
			Depth:   depth,
			Center:  center,
			Size:    float64(span) * t.resolution,
			LogOdds: n.value,
			Type:    leafType,
		})
	}
	half := uint32(1) << uint(TreeDepth-depth-1)
	for pos, c := range n.children {
		if c == nil {
			continue
		}
		childKey := minKey
		for axis := 0; axis < 3; axis++ {
			if pos&(1<<uint(axis)) != 0 {
				childKey[axis] += half
			}
		}
		if !t.iterateLeavesRecurs(c, depth+1, childKey, fn) {
			return false
		}
	}
	return true
}

// NumLeafNodes returns the number of leaves.
func (t *OcTree) NumLeafNodes() int {
	count := 0
	t.IterateLeaves(func(Leaf) bool {
		count++
		return true
	})
	return count
}

// Stats summarises the tree's leaves.
type Stats struct {
	Nodes         int
	Leaves        int
	OccupiedLeafs int
	FreeLeafs     int
	Min, Max      r3.Vector
}

// Stats computes leaf counts and the metric extent of known space.
func (t *OcTree) Stats() Stats {
	s := Stats{
		Nodes: t.size,
		Min:   r3.Vector{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64},
		Max:   r3.Vector{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64},
	}
	t.IterateLeaves(func(leaf Leaf) bool {
		s.Leaves++
		if leaf.Type == LeafNodeOccupied {
			s.OccupiedLeafs++
		} else {
			s.FreeLeafs++
		}
		half := leaf.Size / 2
		s.Min.X = math.Min(s.Min.X, leaf.Center.X-half)
		s.Min.Y = math.Min(s.Min.Y, leaf.Center.Y-half)
		s.Min.Z = math.Min(s.Min.Z, leaf.Center.Z-half)
		s.Max.X = math.Max(s.Max.X, leaf.Center.X+half)
		s.Max.Y = math.Max(s.Max.Y, leaf.Center.Y+half)
		s.Max.Z = math.Max(s.Max.Z, leaf.Center.Z+half)
		return true
	})
	if s.Leaves == 0 {
		s.Min, s.Max = r3.Vector{}, r3.Vector{}
	}
	return s
}
