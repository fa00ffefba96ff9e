package mapping

import (
	"context"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/octree"
)

func TestIntegrateMinHeight(t *testing.T) {
	tree := newTree(t, 0.5)
	ground := key(t, tree, r3.Vector{X: 1, Z: 0.3})
	low := key(t, tree, r3.Vector{X: 1, Z: 0.6})
	high := key(t, tree, r3.Vector{X: 1, Z: 1.2})
	freeKey := key(t, tree, r3.Vector{X: 2, Z: 0.1})

	// low sits exactly at the cut off: its centre is 0.75 with a 0.75 limit
	misses, hits := Integrate(tree, octree.NewKeySet(freeKey), octree.NewKeySet(ground, low, high), 0.75)
	test.That(t, misses, test.ShouldEqual, 1)
	test.That(t, hits, test.ShouldEqual, 1)

	_, found := tree.Search(ground)
	test.That(t, found, test.ShouldBeFalse)
	_, found = tree.Search(low)
	test.That(t, found, test.ShouldBeFalse)
	value, found := tree.Search(high)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, tree.IsOccupied(value), test.ShouldBeTrue)
	value, found = tree.Search(freeKey)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, tree.IsOccupied(value), test.ShouldBeFalse)

	// a voxel already known free stays free whatever ground hits arrive later
	for i := 0; i < 5; i++ {
		Integrate(tree, octree.KeySet{}, octree.NewKeySet(freeKey), 0.75)
	}
	value, _ = tree.Search(freeKey)
	test.That(t, tree.IsOccupied(value), test.ShouldBeFalse)

	tree.IterateLeaves(func(leaf octree.Leaf) bool {
		if leaf.Type == octree.LeafNodeOccupied {
			test.That(t, leaf.Center.Z, test.ShouldBeGreaterThan, 0.75)
		}
		return true
	})
}

func split(set octree.KeySet, parts int) []octree.KeySet {
	out := make([]octree.KeySet, parts)
	for i := range out {
		out[i] = octree.KeySet{}
	}
	i := 0
	for k := range set {
		out[i%parts].Add(k)
		i++
	}
	return out
}

func TestIntegrateOrderIndependent(t *testing.T) {
	tree := newTree(t, 0.25)
	rec := ScanRecord{
		Origin:   r3.Vector{Z: 1},
		Cloud:    randomCloud(rand.New(rand.NewSource(11)), 200, 4),
		MaxRange: 3,
	}
	free, occupied, err := tree.ComputeUpdate(context.Background(), rec.Cloud, rec.Origin, rec.MaxRange)
	test.That(t, err, test.ShouldBeNil)

	reference := newTree(t, 0.25)
	Integrate(reference, free, occupied, 0)

	freeParts := split(free, 3)
	occupiedParts := split(occupied, 3)
	shuffled := newTree(t, 0.25)
	for i := 2; i >= 0; i-- {
		Integrate(shuffled, octree.KeySet{}, occupiedParts[i], 0)
		Integrate(shuffled, freeParts[(i+1)%3], octree.KeySet{}, 0)
	}

	test.That(t, collectLeaves(shuffled), test.ShouldResemble, collectLeaves(reference))
}

func collectLeaves(tree *octree.OcTree) []octree.Leaf {
	var leaves []octree.Leaf
	tree.IterateLeaves(func(leaf octree.Leaf) bool {
		leaves = append(leaves, leaf)
		return true
	})
	return leaves
}

// assertSameValues checks both trees agree on every key in keys.
func assertSameValues(t *testing.T, a, b *octree.OcTree, keys octree.KeySet) {
	t.Helper()
	for k := range keys {
		va, foundA := a.Search(k)
		vb, foundB := b.Search(k)
		test.That(t, foundA, test.ShouldEqual, foundB)
		test.That(t, float64(va), test.ShouldAlmostEqual, float64(vb), 1e-5)
	}
}

func TestReplayMatchesImmediate(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rng := rand.New(rand.NewSource(5))
	records := make([]ScanRecord, 3)
	for i := range records {
		records[i] = ScanRecord{
			Origin:   r3.Vector{X: float64(i) * 0.3, Z: 1},
			Cloud:    randomCloud(rng, 80, 3),
			MaxRange: 2.5,
		}
	}

	integrateAll := func(order []int) (*octree.OcTree, octree.KeySet) {
		tree := newTree(t, 0.25)
		touched := octree.KeySet{}
		for _, idx := range order {
			free, occupied, err := ComputeUpdate(context.Background(), tree, records[idx], RaySkip{}, logger)
			test.That(t, err, test.ShouldBeNil)
			Integrate(tree, free, occupied, 0.5)
			for k := range free {
				touched.Add(k)
			}
			for k := range occupied {
				touched.Add(k)
			}
		}
		return tree, touched
	}

	immediate, touched := integrateAll([]int{0, 1, 2})
	for _, order := range [][]int{{2, 1, 0}, {1, 0, 2}, {0, 2, 1}, {2, 0, 1}, {1, 2, 0}} {
		replayed, _ := integrateAll(order)
		assertSameValues(t, immediate, replayed, touched)
	}

	// the buffer replays newest first
	var buf ScanBuffer
	for _, rec := range records {
		buf.Add(rec)
	}
	replayed := newTree(t, 0.25)
	for buf.Len() > 0 {
		rec, ok := buf.PopLast()
		test.That(t, ok, test.ShouldBeTrue)
		free, occupied, err := ComputeUpdate(context.Background(), replayed, rec, RaySkip{}, logger)
		test.That(t, err, test.ShouldBeNil)
		Integrate(replayed, free, occupied, 0.5)
	}
	assertSameValues(t, immediate, replayed, touched)
}
