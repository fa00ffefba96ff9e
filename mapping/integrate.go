package mapping

import (
	"go.viam.com/occupancy/octree"
)

// Integrate applies free keys as misses and occupied keys as hits. Occupied voxels whose centre is
// at or below minHeight are ground returns and are dropped. It returns the number of misses and
// hits applied.
func Integrate(tree *octree.OcTree, free, occupied octree.KeySet, minHeight float64) (int, int) {
	for k := range free {
		tree.UpdateNode(k, false)
	}
	hits := 0
	for k := range occupied {
		if tree.KeyToCoord(k).Z <= minHeight {
			continue
		}
		tree.UpdateNode(k, true)
		hits++
	}
	return len(free), hits
}
