package octree

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	// TreeDepth is the number of levels below the root; leaves live at this depth.
	TreeDepth = 16
	// treeMaxVal is the key of the cell whose minimum corner sits at coordinate zero.
	treeMaxVal = 32768
)

// Key addresses a single leaf-resolution voxel. Each axis is the voxel index offset by 32768 so that
// negative coordinates map onto unsigned keys.
type Key [3]uint16

// KeySet is an unordered set of voxel keys.
type KeySet map[Key]struct{}

// NewKeySet returns a set holding the given keys.
func NewKeySet(keys ...Key) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Add inserts k.
func (s KeySet) Add(k Key) {
	s[k] = struct{}{}
}

// Contains returns whether k is in the set.
func (s KeySet) Contains(k Key) bool {
	_, ok := s[k]
	return ok
}

// RemoveAll deletes every key of other from s.
func (s KeySet) RemoveAll(other KeySet) {
	if len(other) < len(s) {
		for k := range other {
			delete(s, k)
		}
		return
	}
	for k := range s {
		if _, ok := other[k]; ok {
			delete(s, k)
		}
	}
}

// KeyRay is a reusable buffer of keys traversed by a single ray.
type KeyRay struct {
	keys []Key
}

// NewKeyRay returns a ray buffer with room for a typical ray.
func NewKeyRay() *KeyRay {
	return &KeyRay{keys: make([]Key, 0, 1024)}
}

// Reset empties the buffer, keeping its capacity.
func (r *KeyRay) Reset() {
	r.keys = r.keys[:0]
}

// Add appends a key.
func (r *KeyRay) Add(k Key) {
	r.keys = append(r.keys, k)
}

// Keys returns the keys of the ray. The slice is only valid until the next Reset.
func (r *KeyRay) Keys() []Key {
	return r.keys
}

// Len returns the number of keys in the ray.
func (r *KeyRay) Len() int {
	return len(r.keys)
}

// childIndex returns which of the 8 children of a node at the given depth contains the key.
func childIndex(key Key, depth int) int {
	bit := uint(TreeDepth - 1 - depth)
	pos := 0
	if key[0]&(1<<bit) != 0 {
		pos |= 1
	}
	if key[1]&(1<<bit) != 0 {
		pos |= 2
	}
	if key[2]&(1<<bit) != 0 {
		pos |= 4
	}
	return pos
}

// coordToAxisKeyChecked converts one coordinate into its key, failing outside the addressable range.
func (t *OcTree) coordToAxisKeyChecked(coordinate float64) (uint16, bool) {
	scaled := math.Floor(t.resolutionFactor*coordinate) + treeMaxVal
	if scaled < 0 || scaled >= 2*treeMaxVal {
		return 0, false
	}
	return uint16(scaled), true
}

// CoordToKeyChecked converts a point into the key of the voxel containing it. It returns false if
// the point lies outside the addressable volume of the tree.
func (t *OcTree) CoordToKeyChecked(p r3.Vector) (Key, bool) {
	var key Key
	var ok bool
	if key[0], ok = t.coordToAxisKeyChecked(p.X); !ok {
		return Key{}, false
	}
	if key[1], ok = t.coordToAxisKeyChecked(p.Y); !ok {
		return Key{}, false
	}
	if key[2], ok = t.coordToAxisKeyChecked(p.Z); !ok {
		return Key{}, false
	}
	return key, true
}

func (t *OcTree) axisKeyToCoord(key uint16) float64 {
	return (float64(int(key)-treeMaxVal) + 0.5) * t.resolution
}

// KeyToCoord returns the centre of the leaf voxel addressed by key.
func (t *OcTree) KeyToCoord(key Key) r3.Vector {
	return r3.Vector{
		X: t.axisKeyToCoord(key[0]),
		Y: t.axisKeyToCoord(key[1]),
		Z: t.axisKeyToCoord(key[2]),
	}
}
