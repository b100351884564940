// Package merkle implements the fixed-depth, append-only Poseidon Merkle
// accumulator. Internal representation mirrors the source design exactly:
// H+1 levels of variable-length ordered sequences, level 0 holding inserted
// leaves in insertion order and level H holding the single root element.
package merkle

import (
	"sync"

	"github.com/tornadogo/mixer-indexer/internal/field"
	"github.com/tornadogo/mixer-indexer/internal/logging"
	"github.com/tornadogo/mixer-indexer/internal/poseidon"
)

// PathEntry is one (left, right) pair of an authentication path. Right is
// nil only for the final entry, whose Left is the root.
type PathEntry struct {
	Left  field.F
	Right *field.F
}

// Accumulator is a fixed-height H incremental Poseidon Merkle tree over the
// BN254 scalar field. The mutex guards every field; public methods lock
// once at the boundary and call the unlocked "Locked" helpers internally so
// add, which needs to read the previous leaf, never has to re-acquire a
// non-reentrant lock.
type Accumulator struct {
	log logging.Logger

	mu       sync.Mutex
	height   int
	layers   [][]field.F
	capacity uint64
	size     uint64
}

// New returns an empty accumulator of the given height (H >= 1).
func New(height int, log logging.Logger) *Accumulator {
	layers := make([][]field.F, height+1)
	return &Accumulator{
		log:      log,
		height:   height,
		layers:   layers,
		capacity: uint64(1) << uint(height),
	}
}

// Size returns the number of leaves inserted so far.
func (a *Accumulator) Size() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Root returns the current root, or (zero, false) when the tree is empty.
func (a *Accumulator) Root() (field.F, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rootLocked()
}

func (a *Accumulator) rootLocked() (field.F, bool) {
	if a.size == 0 {
		var zero field.F
		return zero, false
	}
	return a.layers[a.height][0], true
}

// Leaf returns the leaf at index i, or (zero, false) if i is out of range.
func (a *Accumulator) Leaf(i uint64) (field.F, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leafLocked(i)
}

func (a *Accumulator) leafLocked(i uint64) (field.F, bool) {
	if i >= uint64(len(a.layers[0])) {
		var zero field.F
		return zero, false
	}
	return a.layers[0][i], true
}

func isLeft(nodeIndex uint64) bool {
	return nodeIndex%2 == 0
}

// Path returns the H+1-entry authentication path for the first leaf equal
// to leaf, or (nil, false) if the tree is empty or leaf is not present.
func (a *Accumulator) Path(leaf field.F) ([]PathEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.layers[0]) == 0 {
		a.log.Errorf("Path: tree is empty")
		return nil, false
	}

	nodeIndex := -1
	for i, v := range a.layers[0] {
		if v == leaf {
			nodeIndex = i
			break
		}
	}
	if nodeIndex == -1 {
		a.log.Errorf("Path: leaf not found: %s", leaf.Hex())
		return nil, false
	}

	idx := uint64(nodeIndex)
	path := make([]PathEntry, 0, a.height+1)
	for level := 0; level < a.height; level++ {
		var left, right field.F
		if isLeft(idx) {
			left = a.layers[level][idx]
			if idx+1 < uint64(len(a.layers[level])) {
				right = a.layers[level][idx+1]
			} else {
				right = field.Zero
			}
		} else {
			left = a.layers[level][idx-1]
			right = a.layers[level][idx]
		}
		r := right
		path = append(path, PathEntry{Left: left, Right: &r})
		idx /= 2
	}
	root, _ := a.rootLocked()
	path = append(path, PathEntry{Left: root, Right: nil})
	return path, true
}

// Add appends leaf to the tree, recomputing every ancestor on the way to
// the root. Fails with false when leaf >= p or the tree is already at
// capacity (2^H leaves).
//
// The ascent below reproduces the source's node-index adjustment
// (nodeIndex += 1 when nodeIndex is even, before halving) verbatim. This
// differs from a textbook incremental-Merkle update and is an open
// question rather than a bug to silently fix here; see the design notes.
func (a *Accumulator) Add(leaf field.F) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !field.InRange(leaf) {
		a.log.Errorf("Add: leaf value out of range: %s", leaf.Hex())
		return false
	}
	if uint64(len(a.layers[0])) >= a.capacity {
		a.log.Errorf("Add: tree is full")
		return false
	}

	a.layers[0] = append(a.layers[0], leaf)
	nodeIndex := uint64(len(a.layers[0]) - 1)

	var addParent bool
	var left, right field.F
	if isLeft(nodeIndex) {
		addParent = true
		left, right = leaf, field.Zero
	} else {
		addParent = false
		left, _ = a.leafLocked(nodeIndex - 1)
		right = leaf
	}
	parent, err := poseidon.H(left, right)
	if err != nil {
		a.log.Errorf("Add: poseidon hash failed: %v", err)
		return false
	}

	for level := 1; level < a.height; level++ {
		if nodeIndex%2 == 0 {
			nodeIndex++
		}
		nodeIndex /= 2

		if addParent {
			a.layers[level] = append(a.layers[level], parent)
		} else {
			a.layers[level][nodeIndex] = parent
		}

		if isLeft(nodeIndex) {
			addParent = true
			left = a.layers[level][nodeIndex]
			right = field.Zero
		} else {
			addParent = false
			left = a.layers[level][nodeIndex-1]
			right = a.layers[level][nodeIndex]
		}
		parent, err = poseidon.H(left, right)
		if err != nil {
			a.log.Errorf("Add: poseidon hash failed: %v", err)
			return false
		}
	}

	if len(a.layers[a.height]) == 0 {
		a.layers[a.height] = append(a.layers[a.height], parent)
	} else {
		a.layers[a.height][0] = parent
	}

	a.size++
	return true
}
