package merkle

import (
	"math/big"
	"testing"

	"github.com/tornadogo/mixer-indexer/internal/field"
	"github.com/tornadogo/mixer-indexer/internal/logging"
	"github.com/tornadogo/mixer-indexer/internal/poseidon"
)

// S1: empty tree.
func TestEmptyTree(t *testing.T) {
	a := New(20, logging.NewNop())
	if got := a.Size(); got != 0 {
		t.Fatalf("Size() = %d, want 0", got)
	}
	if _, ok := a.Root(); ok {
		t.Fatalf("Root() on empty tree should return ok=false")
	}
	if _, ok := a.Path(field.Zero); ok {
		t.Fatalf("Path() on empty tree should return ok=false")
	}
}

// S2: single-leaf root. The ascent preserves the source's literal-ZERO_VALUE
// sibling default at every level (not a recursively-hashed zero subtree);
// see the design notes for why this, not a "corrected" tree, is the ground
// truth here.
func TestSingleLeafRoot(t *testing.T) {
	a := New(2, logging.NewNop())
	leaf, ok := field.FromHex("0x01")
	if !ok {
		t.Fatalf("FromHex(0x01) failed")
	}
	if !a.Add(leaf) {
		t.Fatalf("Add(0x01) failed")
	}
	if got := a.Size(); got != 1 {
		t.Fatalf("Size() = %d, want 1", got)
	}

	level1, err := poseidon.H(leaf, field.Zero)
	if err != nil {
		t.Fatalf("poseidon.H: %v", err)
	}
	wantRoot, err := poseidon.H(level1, field.Zero)
	if err != nil {
		t.Fatalf("poseidon.H: %v", err)
	}

	root, ok := a.Root()
	if !ok || root != wantRoot {
		t.Fatalf("Root() = (%v, %v), want (%v, true)", root, ok, wantRoot)
	}

	path, ok := a.Path(leaf)
	if !ok {
		t.Fatalf("Path() returned ok=false")
	}
	if len(path) != 3 {
		t.Fatalf("len(path) = %d, want 3 (H+1)", len(path))
	}
	if path[0].Left != leaf || *path[0].Right != field.Zero {
		t.Fatalf("path[0] = %+v, want (leaf, Zero)", path[0])
	}
	if path[1].Left != level1 || *path[1].Right != field.Zero {
		t.Fatalf("path[1] = %+v, want (level1, Zero)", path[1])
	}
	if path[2].Left != root || path[2].Right != nil {
		t.Fatalf("path[2] = %+v, want (root, nil)", path[2])
	}
}

// S3: out-of-field leaf is rejected without mutating the tree.
func TestAddOutOfFieldRejected(t *testing.T) {
	a := New(20, logging.NewNop())
	over := new(big.Int).Set(field.Prime())
	b := over.Bytes()
	var oversized field.F
	copy(oversized[32-len(b):], b) // exactly p, out of range

	if a.Add(oversized) {
		t.Fatalf("Add(p) should fail")
	}
	if got := a.Size(); got != 0 {
		t.Fatalf("Size() = %d, want 0 after rejected add", got)
	}
}

func TestAddAtCapacityRejected(t *testing.T) {
	a := New(1, logging.NewNop()) // capacity 2
	l0, _ := field.FromHex("0x01")
	l1, _ := field.FromHex("0x02")
	l2, _ := field.FromHex("0x03")

	if !a.Add(l0) || !a.Add(l1) {
		t.Fatalf("first two adds should succeed")
	}
	if a.Add(l2) {
		t.Fatalf("Add beyond capacity should fail")
	}
	if got := a.Size(); got != 2 {
		t.Fatalf("Size() = %d, want 2", got)
	}
}

func TestLeafOutOfRange(t *testing.T) {
	a := New(20, logging.NewNop())
	l0, _ := field.FromHex("0x01")
	a.Add(l0)
	if _, ok := a.Leaf(1); ok {
		t.Fatalf("Leaf(1) should be out of range on a 1-leaf tree")
	}
}
