package store

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/tornadogo/mixer-indexer/internal/field"
	"github.com/tornadogo/mixer-indexer/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(logging.NewNop())
	path := filepath.Join(t.TempDir(), "nested", "mixer.db")
	if !s.Open(path) {
		t.Fatalf("Open failed")
	}
	t.Cleanup(s.Close)
	return s
}

func TestOpenCreatesInfoRow(t *testing.T) {
	s := openTestStore(t)

	blk, ok := s.GetLatestBlock()
	if !ok || blk != 0 {
		t.Fatalf("GetLatestBlock() = (%d, %v), want (0, true)", blk, ok)
	}
	leaf, ok := s.GetLatestLeaf()
	if !ok || leaf != 0 {
		t.Fatalf("GetLatestLeaf() = (%d, %v), want (0, true)", leaf, ok)
	}
	unspent, ok := s.GetUnspent()
	if !ok || unspent != 0 {
		t.Fatalf("GetUnspent() = (%d, %v), want (0, true)", unspent, ok)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if !s.Open("ignored-when-already-open") {
		t.Fatalf("second Open should return true (no-op)")
	}
}

// S4: deposit then withdraw bookkeeping.
func TestDepositThenWithdrawBookkeeping(t *testing.T) {
	s := openTestStore(t)

	commitment, _ := field.FromHex("0x01")
	if !s.AddDeposit(Deposit{
		Timestamp:   1000,
		BlockNumber: 100,
		TxHash:      "0xaa",
		Commitment:  commitment,
		LeafIndex:   0,
	}) {
		t.Fatalf("AddDeposit failed")
	}
	if !s.AddWithdraw(Withdrawal{
		BlockNumber:   101,
		TxHash:        "0xbb",
		NullifierHash: "0xcc",
		To:            "0xdd",
		Fee:           big.NewInt(5),
	}) {
		t.Fatalf("AddWithdraw failed")
	}

	if blk, ok := s.GetLatestBlock(); !ok || blk != 101 {
		t.Fatalf("GetLatestBlock() = (%d, %v), want (101, true)", blk, ok)
	}
	if leaf, ok := s.GetLatestLeaf(); !ok || leaf != 0 {
		t.Fatalf("GetLatestLeaf() = (%d, %v), want (0, true)", leaf, ok)
	}
	if unspent, ok := s.GetUnspent(); !ok || unspent != 0 {
		t.Fatalf("GetUnspent() = (%d, %v), want (0, true)", unspent, ok)
	}
}

func TestGetLeavesRange(t *testing.T) {
	s := openTestStore(t)

	for i := uint32(0); i < 5; i++ {
		c, _ := field.FromBigInt(big.NewInt(int64(i) + 1))
		if !s.AddDeposit(Deposit{
			Timestamp: 1, BlockNumber: uint64(i), TxHash: "0xaa",
			Commitment: c, LeafIndex: i,
		}) {
			t.Fatalf("AddDeposit(%d) failed", i)
		}
	}

	leaves, ok := s.GetLeaves(1, 3)
	if !ok {
		t.Fatalf("GetLeaves failed")
	}
	if len(leaves) != 3 {
		t.Fatalf("len(leaves) = %d, want 3", len(leaves))
	}
	for i, l := range leaves {
		want, _ := field.FromBigInt(big.NewInt(int64(i) + 2))
		if l != want {
			t.Fatalf("leaves[%d] = %s, want %s", i, l.Hex(), want.Hex())
		}
	}
}

func TestOperationsOnClosedStoreFail(t *testing.T) {
	s := New(logging.NewNop())
	if _, ok := s.GetLatestBlock(); ok {
		t.Fatalf("GetLatestBlock on unopened store should fail")
	}
	if s.AddDeposit(Deposit{}) {
		t.Fatalf("AddDeposit on unopened store should fail")
	}
}
