package orchestrator

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tornadogo/mixer-indexer/internal/chain"
	"github.com/tornadogo/mixer-indexer/internal/field"
	"github.com/tornadogo/mixer-indexer/internal/logging"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	cfg := Config{
		RPCURL:          "http://localhost:1",
		PollInterval:    time.Second,
		RetryInterval:   time.Second,
		QueryInterval:   time.Millisecond,
		ContractAddress: common.Address{},
		StartBlock:      0,
		TreeHeight:      20,
	}
	o := New(logging.NewNop(), cfg)
	path := filepath.Join(t.TempDir(), "mixer.db")
	if !o.Store.Open(path) {
		t.Fatalf("Store.Open failed")
	}
	t.Cleanup(o.Store.Close)
	return o, path
}

func TestOnEventPersistsDepositAndUpdatesTree(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	commitment, _ := field.FromHex("0x01")
	o.onEvent(&chain.DepositEvent{
		Timestamp:   1000,
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xaa"),
		Commitment:  commitment,
		LeafIndex:   0,
	}, nil)

	if got := o.Tree().Size(); got != 1 {
		t.Fatalf("Tree().Size() = %d, want 1", got)
	}
	if leaf, ok := o.Tree().Leaf(0); !ok || leaf != commitment {
		t.Fatalf("Tree().Leaf(0) = (%v, %v), want (%v, true)", leaf, ok, commitment)
	}
	if blk, ok := o.Store.GetLatestBlock(); !ok || blk != 100 {
		t.Fatalf("GetLatestBlock() = (%d, %v), want (100, true)", blk, ok)
	}
}

func TestOnEventWithdrawalDoesNotTouchTree(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.onEvent(nil, &chain.WithdrawalEvent{
		BlockNumber:   101,
		TxHash:        common.HexToHash("0xbb"),
		NullifierHash: common.HexToHash("0xcc"),
		To:            common.HexToAddress("0xdd"),
		Fee:           big.NewInt(5),
	})

	if got := o.Tree().Size(); got != 0 {
		t.Fatalf("Tree().Size() = %d, want 0 (withdrawals never touch the tree)", got)
	}
	if unspent, ok := o.Store.GetUnspent(); !ok || unspent != -1 {
		t.Fatalf("GetUnspent() = (%d, %v), want (-1, true)", unspent, ok)
	}
}

func TestRehydrateReplaysDepositsInLeafOrder(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	for i := uint32(0); i < 4; i++ {
		c, _ := field.FromBigInt(big.NewInt(int64(i) + 1))
		o.onEvent(&chain.DepositEvent{
			Timestamp: 1, BlockNumber: uint64(i), TxHash: common.HexToHash("0xaa"),
			Commitment: c, LeafIndex: i,
		}, nil)
	}
	if got := o.Tree().Size(); got != 4 {
		t.Fatalf("Tree().Size() before resync = %d, want 4", got)
	}

	if !o.Resync() {
		t.Fatalf("Resync failed")
	}
	if got := o.Tree().Size(); got != 4 {
		t.Fatalf("Tree().Size() after resync = %d, want 4", got)
	}
	for i := uint32(0); i < 4; i++ {
		want, _ := field.FromBigInt(big.NewInt(int64(i) + 1))
		got, ok := o.Tree().Leaf(uint64(i))
		if !ok || got != want {
			t.Fatalf("Leaf(%d) = (%v, %v), want (%v, true)", i, got, ok, want)
		}
	}
}
