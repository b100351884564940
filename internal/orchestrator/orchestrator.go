// Package orchestrator wires the Poller's handlers to Store writes and
// Merkle tree inserts, and owns boot-time rehydration and shutdown
// sequencing.
package orchestrator

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tornadogo/mixer-indexer/internal/chain"
	"github.com/tornadogo/mixer-indexer/internal/eventbus"
	"github.com/tornadogo/mixer-indexer/internal/logging"
	"github.com/tornadogo/mixer-indexer/internal/merkle"
	"github.com/tornadogo/mixer-indexer/internal/store"
)

// Config is the subset of configuration the orchestrator needs to boot the
// poller and accumulator.
type Config struct {
	RPCURL          string
	PollInterval    time.Duration
	RetryInterval   time.Duration
	QueryInterval   time.Duration
	ContractAddress common.Address
	StartBlock      uint64
	TreeHeight      int
}

// Orchestrator owns the Store, the Merkle Accumulator, and the Poller, and
// keeps them consistent with each other.
type Orchestrator struct {
	log logging.Logger
	cfg Config

	Store  *store.Store
	Poller *chain.Poller
	Bus    *eventbus.Bus

	treeMu sync.RWMutex
	tree   *merkle.Accumulator
}

// New constructs an Orchestrator with a fresh Store/Tree/Poller/Bus. Call
// Boot to open the store, rehydrate the tree, and start polling.
func New(log logging.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		log:    log,
		cfg:    cfg,
		Store:  store.New(log),
		tree:   merkle.New(cfg.TreeHeight, log),
		Poller: chain.New(log, cfg.PollInterval, cfg.RetryInterval, cfg.QueryInterval),
		Bus:    eventbus.New(),
	}
}

// Tree returns the current accumulator. Resync swaps it atomically, so
// callers should call Tree() fresh for each query rather than caching the
// pointer across a resync.
func (o *Orchestrator) Tree() *merkle.Accumulator {
	o.treeMu.RLock()
	defer o.treeMu.RUnlock()
	return o.tree
}

// Boot opens the store, replays leaves 0..latest_leaf_index into a fresh
// accumulator, then starts the poller with handlers bound to this
// orchestrator. start_block is max(latest_blk_num, configured start block).
func (o *Orchestrator) Boot(storePath string) bool {
	if !o.Store.Open(storePath) {
		o.log.Errorf("Boot: store open failed")
		return false
	}

	if err := o.rehydrate(); err != nil {
		o.log.Errorf("Boot: rehydrate failed: %v", err)
		return false
	}

	startBlock := o.cfg.StartBlock
	if latestBlk, ok := o.Store.GetLatestBlock(); ok && latestBlk > startBlock {
		startBlock = latestBlk
	}

	o.Poller.AddEventHandler(o.onEvent)
	o.Poller.AddBlockHandler(o.onBlock)

	topics := []common.Hash{chain.DepositTopic, chain.WithdrawalTopic}
	if !o.Poller.Start(o.cfg.RPCURL, o.cfg.ContractAddress, startBlock, topics) {
		o.log.Errorf("Boot: poller start failed")
		return false
	}
	o.log.Infof("Boot: done, start_block=%d, tree_size=%d", startBlock, o.Tree().Size())
	return true
}

// Resync rebuilds the in-memory tree from the store without restarting the
// poller or the process. Safe to call concurrently with polling: the
// poller only ever appends, so a rehydrate mid-flight at worst repeats a
// handful of the most recent leaves, which Add rejects once size matches.
func (o *Orchestrator) Resync() bool {
	if err := o.rehydrate(); err != nil {
		o.log.Errorf("Resync: %v", err)
		return false
	}
	return true
}

func (o *Orchestrator) rehydrate() error {
	latestLeaf, ok := o.Store.GetLatestLeaf()
	if !ok {
		return errRehydrate("GetLatestLeaf failed")
	}

	// GetLeaves(0, 0) on a genuinely empty store returns an empty, ok=true
	// slice (no EventDeposit row has leaf_index 0), so no special-casing
	// of "no deposits yet" vs. "exactly one deposit at index 0" is needed.
	leaves, ok := o.Store.GetLeaves(0, uint32(latestLeaf))
	if !ok {
		return errRehydrate("GetLeaves failed")
	}

	fresh := merkle.New(o.cfg.TreeHeight, o.log)
	for _, leaf := range leaves {
		if !fresh.Add(leaf) {
			o.log.Errorf("rehydrate: Add failed for leaf %s, continuing", leaf.Hex())
		}
	}

	o.treeMu.Lock()
	o.tree = fresh
	o.treeMu.Unlock()
	return nil
}

// onEvent is bound as the poller's event handler: deposits are persisted
// and applied to the tree, withdrawals are persisted only.
func (o *Orchestrator) onEvent(deposit *chain.DepositEvent, withdrawal *chain.WithdrawalEvent) {
	switch {
	case deposit != nil:
		d := store.Deposit{
			Timestamp:   deposit.Timestamp,
			BlockNumber: deposit.BlockNumber,
			TxHash:      deposit.TxHash.Hex(),
			Commitment:  deposit.Commitment,
			LeafIndex:   deposit.LeafIndex,
		}
		if !o.Store.AddDeposit(d) {
			o.log.Errorf("onEvent: AddDeposit failed for leaf_index=%d", deposit.LeafIndex)
			return
		}
		if !o.Tree().Add(deposit.Commitment) {
			o.log.Errorf("onEvent: Tree.Add failed for leaf_index=%d", deposit.LeafIndex)
		}
		o.Bus.Publish(eventbus.Event{Kind: eventbus.Deposit, BlockNumber: d.BlockNumber, Timestamp: time.Now(), Deposit: &d})

	case withdrawal != nil:
		w := store.Withdrawal{
			BlockNumber:   withdrawal.BlockNumber,
			TxHash:        withdrawal.TxHash.Hex(),
			NullifierHash: withdrawal.NullifierHash.Hex(),
			To:            withdrawal.To.Hex(),
			Fee:           withdrawal.Fee,
		}
		if !o.Store.AddWithdraw(w) {
			o.log.Errorf("onEvent: AddWithdraw failed")
			return
		}
		o.Bus.Publish(eventbus.Event{Kind: eventbus.Withdrawal, BlockNumber: w.BlockNumber, Timestamp: time.Now(), Withdrawal: &w})
	}
}

func (o *Orchestrator) onBlock(blockNumber uint64) {
	o.Store.SetLatestBlock(blockNumber)
}

// Shutdown stops the poller, drains its sink, and closes the store.
func (o *Orchestrator) Shutdown() {
	o.Poller.Stop()
	o.Store.Close()
}

type errRehydrate string

func (e errRehydrate) Error() string { return string(e) }
