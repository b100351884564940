// Package chain crawls a contract's Deposit/Withdrawal log stream over
// JSON-RPC: block-cursor advance, chunked eth_getLogs, decode, dispatch to
// handlers.
package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tornadogo/mixer-indexer/internal/field"
	"github.com/tornadogo/mixer-indexer/internal/logging"
	"github.com/tornadogo/mixer-indexer/internal/queue"
)

// windowSize is the maximum inclusive block range per eth_getLogs call.
const windowSize = 1000

// DepositTopic and WithdrawalTopic are the two event signature hashes this
// poller recognizes.
var (
	DepositTopic    = crypto.Keccak256Hash([]byte("Deposit(bytes32,uint32,uint256)"))
	WithdrawalTopic = crypto.Keccak256Hash([]byte("Withdrawal(address,bytes32,address,uint256)"))
)

// DepositEvent is a decoded Deposit log.
type DepositEvent struct {
	Timestamp   uint64
	BlockNumber uint64
	TxHash      common.Hash
	Commitment  field.F
	LeafIndex   uint32
}

// WithdrawalEvent is a decoded Withdrawal log.
type WithdrawalEvent struct {
	BlockNumber   uint64
	TxHash        common.Hash
	NullifierHash common.Hash
	To            common.Address
	Fee           *big.Int
}

// EventHandler receives exactly one of Deposit or Withdrawal set, never
// both, in the order the RPC provider returned the underlying logs.
type EventHandler func(deposit *DepositEvent, withdrawal *WithdrawalEvent)

// BlockHandler is notified of the chain head observed at the end of each
// poll iteration.
type BlockHandler func(blockNumber uint64)

// Poller is the RPC crawler described above.
type Poller struct {
	log           logging.Logger
	retryInterval time.Duration
	queryInterval time.Duration
	pollInterval  time.Duration

	mu       sync.Mutex
	running  bool
	client   *ethclient.Client
	contract common.Address
	topics   []common.Hash
	stopCh   chan struct{}
	doneCh   chan struct{}
	wakeCh   chan struct{}

	cursor atomic.Uint64
	synced atomic.Bool

	handlersMu    sync.Mutex
	eventHandlers []EventHandler
	blockHandlers []BlockHandler

	sink *queue.Queue
}

// New returns a stopped Poller. pollInterval/retryInterval/queryInterval
// correspond to spec's poll_interval_sec / rpc_retry_interval_sec /
// rpc_query_interval_sec.
func New(log logging.Logger, pollInterval, retryInterval, queryInterval time.Duration) *Poller {
	return &Poller{
		log:           log,
		pollInterval:  pollInterval,
		retryInterval: retryInterval,
		queryInterval: queryInterval,
	}
}

// AddEventHandler registers cb. Go func values cannot be compared, so
// duplicates are not detected: a handler registered twice runs twice per
// event. The orchestrator registers its handler exactly once, at Boot.
func (p *Poller) AddEventHandler(cb EventHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.eventHandlers = append(p.eventHandlers, cb)
}

// AddBlockHandler registers cb for end-of-iteration block progress.
func (p *Poller) AddBlockHandler(cb BlockHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.blockHandlers = append(p.blockHandlers, cb)
}

// Start spawns the worker. Fails if already running or the RPC URL scheme
// is unsupported.
func (p *Poller) Start(rpcURL string, contract common.Address, startBlock uint64, topics []common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.log.Warnf("Start: already started")
		return false
	}
	if !strings.HasPrefix(rpcURL, "http") && !strings.HasPrefix(rpcURL, "ws") {
		p.log.Errorf("Start: unsupported RPC URL: %s", rpcURL)
		return false
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		p.log.Errorf("Start: dial %s: %v", rpcURL, err)
		return false
	}

	p.client = client
	p.contract = contract
	p.topics = topics
	p.cursor.Store(startBlock)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.wakeCh = make(chan struct{}, 1)
	p.running = true

	p.sink = queue.New("EventPoller.sink", p.log)
	p.sink.Start()

	go p.loop()

	p.log.Debugf("Start: done, cursor=%d", startBlock)
	return true
}

// Stop signals shutdown and joins the worker.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		p.log.Warnf("Stop: already stopped")
		return
	}
	close(p.stopCh)
	sink := p.sink
	done := p.doneCh
	p.mu.Unlock()

	<-done

	sink.Stop()

	p.mu.Lock()
	p.running = false
	p.client.Close()
	p.client = nil
	p.mu.Unlock()
	p.log.Debugf("Stop: done")
}

// Synced reports whether the last poll iteration found no new blocks to
// crawl, for the status API.
func (p *Poller) Synced() bool {
	return p.synced.Load()
}

// Cursor returns the next block number the poller will crawl from.
func (p *Poller) Cursor() uint64 {
	return p.cursor.Load()
}

// Catchup wakes the worker and blocks the caller until synced == true.
func (p *Poller) Catchup() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	for !p.synced.Load() {
		time.Sleep(100 * time.Millisecond)
	}
}

// sleepInterruptible sleeps for d unless stop is signaled first, returning
// true if it was interrupted by stop. A Catchup wake ends the sleep early
// and returns false, so the loop carries on at once.
func (p *Poller) sleepInterruptible(d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-p.wakeCh:
		return false
	case <-p.stopCh:
		return true
	}
}

func (p *Poller) dispatchEvent(deposit *DepositEvent, withdrawal *WithdrawalEvent) {
	p.handlersMu.Lock()
	handlers := append([]EventHandler(nil), p.eventHandlers...)
	p.handlersMu.Unlock()

	for _, cb := range handlers {
		cb := cb
		d, w := deposit, withdrawal
		p.sink.SubmitAsync(&queue.Job{
			Name: "dispatchEvent",
			Task: func() error {
				cb(d, w)
				return nil
			},
		})
	}
}

func (p *Poller) dispatchBlock(blockNumber uint64) {
	p.handlersMu.Lock()
	handlers := append([]BlockHandler(nil), p.blockHandlers...)
	p.handlersMu.Unlock()

	for _, cb := range handlers {
		cb := cb
		b := blockNumber
		p.sink.SubmitAsync(&queue.Job{
			Name: "dispatchBlock",
			Task: func() error {
				cb(b)
				return nil
			},
		})
	}
}

func (p *Poller) loop() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			p.synced.Store(false)
			return
		default:
		}

		latest, interrupted := p.headBlock()
		if interrupted {
			return
		}

		cursor := p.cursor.Load()
		if latest < cursor {
			p.synced.Store(true)
			if p.sleepInterruptible(p.pollInterval) {
				return
			}
			continue
		}
		p.synced.Store(false)

		windows := chunkWindows(cursor, latest, windowSize)

		countDeposits, countWithdrawals := 0, 0
		for _, w := range windows {
			logs, interrupted := p.getLogsRetry(w.from, w.to)
			if interrupted {
				return
			}
			for _, l := range logs {
				nd, nw := p.decodeAndDispatch(l)
				countDeposits += nd
				countWithdrawals += nw
			}
			if p.sleepInterruptible(p.queryInterval) {
				return
			}
		}

		p.log.Infof("Poll %d blocks, %d deposits, %d withdraws", latest-cursor+1, countDeposits, countWithdrawals)

		p.dispatchBlock(latest)
		p.cursor.Store(latest + 1)

		if p.sleepInterruptible(p.pollInterval) {
			return
		}
	}
}

func (p *Poller) headBlock() (uint64, bool) {
	for {
		select {
		case <-p.stopCh:
			return 0, true
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := p.client.BlockNumber(ctx)
		cancel()
		if err == nil && n > 0 {
			return n, false
		}
		if err != nil {
			p.log.Errorf("headBlock: %v", err)
		}
		p.log.Infof("headBlock: wait %s and retry", p.retryInterval)
		if p.sleepInterruptible(p.retryInterval) {
			return 0, true
		}
	}
}

func (p *Poller) getLogsRetry(from, to uint64) ([]types.Log, bool) {
	for {
		select {
		case <-p.stopCh:
			return nil, true
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{p.contract},
			Topics:    [][]common.Hash{p.topics},
		})
		cancel()
		if err == nil {
			return logs, false
		}
		p.log.Errorf("getLogs[%d,%d]: %v", from, to, err)
		p.log.Infof("getLogs: wait %s and retry", p.retryInterval)
		if p.sleepInterruptible(p.retryInterval) {
			return nil, true
		}
	}
}

func (p *Poller) decodeAndDispatch(l types.Log) (deposits, withdrawals int) {
	if len(l.Topics) == 0 {
		p.log.Warnf("decodeAndDispatch: log with no topics, skipping")
		return 0, 0
	}
	switch l.Topics[0] {
	case DepositTopic:
		if len(l.Data) < 64 || len(l.Topics) < 2 {
			p.log.Warnf("decodeAndDispatch: truncated Deposit data, skipping")
			return 0, 0
		}
		commitment, ok := field.FromBytes(l.Topics[1].Bytes())
		if !ok {
			p.log.Warnf("decodeAndDispatch: Deposit commitment out of range, skipping")
			return 0, 0
		}
		timestamp := new(big.Int).SetBytes(l.Data[0:32]).Uint64()
		leafIndex := uint32(new(big.Int).SetBytes(l.Data[32:64]).Uint64())
		ev := &DepositEvent{
			Timestamp:   timestamp,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			Commitment:  commitment,
			LeafIndex:   leafIndex,
		}
		p.dispatchEvent(ev, nil)
		return 1, 0

	case WithdrawalTopic:
		if len(l.Data) < 96 {
			p.log.Warnf("decodeAndDispatch: truncated Withdrawal data, skipping")
			return 0, 0
		}
		to := common.BytesToAddress(l.Data[12:32])
		nullifier := common.BytesToHash(l.Data[32:64])
		fee := new(big.Int).SetBytes(l.Data[64:96])
		ev := &WithdrawalEvent{
			BlockNumber:   l.BlockNumber,
			TxHash:        l.TxHash,
			NullifierHash: nullifier,
			To:            to,
			Fee:           fee,
		}
		p.dispatchEvent(nil, ev)
		return 0, 1

	default:
		p.log.Warnf("decodeAndDispatch: unknown topic %s, skipping", l.Topics[0].Hex())
		return 0, 0
	}
}

type window struct{ from, to uint64 }

// chunkWindows splits [from, to] into successive inclusive windows, each
// spanning up to size+1 block numbers (e.g. [0,1000], [1001,2001], ...),
// naturally collapsing to a single [from, from] window when from == to.
func chunkWindows(from, to, size uint64) []window {
	var windows []window
	for start := from; start <= to; {
		end := start + size
		if end > to {
			end = to
		}
		windows = append(windows, window{start, end})
		start = end + 1
	}
	return windows
}
