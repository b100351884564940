// Package store is the durable record of deposits, withdrawals, and the
// summary counters, backed by a single SQLite file opened in WAL mode.
// Every access is funneled through a dedicated internal Task Queue so SQL
// execution is single-threaded despite concurrent callers.
package store

import (
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/tornadogo/mixer-indexer/internal/field"
	"github.com/tornadogo/mixer-indexer/internal/logging"
	"github.com/tornadogo/mixer-indexer/internal/queue"
)

// Deposit mirrors the EventDeposit row: a contract-assigned leaf_index,
// monotonically non-decreasing per contract.
type Deposit struct {
	Timestamp   uint64
	BlockNumber uint64
	TxHash      string
	Commitment  field.F
	LeafIndex   uint32
}

// Withdrawal mirrors the EventWithdraw row.
type Withdrawal struct {
	BlockNumber   uint64
	TxHash        string
	NullifierHash string
	To            string
	Fee           *big.Int
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	log logging.Logger

	mu     sync.Mutex
	opened bool
	path   string
	tq     *queue.Queue
	db     *sql.DB
}

// New returns a closed Store.
func New(log logging.Logger) *Store {
	return &Store{log: log}
}

// Open creates parent directories if missing, opens or creates the
// database, and ensures the three tables and the singleton Info row exist.
// Idempotent: calling Open on an already-open store is a no-op returning
// true.
func (s *Store) Open(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		s.log.Warnf("Open: already opened")
		return true
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.log.Errorf("Open: mkdir %s: %v", dir, err)
			return false
		}
	}

	s.path = path
	s.tq = queue.New("Store", s.log)
	s.tq.Start()

	var openErr error
	s.tq.SubmitSync(&queue.Job{
		Name: "open",
		Task: func() error {
			db, err := sql.Open("sqlite", path)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			db.SetMaxOpenConns(1)

			pragmas := []string{
				"PRAGMA cache_size = -20971520;", // ~20GB page cache ceiling
				"PRAGMA synchronous = NORMAL;",
				"PRAGMA journal_mode = WAL;",
				"PRAGMA temp_store = MEMORY;",
			}
			for _, p := range pragmas {
				if _, err := db.Exec(p); err != nil {
					db.Close()
					return fmt.Errorf("pragma %q: %w", p, err)
				}
			}

			schema := []string{
				`CREATE TABLE IF NOT EXISTS EventDeposit (
					timestamp  INTEGER,
					blk_num    INTEGER,
					tx_hash    TEXT,
					commitment TEXT,
					leaf_index INTEGER
				)`,
				`CREATE TABLE IF NOT EXISTS EventWithdraw (
					blk_num        INTEGER,
					tx_hash        TEXT,
					nullifier_hash TEXT,
					to_addr        TEXT,
					fee            TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS Info (
					latest_blk_num    INTEGER,
					latest_leaf_index INTEGER,
					unspent           INTEGER
				)`,
				`INSERT INTO Info (latest_blk_num, latest_leaf_index, unspent)
				 SELECT 0, 0, 0 WHERE NOT EXISTS (SELECT * FROM Info)`,
			}
			for _, stmt := range schema {
				if _, err := db.Exec(stmt); err != nil {
					db.Close()
					return fmt.Errorf("schema: %w", err)
				}
			}

			s.db = db
			return nil
		},
		OnException: func(err error) { openErr = err },
	})

	if openErr != nil {
		s.log.Errorf("Open: %v", openErr)
		s.tq.Stop()
		s.tq = nil
		return false
	}
	s.opened = true
	return true
}

// Close drains the internal task queue and closes the database handle.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		s.log.Warnf("Close: already closed")
		return
	}
	s.tq.SubmitSync(&queue.Job{
		Name: "close",
		Task: func() error {
			if s.db != nil {
				return s.db.Close()
			}
			return nil
		},
	})
	s.tq.Stop()
	s.db = nil
	s.tq = nil
	s.opened = false
}

// GetLatestBlock returns Info.latest_blk_num.
func (s *Store) GetLatestBlock() (uint64, bool) {
	var v uint64
	ok := s.queryRow("SELECT latest_blk_num FROM Info", &v)
	return v, ok
}

// GetLatestLeaf returns Info.latest_leaf_index.
func (s *Store) GetLatestLeaf() (uint64, bool) {
	var v uint64
	ok := s.queryRow("SELECT latest_leaf_index FROM Info", &v)
	return v, ok
}

// GetUnspent returns Info.unspent, a signed running counter that may
// briefly go negative during rehydration ordering edge cases.
func (s *Store) GetUnspent() (int64, bool) {
	var v int64
	ok := s.queryRow("SELECT unspent FROM Info", &v)
	return v, ok
}

// GetLeaves returns commitments for leaf_index in [start, end] inclusive,
// ordered by leaf_index ascending.
func (s *Store) GetLeaves(start, end uint32) ([]field.F, bool) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		s.log.Errorf("GetLeaves: store not opened")
		return nil, false
	}
	tq := s.tq
	s.mu.Unlock()

	var leaves []field.F
	var queryErr error
	tq.SubmitSync(&queue.Job{
		Name: "GetLeaves",
		Task: func() error {
			rows, err := s.db.Query(
				"SELECT commitment FROM EventDeposit WHERE leaf_index BETWEEN ? AND ? ORDER BY leaf_index ASC",
				start, end)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var hexStr string
				if err := rows.Scan(&hexStr); err != nil {
					return err
				}
				b, err := hexToBytes(hexStr)
				if err != nil {
					s.log.Errorf("GetLeaves: malformed commitment %q: %v", hexStr, err)
					continue
				}
				f, ok := field.FromBytes(b)
				if !ok {
					s.log.Errorf("GetLeaves: commitment %q out of field range, skipping", hexStr)
					continue
				}
				leaves = append(leaves, f)
			}
			return rows.Err()
		},
		OnException: func(err error) { queryErr = err },
	})
	if queryErr != nil {
		s.log.Errorf("GetLeaves: %v", queryErr)
		return nil, false
	}
	return leaves, true
}

// SetLatestBlock unconditionally updates Info.latest_blk_num.
func (s *Store) SetLatestBlock(n uint64) bool {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		s.log.Errorf("SetLatestBlock: store not opened")
		return false
	}
	tq := s.tq
	s.mu.Unlock()

	ok := true
	tq.SubmitSync(&queue.Job{
		Name: "SetLatestBlock",
		Task: func() error {
			_, err := s.db.Exec("UPDATE Info SET latest_blk_num = ?", n)
			return err
		},
		OnException: func(err error) { ok = false },
	})
	return ok
}

// AddDeposit atomically inserts d, increments unspent, and raises
// latest_leaf_index/latest_blk_num to at least d's values.
func (s *Store) AddDeposit(d Deposit) bool {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		s.log.Errorf("AddDeposit: store not opened")
		return false
	}
	tq := s.tq
	s.mu.Unlock()

	if !field.InRange(d.Commitment) {
		s.log.Errorf("AddDeposit: commitment out of range: %s", d.Commitment.Hex())
		return false
	}

	ok := true
	tq.SubmitSync(&queue.Job{
		Name: "AddDeposit",
		Task: func() error {
			tx, err := s.db.Begin()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				"INSERT INTO EventDeposit (timestamp, blk_num, tx_hash, commitment, leaf_index) VALUES (?, ?, ?, ?, ?)",
				d.Timestamp, d.BlockNumber, normalizeHex(d.TxHash), d.Commitment.Hex(), d.LeafIndex); err != nil {
				tx.Rollback()
				return err
			}
			if _, err := tx.Exec("UPDATE Info SET unspent = unspent + 1"); err != nil {
				tx.Rollback()
				return err
			}
			if _, err := tx.Exec(
				"UPDATE Info SET latest_leaf_index = MAX(latest_leaf_index, ?)", d.LeafIndex); err != nil {
				tx.Rollback()
				return err
			}
			if _, err := tx.Exec(
				"UPDATE Info SET latest_blk_num = MAX(latest_blk_num, ?)", d.BlockNumber); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		},
		OnException: func(err error) {
			s.log.Errorf("AddDeposit: %v", err)
			ok = false
		},
	})
	return ok
}

// AddWithdraw atomically inserts w, decrements unspent, and raises
// latest_blk_num to at least w's block number.
func (s *Store) AddWithdraw(w Withdrawal) bool {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		s.log.Errorf("AddWithdraw: store not opened")
		return false
	}
	tq := s.tq
	s.mu.Unlock()

	fee := w.Fee
	if fee == nil {
		fee = big.NewInt(0)
	}

	ok := true
	tq.SubmitSync(&queue.Job{
		Name: "AddWithdraw",
		Task: func() error {
			tx, err := s.db.Begin()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				"INSERT INTO EventWithdraw (blk_num, tx_hash, nullifier_hash, to_addr, fee) VALUES (?, ?, ?, ?, ?)",
				w.BlockNumber, normalizeHex(w.TxHash), normalizeHex(w.NullifierHash), normalizeHex(w.To), fee.String()); err != nil {
				tx.Rollback()
				return err
			}
			if _, err := tx.Exec("UPDATE Info SET unspent = unspent - 1"); err != nil {
				tx.Rollback()
				return err
			}
			if _, err := tx.Exec(
				"UPDATE Info SET latest_blk_num = MAX(latest_blk_num, ?)", w.BlockNumber); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		},
		OnException: func(err error) {
			s.log.Errorf("AddWithdraw: %v", err)
			ok = false
		},
	})
	return ok
}

// queryRow runs a single-row, single-column query and scans it into dest.
func (s *Store) queryRow(sqlStr string, dest any) bool {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		s.log.Errorf("query on closed store: %s", sqlStr)
		return false
	}
	tq := s.tq
	s.mu.Unlock()

	ok := true
	tq.SubmitSync(&queue.Job{
		Name: "query",
		Task: func() error {
			return s.db.QueryRow(sqlStr).Scan(dest)
		},
		OnException: func(err error) {
			s.log.Errorf("query %q: %v", sqlStr, err)
			ok = false
		},
	})
	return ok
}
