// Package store persists account balances and settlement markers in an
// embedded sqlite database. Balances are integers in USDC base units; every
// debit and credit commits in its own transaction so a crashed process can
// never double-spend.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

// ErrInsufficient is returned by TryDebit when the balance cannot cover the
// requested amount. The balance is left unchanged.
var ErrInsufficient = errors.New("insufficient balance")

// Key prefixes inside the kv table. "v:" is reserved for a future schema
// version marker.
const (
	balancePrefix    = "b:"
	settlementPrefix = "s:"
)

// Store is the durable balance ledger. All mutations are linearizable: a
// single mutex serialises read-modify-write cycles and each one commits before
// the lock is released.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// database/sql pools connections; sqlite wants a single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=FULL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func balanceKey(addr common.Address) string {
	return balancePrefix + strings.ToLower(addr.Hex())
}

func settlementKey(id string) string {
	return settlementPrefix + id
}

// Get returns the current balance for addr, 0 for unknown accounts.
func (s *Store) Get(addr common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readBalance(s.db, addr)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func readBalance(q querier, addr common.Address) (uint64, error) {
	var v string
	err := q.QueryRow(`SELECT v FROM kv WHERE k = ?`, balanceKey(addr)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt balance record for %s: %w", addr.Hex(), err)
	}
	return n, nil
}

func writeBalance(tx *sql.Tx, addr common.Address, amount uint64) error {
	_, err := tx.Exec(
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		balanceKey(addr), strconv.FormatUint(amount, 10),
	)
	if err != nil {
		return fmt.Errorf("writing balance: %w", err)
	}
	return nil
}

// TryDebit atomically subtracts amount from addr's balance. When the balance
// cannot cover the amount it is left unchanged and ErrInsufficient is returned.
func (s *Store) TryDebit(addr common.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	current, err := readBalance(tx, addr)
	if err != nil {
		return err
	}
	if current < amount {
		return ErrInsufficient
	}
	if err := writeBalance(tx, addr, current-amount); err != nil {
		return err
	}
	return tx.Commit()
}

// Credit atomically adds amount to addr's balance and returns the new balance.
// The balance saturates at the maximum representable base-unit count; hitting
// the cap indicates a bug upstream and is logged loudly.
func (s *Store) Credit(addr common.Address, amount uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	updated, err := creditInTx(tx, addr, amount)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return updated, nil
}

func creditInTx(tx *sql.Tx, addr common.Address, amount uint64) (uint64, error) {
	current, err := readBalance(tx, addr)
	if err != nil {
		return 0, err
	}
	updated := current + amount
	if updated < current {
		slog.Error("balance overflow, saturating", "address", addr.Hex(), "balance", current, "credit", amount)
		updated = math.MaxUint64
	}
	if err := writeBalance(tx, addr, updated); err != nil {
		return 0, err
	}
	return updated, nil
}

// CreditSettlement credits amount to payer exactly once per settlement id.
// The marker insert and the balance update commit in the same transaction, so
// after a crash either both happened or neither did. Returns false when the
// settlement was already credited.
func (s *Store) CreditSettlement(id string, payer common.Address, amount uint64) (bool, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, 0, fmt.Errorf("begin settlement credit: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT v FROM kv WHERE k = ?`, settlementKey(id)).Scan(&existing)
	if err == nil {
		balance, berr := readBalance(tx, payer)
		return false, balance, berr
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("reading settlement marker: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES (?, ?)`, settlementKey(id), "1"); err != nil {
		return false, 0, fmt.Errorf("writing settlement marker: %w", err)
	}
	updated, err := creditInTx(tx, payer, amount)
	if err != nil {
		return false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, updated, nil
}
