package balance

import (
	"context"
	"database/sql"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/fundsched/internal/scheduler"
	"github.com/terminal-bench/fundsched/pkg/circuit"
)

// PostgresSource reads settled balances from the ledger database. GetBalance
// is total: on query failure it degrades to the last value seen for the
// account (or zero) rather than surfacing an error to the scheduler. The
// query path is guarded by a circuit breaker so a struggling database stops
// being hammered.
type PostgresSource struct {
	db      *sql.DB
	breaker *circuit.Breaker

	mu        sync.RWMutex
	lastKnown map[scheduler.AccountID]uint64
}

// NewPostgresSource creates a source over db.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{
		db: db,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "settled-balances",
			MaxFailures: 5,
			Timeout:     10 * time.Second,
			HalfOpenMax: 2,
		}),
		lastKnown: make(map[scheduler.AccountID]uint64),
	}
}

// GetBalance returns the settled balance of account at or before version.
func (s *PostgresSource) GetBalance(ctx context.Context, account scheduler.AccountID, version uint64) uint64 {
	var raw decimal.Decimal
	found := false
	err := s.breaker.Execute(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT balance FROM settled_balances
			 WHERE account_id = $1 AND version <= $2
			 ORDER BY version DESC LIMIT 1`,
			string(account), int64(version),
		)
		err := row.Scan(&raw)
		if err == sql.ErrNoRows {
			// An unknown account is a valid zero-balance answer, not a
			// database failure.
			return nil
		}
		found = err == nil
		return err
	})

	if err != nil {
		log.Printf("balance: query failed for %s@%d, using last known: %v", account, version, err)
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.lastKnown[account]
	}
	if !found {
		s.remember(account, 0)
		return 0
	}

	bal := toBaseUnits(raw)
	s.remember(account, bal)
	return bal
}

func (s *PostgresSource) remember(account scheduler.AccountID, balance uint64) {
	s.mu.Lock()
	s.lastKnown[account] = balance
	s.mu.Unlock()
}

// toBaseUnits converts a ledger NUMERIC value to uint64 base units, clamping
// negatives to zero and overflows to the ceiling.
func toBaseUnits(d decimal.Decimal) uint64 {
	if d.Sign() <= 0 {
		return 0
	}
	bi := d.Truncate(0).BigInt()
	if !bi.IsUint64() {
		return math.MaxUint64
	}
	return bi.Uint64()
}
