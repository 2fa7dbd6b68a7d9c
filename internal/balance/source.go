// Package balance provides the settled-balance sources the scheduler reads
// from: an in-memory source for tests and local runs, a postgres-backed
// source for the authoritative ledger, and a write-through cache that keeps
// reads under the scheduler lock fast.
package balance

import (
	"context"
	"sort"
	"sync"

	"github.com/terminal-bench/fundsched/internal/scheduler"
)

// MemorySource is a versioned in-memory balance source. Lookups return the
// balance recorded at or before the requested version, zero for unknown
// accounts.
type MemorySource struct {
	mu       sync.RWMutex
	balances map[scheduler.AccountID][]versionedBalance
}

type versionedBalance struct {
	version uint64
	balance uint64
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{balances: make(map[scheduler.AccountID][]versionedBalance)}
}

// Seed creates a source pre-populated at version zero.
func Seed(initial map[scheduler.AccountID]uint64) *MemorySource {
	s := NewMemorySource()
	for account, bal := range initial {
		s.SetBalance(account, 0, bal)
	}
	return s
}

// SetBalance records the settled balance of account as of version.
func (s *MemorySource) SetBalance(account scheduler.AccountID, version, balance uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.balances[account]
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].version >= version
	})
	if i < len(entries) && entries[i].version == version {
		entries[i].balance = balance
		return
	}
	entries = append(entries, versionedBalance{})
	copy(entries[i+1:], entries[i:])
	entries[i] = versionedBalance{version: version, balance: balance}
	s.balances[account] = entries
}

// GetBalance returns the settled balance of account at or before version.
func (s *MemorySource) GetBalance(_ context.Context, account scheduler.AccountID, version uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.balances[account]
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].version > version
	})
	if i == 0 {
		return 0
	}
	return entries[i-1].balance
}
