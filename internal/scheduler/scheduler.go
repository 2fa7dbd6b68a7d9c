package scheduler

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Outcome is the final result of a withdraw's reservation attempt. All three
// values are routine results that callers must handle; none indicates a
// defect.
type Outcome int

const (
	// SufficientBalance means every reservation in the withdraw was granted.
	SufficientBalance Outcome = iota
	// InsufficientBalance means the withdraw could not be covered even after
	// its batch settled.
	InsufficientBalance
	// AlreadyExecuted means the batch was a duplicate or had already been
	// finalized by a settlement.
	AlreadyExecuted
)

func (o Outcome) String() string {
	switch o {
	case SufficientBalance:
		return "sufficient_balance"
	case InsufficientBalance:
		return "insufficient_balance"
	case AlreadyExecuted:
		return "already_executed"
	default:
		return "unknown"
	}
}

// BalanceSource returns an account's settled balance as of a version (or the
// latest known balance at or before it). It must be fast and total: a lookup
// against a local cache, never a blocking network call, returning zero for
// unknown accounts. The scheduler only ever calls it under its own lock.
type BalanceSource interface {
	GetBalance(ctx context.Context, account AccountID, version uint64) uint64
}

// SourceFunc adapts a function to a BalanceSource.
type SourceFunc func(ctx context.Context, account AccountID, version uint64) uint64

func (f SourceFunc) GetBalance(ctx context.Context, account AccountID, version uint64) uint64 {
	return f(ctx, account, version)
}

// Withdraw is one transaction's reservation request paired with its one-shot
// result channel. The channel should have capacity 1; delivery is
// best-effort and a send that cannot proceed is dropped, so a caller that
// abandoned interest never blocks the scheduler.
type Withdraw struct {
	TxID         uuid.UUID
	Reservations map[AccountID]Reservation
	Result       chan<- Outcome
}

// Scheduler decides, as early as possible and without double-spending,
// whether each withdraw's reservations can be guaranteed from the last
// settled balance. Withdraws that cannot be proven satisfiable are parked
// under their batch version and resolved by the matching settlement.
//
// All bookkeeping is a volatile cache: it is safe to lose and rebuild from
// the balance source.
type Scheduler struct {
	source  BalanceSource
	metrics Metrics

	mu          sync.Mutex
	accounts    map[AccountID]*accountState
	batches     scheduledBatches
	highestSeen uint64
	lastSettled uint64
	pending     map[uint64][]Withdraw
}

// New creates a scheduler on top of source, with lastSettled as the version
// the source currently reflects. A nil metrics recorder is replaced with a
// no-op.
func New(source BalanceSource, lastSettled uint64, metrics Metrics) *Scheduler {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Scheduler{
		source:      source,
		metrics:     metrics,
		accounts:    make(map[AccountID]*accountState),
		highestSeen: lastSettled,
		lastSettled: lastSettled,
		pending:     make(map[uint64][]Withdraw),
	}
}

// ScheduleWithdraws processes one incoming batch. Every withdraw in the
// batch eventually receives exactly one outcome: immediately if the batch is
// stale or duplicated, or if the reservations are provably satisfiable now;
// otherwise from the settlement that carries the batch's version.
func (s *Scheduler) ScheduleWithdraws(ctx context.Context, version uint64, withdraws []Withdraw) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A batch at or below the settled watermark was already finalized; a
	// version already marked was already processed. Either way this is
	// duplicate delivery and no state may be touched.
	if version <= s.lastSettled || s.batches.IsScheduled(version) {
		for _, w := range withdraws {
			s.deliver(w, AlreadyExecuted)
		}
		return
	}

	s.batches.MarkScheduled(version)
	if version > s.highestSeen {
		s.highestSeen = version
	}

	// Withdraws are admitted in batch order: later ones observe the
	// reservations of earlier ones in the same batch.
	for _, w := range withdraws {
		if s.admit(ctx, w, version) {
			s.deliver(w, SufficientBalance)
		} else {
			// The failure may be transient; a settlement for this version
			// might still deposit enough. Park it, keyed by the version.
			s.pending[version] = append(s.pending[version], w)
		}
	}

	s.evictIdle()
	s.metrics.SetTrackedAccounts(len(s.accounts))
}

// SettleBalances applies the authoritative balance effects for version and
// resolves every withdraw parked under it. Exactly one settlement is
// expected per scheduled version, in increasing version order.
func (s *Scheduler) SettleBalances(ctx context.Context, version uint64, deltas map[AccountID]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSettled = version
	if version > s.highestSeen {
		s.highestSeen = version
	}

	// Every tracked account gets refreshed, not only those in the delta
	// map: an account loaded speculatively at a stale version may have
	// moved for reasons outside this settlement's explicit deltas.
	for id, st := range s.accounts {
		if delta, ok := deltas[id]; ok {
			st.applySettlement(applyDelta(st.settledBalance, delta), version)
		} else {
			st.applySettlement(s.source.GetBalance(ctx, id, version), version)
		}
	}

	// Parked withdraws get their one and only resolution, in original
	// order. No further reconsideration ever happens for them.
	parked := s.pending[version]
	delete(s.pending, version)
	for _, w := range parked {
		if s.admit(ctx, w, version) {
			s.deliver(w, SufficientBalance)
		} else {
			s.deliver(w, InsufficientBalance)
		}
	}

	s.batches.DiscardBelow(version)
	s.evictIdle()
	s.metrics.RecordSettlement()
	s.metrics.SetTrackedAccounts(len(s.accounts))
}

// admit attempts every reservation of one withdraw, all-or-nothing: on the
// first failure every earlier grant in this same withdraw is rolled back.
// Accounts are visited in ID order and lazily materialized from the balance
// source at the given version. Caller holds s.mu.
func (s *Scheduler) admit(ctx context.Context, w Withdraw, version uint64) bool {
	ids := make([]AccountID, 0, len(w.Reservations))
	for id := range w.Reservations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	granted := make([]AccountID, 0, len(ids))
	snapshots := make([]accountState, 0, len(ids))
	for _, id := range ids {
		st := s.loadAccount(ctx, id, version)
		snap := *st
		if !st.tryReserve(w.Reservations[id]) {
			for i, gid := range granted {
				*s.accounts[gid] = snapshots[i]
			}
			return false
		}
		granted = append(granted, id)
		snapshots = append(snapshots, snap)
	}
	return true
}

// loadAccount returns the tracked state for id, materializing it from the
// balance source at version on first sight. Caller holds s.mu.
func (s *Scheduler) loadAccount(ctx context.Context, id AccountID, version uint64) *accountState {
	if st, ok := s.accounts[id]; ok {
		return st
	}
	st := &accountState{
		settledBalance: s.source.GetBalance(ctx, id, version),
		settledVersion: version,
	}
	s.accounts[id] = st
	return st
}

// evictIdle drops every account with no outstanding reservation. Caller
// holds s.mu.
func (s *Scheduler) evictIdle() {
	for id, st := range s.accounts {
		if st.idle() {
			delete(s.accounts, id)
		}
	}
}

// deliver sends the outcome without ever blocking. A dropped receiving end
// is expected and swallowed.
func (s *Scheduler) deliver(w Withdraw, o Outcome) {
	s.metrics.RecordOutcome(o)
	if w.Result == nil {
		return
	}
	select {
	case w.Result <- o:
	default:
	}
}

// applyDelta adds a signed delta to a balance, saturating at zero and at
// the uint64 ceiling.
func applyDelta(balance uint64, delta int64) uint64 {
	if delta >= 0 {
		sum := balance + uint64(delta)
		if sum < balance {
			return math.MaxUint64
		}
		return sum
	}
	mag := uint64(-(delta + 1)) + 1
	if mag >= balance {
		return 0
	}
	return balance - mag
}

// LastSettledVersion returns the settled-version watermark.
func (s *Scheduler) LastSettledVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSettled
}

// HighestSeenVersion returns the highest batch or settlement version seen.
func (s *Scheduler) HighestSeenVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestSeen
}

// TrackedAccounts returns the number of accounts currently tracked.
func (s *Scheduler) TrackedAccounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// PendingWithdraws returns the number of withdraws awaiting a settlement.
func (s *Scheduler) PendingWithdraws() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ws := range s.pending {
		n += len(ws)
	}
	return n
}

// AccountSnapshot is a read-only copy of one tracked account's state.
type AccountSnapshot struct {
	SettledBalance uint64 `json:"settled_balance"`
	Reserved       uint64 `json:"reserved"`
	SettledVersion uint64 `json:"settled_version"`
	EntireReserved bool   `json:"entire_reserved"`
}

// Account returns a snapshot of a tracked account, if any.
func (s *Scheduler) Account(id AccountID) (AccountSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[id]
	if !ok {
		return AccountSnapshot{}, false
	}
	return AccountSnapshot{
		SettledBalance: st.settledBalance,
		Reserved:       st.reserved,
		SettledVersion: st.settledVersion,
		EntireReserved: st.entireReserved,
	}, true
}
