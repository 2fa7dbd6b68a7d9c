package scheduler

import "fmt"

// AccountID identifies a ledger account. IDs are opaque strings (hex
// addresses in production); string ordering gives the deterministic
// iteration order used during admission.
type AccountID string

// ReservationKind selects how much of an account's guaranteed balance a
// withdraw wants to earmark.
type ReservationKind int

const (
	// ReserveCapped earmarks up to a fixed amount.
	ReserveCapped ReservationKind = iota
	// ReserveEntire earmarks the whole remaining guaranteed balance.
	ReserveEntire
)

// Reservation is a request to provisionally earmark funds from one account.
type Reservation struct {
	Kind   ReservationKind
	Amount uint64 // used only by ReserveCapped
}

// Capped returns a reservation for up to amount base units.
func Capped(amount uint64) Reservation {
	return Reservation{Kind: ReserveCapped, Amount: amount}
}

// EntireRemaining returns a reservation for the whole guaranteed balance.
func EntireRemaining() Reservation {
	return Reservation{Kind: ReserveEntire}
}

// accountState is the per-account reservation ledger: the last settled
// balance, the total reserved against it since that settlement, and whether
// an entire-remaining reservation is outstanding. Pure data, no I/O; all
// access is serialized by the scheduler mutex.
type accountState struct {
	settledBalance uint64
	reserved       uint64
	settledVersion uint64
	entireReserved bool
}

// tryReserve attempts to admit a reservation against the guaranteed balance.
// Mutates the state only on success.
func (a *accountState) tryReserve(r Reservation) bool {
	switch r.Kind {
	case ReserveCapped:
		if a.entireReserved {
			return false
		}
		guaranteed := a.settledBalance - a.reserved
		if a.reserved > a.settledBalance {
			guaranteed = 0
		}
		if guaranteed < r.Amount {
			return false
		}
		a.reserved += r.Amount
		return true

	case ReserveEntire:
		if a.entireReserved || a.reserved > 0 {
			return false
		}
		if a.settledBalance == 0 {
			return false
		}
		a.entireReserved = true
		return true

	default:
		// Admitting or denying on a garbled reservation would corrupt
		// account state, so treat it as a fatal precondition violation.
		panic(fmt.Sprintf("scheduler: unknown reservation kind %d", r.Kind))
	}
}

// applySettlement installs the authoritative balance for version and clears
// all outstanding reservations. This is the only way reserved state resets.
func (a *accountState) applySettlement(balance, version uint64) {
	a.settledBalance = balance
	a.reserved = 0
	a.entireReserved = false
	a.settledVersion = version
}

// idle reports whether the account carries no outstanding reservation and
// can be evicted; the state is reconstructible from the balance source.
func (a *accountState) idle() bool {
	return a.reserved == 0 && !a.entireReserved
}
