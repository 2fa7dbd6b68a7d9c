package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects
const (
	SubjectWithdrawBatch   = "withdraws.batch"
	SubjectBalanceSettled  = "balances.settled"
	SubjectWithdrawOutcome = "withdraws.outcome"
)

// Reservation kinds on the wire.
const (
	ReservationKindCapped = "capped"
	ReservationKindEntire = "entire"
)

// ReservationRequest earmarks funds from one account.
type ReservationRequest struct {
	Account string `json:"account"`
	Kind    string `json:"kind"`
	Amount  uint64 `json:"amount,omitempty"`
}

// WithdrawRequest is one transaction's set of reservations.
type WithdrawRequest struct {
	TxID         uuid.UUID            `json:"tx_id"`
	Reservations []ReservationRequest `json:"reservations"`
}

// WithdrawBatchEvent carries one version's worth of withdraw transactions.
// Versions may be redelivered; within one version the withdraw list is
// expected to be identical across redeliveries.
type WithdrawBatchEvent struct {
	Version   uint64            `json:"version"`
	Withdraws []WithdrawRequest `json:"withdraws"`
	Timestamp time.Time         `json:"timestamp"`
}

// SettlementEvent carries the authoritative balance deltas for a version.
// Accounts absent from Deltas were unchanged by this settlement.
type SettlementEvent struct {
	Version   uint64           `json:"version"`
	Deltas    map[string]int64 `json:"deltas"`
	Timestamp time.Time        `json:"timestamp"`
}

// WithdrawOutcomeEvent reports the final scheduling result for one withdraw.
type WithdrawOutcomeEvent struct {
	Version   uint64    `json:"version"`
	TxID      uuid.UUID `json:"tx_id"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}
