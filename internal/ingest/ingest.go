// Package ingest consumes withdraw-batch and settlement events from NATS,
// drives the scheduler, and publishes each withdraw's outcome.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/terminal-bench/fundsched/internal/scheduler"
	"github.com/terminal-bench/fundsched/pkg/messaging"
)

// Preloader warms a balance cache for the accounts a batch touches, so the
// scheduler's under-lock reads stay in-process.
type Preloader interface {
	Preload(ctx context.Context, accounts []scheduler.AccountID, version uint64)
	Invalidate(version uint64)
}

// Consumer wires the event stream to the scheduler.
type Consumer struct {
	msg       *messaging.Client
	sched     *scheduler.Scheduler
	preloader Preloader          // may be nil
	onSettled func(version uint64) // may be nil

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a consumer. preloader and onSettled are optional.
func New(msg *messaging.Client, sched *scheduler.Scheduler, preloader Preloader, onSettled func(version uint64)) *Consumer {
	return &Consumer{
		msg:       msg,
		sched:     sched,
		preloader: preloader,
		onSettled: onSettled,
	}
}

// Start subscribes to the batch and settlement subjects. Queue groups keep
// delivery to a single member when several instances run.
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.msg.QueueSubscribe(messaging.SubjectWithdrawBatch, "withdraw-scheduler", c.handleBatch); err != nil {
		return fmt.Errorf("failed to subscribe to batches: %w", err)
	}
	if err := c.msg.QueueSubscribe(messaging.SubjectBalanceSettled, "withdraw-scheduler", c.handleSettlement); err != nil {
		return fmt.Errorf("failed to subscribe to settlements: %w", err)
	}
	return nil
}

// Stop cancels outcome forwarding.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Consumer) handleBatch(msg *nats.Msg) {
	var evt messaging.WithdrawBatchEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		log.Printf("ingest: dropping malformed batch event: %v", err)
		return
	}

	withdraws := make([]scheduler.Withdraw, 0, len(evt.Withdraws))
	results := make([]chan scheduler.Outcome, 0, len(evt.Withdraws))
	accounts := make([]scheduler.AccountID, 0, len(evt.Withdraws))
	for _, req := range evt.Withdraws {
		reservations, err := DecodeReservations(req.Reservations)
		if err != nil {
			// Admitting or denying garbled input would corrupt account
			// state; reject the whole batch before it reaches the core.
			log.Printf("ingest: rejecting batch v%d: tx %s: %v", evt.Version, req.TxID, err)
			return
		}
		ch := make(chan scheduler.Outcome, 1)
		withdraws = append(withdraws, scheduler.Withdraw{
			TxID:         req.TxID,
			Reservations: reservations,
			Result:       ch,
		})
		results = append(results, ch)
		for account := range reservations {
			accounts = append(accounts, account)
		}
	}

	// Warm the cache outside the scheduler lock.
	if c.preloader != nil {
		c.preloader.Preload(c.ctx, accounts, evt.Version)
	}

	c.sched.ScheduleWithdraws(c.ctx, evt.Version, withdraws)

	// Forward outcomes as they arrive; parked withdraws resolve from a
	// later settlement. If that settlement never comes the waiter dies
	// with the consumer; starvation recovery belongs to the settlement
	// producer.
	for i, req := range evt.Withdraws {
		go c.forwardOutcome(evt.Version, req.TxID, results[i])
	}
}

func (c *Consumer) forwardOutcome(version uint64, txID uuid.UUID, ch chan scheduler.Outcome) {
	select {
	case outcome := <-ch:
		evt := messaging.WithdrawOutcomeEvent{
			Version:   version,
			TxID:      txID,
			Outcome:   outcome.String(),
			Timestamp: time.Now(),
		}
		if err := c.msg.Publish(c.ctx, messaging.SubjectWithdrawOutcome, evt); err != nil {
			log.Printf("ingest: failed to publish outcome for tx %s: %v", txID, err)
		}
	case <-c.ctx.Done():
	}
}

func (c *Consumer) handleSettlement(msg *nats.Msg) {
	var evt messaging.SettlementEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		log.Printf("ingest: dropping malformed settlement event: %v", err)
		return
	}

	deltas := make(map[scheduler.AccountID]int64, len(evt.Deltas))
	for account, delta := range evt.Deltas {
		deltas[scheduler.AccountID(account)] = delta
	}

	c.sched.SettleBalances(c.ctx, evt.Version, deltas)

	if c.preloader != nil {
		c.preloader.Invalidate(evt.Version)
	}
	if c.onSettled != nil {
		c.onSettled(evt.Version)
	}
}

// DecodeReservations converts wire reservations to scheduler reservations.
func DecodeReservations(reqs []messaging.ReservationRequest) (map[scheduler.AccountID]scheduler.Reservation, error) {
	reservations := make(map[scheduler.AccountID]scheduler.Reservation, len(reqs))
	for _, r := range reqs {
		if r.Account == "" {
			return nil, fmt.Errorf("reservation missing account")
		}
		switch r.Kind {
		case messaging.ReservationKindCapped:
			reservations[scheduler.AccountID(r.Account)] = scheduler.Capped(r.Amount)
		case messaging.ReservationKindEntire:
			reservations[scheduler.AccountID(r.Account)] = scheduler.EntireRemaining()
		default:
			return nil, fmt.Errorf("unknown reservation kind %q", r.Kind)
		}
	}
	return reservations, nil
}
