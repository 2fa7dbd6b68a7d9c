package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/fundsched/internal/scheduler"
	"github.com/terminal-bench/fundsched/pkg/messaging"
)

func TestDecodeReservations(t *testing.T) {
	t.Run("should decode capped and entire kinds", func(t *testing.T) {
		reservations, err := DecodeReservations([]messaging.ReservationRequest{
			{Account: "A", Kind: messaging.ReservationKindCapped, Amount: 100},
			{Account: "B", Kind: messaging.ReservationKindEntire},
		})

		require.NoError(t, err)
		assert.Equal(t, scheduler.Capped(100), reservations["A"])
		assert.Equal(t, scheduler.EntireRemaining(), reservations["B"])
	})

	t.Run("should reject an unknown kind", func(t *testing.T) {
		_, err := DecodeReservations([]messaging.ReservationRequest{
			{Account: "A", Kind: "partial"},
		})

		assert.Error(t, err)
	})

	t.Run("should reject a missing account", func(t *testing.T) {
		_, err := DecodeReservations([]messaging.ReservationRequest{
			{Kind: messaging.ReservationKindCapped, Amount: 1},
		})

		assert.Error(t, err)
	})

	t.Run("should keep the last reservation for a repeated account", func(t *testing.T) {
		reservations, err := DecodeReservations([]messaging.ReservationRequest{
			{Account: "A", Kind: messaging.ReservationKindCapped, Amount: 1},
			{Account: "A", Kind: messaging.ReservationKindCapped, Amount: 2},
		})

		require.NoError(t, err)
		assert.Equal(t, scheduler.Capped(2), reservations["A"])
	})
}
