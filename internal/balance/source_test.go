package balance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/terminal-bench/fundsched/internal/scheduler"
)

func TestMemorySource(t *testing.T) {
	t.Run("should return zero for unknown accounts", func(t *testing.T) {
		s := NewMemorySource()

		assert.Equal(t, uint64(0), s.GetBalance(context.Background(), "nobody", 5))
	})

	t.Run("should return the balance at or before the version", func(t *testing.T) {
		s := NewMemorySource()
		s.SetBalance("A", 2, 100)
		s.SetBalance("A", 5, 250)

		assert.Equal(t, uint64(0), s.GetBalance(context.Background(), "A", 1))
		assert.Equal(t, uint64(100), s.GetBalance(context.Background(), "A", 2))
		assert.Equal(t, uint64(100), s.GetBalance(context.Background(), "A", 4))
		assert.Equal(t, uint64(250), s.GetBalance(context.Background(), "A", 5))
		assert.Equal(t, uint64(250), s.GetBalance(context.Background(), "A", 99))
	})

	t.Run("should overwrite a balance recorded at the same version", func(t *testing.T) {
		s := NewMemorySource()
		s.SetBalance("A", 3, 10)
		s.SetBalance("A", 3, 20)

		assert.Equal(t, uint64(20), s.GetBalance(context.Background(), "A", 3))
	})

	t.Run("should seed at version zero", func(t *testing.T) {
		s := Seed(map[scheduler.AccountID]uint64{"A": 7, "B": 9})

		assert.Equal(t, uint64(7), s.GetBalance(context.Background(), "A", 0))
		assert.Equal(t, uint64(9), s.GetBalance(context.Background(), "B", 3))
	})
}

func TestCache(t *testing.T) {
	t.Run("should consult the backing source once per account and version", func(t *testing.T) {
		calls := 0
		backing := scheduler.SourceFunc(func(_ context.Context, a scheduler.AccountID, _ uint64) uint64 {
			calls++
			return 500
		})
		c := NewCache(backing, nil, 0)

		assert.Equal(t, uint64(500), c.GetBalance(context.Background(), "A", 1))
		assert.Equal(t, uint64(500), c.GetBalance(context.Background(), "A", 1))
		assert.Equal(t, 1, calls)

		c.GetBalance(context.Background(), "A", 2)
		assert.Equal(t, 2, calls)
	})

	t.Run("should serve preloaded accounts without hitting the backing source", func(t *testing.T) {
		calls := 0
		backing := scheduler.SourceFunc(func(_ context.Context, a scheduler.AccountID, _ uint64) uint64 {
			calls++
			return 10
		})
		c := NewCache(backing, nil, 0)

		c.Preload(context.Background(), []scheduler.AccountID{"A", "B"}, 4)
		assert.Equal(t, 2, calls)

		c.GetBalance(context.Background(), "A", 4)
		c.GetBalance(context.Background(), "B", 4)
		assert.Equal(t, 2, calls)
	})

	t.Run("should refetch after invalidation", func(t *testing.T) {
		balance := uint64(100)
		backing := scheduler.SourceFunc(func(context.Context, scheduler.AccountID, uint64) uint64 {
			return balance
		})
		c := NewCache(backing, nil, 0)

		assert.Equal(t, uint64(100), c.GetBalance(context.Background(), "A", 1))
		balance = 300
		c.Invalidate(2)

		assert.Equal(t, uint64(300), c.GetBalance(context.Background(), "A", 1))
	})

	t.Run("should prefer an explicit update over the backing source", func(t *testing.T) {
		backing := scheduler.SourceFunc(func(context.Context, scheduler.AccountID, uint64) uint64 {
			return 1
		})
		c := NewCache(backing, nil, 0)

		c.Update(context.Background(), "A", 6, 42)

		assert.Equal(t, uint64(42), c.GetBalance(context.Background(), "A", 6))
	})
}
