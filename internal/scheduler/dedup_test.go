package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScheduledBatches(t *testing.T) {
	t.Run("should report marked versions", func(t *testing.T) {
		var b scheduledBatches

		assert.False(t, b.IsScheduled(5))
		b.MarkScheduled(5)
		assert.True(t, b.IsScheduled(5))
		assert.False(t, b.IsScheduled(4))
		assert.False(t, b.IsScheduled(6))
	})

	t.Run("should keep versions ordered regardless of arrival order", func(t *testing.T) {
		var b scheduledBatches

		for _, v := range []uint64{9, 2, 7, 4} {
			b.MarkScheduled(v)
		}

		assert.Equal(t, []uint64{2, 4, 7, 9}, b.versions)
	})

	t.Run("should ignore duplicate marks", func(t *testing.T) {
		var b scheduledBatches

		b.MarkScheduled(3)
		b.MarkScheduled(3)

		assert.Equal(t, 1, b.Len())
	})

	t.Run("should discard strictly below a version", func(t *testing.T) {
		var b scheduledBatches

		for v := uint64(1); v <= 5; v++ {
			b.MarkScheduled(v)
		}

		b.DiscardBelow(3)

		assert.False(t, b.IsScheduled(1))
		assert.False(t, b.IsScheduled(2))
		assert.True(t, b.IsScheduled(3))
		assert.True(t, b.IsScheduled(5))
		assert.Equal(t, 3, b.Len())
	})

	t.Run("should tolerate discard on empty set", func(t *testing.T) {
		var b scheduledBatches

		b.DiscardBelow(10)

		assert.Equal(t, 0, b.Len())
	})
}
