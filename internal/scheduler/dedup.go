package scheduler

import "sort"

// scheduledBatches tracks which accumulator versions have already been
// scheduled so that redelivery of a batch is a no-op. Versions are kept
// sorted ascending; settled versions are discarded to bound memory.
type scheduledBatches struct {
	versions []uint64
}

// IsScheduled reports whether version has been marked scheduled.
func (b *scheduledBatches) IsScheduled(version uint64) bool {
	i := sort.Search(len(b.versions), func(i int) bool {
		return b.versions[i] >= version
	})
	return i < len(b.versions) && b.versions[i] == version
}

// MarkScheduled records version. Marking an already-recorded version is a
// no-op.
func (b *scheduledBatches) MarkScheduled(version uint64) {
	i := sort.Search(len(b.versions), func(i int) bool {
		return b.versions[i] >= version
	})
	if i < len(b.versions) && b.versions[i] == version {
		return
	}
	b.versions = append(b.versions, 0)
	copy(b.versions[i+1:], b.versions[i:])
	b.versions[i] = version
}

// DiscardBelow drops every entry strictly below version. Safe because a
// settled version can never be rescheduled.
func (b *scheduledBatches) DiscardBelow(version uint64) {
	i := sort.Search(len(b.versions), func(i int) bool {
		return b.versions[i] >= version
	})
	if i > 0 {
		b.versions = append(b.versions[:0], b.versions[i:]...)
	}
}

// Len returns the number of tracked versions.
func (b *scheduledBatches) Len() int {
	return len(b.versions)
}
