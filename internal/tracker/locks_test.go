package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReleaseDropsJobLocks(t *testing.T) {
	tr := New(nil)
	tr.keyLock("job1", "gather")
	tr.keyLock("job1", "summarise")
	tr.keyLock("job2", "gather")

	tr.Release("job1")

	tr.mu.Lock()
	remaining := len(tr.locks)
	_, job2Kept := tr.locks["job2\x00gather"]
	tr.mu.Unlock()
	assert.Equal(t, 1, remaining)
	assert.True(t, job2Kept)

	// a late transition for the released job recreates its lock on demand
	tr.keyLock("job1", "gather")
	tr.mu.Lock()
	assert.Len(t, tr.locks, 2)
	tr.mu.Unlock()
}

func TestReleaseUnknownJobIsNoOp(t *testing.T) {
	tr := New(nil)
	tr.keyLock("job1", "gather")

	tr.Release("never-seen")

	tr.mu.Lock()
	assert.Len(t, tr.locks, 1)
	tr.mu.Unlock()
}
