package timerwheel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiresAtDeadline(t *testing.T) {
	w := New(8)
	h := w.Arm(7, 2, 3)
	require.True(t, w.Active(h))

	assert.Empty(t, w.Tick())
	assert.Empty(t, w.Tick())

	exp := w.Tick()
	require.Len(t, exp, 1)
	assert.Equal(t, uint32(7), exp[0].ConnID)
	assert.Equal(t, uint8(2), exp[0].Kind)
	assert.Equal(t, h, exp[0].Handle)
	assert.False(t, w.Active(h))
}

func TestZeroTicksMeansOne(t *testing.T) {
	w := New(8)
	w.Arm(1, 0, 0)
	assert.Len(t, w.Tick(), 1)
}

func TestRotationsBeyondWheelSize(t *testing.T) {
	w := New(8)
	w.Arm(1, 0, 10) // more than one full turn

	exp := w.Advance(9)
	assert.Empty(t, exp, "first pass only decrements the rotation count")
	exp = w.Advance(8)
	require.Len(t, exp, 1)
	assert.Equal(t, uint32(1), exp[0].ConnID)
}

func TestCancel(t *testing.T) {
	w := New(8)
	h := w.Arm(1, 0, 3)
	w.Cancel(h)

	assert.False(t, w.Active(h))
	assert.Empty(t, w.Advance(8))

	// Cancelling again, or cancelling an expired handle, is a no-op.
	w.Cancel(h)
	w.Cancel(InvalidHandle)
}

func TestHandleGenerations(t *testing.T) {
	w := New(8)
	h1 := w.Arm(1, 0, 3)
	w.Cancel(h1)

	// The slot is reused; the stale handle must not reach the new timer.
	h2 := w.Arm(2, 0, 3)
	require.NotEqual(t, h1, h2)
	w.Cancel(h1)
	assert.True(t, w.Active(h2), "stale cancel is a no-op")

	exp := w.Advance(3)
	require.Len(t, exp, 1)
	assert.Equal(t, h2, exp[0].Handle)
	assert.Equal(t, uint32(2), exp[0].ConnID)
}

func TestRearmWithinAdvanceBatch(t *testing.T) {
	w := New(8)
	h1 := w.Arm(1, 0, 1)
	exp := w.Advance(4)
	require.Len(t, exp, 1)

	// Re-arming after the expiry reuses the pool slot with a new handle, so
	// the owner can tell the collected expiration from the new timer.
	h2 := w.Arm(1, 0, 2)
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, exp[0].Handle, h2)
	assert.True(t, w.Active(h2))
	assert.False(t, w.Active(exp[0].Handle))
}

func TestManyTimersSameSlot(t *testing.T) {
	w := New(8)
	for i := uint32(0); i < 10; i++ {
		w.Arm(i, 0, 2)
	}
	w.Tick()
	exp := w.Tick()
	require.Len(t, exp, 10)
	seen := make(map[uint32]bool)
	for _, e := range exp {
		seen[e.ConnID] = true
	}
	assert.Len(t, seen, 10)
}

func TestAdvanceCollectsInOrder(t *testing.T) {
	w := New(16)
	w.Arm(1, 0, 2)
	w.Arm(2, 0, 5)
	w.Arm(3, 0, 9)

	exp := w.Advance(10)
	require.Len(t, exp, 3)
	assert.Equal(t, uint32(1), exp[0].ConnID)
	assert.Equal(t, uint32(2), exp[1].ConnID)
	assert.Equal(t, uint32(3), exp[2].ConnID)
}
