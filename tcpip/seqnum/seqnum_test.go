package seqnum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComparisonsWrapAround(t *testing.T) {
	// 序列号比较必须在回绕点附近依然正确
	a := Value(0xffff_fff0)
	b := Value(0x10)

	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.LessThanEq(a))
	assert.True(t, a.GreaterThanEq(a))
	assert.False(t, b.LessThan(a))
}

func TestAddAndSizeWrapAround(t *testing.T) {
	a := Value(0xffff_fff0)
	b := a.Add(0x20)
	assert.Equal(t, Value(0x10), b)
	assert.Equal(t, Size(0x20), a.Size(b))
}

func TestInRange(t *testing.T) {
	assert.True(t, Value(5).InRange(5, 10))
	assert.True(t, Value(9).InRange(5, 10))
	assert.False(t, Value(10).InRange(5, 10), "half open interval")
	assert.False(t, Value(4).InRange(5, 10))

	// Window straddling the wrap point.
	assert.True(t, Value(0xffff_fffe).InRange(0xffff_fff0, 0x10))
	assert.True(t, Value(5).InRange(0xffff_fff0, 0x10))
	assert.False(t, Value(0x10).InRange(0xffff_fff0, 0x10))
}

func TestInWindow(t *testing.T) {
	assert.True(t, Value(100).InWindow(100, 50))
	assert.True(t, Value(149).InWindow(100, 50))
	assert.False(t, Value(150).InWindow(100, 50))
}

func TestMaxMin(t *testing.T) {
	a := Value(0xffff_fff0)
	b := Value(0x10)
	assert.Equal(t, b, Max(a, b))
	assert.Equal(t, a, Min(a, b))
}

func TestUpdateForward(t *testing.T) {
	v := Value(100)
	v.UpdateForward(50)
	assert.Equal(t, Value(150), v)
}

func TestOverlap(t *testing.T) {
	assert.True(t, Overlap(100, 50, 120, 10))
	assert.True(t, Overlap(100, 50, 149, 100))
	assert.False(t, Overlap(100, 50, 150, 10), "touching is not overlapping")
	assert.False(t, Overlap(100, 50, 90, 10))
}

func TestTimestampComparison(t *testing.T) {
	assert.True(t, Timestamp(0xffff_fff0).LessThan(5))
	assert.True(t, Timestamp(5).LessThanEq(5))
	assert.False(t, Timestamp(5).LessThan(Timestamp(0xffff_fff0)))
}
