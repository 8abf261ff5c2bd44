package ilist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool is a minimal pooled host for the list.
type testPool struct {
	items []struct {
		Entry
		v int
	}
	list List
}

func (p *testPool) Entry(i uint32) *Entry {
	return &p.items[i].Entry
}

func (p *testPool) push(v int) uint32 {
	p.items = append(p.items, struct {
		Entry
		v int
	}{v: v})
	return uint32(len(p.items) - 1)
}

func (p *testPool) values() []int {
	var out []int
	for i := p.list.Front(); i != NilIndex; i = p.Entry(i).Next() {
		out = append(out, p.items[i].v)
	}
	return out
}

func newTestPool() *testPool {
	p := &testPool{}
	p.list.Reset()
	return p
}

func TestPushAndIterate(t *testing.T) {
	p := newTestPool()
	require.True(t, p.list.Empty())

	p.list.PushBack(p, p.push(1))
	p.list.PushBack(p, p.push(2))
	p.list.PushFront(p, p.push(0))

	assert.Equal(t, []int{0, 1, 2}, p.values())
	assert.False(t, p.list.Empty())
	assert.Equal(t, 0, p.items[p.list.Front()].v)
	assert.Equal(t, 2, p.items[p.list.Back()].v)
}

func TestInsertAfterBefore(t *testing.T) {
	p := newTestPool()
	a := p.push(1)
	c := p.push(3)
	p.list.PushBack(p, a)
	p.list.PushBack(p, c)

	p.list.InsertAfter(p, a, p.push(2))
	p.list.InsertBefore(p, a, p.push(0))
	assert.Equal(t, []int{0, 1, 2, 3}, p.values())

	// Inserting after the tail must move the tail.
	p.list.InsertAfter(p, p.list.Back(), p.push(4))
	assert.Equal(t, 4, p.items[p.list.Back()].v)
}

func TestRemove(t *testing.T) {
	p := newTestPool()
	var idx []uint32
	for v := 0; v < 4; v++ {
		i := p.push(v)
		idx = append(idx, i)
		p.list.PushBack(p, i)
	}

	p.list.Remove(p, idx[1]) // middle
	assert.Equal(t, []int{0, 2, 3}, p.values())
	p.list.Remove(p, idx[0]) // head
	assert.Equal(t, []int{2, 3}, p.values())
	p.list.Remove(p, idx[3]) // tail
	assert.Equal(t, []int{2}, p.values())
	p.list.Remove(p, idx[2])
	assert.True(t, p.list.Empty())
}

// The point of index links: the pool may reallocate while linked.
func TestSurvivesPoolRealloc(t *testing.T) {
	p := newTestPool()
	p.list.PushBack(p, p.push(0))
	p.list.PushBack(p, p.push(1))

	// Force many reallocations of the backing array.
	for v := 2; v < 1000; v++ {
		p.list.PushBack(p, p.push(v))
	}

	vals := p.values()
	require.Len(t, vals, 1000)
	for v, got := range vals {
		require.Equal(t, v, got)
	}
}
