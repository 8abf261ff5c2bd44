// Package ilist 提供基于索引的侵入式双向链表
//
// 链表节点不持有指针 而是持有宿主池中的下标 这样宿主池扩容搬家后
// 链表依然有效 也不会产生悬空引用 适合 hole/sample 这类池化对象
package ilist

// NilIndex 表示空索引 等价于空指针
const NilIndex = ^uint32(0)

// Entry is embedded in pool elements that are linked into a List.
type Entry struct {
	next uint32
	prev uint32
}

// Next returns the index of the following element, or NilIndex.
func (e *Entry) Next() uint32 { return e.next }

// Prev returns the index of the preceding element, or NilIndex.
func (e *Entry) Prev() uint32 { return e.prev }

// Container resolves an index to the Entry embedded in the pool element.
// 由宿主(洞池、样本池、定时器池)实现
type Container interface {
	Entry(i uint32) *Entry
}

// List keeps the head/tail indices of a chain of pool elements.
type List struct {
	head uint32
	tail uint32
}

// Reset 将链表恢复为空
func (l *List) Reset() {
	l.head = NilIndex
	l.tail = NilIndex
}

// Empty returns true iff the list holds no elements.
func (l *List) Empty() bool {
	return l.head == NilIndex
}

// Front returns the index of the first element, or NilIndex.
func (l *List) Front() uint32 { return l.head }

// Back returns the index of the last element, or NilIndex.
func (l *List) Back() uint32 { return l.tail }

// PushFront inserts element i at the beginning of the list.
func (l *List) PushFront(c Container, i uint32) {
	e := c.Entry(i)
	e.next = l.head
	e.prev = NilIndex

	if l.head != NilIndex {
		c.Entry(l.head).prev = i
	} else {
		l.tail = i
	}
	l.head = i
}

// PushBack inserts element i at the end of the list.
func (l *List) PushBack(c Container, i uint32) {
	e := c.Entry(i)
	e.next = NilIndex
	e.prev = l.tail

	if l.tail != NilIndex {
		c.Entry(l.tail).next = i
	} else {
		l.head = i
	}
	l.tail = i
}

// InsertAfter inserts i after ref.
func (l *List) InsertAfter(c Container, ref, i uint32) {
	r := c.Entry(ref)
	e := c.Entry(i)

	e.prev = ref
	e.next = r.next
	if r.next != NilIndex {
		c.Entry(r.next).prev = i
	} else {
		l.tail = i
	}
	r.next = i
}

// InsertBefore inserts i before ref.
func (l *List) InsertBefore(c Container, ref, i uint32) {
	r := c.Entry(ref)
	e := c.Entry(i)

	e.next = ref
	e.prev = r.prev
	if r.prev != NilIndex {
		c.Entry(r.prev).next = i
	} else {
		l.head = i
	}
	r.prev = i
}

// Remove unlinks element i from the list.
func (l *List) Remove(c Container, i uint32) {
	e := c.Entry(i)

	if e.prev != NilIndex {
		c.Entry(e.prev).next = e.next
	} else {
		l.head = e.next
	}
	if e.next != NilIndex {
		c.Entry(e.next).prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next = NilIndex
	e.prev = NilIndex
}
