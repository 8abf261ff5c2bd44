// Package timerwheel 实现每worker一个的定时器轮
//
// TCP引擎把五类连接定时器挂在这里 启动/取消均为O(1)
// 到期事件由拥有该轮的worker在自己的处理循环里取走
// 绝不跨线程回调 以维持连接单写者的约定
package timerwheel

import (
	"github.com/impact-eintr/tcpcore/ilist"
)

// Handle 是一次Arm的结果 连接用它来取消定时器
// 低32位是池下标 高32位是代数 下标复用后旧句柄自动失效
type Handle uint64

// InvalidHandle 表示该槽位上没有已启动的定时器
const InvalidHandle = ^Handle(0)

// Expired describes one expired timer returned by Tick. Handle lets the
// owner tell a stale expiration from a re-armed slot.
type Expired struct {
	ConnID uint32
	Kind   uint8
	Handle Handle
}

type entry struct {
	ilist.Entry
	connID    uint32
	kind      uint8
	rotations uint32
	slot      uint32
	gen       uint32
	active    bool
}

func (e *entry) handle(i uint32) Handle {
	return Handle(e.gen)<<32 | Handle(i)
}

func (w *Wheel) resolve(h Handle) *entry {
	i := uint32(h)
	if h == InvalidHandle || i >= uint32(len(w.timers)) {
		return nil
	}
	e := &w.timers[i]
	if !e.active || e.gen != uint32(h>>32) {
		return nil
	}
	return e
}

// Wheel is a single-level timer wheel with per-slot intrusive lists.
// 超过一圈的超时通过rotations计数实现
type Wheel struct {
	slots   []ilist.List
	timers  []entry
	free    []uint32
	current uint32
}

// New creates a wheel with nSlots slots. One Tick call advances one slot.
func New(nSlots int) *Wheel {
	if nSlots <= 0 {
		nSlots = 512
	}
	w := &Wheel{slots: make([]ilist.List, nSlots)}
	for i := range w.slots {
		w.slots[i].Reset()
	}
	return w
}

// Entry implements ilist.Container.
func (w *Wheel) Entry(i uint32) *ilist.Entry {
	return &w.timers[i].Entry
}

func (w *Wheel) alloc() uint32 {
	if n := len(w.free); n > 0 {
		i := w.free[n-1]
		w.free = w.free[:n-1]
		return i
	}
	w.timers = append(w.timers, entry{})
	return uint32(len(w.timers) - 1)
}

// Arm schedules a timer ticks slots in the future and returns its handle.
// ticks为0时按1处理 定时器至少活过一个tick
func (w *Wheel) Arm(connID uint32, kind uint8, ticks uint32) Handle {
	if ticks == 0 {
		ticks = 1
	}
	i := w.alloc()
	e := &w.timers[i]
	n := uint32(len(w.slots))
	e.connID = connID
	e.kind = kind
	e.rotations = ticks / n
	e.slot = (w.current + ticks%n) % n
	e.active = true
	w.slots[e.slot].PushBack(w, i)
	return e.handle(i)
}

// Cancel removes a previously armed timer. Cancelling an already expired or
// invalid handle is a no-op.
// 释放连接前必须取消它的所有句柄 否则轮上会留下指向死槽位的表项
func (w *Wheel) Cancel(h Handle) {
	e := w.resolve(h)
	if e == nil {
		return
	}
	w.slots[e.slot].Remove(w, uint32(h))
	e.active = false
	e.gen++
	w.free = append(w.free, uint32(h))
}

// Tick advances the wheel by one slot and returns the expired timers.
func (w *Wheel) Tick() []Expired {
	return w.expireSlot()
}

// Advance advances the wheel by n slots, collecting all expirations.
func (w *Wheel) Advance(n uint32) []Expired {
	var out []Expired
	for ; n > 0; n-- {
		out = append(out, w.expireSlot()...)
	}
	return out
}

func (w *Wheel) expireSlot() []Expired {
	w.current = (w.current + 1) % uint32(len(w.slots))
	l := &w.slots[w.current]

	var out []Expired
	for i := l.Front(); i != ilist.NilIndex; {
		next := w.Entry(i).Next()
		e := &w.timers[i]
		if e.rotations > 0 {
			e.rotations--
		} else {
			l.Remove(w, i)
			h := e.handle(i)
			e.active = false
			e.gen++
			w.free = append(w.free, i)
			out = append(out, Expired{ConnID: e.connID, Kind: e.kind, Handle: h})
		}
		i = next
	}
	return out
}

// Active reports whether the handle refers to a still-armed timer.
func (w *Wheel) Active(h Handle) bool {
	return w.resolve(h) != nil
}
