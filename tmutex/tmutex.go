// Package tmutex 提供带 TryLock 的互斥锁
// 用于保护半开连接池 控制面只是偶尔访问 数据面不允许在热路径上睡眠
package tmutex

import (
	"sync/atomic"
)

type Mutex struct {
	v  int32
	ch chan struct{}
}

// Init initializes the mutex to the unlocked state.
func (m *Mutex) Init() {
	m.v = 1
	m.ch = make(chan struct{}, 1)
}

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() {
	// ==0时 只有一个锁持有者
	if atomic.AddInt32(&m.v, -1) == 0 {
		return
	}
	for {
		if v := atomic.LoadInt32(&m.v); v >= 0 && atomic.SwapInt32(&m.v, -1) == 1 {
			return
		}
		<-m.ch // 排队阻塞 等待锁释放
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	v := atomic.LoadInt32(&m.v)
	if v <= 0 {
		return false
	}
	return atomic.CompareAndSwapInt32(&m.v, 1, 0)
}

// Unlock releases the mutex and wakes one waiter if any.
func (m *Mutex) Unlock() {
	if atomic.SwapInt32(&m.v, 1) == 0 { // 没有任何等待者
		return
	}

	select {
	case m.ch <- struct{}{}:
	default:
	}
}
