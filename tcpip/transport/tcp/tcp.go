// Package tcp 实现每连接的TCP传输引擎
//
// 引擎只做协议状态机/丢包检测/拥塞控制/重传定时/速率估计
// 报文IO 邻居解析 路由查找 会话fifo 以及调度运行时都是外部协作者
package tcp

import (
	"fmt"
	"hash/fnv"

	"github.com/impact-eintr/tcpcore/logger"
	"github.com/impact-eintr/tcpcore/rand"
	"github.com/impact-eintr/tcpcore/tcpip"
	"github.com/impact-eintr/tcpcore/tcpip/header"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
	"github.com/impact-eintr/tcpcore/timerwheel"
	"github.com/impact-eintr/tcpcore/tmutex"
)

const (
	// ProtocolName is the string representation of the tcp protocol name.
	ProtocolName = "tcp"

	// defaultMSS 无MSS选项时的保守值 RFC1122
	defaultMSS = 536

	// timerTickMs 定时器轮的粒度 引擎内部时间単位是毫秒
	timerTickMs = 100

	// rtoMin/rtoMax RFC6298的钳位 最小值取200ms 低于标准的1s
	rtoMin  = 200
	rtoMax  = 60_000
	rtoInit = 1000

	// rtoSynRetries SYN阶段不翻倍RTO的重试次数
	rtoSynRetries = 3

	// rtoBoffMax 超过该退避次数后连接复位
	rtoBoffMax = 8

	// establishTimeoutMs 建连的绝对超时
	establishTimeoutMs = 60_000

	// nDupAckThreshold is the number of duplicate ACK's required
	// before fast-retransmit is entered.
	nDupAckThreshold = 3

	// initialCwndSegs is the initial congestion window, in segments.
	initialCwndSegs = 10

	// pawsIdleMs PAWS时间戳的老化期 24天
	pawsIdleMs = 24 * 24 * 60 * 60 * 1000

	// maxRxtBurst 单次进入重传逻辑最多重发的段数
	maxRxtBurst = 10
)

// Timer kinds, one slot each in Connection.timers.
const (
	timerRetransmit = iota
	timerDelack
	timerPersist
	timerWaitclose
	timerRetransmitSyn
	numTimers
)

var timerNames = [numTimers]string{
	"RETRANSMIT", "DELACK", "PERSIST", "WAITCLOSE", "RETRANSMIT_SYN",
}

// Connection flags. 可扩展的位集合
const (
	// connSndAck means an ack should be pushed out at end of dispatch.
	connSndAck uint16 = 1 << iota
	connFinSent
	connFinPending
	connFinReceived
	// connRecovery 超时重传或PRR主导的恢复
	connRecovery
	// connFastRecovery RFC5681快速恢复 与connRecovery互斥
	connFastRecovery
	// connFrxtFirst 恢复开始时先重传队首
	connFrxtFirst
	connZeroRwndSent
	connHalfOpenDone
)

// ConnectionID 连接四元组加所属worker 创建后不再变化
type ConnectionID struct {
	LocalAddress  string
	RemoteAddress string
	LocalPort     uint16
	RemotePort    uint16
}

// TxQueue is the application byte stream pending transmission. Offsets are
// relative to sndUna.
// 会话层fifo的窄接口
type TxQueue interface {
	// Len returns the number of bytes queued, starting at sndUna.
	Len() int

	// Peek copies queued bytes at the given offset into b, returning the
	// number of bytes copied.
	Peek(offset int, b []byte) int

	// Discard drops n acknowledged bytes from the front of the queue.
	Discard(n int)
}

// RxSink receives payload accepted into the receive window.
type RxSink interface {
	// Enqueue writes b at offset bytes past rcvNxt. For offset 0 it returns
	// the number of in-order bytes now available, including any previously
	// buffered out-of-order data that the write made contiguous. For
	// out-of-order writes it returns 0.
	Enqueue(offset uint32, b []byte) uint32
}

// softErrors RFC4898 tcpEStatsStackSoftErrors
type softErrors struct {
	belowDataWnd uint32
	aboveDataWnd uint32
	belowAckWnd  uint32
	aboveAckWnd  uint32
}

// Connection 每个TCP端点一条记录 只会被其所属worker修改
type Connection struct {
	wrk *workerCtx
	id  uint32 // index in the owning worker's pool
	cID ConnectionID

	state State
	flags uint16

	// timers 每类定时器至多一个活跃句柄
	timers [numTimers]timerwheel.Handle

	segsIn, bytesIn   uint64
	segsOut, bytesOut uint64
	dupacksIn         uint32
	errors            softErrors

	// segAction 当前正在分发的段的处置结果
	segAction Action

	// Send sequence variables RFC793.
	iss       seqnum.Value
	sndUna    seqnum.Value // oldest unacknowledged sequence number
	sndUnaMax seqnum.Value // newest unacknowledged sequence number + 1
	sndNxt    seqnum.Value // next seq number to be sent
	sndWnd    seqnum.Size  // send window
	sndWl1    seqnum.Value // seq number used for last sndWnd update
	sndWl2    seqnum.Value // ack number used for last sndWnd update
	sndMss    uint16       // effective send max seg (data) size

	// Receive sequence variables RFC793.
	irs    seqnum.Value
	rcvNxt seqnum.Value // next sequence number expected
	rcvWnd seqnum.Size  // receive window we advertise
	rcvLas seqnum.Value // rcvNxt at last ack sent

	// Options.
	rcvWscale      uint8
	sndWscale      uint8
	sendTS         bool
	tsvalRecent    uint32
	tsvalRecentAge uint32
	tsecrLastAck   uint32
	sackPermitted  bool
	sndSacks       header.SACKInfo // blocks we advertise to the peer
	sackSb         scoreboard      // holes in our own send space

	rcvDupacks uint16

	// Congestion control.
	cwnd            uint32
	ssthresh        uint32
	prevSsthresh    uint32
	prevCwnd        uint32
	cwndAccBytes    uint32
	bytesAcked      uint32 // bytes acknowledged by current segment
	burstAcked      uint32
	sndRxtBytes     uint32 // retransmitted bytes during current cc event
	rxtDelivered    uint32 // rxt bytes delivered during current cc event
	sndRxtTs        uint32
	prrDelivered    uint32       // RFC6937 bytes delivered during current event
	prrStart        seqnum.Value // sndUna when prr starts
	rxtHead       seqnum.Value // sndUna last time we rxted the head
	sndCongestion seqnum.Value // sndUnaMax when congestion was detected
	txFifoSize    uint32
	cc            congestionControl
	ccName        string

	frOccurrences uint32
	trOccurrences uint32
	bytesRetrans  uint64
	segsRetrans   uint64

	// RTT and RTO, all in ms except the float timestamps.
	rto     uint32
	rtoBoff uint32
	srtt    uint32
	rttvar  uint32
	rttSeq  seqnum.Value // sequence number for tracked RTT sample
	rttTs   float64      // timestamp for tracked sample

	// Delivery rate estimation.
	delivered     uint64  // total bytes delivered to peer
	appLimited    uint64  // delivered when app-limited detected
	deliveredTime float64 // time last bytes were acked
	firstTxTime   float64 // send time for recently delivered/sent
	bt            *byteTracker

	startTs float64

	txq TxQueue
	rx  RxSink

	// accept 仅对监听连接有效 新连接完成三次握手时回调
	accept func(tc *Connection) (TxQueue, RxSink)
}

// workerCtx 每个硬件线程一个 连接与定时器轮都归它私有
type workerCtx struct {
	stack *Stack
	id    uint8

	// timeMs 单调毫秒时钟 由调度运行时推进
	timeMs uint32
	timeF  float64 // high precision time, seconds

	wheel   *timerwheel.Wheel
	tickRem uint32 // ms not yet turned into wheel ticks

	conns []*Connection
	free  []uint32

	// pendingDisconnects 超时致命的连接 等待会话层收尸
	pendingDisconnects []*Connection
}

// Stack 相当于源实现的tcp_main 持有全部worker与半开连接池
type Stack struct {
	cfg     tcpip.Config
	workers []*workerCtx

	// halfOpen 唯一允许跨线程访问的结构 由tmutex保护
	halfOpenLock tmutex.Mutex
	halfOpen     map[*Connection]struct{}

	issSeed [2]uint64

	// SendSegment 把构造好的段交给外部的封包/IO层
	sendSegment func(tc *Connection, s *SegmentSpec)
}

// NewStack creates the engine with one worker context per worker.
func NewStack(cfg tcpip.Config, numWorkers int, send func(tc *Connection, s *SegmentSpec)) *Stack {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	s := &Stack{
		cfg:         cfg,
		halfOpen:    make(map[*Connection]struct{}),
		sendSegment: send,
	}
	s.halfOpenLock.Init()
	s.issSeed[0] = rand.Uint64()
	s.issSeed[1] = rand.Uint64()
	for i := 0; i < numWorkers; i++ {
		s.workers = append(s.workers, &workerCtx{
			stack: s,
			id:    uint8(i),
			wheel: timerwheel.New(512),
		})
	}
	return s
}

// Worker returns the i-th worker context.
func (s *Stack) Worker(i int) *workerCtx {
	return s.workers[i]
}

// Config returns the static configuration the stack was created with.
func (s *Stack) Config() tcpip.Config {
	return s.cfg
}

// SetNow 由调度运行时在每个处理批次前调用 推进时钟与定时器轮
// 到期回调在当前worker的循环里同步执行 绝不跨线程
func (wrk *workerCtx) SetNow(nowMs uint32, nowF float64) {
	elapsed := nowMs - wrk.timeMs
	wrk.timeMs = nowMs
	wrk.timeF = nowF

	wrk.tickRem += elapsed
	ticks := wrk.tickRem / timerTickMs
	wrk.tickRem %= timerTickMs
	if ticks == 0 {
		return
	}
	for _, exp := range wrk.wheel.Advance(ticks) {
		wrk.handleExpired(exp)
	}
}

// Now returns the worker's monotonic time in ms.
func (wrk *workerCtx) Now() uint32 { return wrk.timeMs }

// PendingDisconnects 取走由超时强制关闭的连接 供会话层发连接复位通知
func (wrk *workerCtx) PendingDisconnects() []*Connection {
	out := wrk.pendingDisconnects
	wrk.pendingDisconnects = nil
	return out
}

// allocConnection 从worker私有池里分配 槽位耗尽返回错误 不留半成品
func (wrk *workerCtx) allocConnection() (*Connection, *tcpip.Error) {
	var id uint32
	if n := len(wrk.free); n > 0 {
		id = wrk.free[n-1]
		wrk.free = wrk.free[:n-1]
	} else {
		if max := wrk.stack.cfg.MaxConnsPerWorker; max != 0 && uint32(len(wrk.conns)) >= max {
			return nil, tcpip.ErrPoolExhausted
		}
		wrk.conns = append(wrk.conns, nil)
		id = uint32(len(wrk.conns) - 1)
	}
	tc := &Connection{wrk: wrk, id: id}
	wrk.conns[id] = tc
	for i := range tc.timers {
		tc.timers[i] = timerwheel.InvalidHandle
	}
	return tc, nil
}

// freeConnection 归还槽位 调用者必须先取消所有定时器
// 过早复用槽位是正确性bug 定时器轮或查找表会指到死槽位
func (wrk *workerCtx) freeConnection(tc *Connection) {
	for i := range tc.timers {
		if tc.timers[i] != timerwheel.InvalidHandle {
			logger.Errorf("conn %v freed with active %s timer", tc.cID, timerNames[i])
			wrk.wheel.Cancel(tc.timers[i])
			tc.timers[i] = timerwheel.InvalidHandle
		}
	}
	if tc.bt != nil {
		tc.bt = nil
	}
	wrk.conns[tc.id] = nil
	wrk.free = append(wrk.free, tc.id)
	tc.wrk = nil
}

// generateISS derives the initial send sequence from the tuple and the
// stack-wide random seed.
func (s *Stack) generateISS(id ConnectionID) seqnum.Value {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s|%d|%d", id.LocalAddress, id.LocalPort,
		id.RemoteAddress, id.RemotePort, s.issSeed[0])
	return seqnum.Value(h.Sum64() ^ s.issSeed[1])
}

// initConnection 建立时读取一次静态配置 之后不再回头看
func (s *Stack) initConnection(tc *Connection, id ConnectionID) *tcpip.Error {
	tc.cID = id
	tc.sndMss = s.cfg.DefaultMTU - 40 // ip + tcp headers
	if tc.sndMss == 0 {
		tc.sndMss = defaultMSS
	}
	tc.rcvWnd = seqnum.Size(s.cfg.MaxRxFifo)
	tc.txFifoSize = s.cfg.MaxRxFifo
	tc.rcvWscale = windowScale(s.cfg.MaxRxFifo)
	tc.sackPermitted = s.cfg.EnableSACK
	tc.rto = rtoInit
	tc.startTs = tc.wrk.timeF

	cc, err := newCC(s.cfg.CongestionControl)
	if err != nil {
		return err
	}
	tc.cc = cc
	tc.ccName = s.cfg.CongestionControl

	tc.sackSb.init()
	return nil
}

// initSndVars 发送变量只有在真正要发SYN时才初始化
func (tc *Connection) initSndVars() {
	tc.iss = tc.wrk.stack.generateISS(tc.cID)
	tc.sndUna = tc.iss
	tc.sndNxt = tc.iss
	tc.sndUnaMax = tc.iss
	tc.sndCongestion = tc.iss
	tc.prrStart = tc.iss
	tc.rxtHead = tc.iss
	tc.rttSeq = tc.iss
	tc.cwnd = tc.initialCwnd()
	tc.ssthresh = tc.txFifoSize
	tc.cc.Init(tc)
	if tc.wrk.stack.cfg.EnableRateSample {
		tc.bt = newByteTracker()
	}
}

// initialCwnd as per RFC5681, with the configured multiplier override.
func (tc *Connection) initialCwnd() uint32 {
	mss := uint32(tc.sndMss)
	if m := tc.wrk.stack.cfg.InitialCwndMultiplier; m > 0 {
		return uint32(m) * mss
	}
	switch {
	case mss > 2190:
		return 2 * mss
	case mss > 1095:
		return 3 * mss
	default:
		return 4 * mss
	}
}

// windowScale picks the RFC7323 shift that makes the fifo fit in 16 bits.
func windowScale(maxFifo uint32) uint8 {
	var ws uint8
	for ws < 14 && maxFifo>>ws > 0xffff {
		ws++
	}
	return ws
}

// Flag helpers, after the source's tcp_in_fastrecovery and friends.

func (tc *Connection) inFastRecovery() bool { return tc.flags&connFastRecovery != 0 }
func (tc *Connection) inRecovery() bool     { return tc.flags&connRecovery != 0 }
func (tc *Connection) inCongRecovery() bool {
	return tc.flags&(connFastRecovery|connRecovery) != 0
}
func (tc *Connection) inSlowStart() bool { return tc.cwnd < tc.ssthresh }

// fastRecoveryOn 两种恢复模式互斥 进入一种就清掉另一种
func (tc *Connection) fastRecoveryOn() {
	tc.flags = tc.flags&^connRecovery | connFastRecovery
}
func (tc *Connection) recoveryOn() {
	tc.flags = tc.flags&^connFastRecovery | connRecovery
}
func (tc *Connection) congRecoveryOff() {
	tc.flags &^= connFastRecovery | connRecovery | connFrxtFirst
}

// bytesOut is our estimate of the number of bytes that have left the network.
func (tc *Connection) bytesOutstandingEstimate() uint32 {
	if tc.sackPermitted {
		return tc.sackSb.sackedBytes + tc.sackSb.lostBytes
	}
	out := uint32(tc.rcvDupacks) * uint32(tc.sndMss)
	if inflight := uint32(tc.sndNxt - tc.sndUna); out > inflight {
		out = inflight
	}
	return out
}

// flightSize is our estimate of the number of bytes in flight (pipe size).
// 为负说明记账坏了 属于编程错误 上报并按0处理 绝不静默
func (tc *Connection) flightSize() uint32 {
	fs := int(tc.sndNxt-tc.sndUna) - int(tc.bytesOutstandingEstimate()) +
		int(tc.sndRxtBytes) - int(tc.rxtDelivered)
	if fs < 0 {
		countDrop(reasonInvariant)
		logger.Errorf("%v negative flight size %d", tc.cID, fs)
		return 0
	}
	return uint32(fs)
}

// State returns the connection's FSM state.
func (tc *Connection) State() State { return tc.state }

// ID returns the immutable connection identity.
func (tc *Connection) ID() ConnectionID { return tc.cID }

// String implements fmt.Stringer.String.
func (tc *Connection) String() string {
	return fmt.Sprintf("%s:%d->%s:%d %s una %d nxt %d wnd %d cwnd %d ssthresh %d rto %d boff %d",
		tc.cID.LocalAddress, tc.cID.LocalPort, tc.cID.RemoteAddress, tc.cID.RemotePort,
		tc.state, tc.sndUna, tc.sndNxt, tc.sndWnd, tc.cwnd, tc.ssthresh, tc.rto, tc.rtoBoff)
}

// NewListener creates a listening connection on the given worker. accept is
// invoked when a passively opened connection reaches ESTABLISHED and must
// supply its fifos.
func (s *Stack) NewListener(worker int, id ConnectionID, accept func(tc *Connection) (TxQueue, RxSink)) (*Connection, *tcpip.Error) {
	wrk := s.workers[worker]
	tc, err := wrk.allocConnection()
	if err != nil {
		return nil, err
	}
	if err := s.initConnection(tc, id); err != nil {
		wrk.freeConnection(tc)
		return nil, err
	}
	tc.accept = accept
	tc.setState(StateListen)
	return tc, nil
}

// OpenConnection performs an active open: allocates the connection on its
// worker, registers it in the half-open pool and sends a SYN.
// 半开池可能被控制面访问 所以这里是引擎里唯一会拿锁的地方
func (s *Stack) OpenConnection(worker int, id ConnectionID, txq TxQueue, rx RxSink) (*Connection, *tcpip.Error) {
	wrk := s.workers[worker]
	tc, err := wrk.allocConnection()
	if err != nil {
		return nil, err
	}
	if err := s.initConnection(tc, id); err != nil {
		wrk.freeConnection(tc)
		return nil, err
	}
	tc.txq = txq
	tc.rx = rx
	tc.initSndVars()

	s.halfOpenLock.Lock()
	s.halfOpen[tc] = struct{}{}
	s.halfOpenLock.Unlock()

	tc.sendSyn()
	tc.setState(StateSynSent)
	tc.timerSet(timerRetransmitSyn, tc.rto)
	logger.Debugf(logger.HANDSHAKE, "%v active open, iss %d", tc.cID, tc.iss)
	return tc, nil
}

// halfOpenDone removes tc from the half-open pool once the handshake
// completes or the connection dies.
func (s *Stack) halfOpenDone(tc *Connection) {
	if tc.flags&connHalfOpenDone != 0 {
		return
	}
	tc.flags |= connHalfOpenDone
	s.halfOpenLock.Lock()
	delete(s.halfOpen, tc)
	s.halfOpenLock.Unlock()
}

// cleanup cancels every timer and returns the slot to the pool. This is the
// only way a connection dies; callers transition state first.
func (tc *Connection) cleanup() {
	tc.timersReset()
	tc.wrk.stack.halfOpenDone(tc)
	if tc.cc != nil {
		tc.cc.Cleanup(tc)
	}
	tc.setState(StateClosed)
	tc.wrk.freeConnection(tc)
}

// Reset aborts the connection: RST out, timers cancelled, slot freed.
func (tc *Connection) Reset() {
	if tc.state == StateClosed {
		return
	}
	tc.sendReset()
	countEvent(eventConnectionReset)
	tc.notifyDisconnect()
	tc.cleanup()
}

// notifyDisconnect 把致命错误交给会话层 以连接复位通知的形式
func (tc *Connection) notifyDisconnect() {
	tc.wrk.pendingDisconnects = append(tc.wrk.pendingDisconnects, tc)
}

// Close starts a graceful teardown. If the tx queue still holds data the FIN
// is deferred until it drains.
func (tc *Connection) Close() *tcpip.Error {
	switch tc.state {
	case StateEstablished:
		tc.programFin()
		tc.setState(StateFinWait1)
		tc.timerUpdate(timerWaitclose, tc.wrk.stack.cfg.FinWait1Time)
	case StateCloseWait:
		tc.programFin()
		tc.setState(StateLastAck)
		tc.timerUpdate(timerWaitclose, tc.wrk.stack.cfg.LastAckTime)
	case StateSynSent, StateSynRcvd:
		// Nothing sent or nothing accepted yet: abort quietly.
		tc.cleanup()
	case StateClosed:
		return tcpip.ErrInvalidState
	default:
		return tcpip.ErrInvalidState
	}
	return nil
}

// programFin sends the FIN now if all queued data has been sent, otherwise
// marks it pending for the output path.
func (tc *Connection) programFin() {
	if tc.txq != nil && tc.txq.Len() > int(tc.sndNxt-tc.sndUna) {
		tc.flags |= connFinPending
		return
	}
	tc.sendFin()
}
