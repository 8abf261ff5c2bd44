package tcp

import (
	"fmt"

	"github.com/impact-eintr/tcpcore/ilist"
	"github.com/impact-eintr/tcpcore/logger"
	"github.com/impact-eintr/tcpcore/tcpip/header"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

// SACK记分板 RFC6675
//
// 洞表示发送序列空间里尚未确认送达的半开区间 [start, end)
// 洞按start有序 互不重叠 且与已sack区间一起恰好铺满
// [sndUna, highSacked] 这是全模块最重要的不变量
//
// 洞池用下标串链 池扩容不会使链表失效

const invalidHoleIndex = ilist.NilIndex

type scoreboardHole struct {
	ilist.Entry
	start  seqnum.Value
	end    seqnum.Value
	isLost bool
}

func (h *scoreboardHole) size() seqnum.Size {
	return h.start.Size(h.end)
}

type scoreboard struct {
	holes []scoreboardHole
	free  []uint32
	list  ilist.List

	sackedBytes        uint32 // number of bytes sacked in sb
	lastSackedBytes    uint32 // number of bytes last sacked
	lastBytesDelivered uint32 // sack bytes delivered to app by cumulative ack
	rxtSacked          uint32 // rxt bytes last delivered
	lostBytes          uint32 // bytes lost as per RFC6675
	lastLostBytes      uint32

	highSacked seqnum.Value // highest byte sacked (fack)
	highRxt    seqnum.Value // highest retransmitted sequence
	rescueRxt  seqnum.Value // rescue retransmission sequence

	curRxtHole uint32 // retransmitting from this hole
	isReneging bool
}

// Entry implements ilist.Container.
func (sb *scoreboard) Entry(i uint32) *ilist.Entry {
	return &sb.holes[i].Entry
}

func (sb *scoreboard) init() {
	sb.list.Reset()
	sb.curRxtHole = invalidHoleIndex
}

// clear discards all holes and counters. Used on teardown.
func (sb *scoreboard) clear() {
	for i := sb.list.Front(); i != invalidHoleIndex; {
		next := sb.Entry(i).Next()
		sb.list.Remove(sb, i)
		sb.free = append(sb.free, i)
		i = next
	}
	sb.sackedBytes = 0
	sb.lastSackedBytes = 0
	sb.lastBytesDelivered = 0
	sb.rxtSacked = 0
	sb.lostBytes = 0
	sb.lastLostBytes = 0
	sb.curRxtHole = invalidHoleIndex
	sb.isReneging = false
}

// initRxt restarts the scoreboard after an RTO: all outstanding data counts
// as unacknowledged again, whatever was sacked before.
func (sb *scoreboard) initRxt(sndUna seqnum.Value) {
	sb.clear()
	sb.highSacked = sndUna
	sb.highRxt = sndUna
	sb.rescueRxt = sndUna - 1
}

func (sb *scoreboard) allocHole() uint32 {
	if n := len(sb.free); n > 0 {
		i := sb.free[n-1]
		sb.free = sb.free[:n-1]
		sb.holes[i] = scoreboardHole{}
		return i
	}
	sb.holes = append(sb.holes, scoreboardHole{})
	return uint32(len(sb.holes) - 1)
}

func (sb *scoreboard) removeHole(i uint32) {
	if sb.holes[i].isLost {
		sb.lostBytes -= uint32(sb.holes[i].size())
	}
	if sb.curRxtHole == i {
		sb.curRxtHole = invalidHoleIndex
	}
	sb.list.Remove(sb, i)
	sb.free = append(sb.free, i)
}

// insertAfter inserts a new hole [start, end) after prev, or at the head if
// prev is invalid.
func (sb *scoreboard) insertAfter(prev uint32, start, end seqnum.Value) uint32 {
	i := sb.allocHole()
	sb.holes[i].start = start
	sb.holes[i].end = end
	if prev == invalidHoleIndex {
		sb.list.PushFront(sb, i)
	} else {
		sb.list.InsertAfter(sb, prev, i)
	}
	return i
}

func (sb *scoreboard) firstHole() uint32 { return sb.list.Front() }
func (sb *scoreboard) lastHole() uint32  { return sb.list.Back() }

func (sb *scoreboard) hole(i uint32) *scoreboardHole {
	if i == invalidHoleIndex {
		return nil
	}
	return &sb.holes[i]
}

// holeBytes sums the sizes of all holes. 校验铺满不变量用
func (sb *scoreboard) holeBytes() uint32 {
	var n uint32
	for i := sb.list.Front(); i != invalidHoleIndex; i = sb.Entry(i).Next() {
		n += uint32(sb.holes[i].size())
	}
	return n
}

// subtractRange removes [s, e) from the holes, splitting where needed.
// Returns the number of hole bytes removed.
func (sb *scoreboard) subtractRange(s, e seqnum.Value, trackRxt bool) uint32 {
	var removed uint32
	for i := sb.list.Front(); i != invalidHoleIndex; {
		next := sb.Entry(i).Next()
		h := &sb.holes[i]

		if h.end.LessThanEq(s) {
			i = next
			continue
		}
		if e.LessThanEq(h.start) {
			break
		}

		lo := seqnum.Max(h.start, s)
		hi := seqnum.Min(h.end, e)
		cut := uint32(lo.Size(hi))
		removed += cut
		if trackRxt && lo.LessThan(sb.highRxt) {
			// 被sack的字节里有我们重传过的部分 在途字节记账要用
			sb.rxtSacked += uint32(lo.Size(seqnum.Min(hi, sb.highRxt)))
		}

		switch {
		case s.LessThanEq(h.start) && h.end.LessThanEq(e):
			// removeHole does the lost accounting.
			sb.removeHole(i)
		case s.LessThanEq(h.start):
			if h.isLost {
				sb.lostBytes -= cut
			}
			h.start = e
		case h.end.LessThanEq(e):
			if h.isLost {
				sb.lostBytes -= cut
			}
			h.end = s
		default:
			// Strict middle: split. 拆出的两半都继承isLost
			if h.isLost {
				sb.lostBytes -= cut
			}
			oldEnd := h.end
			h.end = s
			ni := sb.insertAfter(i, e, oldEnd)
			sb.holes[ni].isLost = sb.holes[i].isLost
		}
		i = next
	}
	return removed
}

// rcvSacks 处理一个带新SACK信息或推进累计确认的ACK
// 调用时 tc.sndUna 仍是旧值 blocks 已由调用方去重排序
func (sb *scoreboard) rcvSacks(tc *Connection, ack seqnum.Value, blocks []header.SACKBlock) {
	oldSacked := sb.sackedBytes
	sb.lastSackedBytes = 0
	sb.lastBytesDelivered = 0
	sb.lastLostBytes = 0
	sb.rxtSacked = 0

	if sb.highSacked.LessThan(tc.sndUna) {
		sb.highSacked = tc.sndUna
	}

	// 先处理累计确认 ack以下的洞随之消失
	if tc.sndUna.LessThan(ack) {
		acked := uint32(tc.sndUna.Size(ack))
		holeBytesBelow := sb.subtractRange(tc.sndUna, ack, false)
		if ack.GreaterThan(sb.highSacked) {
			// Ack advanced beyond everything we tracked.
			sb.highSacked = ack
		} else {
			// 之前被sack的那部分此刻才真正交付给应用
			sb.lastBytesDelivered = acked - holeBytesBelow
		}
	}

	base := seqnum.Max(tc.sndUna, ack)

	// Validate and trim the blocks.
	var blks []header.SACKBlock
	for _, b := range blocks {
		if !b.Start.LessThan(b.End) || b.End.GreaterThan(tc.sndUnaMax) ||
			b.End.LessThanEq(base) {
			// Malformed or superseded by the cumulative ack.
			continue
		}
		if b.Start.LessThan(base) {
			b.Start = base
		}
		blks = append(blks, b)
	}

	// 记分板一旦激活 洞与已sack区间合起来铺满 [base, sndUnaMax)
	// 新发出的数据通过延长尾洞并入
	active := !sb.list.Empty() || sb.sackedBytes > 0
	if len(blks) > 0 || active {
		sb.extendCoverage(base, tc.sndUnaMax)
	}

	// Carve each block out of the holes it overlaps.
	for _, b := range blks {
		if b.End.GreaterThan(sb.highSacked) {
			sb.highSacked = b.End
		}
		sb.subtractRange(b.Start, b.End, true)
	}

	// Reneging: the peer's cumulative ack stopped inside a range it
	// previously sacked.
	first := sb.hole(sb.firstHole())
	switch {
	case first != nil && ack.LessThan(first.start) && ack.GreaterThanEq(base):
		sb.isReneging = true
	case first == nil && sb.highSacked.GreaterThan(ack) && oldSacked > 0:
		sb.isReneging = true
	default:
		sb.isReneging = false
	}

	// Recompute the aggregate counters from the tiling invariant. Only the
	// region below highSacked counts; the tail hole past it is merely
	// outstanding, not evidence of loss.
	tracked := uint32(base.Size(sb.highSacked))
	sb.sackedBytes = tracked - sb.holeBytesBelow(sb.highSacked)
	newSacked := sb.sackedBytes + sb.lastBytesDelivered
	if newSacked > oldSacked {
		sb.lastSackedBytes = newSacked - oldSacked
	}

	sb.markLost(tc, false)

	logger.Debugf(logger.SACK, "%v sb: sacked %d lost %d high_sacked %d holes %d",
		tc.cID, sb.sackedBytes, sb.lostBytes, sb.highSacked, sb.holeBytes())
}

// extendCoverage grows the hole set so that holes plus sacked ranges cover
// [base, unaMax).
func (sb *scoreboard) extendCoverage(base, unaMax seqnum.Value) {
	li := sb.lastHole()
	if li == invalidHoleIndex {
		start := seqnum.Max(sb.highSacked, base)
		if start.LessThan(unaMax) {
			sb.insertAfter(invalidHoleIndex, start, unaMax)
		}
		return
	}
	h := &sb.holes[li]
	if h.end.GreaterThanEq(unaMax) {
		return
	}
	if h.end.GreaterThanEq(sb.highSacked) {
		// Tail hole grows with new transmissions.
		h.end = unaMax
		return
	}
	if sb.highSacked.LessThan(unaMax) {
		sb.insertAfter(li, sb.highSacked, unaMax)
	}
}

// holeBytesBelow sums hole bytes below limit.
func (sb *scoreboard) holeBytesBelow(limit seqnum.Value) uint32 {
	var n uint32
	for i := sb.list.Front(); i != invalidHoleIndex; i = sb.Entry(i).Next() {
		h := &sb.holes[i]
		if h.start.GreaterThanEq(limit) {
			break
		}
		n += uint32(h.start.Size(seqnum.Min(h.end, limit)))
	}
	return n
}

// markLost implements the RFC6675 "Update" walk: a hole is lost once enough
// data beyond it has been sacked, or once an RTO covered it. isLost is sticky
// until the hole closes.
//
// 阈值是策略常量 LossThresholdSegs*MSS 的"一个RTT当量"
func (sb *scoreboard) markLost(tc *Connection, rtoOccurred bool) {
	thresh := seqnum.Size(tc.wrk.stack.cfg.LossThresholdSegs * uint32(tc.sndMss))
	for i := sb.list.Front(); i != invalidHoleIndex; i = sb.Entry(i).Next() {
		h := &sb.holes[i]
		if h.isLost {
			continue
		}
		if rtoOccurred || h.end.Add(thresh).LessThanEq(sb.highSacked) {
			h.isLost = true
			n := uint32(h.size())
			sb.lostBytes += n
			sb.lastLostBytes += n
		}
	}
}

// nextRxtHole selects the next hole eligible for retransmission in start
// order. Returns invalidHoleIndex when no hole qualifies; canRescue is set
// when every known hole was already retransmitted but losses are still
// suspected, sndLimited when the only candidates are not SACK-proven lost.
func (sb *scoreboard) nextRxtHole(from uint32, haveUnsent bool) (idx uint32, canRescue, sndLimited bool) {
	i := from
	if i == invalidHoleIndex {
		i = sb.curRxtHole
	}
	if i == invalidHoleIndex {
		i = sb.list.Front()
	}

	// Skip holes already retransmitted at or above highRxt. They get
	// another chance only via rescue or RTO.
	for i != invalidHoleIndex && sb.holes[i].end.LessThanEq(sb.highRxt) {
		i = sb.Entry(i).Next()
	}

	if i == invalidHoleIndex {
		sb.curRxtHole = invalidHoleIndex
		canRescue = !sb.list.Empty()
		return invalidHoleIndex, canRescue, false
	}

	h := &sb.holes[i]
	if h.start.LessThan(sb.highSacked) {
		// SACK-proven: data beyond the hole was received.
		sb.curRxtHole = i
		return i, false, false
	}

	// Hole beyond highSacked: prefer new data if we have any.
	if haveUnsent {
		return invalidHoleIndex, false, false
	}
	sb.curRxtHole = i
	return i, false, true
}

// clearReneging re-installs a single hole covering the reneged range: all of
// it must be treated as outstanding again.
func (sb *scoreboard) clearReneging(start, end seqnum.Value) {
	reneged := sb.isReneging
	sb.clear()
	sb.isReneging = reneged
	if start.LessThan(end) {
		sb.insertAfter(invalidHoleIndex, start, end)
	}
	sb.highSacked = end
	sb.highRxt = start
	countEvent(eventReneging)
}

// String implements fmt.Stringer.String.
func (sb *scoreboard) String() string {
	s := fmt.Sprintf("sacked %d lost %d high_sacked %d high_rxt %d holes:",
		sb.sackedBytes, sb.lostBytes, sb.highSacked, sb.highRxt)
	for i := sb.list.Front(); i != invalidHoleIndex; i = sb.Entry(i).Next() {
		h := sb.holes[i]
		s += fmt.Sprintf(" [%d, %d)", h.start, h.end)
		if h.isLost {
			s += "L"
		}
	}
	return s
}
