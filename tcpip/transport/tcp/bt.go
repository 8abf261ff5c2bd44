package tcp

import (
	"github.com/google/btree"

	"github.com/impact-eintr/tcpcore/ilist"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

// 投递速率追踪 (delivery rate estimation, 参考BBR的采样思路)
//
// 每次发出的新数据记一个样本 样本带着发出时刻的投递计数快照
// ACK/SACK送达这些字节时 用快照差除以时间差得到链路真实投递速率
// 样本池按发出时间串链 另挂一棵按起始序号有序的查找树

// Sample flags.
const (
	btsRxt uint8 = 1 << iota
	btsAppLimited
	btsSacked
)

type btSample struct {
	ilist.Entry
	minSeq seqnum.Value // first sequence number covered
	maxSeq seqnum.Value // one past the last covered
	// 发出这个样本时连接的投递快照
	delivered     uint64
	deliveredTime float64
	txTime        float64
	firstTxTime   float64
	flags         uint8
}

type btLookup struct {
	key uint32 // raw minSeq
	idx uint32
}

type byteTracker struct {
	samples []btSample
	free    []uint32
	list    ilist.List // transmit order, oldest first
	lookup  *btree.BTreeG[btLookup]
}

// Entry implements ilist.Container.
func (bt *byteTracker) Entry(i uint32) *ilist.Entry {
	return &bt.samples[i].Entry
}

func newByteTracker() *byteTracker {
	bt := &byteTracker{
		lookup: btree.NewG(8, func(a, b btLookup) bool { return a.key < b.key }),
	}
	bt.list.Reset()
	return bt
}

func (bt *byteTracker) alloc() uint32 {
	if n := len(bt.free); n > 0 {
		i := bt.free[n-1]
		bt.free = bt.free[:n-1]
		bt.samples[i] = btSample{}
		return i
	}
	bt.samples = append(bt.samples, btSample{})
	return uint32(len(bt.samples) - 1)
}

func (bt *byteTracker) freeSample(i uint32) {
	bt.lookup.Delete(btLookup{key: uint32(bt.samples[i].minSeq)})
	bt.list.Remove(bt, i)
	bt.free = append(bt.free, i)
}

// rekey updates the lookup tree after a sample's minSeq changed.
func (bt *byteTracker) rekey(i uint32, old seqnum.Value) {
	bt.lookup.Delete(btLookup{key: uint32(old)})
	bt.lookup.ReplaceOrInsert(btLookup{key: uint32(bt.samples[i].minSeq), idx: i})
}

// sampleAt returns the sample covering seq, or nil.
func (bt *byteTracker) sampleAt(seq seqnum.Value) (uint32, *btSample) {
	found := ilist.NilIndex
	bt.lookup.DescendLessOrEqual(btLookup{key: uint32(seq)}, func(l btLookup) bool {
		found = l.idx
		return false
	})
	if found == ilist.NilIndex {
		return ilist.NilIndex, nil
	}
	s := &bt.samples[found]
	if !seq.InRange(s.minSeq, s.maxSeq) {
		return ilist.NilIndex, nil
	}
	return found, s
}

func (bt *byteTracker) newSample(tc *Connection, minSeq, maxSeq seqnum.Value, flags uint8) uint32 {
	i := bt.alloc()
	s := &bt.samples[i]
	s.minSeq = minSeq
	s.maxSeq = maxSeq
	s.delivered = tc.delivered
	s.deliveredTime = tc.deliveredTime
	s.txTime = tc.wrk.timeF
	s.firstTxTime = tc.firstTxTime
	s.flags = flags
	if tc.appLimited != 0 {
		s.flags |= btsAppLimited
	}
	bt.list.PushBack(bt, i)
	bt.lookup.ReplaceOrInsert(btLookup{key: uint32(minSeq), idx: i})
	return i
}

// trackTx records a transmission of length new bytes starting at sndNxt.
func (bt *byteTracker) trackTx(tc *Connection, length uint32) {
	if length == 0 {
		return
	}
	start := tc.sndNxt
	end := start.Add(seqnum.Size(length))

	if bt.list.Empty() {
		tc.deliveredTime = tc.wrk.timeF
		tc.firstTxTime = tc.wrk.timeF
	}

	// Contiguous sends inside the same tick share one sample.
	if ti := bt.list.Back(); ti != ilist.NilIndex {
		tail := &bt.samples[ti]
		if tail.maxSeq == start && tail.txTime == tc.wrk.timeF &&
			tail.delivered == tc.delivered && tail.flags&btsRxt == 0 {
			tail.maxSeq = end
			return
		}
	}
	bt.newSample(tc, start, end, 0)
}

// trackRxt records a retransmission of [start, end). Overlapped sample parts
// are re-stamped with the current delivery snapshot.
func (bt *byteTracker) trackRxt(tc *Connection, start, end seqnum.Value) {
	if !start.LessThan(end) {
		return
	}

	// Carve [start, end) out of any overlapping samples.
	for i := bt.list.Front(); i != ilist.NilIndex; {
		next := bt.Entry(i).Next()
		s := &bt.samples[i]
		if s.maxSeq.LessThanEq(start) || end.LessThanEq(s.minSeq) {
			i = next
			continue
		}
		switch {
		case start.LessThanEq(s.minSeq) && s.maxSeq.LessThanEq(end):
			bt.freeSample(i)
		case start.LessThanEq(s.minSeq):
			old := s.minSeq
			s.minSeq = end
			bt.rekey(i, old)
		case s.maxSeq.LessThanEq(end):
			s.maxSeq = start
		default:
			// Split: keep the head, spawn a tail with the same snapshot.
			oldMax := s.maxSeq
			s.maxSeq = start
			ni := bt.alloc()
			bt.samples[ni] = btSample{
				minSeq:        end,
				maxSeq:        oldMax,
				delivered:     bt.samples[i].delivered,
				deliveredTime: bt.samples[i].deliveredTime,
				txTime:        bt.samples[i].txTime,
				firstTxTime:   bt.samples[i].firstTxTime,
				flags:         bt.samples[i].flags,
			}
			bt.list.InsertAfter(bt, i, ni)
			bt.lookup.ReplaceOrInsert(btLookup{key: uint32(end), idx: ni})
		}
		i = next
	}

	bt.newSample(tc, start, end, btsRxt)
}

// RateSample is the delivery rate sample derived from one ack.
type RateSample struct {
	PriorDelivered uint64  // delivered count at reference sample tx time
	PriorTime      float64 // delivered time at reference sample tx time
	IntervalTime   float64 // ack interval
	RttTime        float64 // ack time - reference tx time
	Delivered      uint32  // bytes newly acked+sacked by this ack
	Lost           uint32  // bytes newly marked lost
	Flags          uint8   // flags of the reference sample
}

// updateFrom picks s as the reference sample if it is newer than the current
// one. Newest transmission gives the tightest rate estimate.
func (rs *RateSample) updateFrom(s *btSample) {
	if rs.PriorTime != 0 && s.txTime <= rs.RttTime {
		return
	}
	rs.PriorDelivered = s.delivered
	rs.PriorTime = s.deliveredTime
	rs.RttTime = s.txTime
	rs.Flags = s.flags
}

// sampleDeliveryRate updates the connection delivery counters from the ack
// being processed and fills rs. Call after the scoreboard ran, before sndUna
// moves.
func (bt *byteTracker) sampleDeliveryRate(tc *Connection, rs *RateSample) {
	delivered := tc.bytesAcked + tc.sackSb.lastSackedBytes
	if delivered == 0 {
		return
	}
	now := tc.wrk.timeF
	tc.delivered += uint64(delivered)
	tc.deliveredTime = now
	rs.Delivered = delivered
	rs.Lost = tc.sackSb.lastLostBytes

	ack := tc.sndUna.Add(seqnum.Size(tc.bytesAcked))

	// Fully acked samples: reference the newest, then release them.
	for i := bt.list.Front(); i != ilist.NilIndex; {
		next := bt.Entry(i).Next()
		s := &bt.samples[i]
		if !s.minSeq.LessThan(ack) {
			break
		}
		rs.updateFrom(s)
		if s.maxSeq.LessThanEq(ack) {
			bt.freeSample(i)
		} else {
			old := s.minSeq
			s.minSeq = ack
			bt.rekey(i, old)
		}
		i = next
	}

	// Newly sacked bytes sit above the cumulative ack: reference the sample
	// under the highest sacked sequence.
	if tc.sackSb.lastSackedBytes > 0 && tc.sackSb.highSacked.GreaterThan(ack) {
		if si, s := bt.sampleAt(tc.sackSb.highSacked - 1); s != nil && s.flags&btsSacked == 0 {
			rs.updateFrom(s)
			bt.samples[si].flags |= btsSacked
		}
	}

	if rs.PriorTime == 0 {
		// Nothing matched (e.g. old dupack); no usable sample.
		return
	}
	rs.IntervalTime = now - rs.PriorTime
	rs.RttTime = now - rs.RttTime

	// App limited phase ends once its marker is delivered.
	if tc.appLimited != 0 && tc.delivered > tc.appLimited {
		tc.appLimited = 0
	}
}

// checkAppLimited marks the connection application limited when the sender
// ran out of data while the window still had room. Samples taken until the
// marker is delivered carry btsAppLimited.
func (bt *byteTracker) checkAppLimited(tc *Connection) {
	available := 0
	if tc.txq != nil {
		available = tc.txq.Len() - int(tc.sndNxt-tc.sndUna)
	}
	if available >= int(tc.sndMss) {
		return
	}
	marker := tc.delivered + uint64(tc.flightSize())
	if marker == 0 {
		marker = 1
	}
	tc.appLimited = marker
}

// flushSamples drops all samples. Used on RTO, where the snapshots no longer
// describe reality.
func (bt *byteTracker) flushSamples(tc *Connection) {
	for i := bt.list.Front(); i != ilist.NilIndex; {
		next := bt.Entry(i).Next()
		bt.freeSample(i)
		i = next
	}
}

// DeliveryRate returns the delivery rate measured by rs in bytes/second, or
// 0 when the sample is unusable.
func (rs *RateSample) DeliveryRate(tc *Connection) float64 {
	if rs.IntervalTime <= 0 || rs.PriorTime == 0 {
		return 0
	}
	return float64(tc.delivered-rs.PriorDelivered) / rs.IntervalTime
}
