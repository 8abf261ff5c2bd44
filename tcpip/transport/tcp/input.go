package tcp

import (
	"github.com/impact-eintr/tcpcore/logger"
	"github.com/impact-eintr/tcpcore/tcpip/header"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

// 输入路径 查表分发 先验段后处理ack 再数据 最后FIN

// Segment is one parsed inbound segment. The demultiplexer fills it from the
// wire format; the engine never sees raw bytes.
type Segment struct {
	// ConnID carries the 4-tuple, used when a listener spawns a child.
	ConnID ConnectionID

	SeqNum seqnum.Value
	AckNum seqnum.Value
	Flags  uint8
	Window uint16 // raw, unscaled

	Options header.TCPOptions

	// SynOptions is only valid when FlagSyn is set.
	SynOptions header.TCPSynOptions

	Payload []byte
}

// logicalLen is the length in sequence space, counting SYN and FIN.
func (s *Segment) logicalLen() seqnum.Size {
	l := seqnum.Size(len(s.Payload))
	if s.Flags&header.FlagSyn != 0 {
		l++
	}
	if s.Flags&header.FlagFin != 0 {
		l++
	}
	return l
}

// Action 是每个入段的处置结果 交还给调度运行时
type Action uint8

const (
	// ActionDeliver 段进入了连接状态 含载荷先进重组缓存的情况
	ActionDeliver Action = iota
	// ActionDrop 段被丢弃 只计数 不作答
	ActionDrop
	// ActionReset 段引发了复位 要么回了RST 要么合法RST拆掉了连接
	ActionReset
	// ActionAckNow 段被拒绝 但立刻回了ACK 重复数据和挑战ACK都算
	ActionAckNow
)

// OnSegment runs one inbound segment through the connection FSM and reports
// its disposition. Must be called on the owning worker.
func (tc *Connection) OnSegment(seg *Segment) Action {
	tc.segsIn++
	tc.bytesIn += uint64(len(seg.Payload))
	tc.segAction = ActionDeliver

	e := dispatchTable[tc.state][seg.Flags&uint8(header.FlagMask)]
	switch e.action {
	case dispDrop:
		countDrop(e.reason)
		tc.segAction = ActionDrop
	case dispReset:
		tc.wrk.stack.sendResetFor(tc, seg)
		tc.segAction = ActionReset
	case dispListen:
		tc.handleListen(seg)
	case dispSynSent:
		tc.handleSynSent(seg)
	case dispEstablished:
		tc.handleEstablished(seg)
	case dispRcvProcess:
		tc.handleRcvProcess(seg)
	}
	return tc.segAction
}

func (tc *Connection) challengeAck() {
	countEvent(eventChallengeAck)
	tc.segAction = ActionAckNow
	tc.sendAck()
}

// ackLater schedules a delayed ack unless one is already pending.
func (tc *Connection) ackLater() {
	tc.flags |= connSndAck
	if !tc.timerIsActive(timerDelack) {
		tc.timerSet(timerDelack, tc.wrk.stack.cfg.DelackTime)
	}
}

/*
 * 握手
 */

// applySynOptions negotiates per-connection options from the peer's SYN.
func (tc *Connection) applySynOptions(opts *header.TCPSynOptions) {
	if opts.MSS != 0 && opts.MSS < tc.sndMss {
		tc.sndMss = opts.MSS
	}
	if opts.WS >= 0 {
		tc.sndWscale = uint8(opts.WS)
	} else {
		// 对端不支持缩放 双方都退回不缩放
		tc.sndWscale = 0
		tc.rcvWscale = 0
	}
	tc.sendTS = opts.TS
	if opts.TS {
		tc.tsvalRecent = opts.TSVal
		tc.tsvalRecentAge = tc.wrk.timeMs
	}
	tc.sackPermitted = tc.sackPermitted && opts.SACKPermitted
}

// handleListen spawns a half-open child for an inbound SYN. The listener
// itself stays in LISTEN.
func (tc *Connection) handleListen(seg *Segment) {
	s := tc.wrk.stack
	child, err := tc.wrk.allocConnection()
	if err != nil {
		countDrop(reasonLookupFail)
		tc.segAction = ActionDrop
		return
	}
	if err := s.initConnection(child, seg.ConnID); err != nil {
		tc.wrk.freeConnection(child)
		tc.segAction = ActionDrop
		return
	}
	child.accept = tc.accept

	child.irs = seg.SeqNum
	child.rcvNxt = seg.SeqNum + 1
	child.rcvLas = child.rcvNxt
	child.applySynOptions(&seg.SynOptions)

	child.initSndVars()
	child.sndWnd = seqnum.Size(seg.Window) // no scaling on SYN
	child.sndWl1 = seg.SeqNum
	child.sndWl2 = child.iss

	child.sendSynAck()
	child.setState(StateSynRcvd)
	child.timerSet(timerRetransmit, child.rto)
	logger.Debugf(logger.HANDSHAKE, "%v passive open, irs %d", child.cID, child.irs)
}

func (tc *Connection) handleSynSent(seg *Segment) {
	hasAck := seg.Flags&header.FlagAck != 0
	if hasAck {
		// Ack must cover our SYN: (iss, sndNxt].
		if !seg.AckNum.InRange(tc.iss+1, tc.sndNxt+1) {
			countDrop(reasonAboveAckWnd)
			tc.segAction = ActionDrop
			if seg.Flags&header.FlagRst == 0 {
				tc.wrk.stack.sendResetFor(tc, seg)
				tc.segAction = ActionReset
			}
			return
		}
	}

	if seg.Flags&header.FlagRst != 0 {
		if !hasAck {
			countDrop(reasonBadFlags)
			tc.segAction = ActionDrop
			return
		}
		// Connection refused.
		countEvent(eventConnectionReset)
		tc.segAction = ActionReset
		tc.notifyDisconnect()
		tc.cleanup()
		return
	}

	if seg.Flags&header.FlagSyn == 0 {
		countDrop(reasonBadFlags)
		tc.segAction = ActionDrop
		return
	}

	tc.irs = seg.SeqNum
	tc.rcvNxt = seg.SeqNum + 1
	tc.rcvLas = tc.rcvNxt
	tc.applySynOptions(&seg.SynOptions)

	if !hasAck {
		// Simultaneous open.
		tc.timerReset(timerRetransmitSyn)
		tc.sendSynAck()
		tc.setState(StateSynRcvd)
		tc.timerSet(timerRetransmit, tc.rto)
		return
	}

	tc.sndUna = seg.AckNum
	tc.sndWnd = seqnum.Size(seg.Window)
	tc.sndWl1 = seg.SeqNum
	tc.sndWl2 = seg.AckNum
	tc.updateRttFromAck(seg.AckNum, tc.synTsecr(seg))
	tc.rtoBoff = 0

	tc.timerReset(timerRetransmitSyn)
	tc.wrk.stack.halfOpenDone(tc)
	tc.setState(StateEstablished)
	tc.sendAck()
	logger.Debugf(logger.HANDSHAKE, "%v established, srtt %d", tc.cID, tc.srtt)
	tc.sendData()
}

func (tc *Connection) synTsecr(seg *Segment) uint32 {
	if seg.SynOptions.TS {
		return seg.SynOptions.TSEcr
	}
	return 0
}

/*
 * 段验证 RFC793 acceptability + RFC7323 PAWS + RFC5961 challenge acks
 */

// segmentValidate checks and trims seg against the receive window. Returns
// false when the segment must not be processed further; the connection may be
// gone afterwards (RST).
func (tc *Connection) segmentValidate(seg *Segment) bool {
	// PAWS
	if tc.sendTS && seg.Options.TS && tc.tsvalRecent != 0 &&
		seqnum.Timestamp(seg.Options.TSVal).LessThan(seqnum.Timestamp(tc.tsvalRecent)) {
		if tc.wrk.timeMs-tc.tsvalRecentAge > pawsIdleMs {
			// 时间戳太老 按RFC7323重新学习
			tc.tsvalRecent = seg.Options.TSVal
			tc.tsvalRecentAge = tc.wrk.timeMs
		} else {
			countDrop(reasonPAWS)
			tc.segAction = ActionDrop
			if seg.Flags&header.FlagRst == 0 {
				tc.ackLater()
			}
			return false
		}
	}

	segLen := seg.logicalLen()
	wndEnd := tc.rcvNxt.Add(tc.rcvWnd)

	// RFC793 acceptability. Zero-length segments only need their sequence
	// number inside the window (or exactly rcvNxt on a closed window).
	if segLen == 0 {
		if seg.SeqNum != tc.rcvNxt && !seg.SeqNum.InRange(tc.rcvNxt, wndEnd) {
			tc.errors.belowDataWnd++
			countDrop(reasonBelowDataWnd)
			tc.segAction = ActionDrop
			if seg.Flags&header.FlagRst == 0 {
				tc.segAction = ActionAckNow
				tc.sendAck()
			}
			return false
		}
	} else {
		switch {
		case seg.SeqNum.Add(segLen).LessThanEq(tc.rcvNxt):
			// Entirely old. Re-ack so the peer can resync, except for RST.
			tc.errors.belowDataWnd++
			countDrop(reasonBelowDataWnd)
			tc.segAction = ActionDrop
			if seg.Flags&header.FlagRst == 0 {
				tc.segAction = ActionAckNow
				tc.sendAck()
			}
			return false
		case !seqnum.Overlap(seg.SeqNum, segLen, tc.rcvNxt, tc.rcvWnd):
			tc.errors.aboveDataWnd++
			countDrop(reasonAboveDataWnd)
			tc.segAction = ActionDrop
			if seg.Flags&header.FlagRst == 0 {
				tc.challengeAck()
			}
			return false
		}
	}

	if seg.Flags&header.FlagRst != 0 {
		if seg.SeqNum == tc.rcvNxt {
			// 精确命中rcvNxt才算数 RFC5961
			countEvent(eventConnectionReset)
			tc.segAction = ActionReset
			tc.notifyDisconnect()
			tc.cleanup()
		} else {
			tc.challengeAck()
		}
		return false
	}
	if seg.Flags&header.FlagSyn != 0 {
		// In-window SYN on a synchronized connection.
		tc.challengeAck()
		return false
	}

	// Trim the front below rcvNxt.
	if seg.SeqNum.LessThan(tc.rcvNxt) {
		trim := uint32(tc.rcvNxt - seg.SeqNum)
		if trim <= uint32(len(seg.Payload)) {
			seg.Payload = seg.Payload[trim:]
			seg.SeqNum = tc.rcvNxt
		}
	}
	// Trim the tail beyond the window.
	if end := seg.SeqNum.Add(seqnum.Size(len(seg.Payload))); end.GreaterThan(wndEnd) {
		seg.Payload = seg.Payload[:uint32(wndEnd-seg.SeqNum)]
		seg.Flags &^= header.FlagFin
	}

	// RFC7323 timestamp bookkeeping.
	if tc.sendTS && seg.Options.TS &&
		!seqnum.Timestamp(seg.Options.TSVal).LessThan(seqnum.Timestamp(tc.tsvalRecent)) &&
		seg.SeqNum.LessThanEq(tc.rcvLas) {
		tc.tsvalRecent = seg.Options.TSVal
		tc.tsvalRecentAge = tc.wrk.timeMs
	}
	return true
}

/*
 * ACK处理与恢复状态机
 */

func (tc *Connection) updateSndWnd(seg *Segment) {
	wnd := seqnum.Size(uint32(seg.Window) << tc.sndWscale)
	if tc.sndWl1.LessThan(seg.SeqNum) ||
		(tc.sndWl1 == seg.SeqNum && tc.sndWl2.LessThanEq(seg.AckNum)) {
		old := tc.sndWnd
		tc.sndWnd = wnd
		tc.sndWl1 = seg.SeqNum
		tc.sndWl2 = seg.AckNum

		if old < seqnum.Size(tc.sndMss) && wnd >= seqnum.Size(tc.sndMss) {
			// 窗口打开 停掉零窗探测
			tc.timerReset(timerPersist)
			tc.rtoBoff = 0
		}
	}
}

// rcvAck processes the acknowledgment fields of an in-window segment.
func (tc *Connection) rcvAck(seg *Segment) {
	ack := seg.AckNum

	if ack.GreaterThan(tc.sndUnaMax) {
		// Acks something we never sent.
		tc.errors.aboveAckWnd++
		countDrop(reasonAboveAckWnd)
		tc.challengeAck()
		return
	}
	if ack.LessThan(tc.sndUna) {
		// Old ack. Counted but otherwise ignored; a piggybacked payload
		// still runs through the receive path.
		tc.errors.belowAckWnd++
		countDrop(reasonBelowAckWnd)
		if len(seg.Payload) == 0 {
			tc.segAction = ActionDrop
		}
		return
	}

	oldWnd := tc.sndWnd
	tc.bytesAcked = uint32(ack - tc.sndUna)
	isDupack := tc.bytesAcked == 0 && len(seg.Payload) == 0 &&
		tc.sndUna != tc.sndUnaMax &&
		seqnum.Size(uint32(seg.Window)<<tc.sndWscale) == oldWnd

	// Scoreboard runs first, against the pre-ack snd variables.
	if tc.sackPermitted {
		tc.sackSb.rcvSacks(tc, ack, seg.Options.SACKBlocks)
	}

	tc.updateSndWnd(seg)

	var tsecr uint32
	if seg.Options.TS {
		tsecr = seg.Options.TSEcr
	}

	if tc.bytesAcked > 0 {
		tc.updateRttFromAck(ack, tsecr)
		tc.rtoBoff = 0

		dataAcked := tc.bytesAcked
		if tc.flags&connFinSent != 0 && ack == tc.sndUnaMax {
			dataAcked--
		}
		if tc.txq != nil && dataAcked > 0 {
			tc.txq.Discard(int(dataAcked))
		}
	}
	tc.tsecrLastAck = tsecr

	var rs RateSample
	if tc.bt != nil {
		tc.bt.sampleDeliveryRate(tc, &rs)
	}

	tc.sndUna = ack
	if tc.sackPermitted && tc.sackSb.isReneging {
		tc.sackSb.clearReneging(tc.sndUna, tc.sndNxt)
	}

	switch {
	case tc.inCongRecovery():
		tc.rcvCongAck(seg, &rs, isDupack)
	case isDupack || (tc.sackPermitted && tc.sackSb.lastSackedBytes > 0 && tc.bytesAcked == 0):
		tc.rcvDupack(&rs)
	case tc.bytesAcked > 0:
		tc.rcvDupacks = 0
		tc.cc.RcvAck(tc, &rs)
		tc.enforceCwndInvariants()
	}

	tc.retransmitTimerUpdate()
	if tc.bytesAcked > 0 && !tc.inCongRecovery() {
		tc.sendData()
	}
}

// rcvDupack handles duplicate acks outside of recovery.
func (tc *Connection) rcvDupack(rs *RateSample) {
	tc.rcvDupacks++
	tc.dupacksIn++

	if tc.rcvDupacks >= nDupAckThreshold || tc.sackSb.lostBytes > 0 {
		tc.enterFastRecovery(rs)
		return
	}

	// RFC3042 limited transmit: the first two dupacks may each clock out
	// one new segment.
	if tc.txq != nil && tc.txq.Len() > int(tc.sndNxt-tc.sndUna) {
		saved := tc.cwnd
		tc.cwnd += uint32(tc.sndMss)
		tc.sendData()
		tc.cwnd = saved
	}
}

// enterFastRecovery starts a fast recovery episode. At most one episode per
// window of data: sndUna must have passed the previous congestion point.
func (tc *Connection) enterFastRecovery(rs *RateSample) {
	if tc.sndUna.LessThan(tc.sndCongestion) {
		return
	}
	countEvent(eventFastRetransmit)
	tc.frOccurrences++

	tc.prevSsthresh = tc.ssthresh
	tc.prevCwnd = tc.cwnd
	tc.sndCongestion = tc.sndUnaMax
	tc.prrStart = tc.sndUna
	tc.prrDelivered = tc.bytesAcked + tc.sackSb.lastSackedBytes
	tc.sndRxtBytes = 0
	tc.rxtDelivered = 0
	tc.sndRxtTs = tc.wrk.timeMs

	if tc.sackPermitted {
		// 洞保留 只重置重传进度
		tc.sackSb.highRxt = tc.sndUna
		tc.sackSb.rescueRxt = tc.sndUna - 1
		tc.sackSb.curRxtHole = invalidHoleIndex
	}

	tc.cc.Congestion(tc)
	tc.enforceCwndInvariants()
	tc.fastRecoveryOn()
	tc.flags |= connFrxtFirst

	logger.Debugf(logger.CC, "%v fast recovery: ssthresh %d cwnd %d congestion %d",
		tc.cID, tc.ssthresh, tc.cwnd, tc.sndCongestion)

	if tc.sackPermitted {
		tc.retransmitSack()
	} else {
		tc.retransmitFirstUnacked()
		tc.rxtHead = tc.sndUna
	}
}

// rcvCongAck handles acks while a recovery episode is in progress.
func (tc *Connection) rcvCongAck(seg *Segment, rs *RateSample, isDupack bool) {
	sb := &tc.sackSb

	// RFC6937 bookkeeping.
	tc.prrDelivered += tc.bytesAcked + sb.lastSackedBytes
	if sb.rxtSacked > 0 {
		tc.rxtDelivered += sb.rxtSacked
		if tc.rxtDelivered > tc.sndRxtBytes {
			tc.rxtDelivered = tc.sndRxtBytes
		}
	}

	if tc.bytesAcked > 0 && tc.sndUna.GreaterThanEq(tc.sndCongestion) {
		// The recovery point got acked.
		tc.recoveryExit(rs)
		return
	}

	switch {
	case isDupack || tc.bytesAcked == 0:
		tc.rcvDupacks++
		tc.dupacksIn++
		tc.cc.RcvCongAck(tc, rs, ccDupack)
	default:
		// Partial ack: the retransmission worked but more is missing.
		tc.cc.RcvCongAck(tc, rs, ccPartialAck)
		if !tc.sackPermitted && tc.rxtHead.LessThan(tc.sndUna) {
			// RFC6582: retransmit the new head once per partial ack.
			tc.rxtHead = tc.sndUna
			tc.retransmitFirstUnacked()
		}
	}

	if tc.sackPermitted {
		sb.markLost(tc, false)
		tc.retransmitSack()
	} else {
		tc.sendData()
	}
}

// recoveryExit leaves the episode, undoing it if timestamps prove the
// retransmission was spurious.
func (tc *Connection) recoveryExit(rs *RateSample) {
	spurious := tc.sendTS && tc.tsecrLastAck != 0 && tc.sndRxtTs != 0 &&
		seqnum.Timestamp(tc.tsecrLastAck).LessThan(seqnum.Timestamp(tc.sndRxtTs))

	if spurious {
		// 对端回显的时间戳早于首次重传 说明原始段并没丢
		tc.cc.UndoRecovery(tc)
		countEvent(eventRecoveryUndo)
		logger.Debugf(logger.CC, "%v spurious recovery undone, cwnd %d", tc.cID, tc.cwnd)
	} else {
		tc.cc.Recovered(tc)
	}
	tc.enforceCwndInvariants()
	tc.congRecoveryOff()
	tc.rcvDupacks = 0
	tc.prrDelivered = 0
	tc.sndRxtBytes = 0
	tc.rxtDelivered = 0
	tc.sackSb.curRxtHole = invalidHoleIndex

	tc.sendData()
}

/*
 * 数据接收
 */

// dataRcv hands validated payload to the rx sink and keeps the sack blocks
// we advertise in sync.
func (tc *Connection) dataRcv(seg *Segment) {
	if len(seg.Payload) == 0 {
		return
	}
	if tc.rx == nil {
		countDrop(reasonInvalidState)
		tc.segAction = ActionDrop
		return
	}

	offset := uint32(seg.SeqNum - tc.rcvNxt)
	adv := tc.rx.Enqueue(offset, seg.Payload)

	if offset == 0 {
		tc.rcvNxt = tc.rcvNxt.Add(seqnum.Size(adv))
		if tc.sackPermitted {
			trimSACKBlockList(&tc.sndSacks, tc.rcvNxt)
		}
		// Ack every second full segment, delay otherwise.
		tc.burstAcked += uint32(len(seg.Payload))
		if tc.burstAcked >= 2*uint32(tc.sndMss) {
			tc.burstAcked = 0
			tc.sendAck()
		} else {
			tc.ackLater()
		}
		return
	}

	// 乱序 立刻回dupack并通告SACK块 催对端快速重传
	if tc.sackPermitted {
		end := seg.SeqNum.Add(seqnum.Size(len(seg.Payload)))
		updateSACKBlocks(&tc.sndSacks, seg.SeqNum, end, tc.rcvNxt)
	}
	tc.sendAck()
}

// updateSACKBlocks inserts the received range as the most recent block,
// merging overlaps, dropping blocks superseded by rcvNxt.
func updateSACKBlocks(sack *header.SACKInfo, segStart, segEnd, rcvNxt seqnum.Value) {
	newSB := header.SACKBlock{Start: segStart, End: segEnd}
	var blocks [header.MaxRcvSACKBlocks]header.SACKBlock
	n := 0
	for i := 0; i < sack.NumBlocks; i++ {
		b := sack.Blocks[i]
		if b.End.LessThanEq(b.Start) || b.Start.LessThanEq(rcvNxt) {
			continue
		}
		if newSB.Overlap(b) {
			newSB.Start = seqnum.Min(newSB.Start, b.Start)
			newSB.End = seqnum.Max(newSB.End, b.End)
			continue
		}
		if n < len(blocks)-1 {
			blocks[n] = b
			n++
		}
	}
	sack.Blocks[0] = newSB
	copy(sack.Blocks[1:], blocks[:n])
	sack.NumBlocks = n + 1
}

// trimSACKBlockList drops blocks that rcvNxt has caught up with.
func trimSACKBlockList(sack *header.SACKInfo, rcvNxt seqnum.Value) {
	n := 0
	for i := 0; i < sack.NumBlocks; i++ {
		if sack.Blocks[i].End.LessThanEq(rcvNxt) {
			continue
		}
		sack.Blocks[n] = sack.Blocks[i]
		n++
	}
	sack.NumBlocks = n
}

/*
 * 同步状态的分发
 */

func (tc *Connection) handleEstablished(seg *Segment) {
	if !tc.segmentValidate(seg) {
		return
	}
	tc.rcvAck(seg)
	if tc.wrk == nil || tc.state == StateClosed {
		return
	}
	tc.dataRcv(seg)
	if seg.Flags&header.FlagFin != 0 {
		tc.rcvFin(seg)
	}
}

// rcvFin consumes the peer's FIN once the payload in front of it is in order.
func (tc *Connection) rcvFin(seg *Segment) {
	finSeq := seg.SeqNum.Add(seqnum.Size(len(seg.Payload)))
	if finSeq != tc.rcvNxt {
		// FIN后面还有洞 等重传补齐
		return
	}
	tc.rcvNxt++
	tc.flags |= connFinReceived
	cfg := tc.wrk.stack.cfg

	switch tc.state {
	case StateEstablished:
		tc.setState(StateCloseWait)
		tc.timerUpdate(timerWaitclose, cfg.CloseWaitTime)
	case StateFinWait1:
		if tc.sndUna == tc.sndUnaMax {
			// Their FIN and the ack of ours arrived together.
			tc.setState(StateTimeWait)
			tc.timersReset()
			tc.timerSet(timerWaitclose, cfg.TimeWaitTime)
		} else {
			tc.setState(StateClosing)
			tc.timerUpdate(timerWaitclose, cfg.ClosingTime)
		}
	case StateFinWait2:
		tc.setState(StateTimeWait)
		tc.timersReset()
		tc.timerSet(timerWaitclose, cfg.TimeWaitTime)
	}
	tc.sendAck()
}

// handleRcvProcess covers SYN_RCVD and every teardown state.
func (tc *Connection) handleRcvProcess(seg *Segment) {
	if !tc.segmentValidate(seg) {
		return
	}
	if tc.wrk == nil || tc.state == StateClosed {
		return
	}

	if tc.state == StateSynRcvd {
		if seg.Flags&header.FlagAck == 0 ||
			!seg.AckNum.InRange(tc.sndUna+1, tc.sndNxt+1) {
			countDrop(reasonInvalidState)
			tc.segAction = ActionDrop
			return
		}
		tc.sndUna = seg.AckNum
		tc.updateRttFromAck(seg.AckNum, ackTsecr(seg))
		tc.rtoBoff = 0
		tc.timerReset(timerRetransmit)
		tc.setState(StateEstablished)
		if tc.accept != nil {
			tc.txq, tc.rx = tc.accept(tc)
		}
		tc.sndWnd = seqnum.Size(uint32(seg.Window) << tc.sndWscale)
		tc.sndWl1 = seg.SeqNum
		tc.sndWl2 = seg.AckNum
		logger.Debugf(logger.HANDSHAKE, "%v established (passive)", tc.cID)

		tc.dataRcv(seg)
		if seg.Flags&header.FlagFin != 0 {
			tc.rcvFin(seg)
		}
		return
	}

	tc.rcvAck(seg)
	if tc.wrk == nil || tc.state == StateClosed {
		return
	}

	switch tc.state {
	case StateFinWait1:
		if tc.sndUna == tc.sndUnaMax {
			// Our FIN got acked.
			tc.setState(StateFinWait2)
			tc.timerUpdate(timerWaitclose, tc.wrk.stack.cfg.FinWait2Time)
		}
		tc.dataRcv(seg)
	case StateFinWait2:
		tc.dataRcv(seg)
	case StateClosing:
		if tc.sndUna == tc.sndUnaMax {
			tc.setState(StateTimeWait)
			tc.timersReset()
			tc.timerSet(timerWaitclose, tc.wrk.stack.cfg.TimeWaitTime)
		}
	case StateLastAck:
		if tc.sndUna == tc.sndUnaMax {
			tc.cleanup()
			return
		}
	case StateTimeWait:
		// Peer retransmitted its FIN: re-ack, restart 2MSL.
		tc.sendAck()
		tc.timerUpdate(timerWaitclose, tc.wrk.stack.cfg.TimeWaitTime)
	case StateCloseWait:
		// Peer already finished sending; only acks matter here.
	}

	if seg.Flags&header.FlagFin != 0 {
		tc.rcvFin(seg)
	}
}

func ackTsecr(seg *Segment) uint32 {
	if seg.Options.TS {
		return seg.Options.TSEcr
	}
	return 0
}
