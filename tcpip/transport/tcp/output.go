package tcp

import (
	"github.com/impact-eintr/tcpcore/logger"
	"github.com/impact-eintr/tcpcore/tcpip/header"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

// 输出路径 引擎只构造段描述符 封包和IO交给外部协作者

// SegmentSpec describes one segment to transmit. The engine fills protocol
// fields; framing and checksums belong to the packetizer.
type SegmentSpec struct {
	SeqNum seqnum.Value
	AckNum seqnum.Value
	Flags  uint8
	Window uint16

	Options header.TCPOptions

	// SynOptions is set on SYN and SYN-ACK segments only.
	SynOptions *header.TCPSynOptions

	Payload []byte
}

func (tc *Connection) emit(s *SegmentSpec) {
	tc.segsOut++
	tc.bytesOut += uint64(len(s.Payload))
	if s.Flags&header.FlagAck != 0 {
		tc.rcvLas = tc.rcvNxt
		tc.flags &^= connSndAck
		tc.timerReset(timerDelack)
	}
	tc.wrk.stack.sendSegment(tc, s)
}

// advertisedWindow scales the receive window into the header field.
func (tc *Connection) advertisedWindow() uint16 {
	wnd := uint32(tc.rcvWnd) >> tc.rcvWscale
	if wnd > 0xffff {
		wnd = 0xffff
	}
	if wnd == 0 {
		tc.flags |= connZeroRwndSent
	} else {
		tc.flags &^= connZeroRwndSent
	}
	return uint16(wnd)
}

// UpdateRcvWnd is called by the session layer whenever rx fifo space changes.
func (tc *Connection) UpdateRcvWnd(avail uint32) {
	if max := tc.wrk.stack.cfg.MaxRxFifo; avail > max {
		avail = max
	}
	wasZero := tc.rcvWnd == 0
	tc.rcvWnd = seqnum.Size(avail)
	if wasZero && avail > 0 {
		// 窗口从零恢复 主动通告 否则对端只能靠探测发现
		tc.sendAck()
	}
}

func (tc *Connection) makeOptions() header.TCPOptions {
	var opts header.TCPOptions
	if tc.sendTS {
		opts.TS = true
		opts.TSVal = tc.wrk.timeMs
		opts.TSEcr = tc.tsvalRecent
	}
	if tc.sackPermitted && tc.sndSacks.NumBlocks > 0 {
		n := tc.sndSacks.NumBlocks
		if n > header.MaxSACKBlocks {
			n = header.MaxSACKBlocks
		}
		opts.SACKBlocks = tc.sndSacks.Blocks[:n]
	}
	return opts
}

// synWindow 握手段的窗口不走缩放
func (tc *Connection) synWindow() uint16 {
	if tc.rcvWnd > 0xffff {
		return 0xffff
	}
	return uint16(tc.rcvWnd)
}

func (tc *Connection) sendSyn() {
	tc.emit(&SegmentSpec{
		SeqNum: tc.iss,
		Flags:  header.FlagSyn,
		Window: tc.synWindow(),
		SynOptions: &header.TCPSynOptions{
			MSS:           tc.sndMss,
			WS:            int(tc.rcvWscale),
			TS:            true,
			TSVal:         tc.wrk.timeMs,
			SACKPermitted: tc.wrk.stack.cfg.EnableSACK,
		},
	})
	if tc.sndNxt == tc.iss {
		tc.sndNxt = tc.iss + 1
		tc.sndUnaMax = tc.sndNxt
	}
	// SYN starts the first RTT measurement.
	tc.rttTs = tc.wrk.timeF
	tc.rttSeq = tc.iss
}

func (tc *Connection) sendSynAck() {
	tc.emit(&SegmentSpec{
		SeqNum: tc.iss,
		AckNum: tc.rcvNxt,
		Flags:  header.FlagSyn | header.FlagAck,
		Window: tc.synWindow(),
		SynOptions: &header.TCPSynOptions{
			MSS:           tc.sndMss,
			WS:            int(tc.rcvWscale),
			TS:            tc.sendTS,
			TSVal:         tc.wrk.timeMs,
			TSEcr:         tc.tsvalRecent,
			SACKPermitted: tc.sackPermitted,
		},
	})
	if tc.sndNxt == tc.iss {
		tc.sndNxt = tc.iss + 1
		tc.sndUnaMax = tc.sndNxt
	}
	tc.rttTs = tc.wrk.timeF
	tc.rttSeq = tc.iss
}

func (tc *Connection) sendAck() {
	tc.emit(&SegmentSpec{
		SeqNum:  tc.sndNxt,
		AckNum:  tc.rcvNxt,
		Flags:   header.FlagAck,
		Window:  tc.advertisedWindow(),
		Options: tc.makeOptions(),
	})
}

// sendFin consumes one sequence number the first time around.
func (tc *Connection) sendFin() {
	tc.emit(&SegmentSpec{
		SeqNum:  tc.sndNxt,
		AckNum:  tc.rcvNxt,
		Flags:   header.FlagFin | header.FlagAck,
		Window:  tc.advertisedWindow(),
		Options: tc.makeOptions(),
	})
	tc.flags &^= connFinPending
	if tc.flags&connFinSent == 0 {
		tc.flags |= connFinSent
		tc.sndNxt++
		if tc.sndUnaMax.LessThan(tc.sndNxt) {
			tc.sndUnaMax = tc.sndNxt
		}
	}
	if !tc.timerIsActive(timerRetransmit) {
		tc.timerSet(timerRetransmit, tc.rto)
	}
}

func (tc *Connection) sendReset() {
	tc.emit(&SegmentSpec{
		SeqNum: tc.sndNxt,
		AckNum: tc.rcvNxt,
		Flags:  header.FlagRst | header.FlagAck,
	})
}

// sendResetFor answers a segment that has no connection (or arrived in
// CLOSED) as per RFC793 reset generation.
func (s *Stack) sendResetFor(tc *Connection, seg *Segment) {
	spec := &SegmentSpec{Flags: header.FlagRst}
	if seg.Flags&header.FlagAck != 0 {
		spec.SeqNum = seg.AckNum
	} else {
		spec.Flags |= header.FlagAck
		spec.AckNum = seg.SeqNum.Add(seg.logicalLen())
	}
	s.sendSegment(tc, spec)
}

/*
 * 数据输出
 *
 * 发送额度 = min(cwnd, snd_wnd) 减去在途 恢复期间换成PRR额度
 * 这里不做分段合并和pacing 只按mss切
 */

// usableWindow is how much the peer's window lets us send beyond sndNxt.
// 可能为负 发过了窗口探测字节之后就是这样
func (tc *Connection) usableWindow() int {
	return int(int32(tc.sndUna.Add(tc.sndWnd) - tc.sndNxt))
}

// SndSpace returns the number of bytes the engine is willing to transmit
// right now. Exposed so the session layer can gate fifo refills.
func (tc *Connection) SndSpace() uint32 {
	if tc.inCongRecovery() {
		return tc.prrSndSpace()
	}
	space := int(tc.cwnd) - int(tc.flightSize())
	if wnd := tc.usableWindow(); wnd < space {
		space = wnd
	}
	if space < 0 {
		return 0
	}
	return uint32(space)
}

// prrSndSpace RFC6937 proportional rate reduction
//
// 在途大于ssthresh时按投递比例缩 否则做慢启动式补齐
func (tc *Connection) prrSndSpace() uint32 {
	pipe := int(tc.flightSize())

	recoverFS := int(tc.sndCongestion - tc.prrStart)
	if recoverFS <= 0 {
		recoverFS = 1
	}
	prrOut := int(tc.sndRxtBytes)
	if tc.sndNxt.GreaterThan(tc.sndCongestion) {
		prrOut += int(tc.sndNxt - tc.sndCongestion)
	}

	var sndCnt int
	if pipe > int(tc.ssthresh) {
		sndCnt = (int(tc.prrDelivered)*int(tc.ssthresh)+recoverFS-1)/recoverFS - prrOut
	} else {
		limit := int(tc.prrDelivered) - prrOut
		if limit < int(tc.sndMss) {
			limit = int(tc.sndMss)
		}
		sndCnt = int(tc.ssthresh) - pipe
		if limit < sndCnt {
			sndCnt = limit
		}
	}
	if wnd := tc.usableWindow(); wnd < sndCnt {
		sndCnt = wnd
	}
	if sndCnt < 0 {
		return 0
	}
	return uint32(sndCnt)
}

// SendData 会话层向fifo追加数据后用它踢一脚输出路径
// ACK驱动的发送不需要它
func (tc *Connection) SendData() {
	tc.sendData()
}

// sendData pushes new data from the tx queue within the send space.
func (tc *Connection) sendData() {
	if tc.txq == nil {
		return
	}
	// 关闭过程中仍要把close前排进fifo的数据发完 FIN排在数据后面
	switch tc.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateLastAck, StateClosing:
	default:
		return
	}

	if tc.sndUna == tc.sndNxt && !tc.timerIsActive(timerRetransmit) {
		// Restarting from idle.
		tc.cc.Event(tc, ccEventStartTx)
	}

	space := int(tc.SndSpace())
	mss := int(tc.sndMss)
	sent := 0
	for space > 0 {
		offset := int(tc.sndNxt - tc.sndUna)
		n := tc.txq.Len() - offset
		if n <= 0 {
			break
		}
		if n > mss {
			n = mss
		}
		if n > space {
			if space < mss && sent > 0 {
				// 不凑小尾巴 留给下一批
				break
			}
			n = space
		}
		if n <= 0 {
			break
		}

		buf := make([]byte, n)
		got := tc.txq.Peek(offset, buf)
		if got == 0 {
			break
		}
		buf = buf[:got]

		flags := uint8(header.FlagAck)
		if tc.txq.Len()-offset == got {
			flags |= header.FlagPsh
		}

		if tc.bt != nil {
			tc.bt.trackTx(tc, uint32(got))
		}
		if tc.rttTs == 0 {
			tc.rttTs = tc.wrk.timeF
			tc.rttSeq = tc.sndNxt
		}

		tc.emit(&SegmentSpec{
			SeqNum:  tc.sndNxt,
			AckNum:  tc.rcvNxt,
			Flags:   flags,
			Window:  tc.advertisedWindow(),
			Options: tc.makeOptions(),
			Payload: buf,
		})

		tc.sndNxt = tc.sndNxt.Add(seqnum.Size(got))
		if tc.sndUnaMax.LessThan(tc.sndNxt) {
			tc.sndUnaMax = tc.sndNxt
		}
		space -= got
		sent += got
	}

	if tc.flags&connFinPending != 0 && tc.txq.Len() <= int(tc.sndNxt-tc.sndUna) {
		tc.sendFin()
	}
	if sent > 0 && !tc.timerIsActive(timerRetransmit) {
		tc.timerSet(timerRetransmit, tc.rto)
	}
	if tc.bt != nil {
		tc.bt.checkAppLimited(tc)
	}
}

// sendWindowProbe transmits a single byte of new data into a closed window.
func (tc *Connection) sendWindowProbe() {
	offset := int(tc.sndNxt - tc.sndUna)
	buf := make([]byte, 1)
	if tc.txq.Peek(offset, buf) != 1 {
		return
	}
	tc.emit(&SegmentSpec{
		SeqNum:  tc.sndNxt,
		AckNum:  tc.rcvNxt,
		Flags:   header.FlagAck,
		Window:  tc.advertisedWindow(),
		Options: tc.makeOptions(),
		Payload: buf,
	})
	tc.sndNxt++
	if tc.sndUnaMax.LessThan(tc.sndNxt) {
		tc.sndUnaMax = tc.sndNxt
	}
}

/*
 * 重传
 */

// retransmitSegment resends up to maxBytes starting at start. Returns the
// number of bytes actually sent.
func (tc *Connection) retransmitSegment(start seqnum.Value, maxBytes int) int {
	if maxBytes > int(tc.sndMss) {
		maxBytes = int(tc.sndMss)
	}
	offset := int(start - tc.sndUna)
	avail := 0
	if tc.txq != nil {
		avail = tc.txq.Len() - offset
	}
	if avail > maxBytes {
		avail = maxBytes
	}

	if avail <= 0 {
		// FIN might be the only thing outstanding.
		if tc.flags&connFinSent != 0 && start == tc.sndUnaMax-1 {
			tc.emit(&SegmentSpec{
				SeqNum:  start,
				AckNum:  tc.rcvNxt,
				Flags:   header.FlagFin | header.FlagAck,
				Window:  tc.advertisedWindow(),
				Options: tc.makeOptions(),
			})
			tc.segsRetrans++
			return 1
		}
		return 0
	}

	buf := make([]byte, avail)
	got := tc.txq.Peek(offset, buf)
	if got == 0 {
		return 0
	}
	buf = buf[:got]

	tc.emit(&SegmentSpec{
		SeqNum:  start,
		AckNum:  tc.rcvNxt,
		Flags:   header.FlagAck,
		Window:  tc.advertisedWindow(),
		Options: tc.makeOptions(),
		Payload: buf,
	})

	end := start.Add(seqnum.Size(got))
	if tc.bt != nil {
		tc.bt.trackRxt(tc, start, end)
	}
	tc.sndRxtBytes += uint32(got)
	tc.bytesRetrans += uint64(got)
	tc.segsRetrans++
	return got
}

// retransmitFirstUnacked resends the segment at the head of the send queue.
// 超时路径和快速恢复的第一枪都走这里
func (tc *Connection) retransmitFirstUnacked() {
	switch tc.state {
	case StateSynRcvd:
		tc.sendSynAck()
		return
	case StateSynSent:
		tc.sendSyn()
		return
	}

	n := tc.retransmitSegment(tc.sndUna, int(tc.sndMss))
	if n > 0 {
		end := tc.sndUna.Add(seqnum.Size(n))
		if tc.sackSb.highRxt.LessThan(end) {
			tc.sackSb.highRxt = end
		}
	}
	logger.Debugf(logger.TCP, "%v rxt head %d len %d", tc.cID, tc.sndUna, n)
}

// retransmitSack runs the RFC6675 NextSeg loop under the PRR budget.
func (tc *Connection) retransmitSack() {
	sb := &tc.sackSb

	if tc.flags&connFrxtFirst != 0 {
		tc.flags &^= connFrxtFirst
		tc.retransmitFirstUnacked()
	}

	space := int(tc.prrSndSpace())
	burst := maxRxtBurst
	haveUnsent := tc.txq != nil && tc.txq.Len() > int(tc.sndNxt-tc.sndUna)

	from := invalidHoleIndex
	for space > 0 && burst > 0 {
		idx, canRescue, sndLimited := sb.nextRxtHole(from, haveUnsent)
		if idx == invalidHoleIndex {
			if canRescue && sb.rescueRxt.LessThan(tc.sndUna) {
				// 所有已知的洞都补过了 还在丢 救一把队首
				n := tc.retransmitSegment(tc.sndUna, int(tc.sndMss))
				if n > 0 {
					sb.rescueRxt = tc.sndCongestion
				}
			}
			break
		}

		h := sb.hole(idx)
		start := h.start
		if start.LessThan(sb.highRxt) {
			start = sb.highRxt
		}
		maxBytes := int(h.end - start)
		if maxBytes > space {
			maxBytes = space
		}
		n := tc.retransmitSegment(start, maxBytes)
		if n == 0 {
			break
		}
		end := start.Add(seqnum.Size(n))
		if sb.highRxt.LessThan(end) {
			sb.highRxt = end
		}
		space -= n
		burst--
		from = idx

		if sndLimited {
			// Speculative, not SACK-proven: one segment is enough.
			break
		}
	}

	// Whatever budget is left may carry new data.
	tc.sendData()

	if !tc.timerIsActive(timerRetransmit) && tc.sndUna != tc.sndNxt {
		tc.timerSet(timerRetransmit, tc.rto)
	}
}
