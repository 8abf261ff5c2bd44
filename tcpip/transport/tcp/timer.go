package tcp

import (
	"github.com/impact-eintr/tcpcore/logger"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
	"github.com/impact-eintr/tcpcore/timerwheel"
)

// 定时器与RTO管理
//
// 五类定时器各占 Connection.timers 的一个槽位 句柄指向所属worker的
// 定时器轮 每类至多一个活跃句柄 释放连接前必须全部取消

func msToTicks(ms uint32) uint32 {
	t := ms / timerTickMs
	if t == 0 {
		t = 1
	}
	return t
}

// timerSet arms a timer. The slot must be empty.
func (tc *Connection) timerSet(kind int, ms uint32) {
	if tc.timers[kind] != timerwheel.InvalidHandle {
		logger.Errorf("%v timer %s double armed", tc.cID, timerNames[kind])
		tc.wrk.wheel.Cancel(tc.timers[kind])
	}
	tc.timers[kind] = tc.wrk.wheel.Arm(tc.id, uint8(kind), msToTicks(ms))
}

// timerReset cancels a timer if armed.
func (tc *Connection) timerReset(kind int) {
	if tc.timers[kind] == timerwheel.InvalidHandle {
		return
	}
	tc.wrk.wheel.Cancel(tc.timers[kind])
	tc.timers[kind] = timerwheel.InvalidHandle
}

// timerUpdate re-arms a timer, starting it if needed.
func (tc *Connection) timerUpdate(kind int, ms uint32) {
	tc.timerReset(kind)
	tc.timers[kind] = tc.wrk.wheel.Arm(tc.id, uint8(kind), msToTicks(ms))
}

func (tc *Connection) timerIsActive(kind int) bool {
	return tc.timers[kind] != timerwheel.InvalidHandle
}

// timersReset cancels all timers. Mandatory before the slot is freed.
func (tc *Connection) timersReset() {
	for i := range tc.timers {
		tc.timerReset(i)
	}
}

// retransmitTimerUpdate (re)arms or cancels the rxt timer depending on
// outstanding data, falling back to the persist timer on a closed window.
func (tc *Connection) retransmitTimerUpdate() {
	if tc.sndUna == tc.sndNxt {
		tc.timerReset(timerRetransmit)
		if tc.sndWnd < seqnum.Size(tc.sndMss) && tc.txq != nil && tc.txq.Len() > 0 {
			tc.persistTimerUpdate()
		}
		return
	}
	tc.timerUpdate(timerRetransmit, tc.rto)
}

func (tc *Connection) persistTimerSet() {
	// Reuse RTO. It's backed off in the handler.
	tc.timerSet(timerPersist, tc.rto)
}

func (tc *Connection) persistTimerUpdate() {
	tc.timerUpdate(timerPersist, tc.rto)
}

/*
 * RTO估计 Jacobson/Karels
 *
 * 首个样本:
 *   srtt = m, rttvar = m/2
 * 之后:
 *   srtt   += (m - srtt) >> 3
 *   rttvar += (|m - srtt| - rttvar) >> 2
 *   rto = clamp(srtt + 4*rttvar, RTO_MIN, RTO_MAX)
 */

// estimateRtt feeds one RTT measurement (ms) into the smoothed estimators.
func (tc *Connection) estimateRtt(mrtt uint32) {
	if tc.srtt != 0 {
		var diff int32
		diff = int32(mrtt) - int32(tc.srtt)
		tc.srtt = uint32(int32(tc.srtt) + (diff >> 3))
		if diff < 0 {
			diff = -diff
		}
		tc.rttvar = uint32(int32(tc.rttvar) + ((diff - int32(tc.rttvar)) >> 2))
	} else {
		// First measurement.
		tc.srtt = mrtt
		tc.rttvar = mrtt >> 1
		if tc.rttvar == 0 {
			tc.rttvar = 1
		}
	}
	tc.updateRto()
}

// updateRto recomputes rto from the current estimators.
func (tc *Connection) updateRto() {
	rto := tc.srtt + 4*tc.rttvar
	if rto < rtoMin {
		rto = rtoMin
	}
	if rto > rtoMax {
		rto = rtoMax
	}
	tc.rto = rto
}

// updateRttFromAck derives an RTT sample from the segment that moved sndUna.
//
// Karn's algorithm: 重传过的段不能用来测RTT 除非有时间戳选项帮忙消歧
func (tc *Connection) updateRttFromAck(ack seqnum.Value, tsecr uint32) {
	var mrtt uint32

	switch {
	case tc.sendTS && tsecr != 0:
		// Timestamp option bypasses Karn's restriction.
		mrtt = tc.wrk.timeMs - tsecr
	case tc.rtoBoff == 0 && tc.rttTs != 0 && tc.rttSeq.LessThan(ack):
		mrtt = uint32((tc.wrk.timeF - tc.rttTs) * 1000)
	default:
		return
	}

	// Cleared so the next transmitted segment starts a new measurement.
	tc.rttTs = 0
	tc.rttSeq = tc.sndNxt

	if mrtt == 0 || mrtt > 30_000 {
		return
	}
	tc.estimateRtt(mrtt)
	logger.Debugf(logger.TIMER, "%v rtt sample %dms srtt %d rttvar %d rto %d",
		tc.cID, mrtt, tc.srtt, tc.rttvar, tc.rto)
}

// handleExpired dispatches one timer expiration on the owning worker.
func (wrk *workerCtx) handleExpired(exp timerwheel.Expired) {
	if exp.ConnID >= uint32(len(wrk.conns)) {
		return
	}
	tc := wrk.conns[exp.ConnID]
	if tc == nil {
		return
	}
	kind := int(exp.Kind)
	if tc.timers[kind] != exp.Handle {
		// Cancelled, or re-armed after this expiration was collected.
		return
	}
	tc.timers[kind] = timerwheel.InvalidHandle

	switch kind {
	case timerRetransmit:
		tc.handleRetransmitTimer()
	case timerDelack:
		tc.handleDelackTimer()
	case timerPersist:
		tc.handlePersistTimer()
	case timerWaitclose:
		tc.handleWaitcloseTimer()
	case timerRetransmitSyn:
		tc.handleRetransmitSynTimer()
	}
}

// handleRetransmitTimer 超时重传 对拥塞控制来说是最重的信号
func (tc *Connection) handleRetransmitTimer() {
	if tc.sndUna == tc.sndUnaMax && tc.flags&connFinSent == 0 {
		// Everything got acked while the expiration was in flight.
		return
	}
	tc.trOccurrences++
	countEvent(eventRxtTimeout)

	if tc.rtoBoff >= rtoBoffMax {
		// 退避次数耗尽 致命
		logger.Warnf("%v rxt backoff exhausted, resetting", tc.cID)
		tc.Reset()
		return
	}
	tc.rtoBoff++

	if tc.rtoBoff == 1 {
		// First timeout of this congestion epoch: snapshot for a
		// possible undo, collapse the window, restart the scoreboard.
		tc.prevSsthresh = tc.ssthresh
		tc.prevCwnd = tc.cwnd
		tc.sndCongestion = tc.sndUnaMax
		tc.rxtHead = tc.sndUna
		tc.sndRxtTs = tc.wrk.timeMs
		tc.cc.Loss(tc)
		tc.enforceCwndInvariants()
		tc.recoveryOn()
	}

	// RTO视角下所有在途数据都算未确认 先前的SACK状态作废
	tc.sackSb.initRxt(tc.sndUna)
	if tc.bt != nil {
		tc.bt.flushSamples(tc)
	}
	tc.rcvDupacks = 0
	tc.sndRxtBytes = 0
	tc.rxtDelivered = 0

	tc.rto = tc.rto << 1
	if tc.rto > rtoMax {
		tc.rto = rtoMax
	}

	tc.retransmitFirstUnacked()
	tc.timerSet(timerRetransmit, tc.rto)
}

// handleRetransmitSynTimer SYN阶段的重试上限与建立阶段的绝对超时
// 都和建立之后不同
func (tc *Connection) handleRetransmitSynTimer() {
	if tc.state != StateSynSent {
		return
	}
	tc.rtoBoff++
	tc.trOccurrences++

	elapsed := uint32((tc.wrk.timeF - tc.startTs) * 1000)
	if tc.rtoBoff >= rtoBoffMax || elapsed >= establishTimeoutMs {
		countEvent(eventEstablishTimeout)
		logger.Warnf("%v establish timeout", tc.cID)
		tc.notifyDisconnect()
		tc.cleanup()
		return
	}

	// 前几次重试不翻倍RTO 给慢链路一点机会
	if tc.rtoBoff > rtoSynRetries {
		tc.rto = tc.rto << 1
		if tc.rto > rtoMax {
			tc.rto = rtoMax
		}
	}

	tc.sendSyn()
	tc.timerSet(timerRetransmitSyn, tc.rto)
}

// handlePersistTimer 零窗探测 不能碰cwnd
func (tc *Connection) handlePersistTimer() {
	if tc.sndWnd >= seqnum.Size(tc.sndMss) {
		// Window opened while we waited; let regular output resume.
		tc.sendData()
		return
	}
	if tc.txq == nil || tc.txq.Len() <= int(tc.sndNxt-tc.sndUna) {
		// Nothing left to probe with.
		return
	}

	tc.sendWindowProbe()
	countEvent(eventPersistProbe)

	if tc.rtoBoff < rtoBoffMax {
		tc.rtoBoff++
	}
	interval := tc.rto << tc.rtoBoff
	if interval > rtoMax {
		interval = rtoMax
	}
	tc.timerSet(timerPersist, interval)
}

func (tc *Connection) handleDelackTimer() {
	if tc.rcvLas != tc.rcvNxt || tc.flags&connSndAck != 0 {
		tc.flags &^= connSndAck
		tc.sendAck()
	}
}

// handleWaitcloseTimer bounds time spent waiting for the peer (or the app)
// during teardown.
func (tc *Connection) handleWaitcloseTimer() {
	switch tc.state {
	case StateTimeWait, StateFinWait2, StateCloseWait:
		tc.cleanup()
	case StateFinWait1, StateClosing, StateLastAck:
		// Our FIN was never acked; give up hard.
		tc.sendReset()
		tc.notifyDisconnect()
		tc.cleanup()
	default:
		tc.cleanup()
	}
}
