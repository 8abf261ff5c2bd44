package tcp

import (
	"github.com/impact-eintr/tcpcore/tcpip"
)

// 拥塞控制算法插件接口 连接只通过它驱动算法 算法只改cwnd/ssthresh
// 恢复状态机(何时进入/退出快速恢复)由连接自己管

type ccAckType uint8

const (
	ccAck ccAckType = iota
	ccDupack
	ccPartialAck
)

type ccEvent uint8

const (
	// ccEventStartTx 静置后重新开始发送
	ccEventStartTx ccEvent = iota
)

type congestionControl interface {
	// Init 连接建立时调用 此时cwnd已按初始窗口设好
	Init(tc *Connection)
	Cleanup(tc *Connection)

	// RcvAck handles an ack in open state (no recovery in progress).
	RcvAck(tc *Connection, rs *RateSample)
	// RcvCongAck handles acks received while in recovery.
	RcvCongAck(tc *Connection, rs *RateSample, ackType ccAckType)

	// Congestion marks the start of a fast recovery episode.
	Congestion(tc *Connection)
	// Loss marks an RTO. Heavier than Congestion.
	Loss(tc *Connection)
	// Recovered 恢复结束 snd_una越过了snd_congestion
	Recovered(tc *Connection)
	// UndoRecovery reverts the window cut after a spurious recovery.
	UndoRecovery(tc *Connection)

	Event(tc *Connection, e ccEvent)

	// PacingRate returns the pacing rate in bytes/second, 0 for no opinion.
	PacingRate(tc *Connection) float64
}

var ccRegistry = map[string]func() congestionControl{}

// RegisterCCAlgorithm makes a congestion control algorithm available by name.
func RegisterCCAlgorithm(name string, factory func() congestionControl) {
	ccRegistry[name] = factory
}

func newCC(name string) (congestionControl, *tcpip.Error) {
	f, ok := ccRegistry[name]
	if !ok {
		return nil, tcpip.ErrUnknownCCAlgorithm
	}
	return f(), nil
}

// enforceCwndInvariants keeps cwnd usable after algorithm updates.
func (tc *Connection) enforceCwndInvariants() {
	if tc.cwnd < uint32(tc.sndMss) {
		tc.cwnd = uint32(tc.sndMss)
	}
}

// cwndAccumulate grows cwnd by one mss per cwnd of acked bytes. 拥塞避免的
// 线性增长 用字节累加器代替每RTT计数
func (tc *Connection) cwndAccumulate(thresh, bytesAcked uint32) {
	tc.cwndAccBytes += bytesAcked
	if tc.cwndAccBytes >= thresh {
		inc := tc.cwndAccBytes / thresh
		tc.cwnd += inc * uint32(tc.sndMss)
		tc.cwndAccBytes -= inc * thresh
	}
}

// defaultPacingRate is used when the algorithm has no opinion: roughly
// cwnd per srtt with a factor to avoid becoming the bottleneck.
func (tc *Connection) defaultPacingRate() float64 {
	srtt := tc.srtt
	if srtt == 0 {
		srtt = rtoMin
	}
	return 1.2 * float64(tc.cwnd) / (float64(srtt) / 1000)
}

// pacingRate returns the effective pacing rate for the connection.
func (tc *Connection) pacingRate() float64 {
	if r := tc.cc.PacingRate(tc); r > 0 {
		return r
	}
	return tc.defaultPacingRate()
}

// PacingRate 给封包层的发送速率 字节每秒 引擎自己不做pacing
// Returns 0 when pacing is disabled.
func (tc *Connection) PacingRate() float64 {
	if !tc.wrk.stack.cfg.EnableTxPacing {
		return 0
	}
	return tc.pacingRate()
}
