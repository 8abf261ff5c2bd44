package tcp

// NewReno RFC5681/RFC6582
//
// 慢启动指数涨 拥塞避免每cwnd涨一个mss 丢包砍半
// 没有SACK时靠dupack对cwnd做充气/放气

type newReno struct{}

func init() {
	RegisterCCAlgorithm("newreno", func() congestionControl { return &newReno{} })
}

func (nr *newReno) Init(tc *Connection)    {}
func (nr *newReno) Cleanup(tc *Connection) {}

func (nr *newReno) RcvAck(tc *Connection, rs *RateSample) {
	if tc.inSlowStart() {
		inc := tc.bytesAcked
		if inc > uint32(tc.sndMss) {
			inc = uint32(tc.sndMss)
		}
		tc.cwnd += inc
		return
	}
	tc.cwndAccumulate(tc.cwnd, tc.bytesAcked)
}

func (nr *newReno) RcvCongAck(tc *Connection, rs *RateSample, ackType ccAckType) {
	switch ackType {
	case ccDupack:
		if !tc.sackPermitted {
			// RFC5681窗口充气 SACK下在途字节有精确账 不需要
			tc.cwnd += uint32(tc.sndMss)
		}
	case ccPartialAck:
		if !tc.sackPermitted {
			// Deflate by the acked amount, keeping at least the
			// threshold window.
			if tc.cwnd > tc.bytesAcked+uint32(tc.sndMss) {
				tc.cwnd -= tc.bytesAcked
			} else {
				tc.cwnd = uint32(tc.sndMss)
			}
			if tc.cwnd < tc.ssthresh {
				tc.cwnd = tc.ssthresh
			}
		}
	}
}

// Congestion enters fast recovery: half the pipe, floor of two segments.
func (nr *newReno) Congestion(tc *Connection) {
	tc.ssthresh = clampSsthresh(tc.flightSize()/2, tc.sndMss)
	// cwnd during the episode is governed by proportional rate reduction;
	// keep it untouched here.
}

// Loss is the RTO response: restart from one segment.
func (nr *newReno) Loss(tc *Connection) {
	tc.ssthresh = clampSsthresh(tc.flightSize()/2, tc.sndMss)
	tc.cwnd = uint32(tc.sndMss)
	tc.cwndAccBytes = 0
}

func (nr *newReno) Recovered(tc *Connection) {
	tc.cwnd = tc.ssthresh
	tc.cwndAccBytes = 0
}

func (nr *newReno) UndoRecovery(tc *Connection) {
	tc.cwnd = tc.prevCwnd
	tc.ssthresh = tc.prevSsthresh
}

func (nr *newReno) Event(tc *Connection, e ccEvent) {}

func (nr *newReno) PacingRate(tc *Connection) float64 { return 0 }

func clampSsthresh(v uint32, mss uint16) uint32 {
	if v < 2*uint32(mss) {
		return 2 * uint32(mss)
	}
	return v
}
