package tcp

import "math"

// CUBIC RFC8312
//
// 窗口按三次曲线围绕上次丢包时的w_max增长 凹段快速逼近 凸段谨慎探测
// 另外维护一个reno等价窗口 保证在短RTT链路上不输给NewReno

const (
	cubicC    = 0.4
	cubicBeta = 0.7
)

type cubic struct {
	wMax   float64 // window (segments) at last reduction
	k      float64 // time to reach wMax again
	tStart float64 // epoch start, 0 means not started
	wTCP   float64 // reno-friendly window estimate (segments)
}

func init() {
	RegisterCCAlgorithm("cubic", func() congestionControl { return &cubic{} })
}

func (c *cubic) Init(tc *Connection) {
	*c = cubic{}
}

func (c *cubic) Cleanup(tc *Connection) {}

// wCubic evaluates the cubic curve t seconds into the epoch, in segments.
func (c *cubic) wCubic(t float64) float64 {
	d := t - c.k
	return cubicC*d*d*d + c.wMax
}

func (c *cubic) startEpoch(tc *Connection) {
	c.tStart = tc.wrk.timeF
	cwndSegs := float64(tc.cwnd) / float64(tc.sndMss)
	if c.wMax < cwndSegs {
		c.wMax = cwndSegs
	}
	c.k = math.Cbrt(c.wMax * (1 - cubicBeta) / cubicC)
	c.wTCP = cwndSegs
}

func (c *cubic) RcvAck(tc *Connection, rs *RateSample) {
	mss := float64(tc.sndMss)
	if tc.inSlowStart() {
		inc := tc.bytesAcked
		if inc > uint32(tc.sndMss) {
			inc = uint32(tc.sndMss)
		}
		tc.cwnd += inc
		return
	}
	if c.tStart == 0 {
		c.startEpoch(tc)
	}

	t := tc.wrk.timeF - c.tStart
	rtt := float64(tc.srtt) / 1000

	// TCP-friendly region estimate.
	c.wTCP += 3 * (1 - cubicBeta) / (1 + cubicBeta) * float64(tc.bytesAcked) / float64(tc.cwnd)

	target := c.wCubic(t + rtt)
	cwndSegs := float64(tc.cwnd) / mss

	switch {
	case target < c.wTCP:
		// reno区 直接跟上reno估计
		tc.cwnd = uint32(c.wTCP * mss)
	case target > cwndSegs:
		// 每个ack逼近目标的 (target-cwnd)/cwnd
		tc.cwnd += uint32((target - cwndSegs) / cwndSegs * mss)
	default:
		// At or above target: probe very slowly.
		tc.cwndAccumulate(100*tc.cwnd, tc.bytesAcked)
	}
	tc.enforceCwndInvariants()
}

func (c *cubic) RcvCongAck(tc *Connection, rs *RateSample, ackType ccAckType) {
	if ackType == ccDupack && !tc.sackPermitted {
		tc.cwnd += uint32(tc.sndMss)
	}
}

func (c *cubic) reduce(tc *Connection) {
	cwndSegs := float64(tc.cwnd) / float64(tc.sndMss)
	if cwndSegs < c.wMax {
		// Fast convergence: losing below the old max means the
		// bottleneck shrank.
		c.wMax = cwndSegs * (1 + cubicBeta) / 2
	} else {
		c.wMax = cwndSegs
	}
	c.k = math.Cbrt(c.wMax * (1 - cubicBeta) / cubicC)
	c.tStart = 0

	tc.ssthresh = clampSsthresh(uint32(cubicBeta*float64(tc.cwnd)), tc.sndMss)
}

func (c *cubic) Congestion(tc *Connection) {
	c.reduce(tc)
}

func (c *cubic) Loss(tc *Connection) {
	c.reduce(tc)
	tc.cwnd = uint32(tc.sndMss)
	tc.cwndAccBytes = 0
	c.wTCP = 1
}

func (c *cubic) Recovered(tc *Connection) {
	tc.cwnd = tc.ssthresh
	tc.cwndAccBytes = 0
}

func (c *cubic) UndoRecovery(tc *Connection) {
	tc.cwnd = tc.prevCwnd
	tc.ssthresh = tc.prevSsthresh
}

func (c *cubic) Event(tc *Connection, e ccEvent) {
	if e == ccEventStartTx {
		// Idle restart invalidates the epoch clock.
		c.tStart = 0
	}
}

func (c *cubic) PacingRate(tc *Connection) float64 { return 0 }
