package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impact-eintr/tcpcore/tcpip"
	"github.com/impact-eintr/tcpcore/tcpip/header"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

func TestRttEstimatorFirstSample(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc := env.rawConn(1460)

	tc.estimateRtt(100)
	assert.Equal(t, uint32(100), tc.srtt)
	assert.Equal(t, uint32(50), tc.rttvar)
	assert.Equal(t, uint32(300), tc.rto) // srtt + 4*rttvar
}

func TestRttEstimatorConverges(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc := env.rawConn(1460)

	// A steady RTT drives rttvar towards zero and rto towards the floor.
	for i := 0; i < 32; i++ {
		tc.estimateRtt(100)
	}
	assert.Equal(t, uint32(100), tc.srtt)
	assert.Equal(t, uint32(0), tc.rttvar)
	assert.Equal(t, uint32(rtoMin), tc.rto)
}

func TestRttEstimatorClampsRtoMax(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc := env.rawConn(1460)

	tc.estimateRtt(50_000)
	assert.Equal(t, uint32(rtoMax), tc.rto)
}

func TestKarnRestriction(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc := env.rawConn(1460)

	// Backed off: the sample may be from a retransmission, drop it.
	tc.rtoBoff = 1
	tc.rttTs = 0.5
	tc.rttSeq = 100
	tc.updateRttFromAck(200, 0)
	assert.Equal(t, uint32(0), tc.srtt)

	// Same ack without backoff yields a (1.0 - 0.5)s sample.
	tc.rtoBoff = 0
	tc.updateRttFromAck(200, 0)
	assert.Equal(t, uint32(500), tc.srtt)
	assert.Equal(t, float64(0), tc.rttTs, "measurement must be consumed")
}

func TestKarnTimestampBypass(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc := env.rawConn(1460)

	// With timestamps the echo disambiguates retransmissions, so the
	// backoff does not block the sample. wrk.timeMs is 1000 here.
	tc.sendTS = true
	tc.rtoBoff = 3
	tc.updateRttFromAck(200, 700)
	assert.Equal(t, uint32(300), tc.srtt)
}

func TestRetransmitTimeout(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc, txq, _ := env.openEstablished(struct{ mss uint16 }{})

	txq.Write(make([]byte, 2000))
	tc.sendData()
	require.Len(t, env.take(), 2)
	require.True(t, tc.timerIsActive(timerRetransmit))

	una := tc.sndUna
	prevCwnd := tc.cwnd
	env.advance(1100) // rto is 1000ms

	segs := env.take()
	require.Len(t, segs, 1)
	assert.Equal(t, una, segs[0].spec.SeqNum)
	assert.Len(t, segs[0].spec.Payload, 1460)

	assert.Equal(t, uint32(1), tc.rtoBoff)
	assert.Equal(t, uint32(2000), tc.rto, "rto doubles")
	assert.Equal(t, uint32(1460), tc.cwnd, "collapse to one segment")
	assert.Equal(t, uint32(2920), tc.ssthresh, "half the pipe, two-segment floor")
	assert.Equal(t, prevCwnd, tc.prevCwnd)
	assert.True(t, tc.inRecovery())
	assert.True(t, tc.sackSb.list.Empty(), "scoreboard restarts on rto")
	assert.Equal(t, una+1460, tc.sackSb.highRxt)
	assert.True(t, tc.timerIsActive(timerRetransmit))

	// Second expiry backs off again without another window cut.
	env.advance(2100)
	segs = env.take()
	require.Len(t, segs, 1)
	assert.Equal(t, una, segs[0].spec.SeqNum)
	assert.Equal(t, uint32(2), tc.rtoBoff)
	assert.Equal(t, uint32(4000), tc.rto)
	assert.Equal(t, uint32(1460), tc.cwnd)
}

func TestRetransmitTimerRaceWithAck(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc, txq, _ := env.openEstablished(struct{ mss uint16 }{})

	txq.Write(make([]byte, 1000))
	tc.sendData()
	env.take()

	// Everything gets acked; the armed expiration must then be a no-op.
	tc.OnSegment(ackFromPeer(tc, tc.sndNxt))
	env.take()
	require.False(t, tc.timerIsActive(timerRetransmit))

	env.advance(2000)
	assert.Empty(t, env.take())
	assert.Equal(t, uint32(0), tc.rtoBoff)
}

func TestPersistProbe(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc, txq, _ := env.openEstablished(struct{ mss uint16 }{})

	// Data queued, then the peer closes its window before we send.
	txq.Write(make([]byte, 100))
	zeroWnd := ackFromPeer(tc, tc.sndUna)
	zeroWnd.Window = 0
	tc.OnSegment(zeroWnd)
	env.take()

	require.Equal(t, seqnum.Size(0), tc.sndWnd)
	require.True(t, tc.timerIsActive(timerPersist))
	require.False(t, tc.timerIsActive(timerRetransmit))

	cwnd := tc.cwnd
	una := tc.sndUna
	env.advance(1100)

	segs := env.take()
	require.Len(t, segs, 1)
	assert.Equal(t, una, segs[0].spec.SeqNum)
	assert.Len(t, segs[0].spec.Payload, 1, "probe carries a single byte")
	assert.Equal(t, una+1, tc.sndNxt)
	assert.Equal(t, cwnd, tc.cwnd, "zero window is not congestion")
	assert.True(t, tc.timerIsActive(timerPersist))

	// Window reopens acking the probe byte: probing stops, data flows.
	open := ackFromPeer(tc, una+1)
	tc.OnSegment(open)

	assert.False(t, tc.timerIsActive(timerPersist))
	assert.Equal(t, uint32(0), tc.rtoBoff)
	segs = env.take()
	require.NotEmpty(t, segs)
	assert.Len(t, segs[len(segs)-1].spec.Payload, 99)
	assert.True(t, tc.timerIsActive(timerRetransmit))
}

func TestSynRetransmitGivesUp(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	txq := &testTxQueue{}
	tc, err := env.stack.OpenConnection(0, testID, txq, newTestRxSink())
	require.Nil(t, err)

	// Backoff schedule: 4x1s, then doubling. The 8th expiry gives up.
	var syns int
	for i := 0; i < 400; i++ {
		env.advance(100)
	}
	for _, s := range env.take() {
		if s.spec.Flags&header.FlagSyn != 0 {
			syns++
		}
	}
	assert.Equal(t, 8, syns, "initial syn plus seven retries")
	assert.Equal(t, StateClosed, tc.State())
	assert.Nil(t, env.wrk.conns[tc.id])
	assert.Contains(t, env.wrk.PendingDisconnects(), tc)
}

func TestDelayedAck(t *testing.T) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc, _, rx := env.openEstablished(struct{ mss uint16 }{})

	data := ackFromPeer(tc, tc.sndUna)
	data.Payload = make([]byte, 100)
	tc.OnSegment(data)

	// Less than two full segments: the ack waits for the delack timer.
	require.Empty(t, env.take())
	require.True(t, tc.timerIsActive(timerDelack))
	require.Len(t, rx.data, 100)

	env.advance(200)
	segs := env.take()
	require.Len(t, segs, 1)
	assert.Equal(t, uint8(header.FlagAck), segs[0].spec.Flags)
	assert.Equal(t, tc.rcvNxt, segs[0].spec.AckNum)
	assert.Equal(t, peerISS+101, tc.rcvNxt)
}
