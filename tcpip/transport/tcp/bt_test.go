package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impact-eintr/tcpcore/ilist"
	"github.com/impact-eintr/tcpcore/tcpip"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

func btTestConn(t *testing.T) (*testEnv, *Connection) {
	env := newTestEnv(t, tcpip.DefaultConfig())
	tc := env.rawConn(100)
	tc.bt = newByteTracker()
	tc.sndUna = 1000
	tc.sndNxt = 1000
	tc.sndUnaMax = 1000
	return env, tc
}

func btSampleCount(bt *byteTracker) int {
	n := 0
	for i := bt.list.Front(); i != ilist.NilIndex; i = bt.Entry(i).Next() {
		n++
	}
	return n
}

// send mimics the output path: track, then advance sndNxt.
func btSend(tc *Connection, n uint32) {
	tc.bt.trackTx(tc, n)
	tc.sndNxt = tc.sndNxt.Add(seqnum.Size(n))
	tc.sndUnaMax = tc.sndNxt
}

func TestTrackTxMergesSameTick(t *testing.T) {
	env, tc := btTestConn(t)
	bt := tc.bt

	btSend(tc, 100)
	btSend(tc, 200)
	assert.Equal(t, 1, btSampleCount(bt), "contiguous sends in one tick share a sample")

	_, s := bt.sampleAt(1200)
	require.NotNil(t, s)
	assert.Equal(t, seqnum.Value(1000), s.minSeq)
	assert.Equal(t, seqnum.Value(1300), s.maxSeq)

	// A later tick starts a fresh sample.
	env.advance(100)
	btSend(tc, 100)
	assert.Equal(t, 2, btSampleCount(bt))
}

func TestTrackRxtSplitsSample(t *testing.T) {
	_, tc := btTestConn(t)
	bt := tc.bt

	btSend(tc, 300) // [1000, 1300)
	bt.trackRxt(tc, 1100, 1200)

	assert.Equal(t, 3, btSampleCount(bt))

	_, head := bt.sampleAt(1050)
	require.NotNil(t, head)
	assert.Zero(t, head.flags&btsRxt)
	assert.Equal(t, seqnum.Value(1100), head.maxSeq)

	_, mid := bt.sampleAt(1150)
	require.NotNil(t, mid)
	assert.NotZero(t, mid.flags&btsRxt)

	_, tail := bt.sampleAt(1250)
	require.NotNil(t, tail)
	assert.Zero(t, tail.flags&btsRxt)
	assert.Equal(t, seqnum.Value(1200), tail.minSeq)
}

func TestSampleDeliveryRate(t *testing.T) {
	env, tc := btTestConn(t)
	bt := tc.bt

	btSend(tc, 500) // [1000, 1500) at t=1.0s
	env.advance(200)

	// The peer acks everything 200ms later.
	tc.bytesAcked = 500
	var rs RateSample
	bt.sampleDeliveryRate(tc, &rs)

	assert.Equal(t, uint64(0), rs.PriorDelivered)
	assert.InDelta(t, 1.0, rs.PriorTime, 1e-9)
	assert.InDelta(t, 0.2, rs.IntervalTime, 1e-9)
	assert.InDelta(t, 0.2, rs.RttTime, 1e-9)
	assert.Equal(t, uint32(500), rs.Delivered)
	assert.Equal(t, uint64(500), tc.delivered)
	assert.InDelta(t, 2500, rs.DeliveryRate(tc), 0.01, "500 bytes over 200ms")
	assert.Equal(t, 0, btSampleCount(bt), "fully acked samples are released")
}

func TestSampleDeliveryRatePartialAck(t *testing.T) {
	env, tc := btTestConn(t)
	bt := tc.bt

	btSend(tc, 500)
	env.advance(100)

	tc.bytesAcked = 200
	var rs RateSample
	bt.sampleDeliveryRate(tc, &rs)

	require.Equal(t, 1, btSampleCount(bt))
	_, s := bt.sampleAt(1300)
	require.NotNil(t, s)
	assert.Equal(t, seqnum.Value(1200), s.minSeq, "acked prefix is trimmed")
	assert.Equal(t, uint32(200), rs.Delivered)
}

func TestCheckAppLimited(t *testing.T) {
	_, tc := btTestConn(t)
	bt := tc.bt
	txq := &testTxQueue{}
	tc.txq = txq

	// Queue empty: the sender is application limited.
	bt.checkAppLimited(tc)
	assert.Equal(t, uint64(1), tc.appLimited)

	// Samples taken during the limited phase carry the flag.
	btSend(tc, 100)
	_, s := bt.sampleAt(1000)
	require.NotNil(t, s)
	assert.NotZero(t, s.flags&btsAppLimited)

	// With a full segment of unsent data the phase does not restart.
	tc.appLimited = 0
	txq.Write(make([]byte, 300))
	tc.sndNxt = tc.sndUna // nothing in flight
	bt.checkAppLimited(tc)
	assert.Zero(t, tc.appLimited)
}

func TestFlushSamples(t *testing.T) {
	env, tc := btTestConn(t)
	bt := tc.bt

	btSend(tc, 100)
	env.advance(100)
	btSend(tc, 100)
	require.Equal(t, 2, btSampleCount(bt))

	bt.flushSamples(tc)
	assert.Equal(t, 0, btSampleCount(bt))
	_, s := bt.sampleAt(1000)
	assert.Nil(t, s)
}
