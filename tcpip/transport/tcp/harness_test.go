package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/impact-eintr/tcpcore/tcpip"
	"github.com/impact-eintr/tcpcore/tcpip/header"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

// 测试用的外部协作者 fifo和重组都在这里 引擎本体不做

type testTxQueue struct {
	buf []byte
}

func (q *testTxQueue) Len() int { return len(q.buf) }

func (q *testTxQueue) Peek(offset int, b []byte) int {
	if offset >= len(q.buf) {
		return 0
	}
	return copy(b, q.buf[offset:])
}

func (q *testTxQueue) Discard(n int) {
	if n > len(q.buf) {
		n = len(q.buf)
	}
	q.buf = q.buf[n:]
}

func (q *testTxQueue) Write(b []byte) {
	q.buf = append(q.buf, b...)
}

// testRxSink reassembles out-of-order writes, like the session fifo would.
type testRxSink struct {
	base uint32 // stream offset of rcvNxt
	data []byte // in-order bytes delivered so far
	ooo  map[uint32][]byte
}

func newTestRxSink() *testRxSink {
	return &testRxSink{ooo: make(map[uint32][]byte)}
}

func (r *testRxSink) Enqueue(offset uint32, b []byte) uint32 {
	if offset != 0 {
		r.ooo[r.base+offset] = append([]byte(nil), b...)
		return 0
	}
	r.data = append(r.data, b...)
	r.base += uint32(len(b))
	adv := uint32(len(b))
	for {
		seg, ok := r.ooo[r.base]
		if !ok {
			break
		}
		delete(r.ooo, r.base)
		r.data = append(r.data, seg...)
		r.base += uint32(len(seg))
		adv += uint32(len(seg))
	}
	return adv
}

type sentSeg struct {
	tc   *Connection
	spec *SegmentSpec
}

type testEnv struct {
	t     *testing.T
	stack *Stack
	wrk   *workerCtx
	out   []sentSeg
}

func newTestEnv(t *testing.T, cfg tcpip.Config) *testEnv {
	env := &testEnv{t: t}
	env.stack = NewStack(cfg, 1, func(tc *Connection, s *SegmentSpec) {
		// Payload slices may alias the tx queue; snapshot them.
		cp := *s
		cp.Payload = append([]byte(nil), s.Payload...)
		env.out = append(env.out, sentSeg{tc: tc, spec: &cp})
	})
	env.wrk = env.stack.Worker(0)
	env.wrk.SetNow(1000, 1.0)
	return env
}

func (e *testEnv) advance(ms uint32) {
	e.wrk.SetNow(e.wrk.timeMs+ms, e.wrk.timeF+float64(ms)/1000)
}

// take drains and returns everything sent since the last call.
func (e *testEnv) take() []sentSeg {
	out := e.out
	e.out = nil
	return out
}

func (e *testEnv) lastSeg() *SegmentSpec {
	require.NotEmpty(e.t, e.out)
	return e.out[len(e.out)-1].spec
}

var testID = ConnectionID{
	LocalAddress:  "10.0.0.1",
	RemoteAddress: "10.0.0.2",
	LocalPort:     4444,
	RemotePort:    80,
}

const (
	peerISS    = seqnum.Value(10_000)
	peerWindow = uint16(65_535)
)

// openEstablished runs an active open against a scripted peer and returns
// the connection in ESTABLISHED.
func (e *testEnv) openEstablished(cfg struct{ mss uint16 }) (*Connection, *testTxQueue, *testRxSink) {
	txq := &testTxQueue{}
	rx := newTestRxSink()

	tc, err := e.stack.OpenConnection(0, testID, txq, rx)
	require.Nil(e.t, err)

	segs := e.take()
	require.Len(e.t, segs, 1)
	syn := segs[0].spec
	require.Equal(e.t, uint8(header.FlagSyn), syn.Flags)

	mss := cfg.mss
	if mss == 0 {
		mss = 1460
	}
	tc.OnSegment(&Segment{
		SeqNum: peerISS,
		AckNum: syn.SeqNum + 1,
		Flags:  header.FlagSyn | header.FlagAck,
		Window: peerWindow,
		SynOptions: header.TCPSynOptions{
			MSS:           mss,
			WS:            -1,
			SACKPermitted: true,
		},
	})
	require.Equal(e.t, StateEstablished, tc.State())
	e.take() // the handshake-completing ack
	return tc, txq, rx
}

// ackFromPeer builds a plain ack for the given number.
func ackFromPeer(tc *Connection, ack seqnum.Value) *Segment {
	return &Segment{
		SeqNum: tc.rcvNxt,
		AckNum: ack,
		Flags:  header.FlagAck,
		Window: peerWindow,
	}
}

// sackFromPeer builds a dupack carrying the given sack blocks.
func sackFromPeer(tc *Connection, ack seqnum.Value, blocks ...header.SACKBlock) *Segment {
	s := ackFromPeer(tc, ack)
	s.Options.SACKBlocks = blocks
	return s
}

// rawConn builds a bare connection for unit tests that drive internal state
// directly (scoreboard, cc, byte tracker).
func (e *testEnv) rawConn(mss uint16) *Connection {
	tc := &Connection{wrk: e.wrk, sndMss: mss, sackPermitted: true}
	tc.sackSb.init()
	return tc
}
