package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impact-eintr/tcpcore/tcpip"
	"github.com/impact-eintr/tcpcore/tcpip/header"
	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

func sackTestConn(t *testing.T) (*testEnv, *Connection) {
	cfg := tcpip.DefaultConfig()
	cfg.LossThresholdSegs = 3
	env := newTestEnv(t, cfg)
	tc := env.rawConn(100)
	tc.sndUna = 1000
	tc.sndNxt = 5000
	tc.sndUnaMax = 5000
	return env, tc
}

func holes(sb *scoreboard) []header.SACKBlock {
	var out []header.SACKBlock
	for i := sb.list.Front(); i != invalidHoleIndex; i = sb.Entry(i).Next() {
		out = append(out, header.SACKBlock{Start: sb.holes[i].start, End: sb.holes[i].end})
	}
	return out
}

// checkTiling verifies that holes plus sacked ranges cover the outstanding
// space exactly once.
func checkTiling(t *testing.T, tc *Connection) {
	sb := &tc.sackSb
	if sb.list.Empty() && sb.sackedBytes == 0 {
		return
	}
	hs := holes(sb)
	// Sorted, non-overlapping.
	for i := 1; i < len(hs); i++ {
		require.True(t, hs[i-1].End.LessThanEq(hs[i].Start), "holes overlap: %v", hs)
	}
	below := sb.holeBytesBelow(sb.highSacked)
	require.Equal(t, uint32(tc.sndUna.Size(sb.highSacked)), sb.sackedBytes+below,
		"sacked+holes must tile [sndUna, highSacked]")
	require.LessOrEqual(t, sb.sackedBytes+sb.lostBytes, uint32(tc.sndUna.Size(sb.highSacked)))
}

func TestScoreboardFirstBlock(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 3000}})

	assert.Equal(t, []header.SACKBlock{{Start: 1000, End: 2000}, {Start: 3000, End: 5000}}, holes(sb))
	assert.Equal(t, uint32(1000), sb.sackedBytes)
	assert.Equal(t, uint32(1000), sb.lastSackedBytes)
	assert.Equal(t, seqnum.Value(3000), sb.highSacked)
	assert.False(t, sb.isReneging)
	checkTiling(t, tc)
}

func TestScoreboardBlockGrowth(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 3000}})
	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 3500}})

	assert.Equal(t, []header.SACKBlock{{Start: 1000, End: 2000}, {Start: 3500, End: 5000}}, holes(sb))
	assert.Equal(t, uint32(1500), sb.sackedBytes)
	assert.Equal(t, uint32(500), sb.lastSackedBytes)
	checkTiling(t, tc)
}

func TestScoreboardHoleSplit(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 4000, End: 4500}})
	// [1000,4000) and [4500,5000) remain.
	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 2500}})

	assert.Equal(t, []header.SACKBlock{
		{Start: 1000, End: 2000},
		{Start: 2500, End: 4000},
		{Start: 4500, End: 5000},
	}, holes(sb))
	assert.Equal(t, uint32(1000), sb.sackedBytes)
	checkTiling(t, tc)
}

func TestScoreboardCumAckSupersedes(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 3000}})

	// Cumulative ack jumps over the sacked block: the hole below it goes
	// away and the 1000 previously sacked bytes count as delivered.
	sb.rcvSacks(tc, 3000, nil)

	assert.Equal(t, []header.SACKBlock{{Start: 3000, End: 5000}}, holes(sb))
	assert.Equal(t, uint32(0), sb.sackedBytes)
	assert.Equal(t, uint32(1000), sb.lastBytesDelivered)
	assert.False(t, sb.isReneging)

	tc.sndUna = 3000
	checkTiling(t, tc)
}

func TestScoreboardReneging(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 3000}})

	// Ack stops inside the previously sacked range: the peer dropped data
	// it had already sacked.
	sb.rcvSacks(tc, 2500, nil)
	assert.True(t, sb.isReneging)

	// The engine answers by treating the whole range as outstanding again.
	sb.clearReneging(2500, 5000)
	assert.Equal(t, []header.SACKBlock{{Start: 2500, End: 5000}}, holes(sb))
	assert.Equal(t, seqnum.Value(5000), sb.highSacked)
	assert.Equal(t, seqnum.Value(2500), sb.highRxt)
}

func TestScoreboardMarkLost(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	// Threshold is 3 segs * 100 bytes.
	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 1400, End: 1500}})
	assert.Equal(t, uint32(0), sb.lostBytes)

	// highSacked moves 300+ past the first hole's end: it is now lost.
	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 1700, End: 1800}})
	assert.Equal(t, uint32(400), sb.lostBytes, "hole [1000,1400) should be lost")
	assert.Equal(t, uint32(400), sb.lastLostBytes)

	// Sticky until the hole closes.
	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 1800, End: 1900}})
	assert.Equal(t, uint32(400), sb.lostBytes)
	assert.Equal(t, uint32(0), sb.lastLostBytes)

	// Closing the hole via cumulative ack drops the lost accounting.
	sb.rcvSacks(tc, 1400, nil)
	assert.Equal(t, uint32(0), sb.lostBytes)
	tc.sndUna = 1400
	checkTiling(t, tc)
}

func TestScoreboardRtoMarksEverything(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 3000}})
	sb.markLost(tc, true)
	assert.Equal(t, sb.holeBytes(), sb.lostBytes)
}

func TestScoreboardInitRxt(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 3000}})
	require.NotZero(t, sb.sackedBytes)

	sb.initRxt(tc.sndUna)
	assert.True(t, sb.list.Empty())
	assert.Equal(t, uint32(0), sb.sackedBytes)
	assert.Equal(t, uint32(0), sb.lostBytes)
	assert.Equal(t, tc.sndUna, sb.highSacked)
	assert.Equal(t, tc.sndUna, sb.highRxt)
	assert.Equal(t, tc.sndUna-1, sb.rescueRxt)
	assert.Equal(t, invalidHoleIndex, sb.curRxtHole)
}

func TestScoreboardNextRxtHole(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb
	sb.initRxt(tc.sndUna)

	sb.rcvSacks(tc, 1000, []header.SACKBlock{{Start: 2000, End: 3000}})

	// First hole is below highSacked: SACK-proven.
	idx, canRescue, sndLimited := sb.nextRxtHole(invalidHoleIndex, true)
	require.NotEqual(t, invalidHoleIndex, idx)
	assert.Equal(t, seqnum.Value(1000), sb.hole(idx).start)
	assert.False(t, canRescue)
	assert.False(t, sndLimited)

	// Pretend we retransmitted it entirely.
	sb.highRxt = 2000

	// The remaining hole sits beyond highSacked; with unsent data on hand
	// the caller should prefer new data.
	idx, canRescue, sndLimited = sb.nextRxtHole(invalidHoleIndex, true)
	assert.Equal(t, invalidHoleIndex, idx)
	assert.False(t, canRescue)
	assert.False(t, sndLimited)

	// Without unsent data it is offered as a speculative candidate.
	idx, _, sndLimited = sb.nextRxtHole(invalidHoleIndex, false)
	require.NotEqual(t, invalidHoleIndex, idx)
	assert.Equal(t, seqnum.Value(3000), sb.hole(idx).start)
	assert.True(t, sndLimited)
}

func TestScoreboardTilingUnderChurn(t *testing.T) {
	_, tc := sackTestConn(t)
	sb := &tc.sackSb

	steps := []struct {
		ack    seqnum.Value
		blocks []header.SACKBlock
	}{
		{1000, []header.SACKBlock{{Start: 1500, End: 1600}}},
		{1000, []header.SACKBlock{{Start: 2000, End: 2500}, {Start: 3000, End: 3100}}},
		{1000, []header.SACKBlock{{Start: 1600, End: 2000}}},
		{1500, nil},
		{1500, []header.SACKBlock{{Start: 2500, End: 3000}}},
		{3100, nil},
	}
	for _, st := range steps {
		sb.rcvSacks(tc, st.ack, st.blocks)
		if st.ack.GreaterThan(tc.sndUna) {
			tc.sndUna = st.ack
		}
		checkTiling(t, tc)
	}
	// Everything between sndUna and highSacked was sacked away.
	assert.Equal(t, []header.SACKBlock{{Start: 3100, End: 5000}}, holes(sb))
}
