package tcp

import (
	"github.com/impact-eintr/tcpcore/tcpip/header"
)

// State is the connection FSM state as per RFC793.
type State uint8

// RFC793 FSM states.
const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateCloseWait
	StateFinWait1
	StateLastAck
	StateClosing
	StateFinWait2
	StateTimeWait
	numStates
)

var stateNames = [numStates]string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RCVD", "ESTABLISHED",
	"CLOSE_WAIT", "FIN_WAIT_1", "LAST_ACK", "CLOSING", "FIN_WAIT_2",
	"TIME_WAIT",
}

// String implements fmt.Stringer.String.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

type dispatchAction uint8

const (
	// dispDrop 丢弃并按原因计数 不影响连接
	dispDrop dispatchAction = iota
	dispListen
	dispSynSent
	dispEstablished
	// dispRcvProcess 处理 SYN_RCVD 及所有关闭过程中的状态
	dispRcvProcess
	dispReset
)

type dispatchEntry struct {
	action dispatchAction
	reason string
}

// dispatchTable 按(状态, 标志组合)查处理动作 未登记的组合一律丢弃并计数
// 与源实现的 dispatch_table[TCP_N_STATES][64] 相同的结构
var dispatchTable [numStates][header.FlagMask + 1]dispatchEntry

func fill(s State, flags uint8, a dispatchAction) {
	dispatchTable[s][flags] = dispatchEntry{action: a}
}

func init() {
	for s := StateClosed; s < numStates; s++ {
		for f := 0; f <= header.FlagMask; f++ {
			dispatchTable[s][f] = dispatchEntry{action: dispDrop, reason: reasonBadFlags}
		}
	}

	// CLOSED: anything arriving here answers with reset.
	for f := 0; f <= header.FlagMask; f++ {
		fill(StateClosed, uint8(f), dispReset)
	}

	// LISTEN: only a SYN (optionally with PSH/URG junk) opens a connection.
	fill(StateListen, header.FlagSyn, dispListen)
	fill(StateListen, header.FlagSyn|header.FlagPsh, dispListen)
	fill(StateListen, header.FlagSyn|header.FlagUrg, dispListen)
	// ACK in listen means a stale connection: answer with reset.
	fill(StateListen, header.FlagAck, dispReset)
	fill(StateListen, header.FlagRst, dispDrop)
	dispatchTable[StateListen][header.FlagRst].reason = reasonInvalidState

	// SYN_SENT
	fill(StateSynSent, header.FlagSyn, dispSynSent)
	fill(StateSynSent, header.FlagSyn|header.FlagAck, dispSynSent)
	fill(StateSynSent, header.FlagRst, dispSynSent)
	fill(StateSynSent, header.FlagRst|header.FlagAck, dispSynSent)
	fill(StateSynSent, header.FlagAck, dispSynSent)

	// 同步状态 凡是带ACK的组合都交给对应处理器 纯FIN/纯PSH这类
	// 不带ACK的段按RFC793丢弃
	syncStates := []struct {
		s State
		a dispatchAction
	}{
		{StateSynRcvd, dispRcvProcess},
		{StateEstablished, dispEstablished},
		{StateCloseWait, dispRcvProcess},
		{StateFinWait1, dispRcvProcess},
		{StateLastAck, dispRcvProcess},
		{StateClosing, dispRcvProcess},
		{StateFinWait2, dispRcvProcess},
		{StateTimeWait, dispRcvProcess},
	}
	for _, e := range syncStates {
		for f := 0; f <= header.FlagMask; f++ {
			flags := uint8(f)
			switch {
			case flags&header.FlagRst != 0:
				fill(e.s, flags, e.a)
			case flags&header.FlagSyn != 0:
				// SYN in window triggers a challenge ack in the handler.
				fill(e.s, flags, e.a)
			case flags&header.FlagAck != 0:
				fill(e.s, flags, e.a)
			}
		}
	}
}

func (tc *Connection) setState(s State) {
	tc.state = s
}
