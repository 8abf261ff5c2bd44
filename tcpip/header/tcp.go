package header

import (
	"fmt"

	"github.com/impact-eintr/tcpcore/tcpip/seqnum"
)

// 引擎只关心序列号/确认号/标志/窗口与选项语义
// 字节级的报文布局由外部的封包层负责

const (
	// FlagFin .. FlagUrg are the TCP header flag bits.
	FlagFin = 1 << iota
	FlagSyn
	FlagRst
	FlagPsh
	FlagAck
	FlagUrg
)

// FlagMask 参与(state, flags)分发表索引的位
const FlagMask = FlagFin | FlagSyn | FlagRst | FlagPsh | FlagAck | FlagUrg

const (
	// MaxSACKBlocks 是单个段里能携带的最大SACK块数
	// 带时间戳选项时40字节的选项空间只装得下3块
	MaxSACKBlocks = 3

	// MaxRcvSACKBlocks 是接收端为对端维护的最大SACK块数
	MaxRcvSACKBlocks = 6

	// TCPMinimumSize is the minimum size of a valid TCP header.
	TCPMinimumSize = 20

	// TCPMaxOptionSpace 是选项的最大字节数
	TCPMaxOptionSpace = 40
)

// SACKBlock represents a single contiguous SACK block [Start, End).
type SACKBlock struct {
	Start seqnum.Value
	End   seqnum.Value
}

// SACKInfo holds the SACK blocks the receive side advertises to the peer.
type SACKInfo struct {
	Blocks    [MaxRcvSACKBlocks]SACKBlock
	NumBlocks int
}

// TCPOptions 是非SYN段里解析出的选项
type TCPOptions struct {
	// TS is true if the timestamp option was present.
	TS bool

	// TSVal/TSEcr are the timestamp option values.
	TSVal uint32
	TSEcr uint32

	// SACKBlocks reported by the peer, already bounds checked.
	SACKBlocks []SACKBlock
}

// TCPSynOptions 是SYN/SYN-ACK段里解析出的选项
type TCPSynOptions struct {
	// MSS is the maximum segment size provided by the peer in the SYN.
	MSS uint16

	// WS is the window scale option provided by the peer in the SYN.
	// -1 表示对端没有携带该选项
	WS int

	// TS is true if the timestamp option was provided in the syn/syn-ack.
	TS    bool
	TSVal uint32
	TSEcr uint32

	// SACKPermitted is true if the SACK option was provided.
	SACKPermitted bool
}

// SegmentFlagString 把标志位格式化为 SYN|ACK 的形式 用于日志
func SegmentFlagString(flags uint8) string {
	var s string
	for _, f := range []struct {
		b uint8
		n string
	}{
		{FlagFin, "FIN"}, {FlagSyn, "SYN"}, {FlagRst, "RST"},
		{FlagPsh, "PSH"}, {FlagAck, "ACK"}, {FlagUrg, "URG"},
	} {
		if flags&f.b != 0 {
			if s != "" {
				s += "|"
			}
			s += f.n
		}
	}
	if s == "" {
		s = "none"
	}
	return s
}

// String implements fmt.Stringer for SACKBlock.
func (b SACKBlock) String() string {
	return fmt.Sprintf("[%d, %d)", b.Start, b.End)
}

// Overlap reports whether b and o overlap or touch, i.e. can be merged into
// one block.
func (b SACKBlock) Overlap(o SACKBlock) bool {
	return b.Start.LessThanEq(o.End) && o.Start.LessThanEq(b.End)
}
