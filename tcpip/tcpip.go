// Package tcpip 定义传输引擎的公共类型 错误值与静态配置
package tcpip

// Error 是协议栈的错误类型 与gvisor一样用预定义错误值而不是动态错误
type Error struct {
	msg         string
	ignoreStats bool
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	return e.msg
}

// Error implements error.Error.
func (e *Error) Error() string {
	return e.msg
}

// IgnoreStats 标记该错误是否计入软错误统计
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

// Errors that can be returned by the engine.
var (
	ErrWouldBlock         = &Error{msg: "operation would block", ignoreStats: true}
	ErrConnectionReset    = &Error{msg: "connection reset by peer"}
	ErrConnectionAborted  = &Error{msg: "connection aborted"}
	ErrConnectionRefused  = &Error{msg: "connection was refused"}
	ErrTimeout            = &Error{msg: "operation timed out"}
	ErrPoolExhausted      = &Error{msg: "connection pool exhausted"}
	ErrAddressExhausted   = &Error{msg: "address range exhausted"}
	ErrInvalidState       = &Error{msg: "endpoint is in invalid state"}
	ErrClosedForSend      = &Error{msg: "endpoint is closed for send"}
	ErrUnknownCCAlgorithm = &Error{msg: "unknown congestion control algorithm"}
)

// Config 是连接建立时读取的静态配置 运行期间不再变化
// 字段语义与引擎内的定时器节拍一致 时间均为毫秒
type Config struct {
	// DefaultMTU to be used when establishing connections.
	DefaultMTU uint16

	// InitialCwndMultiplier multiplies MSS to determine initial cwnd.
	// 0 表示按RFC5681的分档规则计算
	InitialCwndMultiplier uint16

	// MinRxFifo/MaxRxFifo bound the session receive fifo (bytes). The max is
	// used to compute the RFC7323 window scale factor.
	MinRxFifo uint32
	MaxRxFifo uint32

	// MaxConnsPerWorker caps each worker's connection pool. Creation fails
	// with ErrPoolExhausted at the cap. 0 不设上限
	MaxConnsPerWorker uint32

	// CongestionControl names the default cc algorithm ("newreno", "cubic").
	CongestionControl string

	// EnableSACK turns on SACK option negotiation and the scoreboard.
	EnableSACK bool

	// EnableRateSample lazily allocates a byte tracker per connection.
	EnableRateSample bool

	// EnableTxPacing exposes a pacing rate to the output layer.
	EnableTxPacing bool

	// LossThresholdSegs is the RFC6675 policy constant: a hole is marked
	// lost once highSacked is at least LossThresholdSegs*MSS past its end.
	LossThresholdSegs uint32

	// DelackTime is the delayed-ack interval in ms.
	DelackTime uint32

	// Timer-driven lifecycle bounds, all in ms.
	CloseWaitTime uint32
	TimeWaitTime  uint32
	FinWait1Time  uint32
	FinWait2Time  uint32
	LastAckTime   uint32
	ClosingTime   uint32
	CleanupTime   uint32
}

// DefaultConfig returns the configuration used when the caller supplies
// nothing. 数值取自源实现的缺省值
func DefaultConfig() Config {
	return Config{
		DefaultMTU:            1500,
		InitialCwndMultiplier: 0,
		MinRxFifo:             4 << 10,
		MaxRxFifo:             4 << 20,
		MaxConnsPerWorker:     256 << 10,
		CongestionControl:     "newreno",
		EnableSACK:            true,
		EnableRateSample:      false,
		EnableTxPacing:        false,
		LossThresholdSegs:     3,
		DelackTime:            100,
		CloseWaitTime:         10_000,
		TimeWaitTime:          10_000,
		FinWait1Time:          60_000,
		FinWait2Time:          60_000,
		LastAckTime:           30_000,
		ClosingTime:           30_000,
		CleanupTime:           100,
	}
}
