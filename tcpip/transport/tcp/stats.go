package tcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 对应源实现按错误码计数的软错误表 协议违例一律只计数不致命
var (
	statDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tcpcore",
		Name:      "drops_total",
		Help:      "Segments dropped, by reason.",
	}, []string{"reason"})

	statEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tcpcore",
		Name:      "events_total",
		Help:      "Protocol events of interest.",
	}, []string{"event"})
)

// Drop reasons.
const (
	reasonPAWS         = "paws"
	reasonBelowDataWnd = "below_data_wnd"
	reasonAboveDataWnd = "above_data_wnd"
	reasonBelowAckWnd  = "below_ack_wnd"
	reasonAboveAckWnd  = "above_ack_wnd"
	reasonBadFlags     = "bad_flags"
	reasonInvalidState = "invalid_state"
	reasonInvariant    = "invariant_violation"
	reasonLookupFail   = "lookup_fail"
)

// Events.
const (
	eventFastRetransmit   = "fast_retransmit"
	eventRxtTimeout       = "rto"
	eventPersistProbe     = "persist_probe"
	eventChallengeAck     = "challenge_ack"
	eventReneging         = "reneging"
	eventRecoveryUndo     = "undo"
	eventEstablishTimeout = "establish_timeout"
	eventConnectionReset  = "reset"
)

func countDrop(reason string) {
	statDrops.WithLabelValues(reason).Inc()
}

func countEvent(event string) {
	statEvents.WithLabelValues(event).Inc()
}
