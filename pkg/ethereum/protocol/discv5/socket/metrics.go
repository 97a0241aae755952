package socket

import "github.com/ethereum/go-ethereum/metrics"

const (
	ingressPacketsName  = "discv5/ingress/packets"
	ingressFilteredName = "discv5/ingress/filtered"
	ingressDroppedName  = "discv5/ingress/dropped"
	egressPacketsName   = "discv5/egress/packets"
	egressErrorsName    = "discv5/egress/errors"
)

type Stats struct {
	Ingress, Filtered, Dropped int64
	Egress, EgressErrors       int64
}

type socketMetrics struct {
	ingress, filtered, dropped metrics.Counter
	egress, egressErrors       metrics.Counter
}

// newSocketMetrics returns counters from the default registry. Sockets in
// the same process share them.
func newSocketMetrics() *socketMetrics {
	return &socketMetrics{
		ingress:      metrics.GetOrRegisterCounter(ingressPacketsName, nil),
		filtered:     metrics.GetOrRegisterCounter(ingressFilteredName, nil),
		dropped:      metrics.GetOrRegisterCounter(ingressDroppedName, nil),
		egress:       metrics.GetOrRegisterCounter(egressPacketsName, nil),
		egressErrors: metrics.GetOrRegisterCounter(egressErrorsName, nil),
	}
}

func (m *socketMetrics) stats() Stats {
	return Stats{
		Ingress:      m.ingress.Count(),
		Filtered:     m.filtered.Count(),
		Dropped:      m.dropped.Count(),
		Egress:       m.egress.Count(),
		EgressErrors: m.egressErrors.Count(),
	}
}
