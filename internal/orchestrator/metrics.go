package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_dispatch_total",
		Help: "Dispatch attempts by outcome.",
	}, []string{"outcome"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_refunds_total",
		Help: "Compensating credits by result (succeeded, failed, skipped, deferred).",
	}, []string{"result"})

	pollTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_poll_total",
		Help: "Provider status queries by result.",
	}, []string{"result"})
)

func observeDispatch(handle *JobHandle, err error) {
	switch {
	case err != nil:
		dispatchTotal.WithLabelValues(string(AsError(err).Kind)).Inc()
	case handle != nil && handle.Replayed:
		dispatchTotal.WithLabelValues("replayed").Inc()
	default:
		dispatchTotal.WithLabelValues("accepted").Inc()
	}
}
