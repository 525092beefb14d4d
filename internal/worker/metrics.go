package worker

import "github.com/prometheus/client_golang/prometheus"

var messagesHandled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leaseq_worker_messages_total",
		Help: "Total number of messages handled by workers by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(messagesHandled)
}
