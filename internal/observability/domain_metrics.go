package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Claim outcomes.
const (
	ClaimClaimed = "claimed"
	ClaimEmpty   = "empty"
	ClaimError   = "error"
)

// Get wait outcomes.
const (
	WaitDelivered = "delivered"
	WaitEmpty     = "empty"
	WaitCancelled = "cancelled"
	WaitError     = "error"
)

var (
	claimAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_claim_attempts_total",
			Help: "Total number of claim transactions by outcome.",
		},
		[]string{"outcome"},
	)
	getWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaseq_get_wait_seconds",
			Help:    "Time spent inside a get call, including polling, by outcome.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"outcome"},
	)
	messagesPutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_messages_put_total",
			Help: "Total number of messages inserted.",
		},
	)
	messagesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_resolved_total",
			Help: "Total number of message handles resolved, by action.",
		},
		[]string{"action"},
	)
	staleResolvesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_stale_resolves_total",
			Help: "Total number of ack, nack or touch calls on a lease that was no longer held.",
		},
	)
	backendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_backend_errors_total",
			Help: "Total number of backend failures by operation.",
		},
		[]string{"op"},
	)
	availableMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leaseq_available_messages",
			Help: "Available messages per topic as of the last maintenance sweep.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(
		claimAttemptsTotal,
		getWaitSeconds,
		messagesPutTotal,
		messagesResolvedTotal,
		staleResolvesTotal,
		backendErrorsTotal,
		availableMessages,
	)
}

func ObserveClaim(outcome string) {
	claimAttemptsTotal.WithLabelValues(outcome).Inc()
}

func ObserveGetWait(outcome string, elapsed time.Duration) {
	getWaitSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func ObservePut(count int) {
	if count > 0 {
		messagesPutTotal.Add(float64(count))
	}
}

func ObserveResolve(action string, stale bool) {
	messagesResolvedTotal.WithLabelValues(action).Inc()
	if stale {
		ObserveStaleLease()
	}
}

func ObserveBackendError(op string) {
	backendErrorsTotal.WithLabelValues(op).Inc()
}

// SetAvailableMessages replaces the per-topic gauge with the given counts.
func SetAvailableMessages(counts map[int64]int64) {
	availableMessages.Reset()
	for topic, count := range counts {
		if count < 0 {
			count = 0
		}
		availableMessages.WithLabelValues(strconv.FormatInt(topic, 10)).Set(float64(count))
	}
}

// ObserveStaleLease counts an operation that found its lease already gone.
func ObserveStaleLease() {
	staleResolvesTotal.Inc()
}
