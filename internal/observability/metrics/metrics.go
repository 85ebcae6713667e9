package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters and histograms for ledger and verification
// flows.
type BookingMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	verificationTotal *prometheus.CounterVec
	otpTotal          *prometheus.CounterVec
	partialFailures   prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "ledger",
			Name:      "operation_latency_seconds",
			Help:      "Latency of ledger operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		verificationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "verification",
			Name:      "attempts_total",
			Help:      "Verification attempts by action and outcome",
		}, []string{"action", "outcome"}),
		otpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "verification",
			Name:      "otp_total",
			Help:      "One-time code issuance and submission results",
		}, []string{"event"}),
		partialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "ledger",
			Name:      "reschedule_partial_failures_total",
			Help:      "Reschedules that left the ledger needing manual reconciliation",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.operationLatency, m.verificationTotal, m.otpTotal, m.partialFailures)
	return m
}

func (m *BookingMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *BookingMetrics) ObserveVerification(action, outcome string) {
	if m == nil {
		return
	}
	m.verificationTotal.WithLabelValues(action, outcome).Inc()
}

func (m *BookingMetrics) ObserveOTP(event string) {
	if m == nil {
		return
	}
	m.otpTotal.WithLabelValues(event).Inc()
}

func (m *BookingMetrics) ObservePartialFailure() {
	if m == nil {
		return
	}
	m.partialFailures.Inc()
}
