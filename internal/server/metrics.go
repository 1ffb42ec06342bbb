package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	transfersTotal     *prometheus.CounterVec
	requestsTotal      *prometheus.CounterVec
	passportMintsTotal *prometheus.CounterVec
	pendingRequests    prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medrails_transfers_total",
		Help: "Cross-chain transfer attempts by result",
	}, []string{"result"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medrails_payment_requests_total",
		Help: "Payment request operations by status",
	}, []string{"status"})

	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medrails_passport_mints_total",
		Help: "Medical passport mint attempts by result",
	}, []string{"result"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medrails_pending_payment_requests",
		Help: "Payment requests currently pending for the last listed patient",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(transfers, requests, mints, pending)

	return &metricsRegistry{
		registry:           r,
		transfersTotal:     transfers,
		requestsTotal:      requests,
		passportMintsTotal: mints,
		pendingRequests:    pending,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incTransfer(result string) {
	m.transfersTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incRequest(status string) {
	m.requestsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incMint(result string) {
	m.passportMintsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setPending(count int) {
	m.pendingRequests.Set(float64(count))
}
