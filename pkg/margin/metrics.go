package margin

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes engine counters through a private Prometheus
// registry.
type Metrics struct {
	registry *prometheus.Registry

	deposits    *prometheus.CounterVec
	withdrawals *prometheus.CounterVec
	poolTotal   *prometheus.GaugeVec

	positionsOpened prometheus.Counter
	positionsClosed prometheus.Counter
	liquidations    prometheus.Counter
	rejectedOps     *prometheus.CounterVec
	openPositions   prometheus.Gauge
}

// NewMetrics creates namespaced engine metrics.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total number of deposits",
		}, []string{"asset"}),

		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Total number of withdrawals",
		}, []string{"asset"}),

		poolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_total",
			Help:      "Aggregate custodied amount per asset in base units",
		}, []string{"asset"}),

		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total number of positions opened",
		}),

		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total number of positions closed by their owner",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total number of positions liquidated",
		}),

		rejectedOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_operations_total",
			Help:      "Operations aborted with no state change, by reason",
		}, []string{"op", "reason"}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of currently open positions",
		}),
	}

	registry.MustRegister(
		m.deposits,
		m.withdrawals,
		m.poolTotal,
		m.positionsOpened,
		m.positionsClosed,
		m.liquidations,
		m.rejectedOps,
		m.openPositions,
	)

	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordDeposit(asset string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(asset).Inc()
}

func (m *Metrics) recordWithdrawal(asset string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(asset).Inc()
}

func (m *Metrics) setPoolTotal(asset string, total *big.Int) {
	if m == nil {
		return
	}
	f, _ := new(big.Float).SetInt(total).Float64()
	m.poolTotal.WithLabelValues(asset).Set(f)
}

func (m *Metrics) recordOpen() {
	if m == nil {
		return
	}
	m.positionsOpened.Inc()
	m.openPositions.Inc()
}

func (m *Metrics) recordClose() {
	if m == nil {
		return
	}
	m.positionsClosed.Inc()
	m.openPositions.Dec()
}

func (m *Metrics) recordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
	m.openPositions.Dec()
}

func (m *Metrics) recordRejection(op, reason string) {
	if m == nil {
		return
	}
	m.rejectedOps.WithLabelValues(op, reason).Inc()
}
