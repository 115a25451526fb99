package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	idempotencyCounter    *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
	conversionCounter     *prometheus.CounterVec
	chainSendCounter      *prometheus.CounterVec
	spotSettlementCounter *prometheus.CounterVec
	balanceDriftCounter   *prometheus.CounterVec
	spotImbalanceCounter  *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		conversionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conversion_transitions_total",
			Help: "Conversion saga state transitions",
		}, []string{"type", "status"})

		chainSendCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_sends_total",
			Help: "On-chain sends by network and outcome",
		}, []string{"network", "result"})

		spotSettlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_settlements_total",
			Help: "Spot order settlement outcomes",
		}, []string{"result"})

		balanceDriftCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_balance_drift_total",
			Help: "Times an on-chain balance was found below the reserved amount",
		}, []string{"network"})

		spotImbalanceCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_lock_imbalance_total",
			Help: "Spot balances whose locked amount disagrees with open orders",
		}, []string{"currency"})

		prometheus.MustRegister(
			httpDurationHistogram,
			idempotencyCounter,
			workerRunCounter,
			conversionCounter,
			chainSendCounter,
			spotSettlementCounter,
			balanceDriftCounter,
			spotImbalanceCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncrementConversionTransition(conversionType, status string) {
	if conversionCounter == nil {
		return
	}
	conversionCounter.WithLabelValues(conversionType, status).Inc()
}

func IncrementChainSend(network, result string) {
	if chainSendCounter == nil {
		return
	}
	chainSendCounter.WithLabelValues(network, result).Inc()
}

func IncrementSpotSettlement(result string) {
	if spotSettlementCounter == nil {
		return
	}
	spotSettlementCounter.WithLabelValues(result).Inc()
}

func IncrementBalanceDrift(network string) {
	if balanceDriftCounter == nil {
		return
	}
	balanceDriftCounter.WithLabelValues(network).Inc()
}

func IncrementSpotLockImbalance(currency string) {
	if spotImbalanceCounter == nil {
		return
	}
	spotImbalanceCounter.WithLabelValues(currency).Inc()
}
