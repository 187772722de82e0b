package telemetry

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "aggregator"

var (
	requestsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_submitted_total",
			Help:      "Total number of proof requests accepted by submit",
		},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "Total number of batches handled by the worker",
		},
		[]string{"result"}, // result: "verified", "failed", "empty"
	)

	workerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "worker_tick_duration_seconds",
			Help:      "Time taken by one worker tick",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 900, 1800},
		},
	)

	relayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_total",
			Help:      "Total number of verification transactions relayed",
		},
		[]string{"result"}, // result: "confirmed", "timeout", "rejected", "error"
	)

	rpcRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rpc_requests_total",
			Help:      "Total number of service calls by method and error kind",
		},
		[]string{"method", "kind"},
	)
)

func ObserveSubmit() {
	requestsSubmitted.Inc()
}

func ObserveBatch(result string) {
	batchesTotal.WithLabelValues(result).Inc()
}

func ObserveTick(d time.Duration) {
	workerTickDuration.Observe(d.Seconds())
}

// ObserveRelay classifies err into a relay result label.
func ObserveRelay(err error) {
	relayTotal.WithLabelValues(RelayResult(err)).Inc()
}

func RelayResult(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, aggerrors.ErrExternalTimeout):
		return "timeout"
	case errors.Is(err, aggerrors.ErrExternalRejected):
		return "rejected"
	default:
		return "error"
	}
}

// ObserveRPC counts one service call labelled by the error kind it produced.
func ObserveRPC(method string, err error) {
	kind := "ok"
	if err != nil {
		kind = aggerrors.GetErrorName(err)
		if aggerrors.Kind(err) == nil {
			kind = "other"
		}
	}
	rpcRequests.WithLabelValues(method, kind).Inc()
}

// ServeMetrics exposes /metrics on ln until the listener closes.
func ServeMetrics(ln net.Listener) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(log.Node, "Metrics server error", "err", err)
		}
	}()
	log.Info(log.Node, "Metrics server started", "address", ln.Addr().String())
	return srv
}
