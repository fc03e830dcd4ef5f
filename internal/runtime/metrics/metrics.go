// Package metrics holds the Prometheus collectors for dispatch, RPC and presence.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
)

const namespace = "stardust"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Metrics groups every collector the runtime updates.
type Metrics struct {
	mu sync.Mutex

	rpcCalls           *prometheus.CounterVec
	rpcTimeouts        *prometheus.CounterVec
	rpcPending         prometheus.Gauge
	dispatchDuration   *prometheus.HistogramVec
	eventsHandled      *prometheus.CounterVec
	eventsUnregistered *prometheus.CounterVec
	instances          *prometheus.GaugeVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

// New creates the collectors. A nil registry selects the Prometheus default one.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		rpcCalls:    newCounterVec("rpc_calls_total", "RPC client calls by routing key and outcome", []string{"key", "outcome"}),
		rpcTimeouts: newCounterVec("rpc_timeouts_total", "RPC client calls that timed out", []string{"key"}),
		rpcPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending",
			Help:      "RPC client calls awaiting a reply",
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Handler execution time by role, routing key and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role", "key", "outcome"}),
		eventsHandled:      newCounterVec("events_handled_total", "Events dispatched to a handler", []string{"role", "key", "outcome"}),
		eventsUnregistered: newCounterVec("events_unregistered_total", "Events whose key matched no handler", []string{"role"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Live instances of a service as seen by the presence counter",
		}, []string{"service"}),
	}
	if registry == nil {
		m.registerer = prometheus.DefaultRegisterer
		m.gatherer = prometheus.DefaultGatherer
	} else {
		m.registerer = registry
		m.gatherer = registry
	}
	return m
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.rpcCalls,
		m.rpcTimeouts,
		m.rpcPending,
		m.dispatchDuration,
		m.eventsHandled,
		m.eventsUnregistered,
		m.instances,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordRPCCall counts one finished client call.
func (m *Metrics) RecordRPCCall(key, outcome string) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(key, outcome).Inc()
	if outcome == OutcomeTimeout {
		m.rpcTimeouts.WithLabelValues(key).Inc()
	}
}

// SetPending publishes the size of the pending call table.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.rpcPending.Set(float64(n))
}

// ObserveDispatch records how long a handler ran.
func (m *Metrics) ObserveDispatch(role, key string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(role, key, outcomeOf(err)).Observe(elapsed.Seconds())
}

// RecordEventHandled counts one event handed to a handler.
func (m *Metrics) RecordEventHandled(role, key string, err error) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(role, key, outcomeOf(err)).Inc()
}

// RecordUnregistered counts one event that matched no handler.
func (m *Metrics) RecordUnregistered(role string) {
	if m == nil {
		return
	}
	m.eventsUnregistered.WithLabelValues(role).Inc()
}

// SetInstances publishes the presence counter value for service.
func (m *Metrics) SetInstances(service string, n int) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(service).Set(float64(n))
}

// Handler exposes the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics, plus any extra routes, on port until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, port int, logger loggingpkg.ServiceLogger, extra map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for pattern, h := range extra {
		mux.Handle(pattern, h)
	}

	addr := net.JoinHostPort("", strconv.Itoa(port))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting metrics server", loggingpkg.LogFields{"address": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
