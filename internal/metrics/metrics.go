// README: Prometheus collectors for the booking core and the /metrics handler.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusride/internal/modules/lock"
)

// Metrics methods are safe on a nil receiver so collaborators can treat
// instrumentation as optional.
type Metrics struct {
	registry     *prometheus.Registry
	transitions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	lockAcquire  *prometheus.CounterVec
	lockHold     prometheus.Histogram
	notifyEvents *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Committed booking state transitions by entered state.",
		}, []string{"to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_failures_total",
			Help: "Failed booking operations by error kind.",
		}, []string{"code"}),
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_lock_acquire_total",
			Help: "Ride lock acquisition attempts by result.",
		}, []string{"result"}),
		lockHold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "booking_lock_hold_seconds",
			Help:    "Time a ride lock was held before release.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		notifyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_events_total",
			Help: "Booking notifications by dispatch result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.failures,
		m.lockAcquire,
		m.lockHold,
		m.notifyEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Failure(code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(code).Inc()
}

func (m *Metrics) NotifyResult(result string) {
	if m == nil {
		return
	}
	m.notifyEvents.WithLabelValues(result).Inc()
}

// InstrumentLock wraps a lock manager to count acquisitions and time holds.
func (m *Metrics) InstrumentLock(inner lock.Manager) lock.Manager {
	if m == nil {
		return inner
	}
	return &instrumentedLock{inner: inner, m: m, held: make(map[string]time.Time)}
}

type instrumentedLock struct {
	inner lock.Manager
	m     *Metrics
	mu    sync.Mutex
	held  map[string]time.Time
}

func (l *instrumentedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, ok, err := l.inner.Acquire(ctx, key, ttl)
	switch {
	case err != nil:
		l.m.lockAcquire.WithLabelValues("error").Inc()
	case !ok:
		l.m.lockAcquire.WithLabelValues("contended").Inc()
	default:
		l.m.lockAcquire.WithLabelValues("acquired").Inc()
		l.mu.Lock()
		l.held[token] = time.Now()
		l.mu.Unlock()
	}
	return token, ok, err
}

func (l *instrumentedLock) Release(ctx context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	start, tracked := l.held[token]
	delete(l.held, token)
	l.mu.Unlock()
	if tracked {
		l.m.lockHold.Observe(time.Since(start).Seconds())
	}
	return l.inner.Release(ctx, key, token)
}
