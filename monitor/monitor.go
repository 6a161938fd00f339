// monitor/monitor.go
package monitor

import (
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/network"
)

// Outcome labels for control-plane requests.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Metrics struct {
	Connects         prometheus.Counter
	Closures         *prometheus.CounterVec
	OpenConnections  prometheus.Gauge
	MessagesReceived prometheus.Counter
	StaleMessages    prometheus.Counter
	UnknownMessages  *prometheus.CounterVec
	DispatchLatency  prometheus.Histogram
	Requests         *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	ArchiveWrites    *prometheus.CounterVec
}

// NewMetrics creates the client's collectors and registers them on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Number of connections that reached Open",
		}),
		Closures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Number of connections that reached Closed, by close code",
		}, []string{"code"}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of connections currently open",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages routed from the active connection",
		}),
		StaleMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stale_total",
			Help:      "Messages dropped because their connection was superseded",
		}),
		UnknownMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_unknown_total",
			Help:      "Messages that were not folded into state, by type",
		}, []string{"type"}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_dispatch_seconds",
			Help:      "Time from read to the last subscriber returning",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Control-plane requests, by operation and outcome",
		}, []string{"operation", "outcome"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Control-plane request latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"operation"}),
		ArchiveWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Snapshot archive writes, by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.Connects,
		m.Closures,
		m.OpenConnections,
		m.MessagesReceived,
		m.StaleMessages,
		m.UnknownMessages,
		m.DispatchLatency,
		m.Requests,
		m.RequestLatency,
		m.ArchiveWrites,
	)

	return m
}

// Monitor records client activity. A nil *Monitor discards everything.
type Monitor struct {
	metrics   *Metrics
	registry  *prometheus.Registry
	startTime time.Time

	mutex        sync.Mutex
	requestCount int64
	open         map[string]struct{}
}

func NewMonitor(namespace string) *Monitor {
	reg := prometheus.NewRegistry()
	return &Monitor{
		metrics:   NewMetrics(namespace, reg),
		registry:  reg,
		startTime: time.Now(),
		open:      make(map[string]struct{}),
	}
}

func (m *Monitor) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

var publishOnce sync.Once

// Handler serves /metrics for this monitor's registry and /debug/vars.
func (m *Monitor) Handler() http.Handler {
	publishOnce.Do(func() {
		expvar.Publish("uptime", expvar.Func(func() interface{} {
			return time.Since(m.startTime).Seconds()
		}))
		expvar.Publish("requests", expvar.Func(func() interface{} {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			return m.requestCount
		}))
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

// StartServer serves Handler on addr in the background.
func (m *Monitor) StartServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Errorf("Metrics server on %s stopped: %v", addr, err)
		}
	}()
	logger.Log.Infof("Metrics available at http://%s/metrics", addr)
	return srv
}

// ConnectionState follows handle transitions.
func (m *Monitor) ConnectionState(h *network.Handle, s network.State) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch s.Phase {
	case network.Open:
		m.open[h.ID()] = struct{}{}
		m.metrics.Connects.Inc()
		m.metrics.OpenConnections.Inc()
	case network.Closed:
		if _, ok := m.open[h.ID()]; ok {
			delete(m.open, h.ID())
			m.metrics.OpenConnections.Dec()
		}
		m.metrics.Closures.WithLabelValues(strconv.Itoa(s.Code)).Inc()
	}
}

func (m *Monitor) MessageReceived() {
	if m == nil {
		return
	}
	m.metrics.MessagesReceived.Inc()
}

func (m *Monitor) StaleMessageDropped() {
	if m == nil {
		return
	}
	m.metrics.StaleMessages.Inc()
}

func (m *Monitor) DispatchLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.metrics.DispatchLatency.Observe(d.Seconds())
}

// UnknownEvent counts events the store did not fold. Undecodable frames
// share one label so a noisy peer cannot grow the label set.
func (m *Monitor) UnknownEvent(ev network.Unknown) {
	if m == nil {
		return
	}
	label := ev.Type
	if ev.Err != nil || label == "" {
		label = "undecodable"
	}
	m.metrics.UnknownMessages.WithLabelValues(label).Inc()
}

// RequestDone records one control-plane call.
func (m *Monitor) RequestDone(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.metrics.Requests.WithLabelValues(operation, outcome).Inc()
	m.metrics.RequestLatency.WithLabelValues(operation).Observe(d.Seconds())
	m.mutex.Lock()
	m.requestCount++
	m.mutex.Unlock()
}

func (m *Monitor) ArchiveWrite(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	m.metrics.ArchiveWrites.WithLabelValues(outcome).Inc()
}
