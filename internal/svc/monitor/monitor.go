package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/clock"
	"github.com/elevatehq/realtime/internal/svc/redis"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const latencySampleCap = 1000

type Instance interface {
	Register(r prometheus.Registerer)

	ConnectionOpened()
	ConnectionClosed()

	MessageSent()
	MessageReceived()
	MessageQueued()
	MessageFailed()

	Error(category string)

	// ObserveLatency records one sample into the bounded rolling buffer and
	// recomputes the percentile gauges.
	ObserveLatency(d time.Duration)
	Percentiles() (p50, p95, p99 time.Duration)

	SetBusDegraded(degraded bool)
	BusDegraded() bool

	Snapshot() Snapshot

	// StartSnapshots persists the full counter set to shared storage on the
	// configured interval, each snapshot immutable with a retention TTL.
	StartSnapshots(ctx context.Context)
}

// Snapshot is the immutable periodic dump of the counter set.
type Snapshot struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`

	ConnectionsOpened int64 `json:"connections_opened"`
	ConnectionsActive int64 `json:"connections_active"`
	ConnectionsPeak   int64 `json:"connections_peak"`

	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	MessagesQueued   int64 `json:"messages_queued"`
	MessagesFailed   int64 `json:"messages_failed"`

	Errors map[string]int64 `json:"errors"`

	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`

	BusDegraded bool `json:"bus_degraded"`
}

type Options struct {
	InstanceID       string
	SnapshotInterval time.Duration
	SnapshotTTL      time.Duration

	// ErrorRateThreshold and LatencyThreshold feed the alert evaluation; the
	// zero values fall back to the reference thresholds (5%, 2s).
	ErrorRateThreshold float64
	LatencyThreshold   time.Duration

	Clock clock.Clock
	Sink  AlertSink
}

func New(rdis redis.Instance, opt Options) Instance {
	if opt.Clock == nil {
		opt.Clock = clock.System()
	}

	if opt.SnapshotInterval == 0 {
		opt.SnapshotInterval = time.Second * 60
	}

	if opt.SnapshotTTL == 0 {
		opt.SnapshotTTL = time.Hour * 24 * 30
	}

	if opt.ErrorRateThreshold == 0 {
		opt.ErrorRateThreshold = 0.05
	}

	if opt.LatencyThreshold == 0 {
		opt.LatencyThreshold = time.Second * 2
	}

	m := &monitorInst{
		redis:     rdis,
		opt:       opt,
		errors:    map[string]int64{},
		lastAlert: map[AlertKind]time.Time{},

		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_connections_opened_total",
			Help: "Total realtime connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Live realtime connections on this instance.",
		}),
		connectionsPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_peak",
			Help: "Peak simultaneous connections on this instance.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_total",
			Help: "Messages by direction/outcome.",
		}, []string{"kind"}),
		errorsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_errors_total",
			Help: "Errors by category.",
		}, []string{"category"}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_latency_seconds",
			Help: "Rolling latency percentiles.",
		}, []string{"quantile"}),
		busDegradedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_bus_degraded",
			Help: "1 while the broadcast bus is unavailable and delivery is local-only.",
		}),
	}

	if m.opt.Sink == nil {
		m.opt.Sink = &storageSink{redis: rdis, ttl: opt.SnapshotTTL, clock: m.opt.Clock}
	}

	return m
}

type monitorInst struct {
	redis redis.Instance
	opt   Options

	mx sync.Mutex

	connOpened int64
	connActive int64
	connPeak   int64

	msgSent     int64
	msgReceived int64
	msgQueued   int64
	msgFailed   int64

	errors      map[string]int64
	errorTotal  int64
	busDegraded bool
	lastAlert   map[AlertKind]time.Time

	samples []float64 // milliseconds, bounded at latencySampleCap
	p50     float64
	p95     float64
	p99     float64

	connectionsOpened prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsPeak   prometheus.Gauge
	messages          *prometheus.CounterVec
	errorsVec         *prometheus.CounterVec
	latency           *prometheus.GaugeVec
	busDegradedGauge  prometheus.Gauge
}

func (m *monitorInst) Register(r prometheus.Registerer) {
	r.MustRegister(
		m.connectionsOpened,
		m.connectionsActive,
		m.connectionsPeak,
		m.messages,
		m.errorsVec,
		m.latency,
		m.busDegradedGauge,
	)
}

func (m *monitorInst) ConnectionOpened() {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.connOpened++
	m.connActive++

	if m.connActive > m.connPeak {
		m.connPeak = m.connActive
		m.connectionsPeak.Set(float64(m.connPeak))
	}

	m.connectionsOpened.Inc()
	m.connectionsActive.Set(float64(m.connActive))
}

func (m *monitorInst) ConnectionClosed() {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.connActive > 0 {
		m.connActive--
	}

	m.connectionsActive.Set(float64(m.connActive))
}

func (m *monitorInst) MessageSent() {
	m.mx.Lock()
	m.msgSent++
	m.mx.Unlock()

	m.messages.WithLabelValues("sent").Inc()
}

func (m *monitorInst) MessageReceived() {
	m.mx.Lock()
	m.msgReceived++
	m.mx.Unlock()

	m.messages.WithLabelValues("received").Inc()
}

func (m *monitorInst) MessageQueued() {
	m.mx.Lock()
	m.msgQueued++
	m.mx.Unlock()

	m.messages.WithLabelValues("queued").Inc()
}

func (m *monitorInst) MessageFailed() {
	m.mx.Lock()
	m.msgFailed++
	m.mx.Unlock()

	m.messages.WithLabelValues("failed").Inc()
}

func (m *monitorInst) Error(category string) {
	m.mx.Lock()
	m.errors[category]++
	m.errorTotal++
	errTotal := m.errorTotal
	opTotal := m.msgSent + m.msgReceived + m.msgQueued + m.msgFailed
	m.mx.Unlock()

	m.errorsVec.WithLabelValues(category).Inc()

	if opTotal > 0 {
		rate := float64(errTotal) / float64(opTotal)
		if rate > m.opt.ErrorRateThreshold {
			m.raise(Alert{
				Kind:    AlertKindErrorRate,
				Message: "error rate over threshold",
				Value:   rate,
			})
		}
	}
}

func (m *monitorInst) ObserveLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000

	m.mx.Lock()

	m.samples = append(m.samples, ms)
	if len(m.samples) > latencySampleCap {
		m.samples = m.samples[len(m.samples)-latencySampleCap:]
	}

	sorted := append([]float64{}, m.samples...)
	sort.Float64s(sorted)

	m.p50 = percentile(sorted, 0.50)
	m.p95 = percentile(sorted, 0.95)
	m.p99 = percentile(sorted, 0.99)

	p50, p95, p99 := m.p50, m.p95, m.p99

	m.mx.Unlock()

	m.latency.WithLabelValues("0.5").Set(p50 / 1000)
	m.latency.WithLabelValues("0.95").Set(p95 / 1000)
	m.latency.WithLabelValues("0.99").Set(p99 / 1000)

	if d > m.opt.LatencyThreshold {
		m.raise(Alert{
			Kind:    AlertKindLatency,
			Message: "latency sample over threshold",
			Value:   ms,
		})
	}
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(float64(len(sorted)-1) * q)

	return sorted[idx]
}

func (m *monitorInst) Percentiles() (time.Duration, time.Duration, time.Duration) {
	m.mx.Lock()
	defer m.mx.Unlock()

	return time.Duration(m.p50 * float64(time.Millisecond)),
		time.Duration(m.p95 * float64(time.Millisecond)),
		time.Duration(m.p99 * float64(time.Millisecond))
}

func (m *monitorInst) SetBusDegraded(degraded bool) {
	m.mx.Lock()
	m.busDegraded = degraded
	m.mx.Unlock()

	if degraded {
		m.busDegradedGauge.Set(1)
	} else {
		m.busDegradedGauge.Set(0)
	}
}

func (m *monitorInst) BusDegraded() bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.busDegraded
}

func (m *monitorInst) Snapshot() Snapshot {
	m.mx.Lock()
	defer m.mx.Unlock()

	errs := make(map[string]int64, len(m.errors))
	for k, v := range m.errors {
		errs[k] = v
	}

	return Snapshot{
		InstanceID:        m.opt.InstanceID,
		Timestamp:         m.opt.Clock.Now().UnixMilli(),
		ConnectionsOpened: m.connOpened,
		ConnectionsActive: m.connActive,
		ConnectionsPeak:   m.connPeak,
		MessagesSent:      m.msgSent,
		MessagesReceived:  m.msgReceived,
		MessagesQueued:    m.msgQueued,
		MessagesFailed:    m.msgFailed,
		Errors:            errs,
		LatencyP50Ms:      m.p50,
		LatencyP95Ms:      m.p95,
		LatencyP99Ms:      m.p99,
		BusDegraded:       m.busDegraded,
	}
}

func (m *monitorInst) StartSnapshots(ctx context.Context) {
	ticker := m.opt.Clock.NewTicker(m.opt.SnapshotInterval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if err := m.persistSnapshot(ctx); err != nil {
					zap.S().Errorw("failed to persist metrics snapshot",
						"error", err,
					)
				}
			}
		}
	}()
}

func (m *monitorInst) persistSnapshot(ctx context.Context) error {
	snap := m.Snapshot()

	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	key := m.redis.ComposeKey("monitor", "snapshot", m.opt.InstanceID,
		time.UnixMilli(snap.Timestamp).UTC().Format(time.RFC3339))

	return m.redis.RawClient().Set(ctx, key.String(), b, m.opt.SnapshotTTL).Err()
}
