package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/clock"
	"github.com/elevatehq/realtime/internal/svc/redis"
)

type AlertKind string

const (
	AlertKindErrorRate AlertKind = "error_rate"
	AlertKindLatency   AlertKind = "latency"
)

type Alert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Timestamp int64     `json:"timestamp"`
}

// AlertSink is the extension hook for wiring an external paging system.
// The default sink only records the alert in shared storage.
type AlertSink interface {
	Raise(ctx context.Context, a Alert)
}

func (m *monitorInst) raise(a Alert) {
	// Dampen repeats: at most one alert per kind per minute.
	now := m.opt.Clock.Now()

	m.mx.Lock()
	if last, ok := m.lastAlert[a.Kind]; ok && now.Sub(last) < time.Minute {
		m.mx.Unlock()

		return
	}
	m.lastAlert[a.Kind] = now
	m.mx.Unlock()

	a.ID = uuid.NewString()
	a.Timestamp = now.UnixMilli()

	// Raising is fire-and-forget; alert persistence must never block the
	// path that observed the fault.
	go m.opt.Sink.Raise(context.Background(), a)
}

type storageSink struct {
	redis redis.Instance
	ttl   time.Duration
	clock clock.Clock
}

func (s *storageSink) Raise(ctx context.Context, a Alert) {
	zap.S().Warnw("alert raised",
		"kind", a.Kind,
		"message", a.Message,
		"value", a.Value,
	)

	b, err := json.Marshal(a)
	if err != nil {
		return
	}

	key := s.redis.ComposeKey("monitor", "alert", string(a.Kind), a.ID)

	lctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	if err := s.redis.RawClient().Set(lctx, key.String(), b, s.ttl).Err(); err != nil {
		zap.S().Errorw("failed to persist alert",
			"error", err,
		)
	}
}
