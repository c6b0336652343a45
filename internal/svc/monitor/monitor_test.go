package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/elevatehq/realtime/internal/clock"
	"github.com/elevatehq/realtime/internal/svc/redis"
	"github.com/elevatehq/realtime/internal/testutil"
)

type recordingSink struct {
	mx     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) Raise(ctx context.Context, a Alert) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) count(kind AlertKind) int {
	s.mx.Lock()
	defer s.mx.Unlock()

	n := 0
	for _, a := range s.alerts {
		if a.Kind == kind {
			n++
		}
	}

	return n
}

func setup(t *testing.T) (Instance, *clock.Fake, *recordingSink) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdis := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	fc := clock.NewFake(time.UnixMilli(1700000000000))
	sink := &recordingSink{}

	m := New(rdis, Options{
		InstanceID:         "inst-1",
		ErrorRateThreshold: 0.05,
		LatencyThreshold:   time.Second * 2,
		Clock:              fc,
		Sink:               sink,
	})

	return m, fc, sink
}

func TestConnectionCounters(t *testing.T) {
	m, _, _ := setup(t)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	snap := m.Snapshot()
	testutil.Assert(t, int64(3), snap.ConnectionsOpened, "opened total")
	testutil.Assert(t, int64(2), snap.ConnectionsActive, "active after one close")
	testutil.Assert(t, int64(3), snap.ConnectionsPeak, "peak persists")

	// Close below zero never goes negative.
	m.ConnectionClosed()
	m.ConnectionClosed()
	m.ConnectionClosed()

	snap = m.Snapshot()
	testutil.Assert(t, int64(0), snap.ConnectionsActive, "active floors at zero")
}

func TestLatencyPercentiles(t *testing.T) {
	m, _, _ := setup(t)

	for i := 1; i <= 100; i++ {
		m.ObserveLatency(time.Duration(i) * time.Millisecond)
	}

	p50, p95, p99 := m.Percentiles()

	if p50 < 45*time.Millisecond || p50 > 55*time.Millisecond {
		t.Fatalf("p50 out of range: %s", p50)
	}

	if p95 < 90*time.Millisecond || p95 > 100*time.Millisecond {
		t.Fatalf("p95 out of range: %s", p95)
	}

	if p99 < 95*time.Millisecond || p99 > 100*time.Millisecond {
		t.Fatalf("p99 out of range: %s", p99)
	}
}

func TestLatencyBufferBounded(t *testing.T) {
	m, _, _ := setup(t)

	// Flood with slow samples, then with fast ones; once the slow samples are
	// evicted the percentiles must reflect only the recent window.
	for i := 0; i < latencySampleCap; i++ {
		m.ObserveLatency(time.Second)
	}

	for i := 0; i < latencySampleCap; i++ {
		m.ObserveLatency(time.Millisecond)
	}

	_, _, p99 := m.Percentiles()
	if p99 > 10*time.Millisecond {
		t.Fatalf("old samples not evicted, p99 = %s", p99)
	}
}

func TestErrorRateAlert(t *testing.T) {
	m, _, sink := setup(t)

	for i := 0; i < 100; i++ {
		m.MessageSent()
	}

	// 5 errors on 100 ops sits at the threshold; the 6th crosses it.
	for i := 0; i < 5; i++ {
		m.Error("storage")
	}

	testutil.Assert(t, 0, sink.count(AlertKindErrorRate), "no alert at threshold")

	m.Error("storage")

	testutil.Eventually(t, time.Second, func() bool {
		return sink.count(AlertKindErrorRate) == 1
	}, "alert raised over threshold")
}

func TestAlertDampening(t *testing.T) {
	m, fc, sink := setup(t)

	m.ObserveLatency(time.Second * 3)
	m.ObserveLatency(time.Second * 3)
	m.ObserveLatency(time.Second * 3)

	testutil.Eventually(t, time.Second, func() bool {
		return sink.count(AlertKindLatency) == 1
	}, "repeats dampened inside the window")

	fc.Advance(time.Minute * 2)
	m.ObserveLatency(time.Second * 3)

	testutil.Eventually(t, time.Second, func() bool {
		return sink.count(AlertKindLatency) == 2
	}, "alert fires again after the dampening window")
}

func TestBusDegradedFlag(t *testing.T) {
	m, _, _ := setup(t)

	testutil.Assert(t, false, m.BusDegraded(), "healthy by default")

	m.SetBusDegraded(true)
	testutil.Assert(t, true, m.BusDegraded(), "flag set")
	testutil.Assert(t, true, m.Snapshot().BusDegraded, "flag in snapshot")

	m.SetBusDegraded(false)
	testutil.Assert(t, false, m.BusDegraded(), "flag cleared")
}

func TestSnapshotCounters(t *testing.T) {
	m, _, _ := setup(t)

	m.MessageSent()
	m.MessageSent()
	m.MessageReceived()
	m.MessageQueued()
	m.MessageFailed()
	m.Error("auth")
	m.Error("auth")
	m.Error("push")

	snap := m.Snapshot()
	testutil.Assert(t, "inst-1", snap.InstanceID, "instance id carried")
	testutil.Assert(t, int64(2), snap.MessagesSent, "sent")
	testutil.Assert(t, int64(1), snap.MessagesReceived, "received")
	testutil.Assert(t, int64(1), snap.MessagesQueued, "queued")
	testutil.Assert(t, int64(1), snap.MessagesFailed, "failed")
	testutil.Assert(t, int64(2), snap.Errors["auth"], "auth errors")
	testutil.Assert(t, int64(1), snap.Errors["push"], "push errors")
}

func TestObserveLatencyConcurrent(t *testing.T) {
	m, _, _ := setup(t)

	// Per-connection read loops and bus handlers observe concurrently; the
	// race detector keeps this honest.
	var wg sync.WaitGroup

	for g := 0; g < 4; g++ {
		wg.Add(1)

		go func(g int) {
			defer wg.Done()

			for i := 1; i <= 250; i++ {
				m.ObserveLatency(time.Duration(g*250+i) * time.Microsecond)
			}
		}(g)
	}

	wg.Wait()

	p50, p95, p99 := m.Percentiles()

	if p50 <= 0 || p95 < p50 || p99 < p95 {
		t.Fatalf("percentiles out of order: %s %s %s", p50, p95, p99)
	}
}
