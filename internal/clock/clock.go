package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall time and tickers so periodic sweeps can be driven by a
// virtual clock in tests instead of sleeping real time.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time {
	return s.t.C
}

func (s *systemTicker) Stop() {
	s.t.Stop()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mx      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mx.Lock()
	defer f.mx.Unlock()

	return f.now
}

// Advance moves the clock forward and fires every ticker at most once.
func (f *Fake) Advance(d time.Duration) {
	f.mx.Lock()
	f.now = f.now.Add(d)
	now := f.now
	tickers := append([]*fakeTicker{}, f.tickers...)
	f.mx.Unlock()

	for _, t := range tickers {
		select {
		case t.ch <- now:
		default:
		}
	}
}

func (f *Fake) NewTicker(time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time, 1)}

	f.mx.Lock()
	f.tickers = append(f.tickers, t)
	f.mx.Unlock()

	return t
}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {}
