package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every bounded wait and timer check of the
// connection manager. Sleep is the idle step between two spins of a wait.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type wall struct{}

// Real returns the wall clock.
func Real() Clock {
	return wall{}
}

func (wall) Now() time.Time {
	return time.Now()
}

func (wall) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Fake is a manually driven clock. Sleep advances the clock instead of
// blocking, so bounded waits terminate deterministically in tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
