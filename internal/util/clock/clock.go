package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock abstracts wall time so schedulers can be driven deterministically in tests
type Clock interface {
	Now() time.Time
}

// System is the real wall clock
type System struct{}

// Now returns the current UTC time
func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake time to t
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// VersionSource hands out write versions: epoch milliseconds, strictly increasing per process.
//
// Safe for concurrent use. Two calls never return the same value even when the
// wall clock stalls or steps backwards.
type VersionSource struct {
	clock Clock
	last  atomic.Int64
}

// NewVersionSource creates a version source reading clock
func NewVersionSource(clock Clock) *VersionSource {
	return &VersionSource{clock: clock}
}

// Next returns the next version
func (v *VersionSource) Next() int64 {
	for {
		last := v.last.Load()
		next := v.clock.Now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if v.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Time returns the write time a version stands for
func (v *VersionSource) Time(version int64) time.Time {
	if version < 0 {
		version = -version
	}
	return time.UnixMilli(version).UTC()
}
