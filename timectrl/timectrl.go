// Package timectrl supplies the tick clock that paces the simulation loop.
// The scheduler blocks on a TickSource between ticks; everything downstream
// reads simulation time through the SimClock interface so tests can drive
// ticks by hand.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock gives read access to simulation time.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// Tick returns the number of completed ticks since the start epoch.
	Tick() uint64
}

// TickSource paces the simulation loop.
type TickSource interface {
	SimClock
	// Next blocks until the next tick boundary and returns the new
	// simulation time. It returns ctx.Err() if the context ends first.
	Next(ctx context.Context) (time.Time, error)
	// Period returns the fixed simulation interval of one tick.
	Period() time.Duration
}

// Mode describes how a TickClock paces simulation time against wall time.
type Mode int

const (
	// RealTime advances one tick per wall-clock period.
	RealTime Mode = iota
	// Accelerated advances as fast as the loop consumes ticks.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "real-time"
}

// TickClock is the production TickSource. Simulation time always advances
// in whole periods regardless of mode, so a run is deterministic in
// simulation time even when wall pacing jitters.
type TickClock struct {
	mu     sync.RWMutex
	start  time.Time
	period time.Duration
	mode   Mode

	current time.Time
	ticks   uint64
	ticker  *time.Ticker
}

func NewTickClock(start time.Time, period time.Duration, mode Mode) *TickClock {
	c := &TickClock{
		start:   start,
		period:  period,
		mode:    mode,
		current: start,
	}
	if mode == RealTime {
		c.ticker = time.NewTicker(period)
	}
	return c
}

func (c *TickClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *TickClock) Tick() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ticks
}

func (c *TickClock) Period() time.Duration { return c.period }

func (c *TickClock) Next(ctx context.Context) (time.Time, error) {
	if c.mode == RealTime {
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-c.ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	c.mu.Lock()
	c.ticks++
	c.current = c.current.Add(c.period)
	now := c.current
	c.mu.Unlock()
	return now, nil
}

// Stop releases the wall-clock ticker. Next must not be called after Stop.
func (c *TickClock) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
}

// ManualClock is a TickSource driven entirely by test code. Next consumes
// one previously granted step; Step grants them.
type ManualClock struct {
	mu      sync.Mutex
	current time.Time
	period  time.Duration
	ticks   uint64
	grants  chan struct{}
}

func NewManualClock(start time.Time, period time.Duration) *ManualClock {
	return &ManualClock{
		current: start,
		period:  period,
		grants:  make(chan struct{}, 1024),
	}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *ManualClock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func (c *ManualClock) Period() time.Duration { return c.period }

// Step grants n ticks for consumers blocked in Next.
func (c *ManualClock) Step(n int) {
	for i := 0; i < n; i++ {
		c.grants <- struct{}{}
	}
}

func (c *ManualClock) Next(ctx context.Context) (time.Time, error) {
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-c.grants:
	}
	c.mu.Lock()
	c.ticks++
	c.current = c.current.Add(c.period)
	now := c.current
	c.mu.Unlock()
	return now, nil
}
