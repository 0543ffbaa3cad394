package session

import (
	"context"
	"time"
)

// Sweeper drives the manager's time-based work: expiring sessions on the
// sweep interval and firing due warnings on the (shorter) tick interval.
// It runs whether or not requests arrive.
type Sweeper struct {
	m             *Manager
	sweepInterval time.Duration
	tickInterval  time.Duration
	cancel        context.CancelFunc
	done          chan struct{}
}

func newSweeper(m *Manager, sweepInterval, tickInterval time.Duration) *Sweeper {
	return &Sweeper{m: m, sweepInterval: sweepInterval, tickInterval: tickInterval}
}

func (s *Sweeper) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		sweep := time.NewTicker(s.sweepInterval)
		defer sweep.Stop()
		tick := time.NewTicker(s.tickInterval)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				s.m.FireDueWarnings()
			case <-sweep.C:
				s.m.Sweep(ctx)
			}
		}
	}()
}

// stop cancels the loop and waits for it to exit.
func (s *Sweeper) stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
