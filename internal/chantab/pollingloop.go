package chantab

import (
	"time"

	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
)

// PollingLoop is the single long-lived worker backed by one periodic
// timer with period polling_T. It restarts itself by advancing an
// absolute deadline rather than resetting a relative duration, so jitter
// does not accumulate over many ticks.
type PollingLoop struct {
	Table  *ChannelTable
	Knobs  *knobs.Knobs
	Logger *logging.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPollingLoop builds a PollingLoop over table, timed by knobs.
func NewPollingLoop(table *ChannelTable, k *knobs.Knobs, logger *logging.Logger) *PollingLoop {
	return &PollingLoop{
		Table: table,
		Knobs: k,
		Logger: logger,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run blocks, ticking Table.Tick every polling period until Stop is
// called. Callers run it in its own goroutine.
func (p *PollingLoop) Run() {
	defer close(p.done)

	period := p.Knobs.PollingT()
	deadline := time.Now().Add(period)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-timer.C:
			p.Table.Tick()
			period = p.Knobs.PollingT()
			deadline = deadline.Add(period)
			wait := time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (p *PollingLoop) Stop() {
	close(p.stop)
	<-p.done
}
