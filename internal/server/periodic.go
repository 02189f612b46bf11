package server

import (
	"time"

	"go.uber.org/zap"
)

// PeriodicService runs a tick function on a fixed interval until stopped.
// It satisfies the Service interface so timed jobs (heartbeats, stale-connection
// sweeps, ban cleanup, storefront refresh) participate in ordinary lifecycle
// management.
type PeriodicService struct {
	name     string
	interval time.Duration
	tick     func()
	logger   *zap.Logger
	quit     chan struct{}
	done     chan struct{}
}

// NewPeriodicService creates a periodic job with the given name and interval.
//
// Precondition: interval must be positive; tick and logger must be non-nil.
func NewPeriodicService(name string, interval time.Duration, tick func(), logger *zap.Logger) *PeriodicService {
	return &PeriodicService{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the tick loop. It blocks until Stop is called.
//
// Postcondition: The tick function is never invoked after Start returns.
func (p *PeriodicService) Start() error {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			p.tick()
			elapsed := time.Since(start)
			if elapsed > p.interval {
				p.logger.Warn("periodic tick overran its interval",
					zap.String("job", p.name),
					zap.Duration("elapsed", elapsed),
					zap.Duration("interval", p.interval),
				)
			}
		case <-p.quit:
			return nil
		}
	}
}

// Stop terminates the tick loop and waits for an in-flight tick to finish.
func (p *PeriodicService) Stop() {
	close(p.quit)
	<-p.done
}
