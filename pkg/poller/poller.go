// Package poller is the Poller (spec component C10): a ticker loop that
// finds queued jobs and hands eligible ones to the Fair Scheduler.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/harborctl/pkg/log"
	"github.com/cuemby/harborctl/pkg/metrics"
	"github.com/cuemby/harborctl/pkg/scheduler"
	"github.com/cuemby/harborctl/pkg/store"
)

// Poller periodically lists queued jobs and submits eligible ones to the
// scheduler.
type Poller struct {
	store    store.Store
	sched    *scheduler.Scheduler
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Poller over the given store and scheduler.
func New(st store.Store, sched *scheduler.Scheduler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		store:    st,
		sched:    sched,
		interval: interval,
		logger:   log.WithComponent("poller"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the poll loop in the background.
func (p *Poller) Start() {
	go p.run()
}

// Stop signals the poll loop to exit and blocks until it has.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var pollCount int
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			pollCount++
			metrics.PollerCycles.Inc()
			p.poll()
			if pollCount%10 == 0 {
				p.logger.Info().Int("poll_count", pollCount).Msg("poller heartbeat")
			}
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := p.store.ListQueuedJobs(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("poller: failed to list queued jobs")
		return
	}

	for _, j := range jobs {
		if p.sched.IsKnown(j.ID) {
			continue
		}
		status := p.sched.GetUserQueueStatus(j.OwnerID)
		if status.Capacity > 0 && status.Active >= status.Capacity {
			continue
		}
		p.sched.Enqueue(scheduler.QueuedJob{ID: j.ID, OwnerID: j.OwnerID})
	}
}
