// Package scheduler is the Fair Scheduler (spec component C9): it admits at
// most maxConcurrent jobs system-wide and at most maxActivePerUser active
// per user, backed by a global FIFO plus one FIFO per user so no single
// user can starve another's queued work.
package scheduler

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/harborctl/pkg/log"
	"github.com/cuemby/harborctl/pkg/metrics"
)

// QueuedJob is the minimal job view the scheduler needs to admit or queue
// work, decoupled from the store's full Job row.
type QueuedJob struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
}

// Runner is invoked, exactly once, when the scheduler admits a job.
// Satisfied by a closure over pkg/job.Driver.Run.
type Runner func(job QueuedJob)

// Config bounds the scheduler's admission.
type Config struct {
	MaxConcurrent    int
	MaxActivePerUser int
	MaxQueuedPerUser int
}

// UserStatus is the per-user view returned by GetUserQueueStatus.
type UserStatus struct {
	Active   int
	Queued   int
	Capacity int
}

// SystemStatus is the worker-wide view returned by GetSystemStatus.
type SystemStatus struct {
	Running       int
	Queued        int
	MaxConcurrent int
	PerUserActive map[uuid.UUID]int
	PerUserQueued map[uuid.UUID]int
}

// Scheduler admits jobs under the two-level fairness/concurrency policy of
// spec §4.9.
type Scheduler struct {
	cfg    Config
	run    Runner
	logger zerolog.Logger

	mu           sync.Mutex
	active       map[uuid.UUID]uuid.UUID // jobID -> ownerID
	activeByUser map[uuid.UUID]int
	globalQueue  []QueuedJob
	userQueues   map[uuid.UUID][]QueuedJob
}

// New builds a Scheduler that invokes run whenever it admits a job.
func New(cfg Config, run Runner) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		run:          run,
		logger:       log.WithComponent("scheduler"),
		active:       make(map[uuid.UUID]uuid.UUID),
		activeByUser: make(map[uuid.UUID]int),
		userQueues:   make(map[uuid.UUID][]QueuedJob),
	}
}

// Enqueue implements spec §4.9's enqueue: if the owner is below
// maxActivePerUser and a system slot exists, start immediately; otherwise
// queue (subject to maxQueuedPerUser), reporting acceptance either way.
func (s *Scheduler) Enqueue(job QueuedJob) (accepted bool) {
	s.mu.Lock()

	if s.canStart(job.OwnerID) {
		s.admitLocked(job)
		s.mu.Unlock()
		s.run(job)
		return true
	}

	if s.cfg.MaxQueuedPerUser > 0 && len(s.userQueues[job.OwnerID]) >= s.cfg.MaxQueuedPerUser {
		s.mu.Unlock()
		return false
	}

	s.globalQueue = append(s.globalQueue, job)
	s.userQueues[job.OwnerID] = append(s.userQueues[job.OwnerID], job)
	s.updateQueueDepthLocked()
	s.mu.Unlock()
	return true
}

// updateQueueDepthLocked must be called with mu held. It publishes the
// global queue length and the number of distinct users with queued work, so
// QueueDepth{scope="per_user"} reads as a contention signal rather than a
// duplicate of the global count.
func (s *Scheduler) updateQueueDepthLocked() {
	metrics.QueueDepth.WithLabelValues("global").Set(float64(len(s.globalQueue)))
	usersQueued := 0
	for _, q := range s.userQueues {
		if len(q) > 0 {
			usersQueued++
		}
	}
	metrics.QueueDepth.WithLabelValues("per_user").Set(float64(usersQueued))
}

// canStart must be called with mu held.
func (s *Scheduler) canStart(owner uuid.UUID) bool {
	if s.cfg.MaxConcurrent > 0 && len(s.active) >= s.cfg.MaxConcurrent {
		return false
	}
	if s.cfg.MaxActivePerUser > 0 && s.activeByUser[owner] >= s.cfg.MaxActivePerUser {
		return false
	}
	return true
}

// admitLocked must be called with mu held.
func (s *Scheduler) admitLocked(job QueuedJob) {
	s.active[job.ID] = job.OwnerID
	s.activeByUser[job.OwnerID]++
}

// Complete reports that jobID has finished running, freeing its slot and
// promoting the next eligible job: first the owner's own queued work, else
// the first global-FIFO job whose owner is still under maxActivePerUser.
func (s *Scheduler) Complete(jobID uuid.UUID) {
	s.mu.Lock()

	owner, ok := s.active[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, jobID)
	s.activeByUser[owner]--
	if s.activeByUser[owner] <= 0 {
		delete(s.activeByUser, owner)
	}

	next, ok := s.promoteLocked(owner)
	s.mu.Unlock()

	if ok {
		s.run(next)
	}
}

// promoteLocked must be called with mu held. It returns the job to start
// next, if any, already marked active.
func (s *Scheduler) promoteLocked(owner uuid.UUID) (QueuedJob, bool) {
	if queue := s.userQueues[owner]; len(queue) > 0 && s.canStart(owner) {
		next := queue[0]
		s.userQueues[owner] = queue[1:]
		s.removeFromGlobalLocked(next.ID)
		s.admitLocked(next)
		s.updateQueueDepthLocked()
		return next, true
	}

	for i, job := range s.globalQueue {
		if !s.canStart(job.OwnerID) {
			continue
		}
		s.globalQueue = append(s.globalQueue[:i], s.globalQueue[i+1:]...)
		s.removeFromUserQueueLocked(job.OwnerID, job.ID)
		s.admitLocked(job)
		s.updateQueueDepthLocked()
		return job, true
	}

	return QueuedJob{}, false
}

func (s *Scheduler) removeFromGlobalLocked(jobID uuid.UUID) {
	for i, j := range s.globalQueue {
		if j.ID == jobID {
			s.globalQueue = append(s.globalQueue[:i], s.globalQueue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) removeFromUserQueueLocked(owner, jobID uuid.UUID) {
	queue := s.userQueues[owner]
	for i, j := range queue {
		if j.ID == jobID {
			s.userQueues[owner] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// GetUserQueueStatus implements spec §4.9's getUserQueueStatus.
func (s *Scheduler) GetUserQueueStatus(owner uuid.UUID) UserStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return UserStatus{
		Active:   s.activeByUser[owner],
		Queued:   len(s.userQueues[owner]),
		Capacity: s.cfg.MaxActivePerUser,
	}
}

// IsActive reports whether jobID is currently an admitted, running job.
func (s *Scheduler) IsActive(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

// IsKnown reports whether jobID is either active or already sitting in the
// global FIFO, so the poller never enqueues the same queued job twice while
// it waits for a slot.
func (s *Scheduler) IsKnown(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[jobID]; ok {
		return true
	}
	for _, j := range s.globalQueue {
		if j.ID == jobID {
			return true
		}
	}
	return false
}

// GetSystemStatus implements spec §4.9's getSystemStatus.
func (s *Scheduler) GetSystemStatus() SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	perActive := make(map[uuid.UUID]int, len(s.activeByUser))
	for k, v := range s.activeByUser {
		perActive[k] = v
	}
	perQueued := make(map[uuid.UUID]int, len(s.userQueues))
	for k, v := range s.userQueues {
		perQueued[k] = len(v)
	}

	return SystemStatus{
		Running:       len(s.active),
		Queued:        len(s.globalQueue),
		MaxConcurrent: s.cfg.MaxConcurrent,
		PerUserActive: perActive,
		PerUserQueued: perQueued,
	}
}
