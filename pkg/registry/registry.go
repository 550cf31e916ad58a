// Package registry is the Process Registry (spec component C3): a
// process-wide mapping from job ID to the RunningJob view the rest of the
// worker uses to know which jobs, processes and attempts it is actively
// supervising. Only jobs visible here may have their child processes or
// sibling containers touched — this is what keeps one worker from
// disturbing another worker's subprocesses.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/harborctl/pkg/types"
)

// Registry tracks every job this worker is currently supervising.
type Registry struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*types.RunningJob
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{jobs: make(map[uuid.UUID]*types.RunningJob)}
}

// Register begins supervision of jobID. Safe to call once per job; a second
// call overwrites the prior RunningJob view.
func (r *Registry) Register(jobID uuid.UUID, taskName string) *types.RunningJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	rj := &types.RunningJob{
		JobID:      jobID,
		TaskName:   taskName,
		Processes:  make(map[string]types.ProcessHandle),
		AttemptIDs: make(map[uuid.UUID]struct{}),
	}
	r.jobs[jobID] = rj
	return rj
}

// Unregister ends supervision of jobID. The worker is no longer responsible
// for it; the oracle and cancelJob will no longer be able to reach its
// processes.
func (r *Registry) Unregister(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// Get returns the RunningJob view for jobID, or nil if this worker is not
// supervising it.
func (r *Registry) Get(jobID uuid.UUID) *types.RunningJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[jobID]
}

// AddProcess registers a live child process handle under jobID and removes
// it automatically once the process exits.
func (r *Registry) AddProcess(jobID uuid.UUID, key string, handle types.ProcessHandle) {
	r.mu.Lock()
	rj, ok := r.jobs[jobID]
	if ok {
		rj.Processes[key] = handle
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	go func() {
		<-handle.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.jobs[jobID]; ok && cur.Processes[key] == handle {
			delete(cur.Processes, key)
		}
	}()
}

// AddAttempt marks attemptID as not-yet-finalized under jobID.
func (r *Registry) AddAttempt(jobID, attemptID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rj, ok := r.jobs[jobID]; ok {
		rj.AttemptIDs[attemptID] = struct{}{}
	}
}

// RemoveAttempt marks attemptID finalized under jobID.
func (r *Registry) RemoveAttempt(jobID, attemptID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rj, ok := r.jobs[jobID]; ok {
		delete(rj.AttemptIDs, attemptID)
	}
}

// MarkCancelled sets the in-memory cancelled flag for jobID, returning false
// if this worker is not supervising the job.
func (r *Registry) MarkCancelled(jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rj, ok := r.jobs[jobID]
	if !ok {
		return false
	}
	rj.Cancelled = true
	return true
}

// IsCancelled reports the in-memory cancelled flag for jobID. A job this
// worker is not supervising reports false here — callers combine this with
// store state (see pkg/cancel).
func (r *Registry) IsCancelled(jobID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rj, ok := r.jobs[jobID]
	return ok && rj.Cancelled
}
