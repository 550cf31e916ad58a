// Package cancel is the Cancellation Oracle (spec component C4): the single
// place that answers "is this job cancelled?" by combining the in-memory
// flag kept by the process registry with the job row's store state. It also
// drives cancelJob, the in-process cancellation entry point.
package cancel

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/harborctl/pkg/log"
	"github.com/cuemby/harborctl/pkg/registry"
	"github.com/cuemby/harborctl/pkg/store"
	"github.com/cuemby/harborctl/pkg/types"
)

// ContainerCleaner removes any containers left over for a cancelled job's
// task. Satisfied by pkg/containers.Containers.
type ContainerCleaner interface {
	CleanupTask(ctx context.Context, taskName string)
}

// Oracle answers cancellation queries and executes in-process cancellation.
type Oracle struct {
	store      store.Store
	registry   *registry.Registry
	containers ContainerCleaner
	logger     zerolog.Logger

	// forceKillDelay is the grace period CancelJob allows between a terminate
	// signal and a force-kill.
	forceKillDelay time.Duration
}

// New builds an Oracle over the given store, process registry and container
// cleaner.
func New(st store.Store, reg *registry.Registry, containers ContainerCleaner) *Oracle {
	return &Oracle{
		store:          st,
		registry:       reg,
		containers:     containers,
		logger:         log.WithComponent("cancel"),
		forceKillDelay: 2 * time.Second,
	}
}

// IsCancelledErrorMessage reports whether errorMessage is the canonical
// cancellation sentinel recorded on a job row. Isolated to one call site so
// the fragile substring contract (§9) has exactly one place to migrate if
// the schema ever grows a dedicated status.
func IsCancelledErrorMessage(errorMessage string) bool {
	return strings.Contains(strings.ToLower(errorMessage), "cancelled")
}

// IsCancelled implements the three-step algorithm from spec §4.4: the
// in-memory flag first, then store state (treating a missing row or a
// failed-with-"cancelled" row as cancelled and converging the in-memory
// state and container cleanup as a side effect), then "false" on any store
// error so cancellation can be re-observed on the next check.
func (o *Oracle) IsCancelled(ctx context.Context, jobID uuid.UUID) bool {
	if o.registry.IsCancelled(jobID) {
		return true
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return true
		}
		o.logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("cancellation check: store error, assuming not cancelled")
		return false
	}

	if job.Status == types.JobFailed && IsCancelledErrorMessage(job.ErrorMessage) {
		if o.registry.MarkCancelled(jobID) {
			o.signalProcesses(jobID)
		}
		if rj := o.registry.Get(jobID); rj != nil && o.containers != nil {
			o.containers.CleanupTask(ctx, rj.TaskName)
		}
		return true
	}

	return false
}

func (o *Oracle) signalProcesses(jobID uuid.UUID) {
	rj := o.registry.Get(jobID)
	if rj == nil {
		return
	}
	for _, proc := range rj.Processes {
		_ = proc.Signal(true)
	}
}

// CancelJob is the in-process cancellation entry point: it marks the job
// cancelled, signals every live process (terminate, then force-kill after
// the grace period), cleans up containers, and fails every attempt still
// tracked as in-flight.
func (o *Oracle) CancelJob(ctx context.Context, jobID uuid.UUID) {
	if !o.registry.MarkCancelled(jobID) {
		return
	}

	rj := o.registry.Get(jobID)
	if rj == nil {
		return
	}

	for _, proc := range rj.Processes {
		_ = proc.Signal(true)
	}

	go func(procs map[string]types.ProcessHandle) {
		time.Sleep(o.forceKillDelay)
		for _, proc := range procs {
			select {
			case <-proc.Done():
			default:
				_ = proc.Signal(false)
			}
		}
	}(rj.Processes)

	if o.containers != nil {
		o.containers.CleanupTask(ctx, rj.TaskName)
	}

	now := time.Now().UTC()
	for attemptID := range rj.AttemptIDs {
		attempt, err := o.store.GetAttempt(ctx, attemptID)
		if err != nil {
			continue
		}
		attempt.Status = types.AttemptFailed
		attempt.FinishedAt = now
		if err := o.store.UpdateAttempt(ctx, attempt); err != nil {
			o.logger.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("failed to finalize attempt on cancellation")
		}
	}
}
