package poller

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/harborctl/pkg/scheduler"
	"github.com/cuemby/harborctl/pkg/store/storetest"
	"github.com/cuemby/harborctl/pkg/types"
)

func TestPollEnqueuesQueuedJobsOnce(t *testing.T) {
	st := storetest.New()
	var ran []uuid.UUID
	sched := scheduler.New(scheduler.Config{}, func(j scheduler.QueuedJob) {
		ran = append(ran, j.ID)
	})

	jobID := uuid.New()
	require.NoError(t, st.CreateJob(context.Background(), &types.Job{
		ID: jobID, OwnerID: uuid.New(), Status: types.JobQueued, CreatedAt: time.Now(),
	}))

	p := New(st, sched, time.Hour)
	p.poll()
	require.Len(t, ran, 1)
	assert.Equal(t, jobID, ran[0])

	// a second cycle must not re-enqueue a job the scheduler already knows
	// about (it is now active, having run synchronously above).
	p.poll()
	assert.Len(t, ran, 1)
}

func TestPollSkipsJobsOverUserCapacityWhileQueueFull(t *testing.T) {
	st := storetest.New()
	var ran []uuid.UUID
	sched := scheduler.New(scheduler.Config{MaxActivePerUser: 1, MaxQueuedPerUser: 0}, func(j scheduler.QueuedJob) {
		ran = append(ran, j.ID)
	})

	owner := uuid.New()
	first := uuid.New()
	second := uuid.New()
	require.NoError(t, st.CreateJob(context.Background(), &types.Job{ID: first, OwnerID: owner, Status: types.JobQueued, CreatedAt: time.Now()}))
	require.NoError(t, st.CreateJob(context.Background(), &types.Job{ID: second, OwnerID: owner, Status: types.JobQueued, CreatedAt: time.Now().Add(time.Second)}))

	p := New(st, sched, time.Hour)
	p.poll()

	require.Len(t, ran, 1)
	assert.Equal(t, first, ran[0])
}

func TestStartAndStopRunsAndTerminatesTheLoop(t *testing.T) {
	st := storetest.New()
	sched := scheduler.New(scheduler.Config{}, func(scheduler.QueuedJob) {})

	p := New(st, sched, time.Millisecond)
	p.Start()
	time.Sleep(5 * time.Millisecond)
	p.Stop()
}
