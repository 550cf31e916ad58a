// Package worker performs explicit init-before-use wiring (spec §9) of
// every component into one running execution worker: Store Gateway, Object
// Store Gateway, Process Registry, Cancellation Oracle, Agent Runner,
// Attempt Driver, Job Driver, Fair Scheduler, Poller and the Metrics
// Registry's HTTP handler.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/harborctl/pkg/agent"
	"github.com/cuemby/harborctl/pkg/attempt"
	"github.com/cuemby/harborctl/pkg/cancel"
	"github.com/cuemby/harborctl/pkg/containers"
	"github.com/cuemby/harborctl/pkg/job"
	"github.com/cuemby/harborctl/pkg/log"
	"github.com/cuemby/harborctl/pkg/metrics"
	"github.com/cuemby/harborctl/pkg/objectstore"
	"github.com/cuemby/harborctl/pkg/poller"
	"github.com/cuemby/harborctl/pkg/registry"
	"github.com/cuemby/harborctl/pkg/scheduler"
	"github.com/cuemby/harborctl/pkg/store"
	"github.com/cuemby/harborctl/pkg/store/boltkv"
	"github.com/cuemby/harborctl/pkg/store/postgres"
	"github.com/cuemby/harborctl/pkg/types"
)

// throttledModelSubstrings lowers MaxConcurrentAttemptsJob's effective
// default when HarborModel names one of these, per spec.md's "5 if
// HarborModel matches a throttled-model substring list" note.
var throttledModelSubstrings = []string{"opus", "o1"}

// Config is the external interface's env-var-bound configuration (spec §6).
type Config struct {
	DatabaseURL              string
	ObjectStoreBucket        string
	GCSCredentialsFile       string
	HarborAPIKey             string
	WorkerPollIntervalMS     int
	MaxConcurrentAttemptsJob int
	HarborTimeoutMS          int
	HarborModel              string
	MaxConcurrentJobs        int
	MaxActivePerUser         int
	MaxQueuedPerUser         int
	MetricsAddr              string
	WorkRoot                 string
}

// Worker owns every component's lifecycle for the duration of one process.
type Worker struct {
	cfg    Config
	logger zerolog.Logger

	st         store.Store
	objects    objectstore.Store
	reg        *registry.Registry
	oracle     *cancel.Oracle
	containers *containers.Containers
	runner     *agent.Runner
	attempts   *attempt.Driver
	jobs       *job.Driver
	sched      *scheduler.Scheduler
	poll       *poller.Poller

	inFlight   sync.WaitGroup
	metricsSrv *http.Server
}

// gracefulShutdownTimeout bounds how long Stop waits for in-flight jobs to
// finish before closing the store out from under them (spec §6).
const gracefulShutdownTimeout = 30 * time.Second

// New wires every component, in the dependency order spec §9 requires:
// store and object store first, then registry and oracle (which needs the
// container cleaner), then the agent runner, then the attempt and job
// drivers, and finally the scheduler and poller that invoke the job driver.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	logger := log.WithComponent("worker")

	st, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("worker: failed to open store: %w", err)
	}

	objects, err := objectstore.Open(ctx, cfg.ObjectStoreBucket, cfg.GCSCredentialsFile)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("worker: failed to open object store: %w", err)
	}

	reg := registry.New()
	ctrs := containers.New()
	oracle := cancel.New(st, reg, ctrs)
	runner := agent.New(objects)
	attempts := attempt.New(st, objects, runner, reg, oracle)

	maxPerJob := cfg.MaxConcurrentAttemptsJob
	if maxPerJob <= 0 {
		maxPerJob = defaultMaxConcurrentAttempts(cfg.HarborModel)
	}
	jobs := job.New(st, objects, ctrs, reg, oracle, attempts, job.Config{
		WorkRoot:                 cfg.WorkRoot,
		MaxConcurrentAttemptsJob: maxPerJob,
		HarborTimeout:            time.Duration(cfg.HarborTimeoutMS) * time.Millisecond,
	})

	w := &Worker{
		cfg:        cfg,
		logger:     logger,
		st:         st,
		objects:    objects,
		reg:        reg,
		oracle:     oracle,
		containers: ctrs,
		runner:     runner,
		attempts:   attempts,
		jobs:       jobs,
	}

	w.sched = scheduler.New(scheduler.Config{
		MaxConcurrent:    cfg.MaxConcurrentJobs,
		MaxActivePerUser: cfg.MaxActivePerUser,
		MaxQueuedPerUser: cfg.MaxQueuedPerUser,
	}, w.runJob)

	w.poll = poller.New(st, w.sched, time.Duration(cfg.WorkerPollIntervalMS)*time.Millisecond)

	return w, nil
}

func openStore(ctx context.Context, databaseURL string) (store.Store, error) {
	if databaseURL == "" || strings.HasPrefix(databaseURL, "bolt://") {
		dataDir := strings.TrimPrefix(databaseURL, "bolt://")
		if dataDir == "" {
			dataDir = "./data"
		}
		return boltkv.New(dataDir)
	}
	return postgres.Open(ctx, databaseURL)
}

func defaultMaxConcurrentAttempts(model string) int {
	lower := strings.ToLower(model)
	for _, needle := range throttledModelSubstrings {
		if strings.Contains(lower, needle) {
			return 5
		}
	}
	return 10
}

// runJob is the scheduler.Runner passed to scheduler.New: it runs the job
// driver to completion in its own goroutine and reports back so the next
// eligible job can be promoted.
func (w *Worker) runJob(qj scheduler.QueuedJob) {
	w.inFlight.Add(1)
	go func() {
		defer w.inFlight.Done()
		defer w.sched.Complete(qj.ID)

		j, err := w.st.GetJob(context.Background(), qj.ID)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", qj.ID.String()).Msg("worker: failed to load queued job")
			return
		}
		w.jobs.Run(context.Background(), j)
	}()
}

// Start begins the poll loop and, if MetricsAddr is set, the metrics HTTP
// server. It returns immediately; both run in background goroutines.
func (w *Worker) Start() error {
	w.poll.Start()

	if w.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		w.metricsSrv = &http.Server{Addr: w.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := w.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				w.logger.Error().Err(err).Msg("worker: metrics server stopped unexpectedly")
			}
		}()
		w.logger.Info().Str("addr", w.cfg.MetricsAddr).Msg("worker: metrics server listening")
	}

	return nil
}

// Stop stops the poll loop, waits up to gracefulShutdownTimeout for any
// jobs already running to finish, then stops the metrics server and closes
// the store (spec §6: "waits up to 30s for in-flight jobs, then exits").
func (w *Worker) Stop() error {
	w.poll.Stop()

	done := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(gracefulShutdownTimeout):
		w.logger.Warn().Dur("timeout", gracefulShutdownTimeout).Msg("worker: shutdown timed out waiting for in-flight jobs")
	}

	if w.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.metricsSrv.Shutdown(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("worker: metrics server shutdown error")
		}
	}

	return w.st.Close()
}

// SubmitJob creates a job row and leaves it for a running worker's poller
// to pick up on its next cycle; used by the CLI's one-shot submit path.
func (w *Worker) SubmitJob(ctx context.Context, j *types.Job) error {
	if err := w.st.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("worker: failed to create job: %w", err)
	}
	return nil
}

// CancelJob triggers in-process cancellation for the given job.
func (w *Worker) CancelJob(ctx context.Context, jobID uuid.UUID) {
	w.oracle.CancelJob(ctx, jobID)
}
