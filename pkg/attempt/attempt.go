// Package attempt is the Attempt Driver (spec component C7): it runs one
// independent trial of the agent against a task, from the per-job semaphore
// acquire through parsing, episode creation, upload and finalization, with a
// cancellation check at every checkpoint and a best-effort recovery path on
// any exception.
package attempt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/harborctl/pkg/agent"
	"github.com/cuemby/harborctl/pkg/cancel"
	"github.com/cuemby/harborctl/pkg/errs"
	"github.com/cuemby/harborctl/pkg/log"
	"github.com/cuemby/harborctl/pkg/metrics"
	"github.com/cuemby/harborctl/pkg/objectstore"
	"github.com/cuemby/harborctl/pkg/parser"
	"github.com/cuemby/harborctl/pkg/registry"
	"github.com/cuemby/harborctl/pkg/store"
	"github.com/cuemby/harborctl/pkg/types"
)

// Config is the per-attempt input the Job Driver supplies (spec §4.7's
// (jobId, attemptIndex, taskRootPath, attemptOutputDir, agentChoice)).
type Config struct {
	JobID         uuid.UUID
	Index         int
	TaskRoot      string
	AttemptOutput string
	WorkDir       string
	AgentChoice   string
	Model         string
	Timeout       time.Duration
}

// Runner is the subset of *agent.Runner the Attempt Driver depends on,
// narrowed to an interface so tests can supply a fake without spawning a
// real agent subprocess.
type Runner interface {
	Run(ctx context.Context, cfg agent.Config, isCancelled agent.CancellationChecker, onStart func(*agent.ProcessGroup)) (*agent.Result, error)
}

// Driver runs attempts against one shared agent Runner, store and object
// store, bounded by a per-job semaphore the Job Driver owns.
type Driver struct {
	store   store.Store
	objects objectstore.Store
	agent   Runner
	reg     *registry.Registry
	oracle  *cancel.Oracle
	logger  zerolog.Logger
}

// New builds a Driver over the given collaborators.
func New(st store.Store, objects objectstore.Store, runner Runner, reg *registry.Registry, oracle *cancel.Oracle) *Driver {
	return &Driver{
		store:   st,
		objects: objects,
		agent:   runner,
		reg:     reg,
		oracle:  oracle,
		logger:  log.WithComponent("attempt"),
	}
}

// Run implements the 14-step protocol of spec §4.7. sem is the per-job
// semaphore the Job Driver owns; Run acquires and releases exactly one
// permit from it (step A3/A14).
func (d *Driver) Run(ctx context.Context, cfg Config, sem *semaphore.Weighted) {
	logger := d.logger.With().Str("job_id", cfg.JobID.String()).Int("attempt_index", cfg.Index).Logger()

	// A1: skip entirely if already cancelled -- no row is created.
	if d.oracle.IsCancelled(ctx, cfg.JobID) {
		return
	}

	// A2: stagger to spread API call ramp-up.
	if cfg.Index > 0 {
		time.Sleep(time.Duration(cfg.Index) * 500 * time.Millisecond)
	}

	// A3: acquire one permit from the per-job semaphore.
	if err := sem.Acquire(ctx, 1); err != nil {
		logger.Warn().Err(err).Msg("attempt: semaphore acquire failed")
		return
	}
	defer sem.Release(1)

	// A4: create attempt row, register with the process registry.
	attemptID := uuid.New()
	now := time.Now().UTC()
	at := &types.Attempt{
		ID:        attemptID,
		JobID:     cfg.JobID,
		Index:     cfg.Index,
		Status:    types.AttemptRunning,
		StartedAt: now,
		Metadata:  map[string]any{},
	}
	if err := d.store.CreateAttempt(ctx, at); err != nil {
		logger.Error().Err(err).Msg("attempt: failed to create attempt row")
		return
	}
	d.reg.AddAttempt(cfg.JobID, attemptID)
	defer d.reg.RemoveAttempt(cfg.JobID, attemptID)

	timer := metrics.NewTimer()

	// A5: cancellation checkpoint.
	if d.oracle.IsCancelled(ctx, cfg.JobID) {
		d.finalizeFailed(ctx, at, "job cancelled", timer)
		return
	}

	// A6: invoke the agent.
	agentCfg := agent.Config{
		TaskRoot:        cfg.TaskRoot,
		AgentChoice:     cfg.AgentChoice,
		Model:           cfg.Model,
		AttemptOutput:   cfg.AttemptOutput,
		Timeout:         cfg.Timeout,
		WorkDir:         cfg.WorkDir,
		LogObjectPrefix: fmt.Sprintf("results/%s/attempt-%d/logs", cfg.JobID, cfg.Index),
	}
	isCancelled := func(pollCtx context.Context) bool { return d.oracle.IsCancelled(pollCtx, cfg.JobID) }

	result, runErr := d.agent.Run(ctx, agentCfg, isCancelled, func(pg *agent.ProcessGroup) {
		d.reg.AddProcess(cfg.JobID, attemptID.String(), pg)
	})
	if runErr != nil {
		d.recover(ctx, at, cfg, runErr, timer)
		return
	}

	// A7: rate-limit detection on captured output.
	if result.RateLimit {
		d.finalizeRateLimited(ctx, at, timer)
		return
	}

	// A8: parse artifacts.
	parsed, err := parser.Parse(cfg.AttemptOutput)
	if err != nil {
		d.recover(ctx, at, cfg, errs.Execution(err), timer)
		return
	}
	at.TestsPassed = parsed.TestsPassed
	at.TestsTotal = parsed.TestsTotal
	at.RewardSummary = parsed.Rewards
	if parsed.TestsTotal == 0 {
		at.Status = types.AttemptFailed
	} else if parsed.TestsPassed == parsed.TestsTotal {
		at.Status = types.AttemptSuccess
	} else {
		at.Status = types.AttemptFailed
	}

	// A9: create episodes.
	for i := range parsed.Episodes {
		ep := parsed.Episodes[i]
		ep.ID = uuid.New()
		ep.AttemptID = attemptID
		ep.Index = i
		if err := d.store.CreateEpisode(ctx, &ep); err != nil {
			logger.Warn().Err(err).Int("episode_index", i).Msg("attempt: failed to store episode")
		} else {
			metrics.EpisodesTotal.Inc()
		}
	}

	// A10: cancellation checkpoint.
	if d.oracle.IsCancelled(ctx, cfg.JobID) {
		d.finalizeFailed(ctx, at, "job cancelled", timer)
		return
	}

	// A11: upload trial directory.
	trialDir, err := parser.TrialDir(cfg.AttemptOutput)
	if err == nil {
		keyPrefix := fmt.Sprintf("results/%s/attempt-%d", cfg.JobID, cfg.Index)
		urls, err := d.objects.PutDirectory(ctx, trialDir, keyPrefix)
		if err != nil {
			logger.Warn().Err(err).Msg("attempt: failed to upload trial directory")
		} else {
			at.LogPath = directoryLogPath(urls, keyPrefix)
		}
	}

	// A12: cancellation checkpoint.
	if d.oracle.IsCancelled(ctx, cfg.JobID) {
		d.finalizeFailed(ctx, at, "job cancelled", timer)
		return
	}

	// A13: finalize.
	at.FinishedAt = time.Now().UTC()
	if len(parsed.TestCases) > 0 {
		at.Metadata["testCases"] = parsed.TestCases
	}
	if err := d.store.UpdateAttempt(ctx, at); err != nil {
		logger.Error().Err(err).Msg("attempt: failed to finalize attempt")
	}
	metrics.AttemptsTotal.WithLabelValues(string(at.Status)).Inc()
	timer.ObserveDuration(metrics.AttemptDuration)

	// A14: increment job progress.
	if err := d.store.IncrementJobProgress(ctx, cfg.JobID); err != nil {
		logger.Error().Err(err).Msg("attempt: failed to increment job progress")
	}
}

func (d *Driver) finalizeFailed(ctx context.Context, at *types.Attempt, reason string, timer *metrics.Timer) {
	at.Status = types.AttemptFailed
	at.FinishedAt = time.Now().UTC()
	if at.Metadata == nil {
		at.Metadata = map[string]any{}
	}
	at.Metadata["failureReason"] = reason
	if err := d.store.UpdateAttempt(ctx, at); err != nil {
		d.logger.Error().Err(err).Str("attempt_id", at.ID.String()).Msg("attempt: failed to finalize cancelled attempt")
	}
	metrics.AttemptsTotal.WithLabelValues(string(at.Status)).Inc()
	timer.ObserveDuration(metrics.AttemptDuration)
}

// finalizeRateLimited implements A7: finalize failed with testsTotal=1 so
// the UI renders "0/1" instead of "0/0", and does not increment progress.
func (d *Driver) finalizeRateLimited(ctx context.Context, at *types.Attempt, timer *metrics.Timer) {
	at.Status = types.AttemptFailed
	at.TestsPassed = 0
	at.TestsTotal = 1
	at.FinishedAt = time.Now().UTC()
	if at.Metadata == nil {
		at.Metadata = map[string]any{}
	}
	at.Metadata["failureClass"] = string(errs.ClassRateLimit)
	name, trace := syntheticTestCase(errs.ClassRateLimit, fmt.Errorf("agent output matched a rate-limit marker"))
	at.Metadata["testCases"] = []parser.TestCase{{Name: name, Passed: false, Trace: trace}}
	if err := d.store.UpdateAttempt(ctx, at); err != nil {
		d.logger.Error().Err(err).Str("attempt_id", at.ID.String()).Msg("attempt: failed to finalize rate-limited attempt")
	}
	metrics.RateLimitedAttemptsTotal.Inc()
	metrics.AttemptsTotal.WithLabelValues(string(at.Status)).Inc()
	timer.ObserveDuration(metrics.AttemptDuration)
}

// recover implements the exception/recovery path: classify the error,
// attempt partial-data recovery, synthesize a diagnostic test case for
// timeouts/rate-limits with nothing recovered, and only increment progress
// if the failure was not a cancellation.
func (d *Driver) recover(ctx context.Context, at *types.Attempt, cfg Config, runErr error, timer *metrics.Timer) {
	class := errs.ClassOf(runErr)

	partial := parser.ParsePartial(cfg.AttemptOutput)
	at.TestsPassed = partial.TestsPassed
	at.TestsTotal = partial.TestsTotal
	at.RewardSummary = partial.Rewards
	at.Status = types.AttemptFailed
	at.FinishedAt = time.Now().UTC()
	if at.Metadata == nil {
		at.Metadata = map[string]any{}
	}
	at.Metadata["failureClass"] = string(class)
	at.Metadata["failureMessage"] = runErr.Error()

	episodes := partial.Episodes
	if len(episodes) == 0 {
		episodes = []types.Episode{{
			StateAnalysis: fmt.Sprintf("attempt failed: %s", class),
		}}
	}
	for i := range episodes {
		ep := episodes[i]
		ep.ID = uuid.New()
		ep.AttemptID = at.ID
		ep.Index = i
		if err := d.store.CreateEpisode(ctx, &ep); err != nil {
			d.logger.Warn().Err(err).Msg("attempt: failed to store recovery episode")
		}
	}

	if (class == errs.ClassTimeout || class == errs.ClassRateLimit) && at.TestsTotal == 0 {
		at.TestsTotal = 1
		at.TestsPassed = 0
		name, trace := syntheticTestCase(class, runErr)
		at.Metadata["testCases"] = []parser.TestCase{{Name: name, Passed: false, Trace: trace}}
	}

	if trialDir := parser.PartialTrialDir(cfg.AttemptOutput); trialDir != "" {
		keyPrefix := fmt.Sprintf("results/%s/attempt-%d", cfg.JobID, cfg.Index)
		if urls, err := d.objects.PutDirectory(ctx, trialDir, keyPrefix); err == nil {
			at.LogPath = directoryLogPath(urls, keyPrefix)
		}
	}

	if err := d.store.UpdateAttempt(ctx, at); err != nil {
		d.logger.Error().Err(err).Msg("attempt: failed to finalize recovered attempt")
	}
	metrics.AttemptsTotal.WithLabelValues(string(at.Status)).Inc()
	timer.ObserveDuration(metrics.AttemptDuration)
	if class == errs.ClassRateLimit {
		metrics.RateLimitedAttemptsTotal.Inc()
	}

	if class != errs.ClassCancellation {
		if err := d.store.IncrementJobProgress(ctx, cfg.JobID); err != nil {
			d.logger.Error().Err(err).Msg("attempt: failed to increment job progress after recovery")
		}
	}
}

// directoryLogPath recovers the bucket-qualified directory URI for keyPrefix
// from one of PutDirectory's per-file upload URLs, since the Store interface
// never hands the Attempt Driver a bare bucket name to build one from itself.
func directoryLogPath(urls []string, keyPrefix string) string {
	if len(urls) == 0 {
		return ""
	}
	if idx := strings.Index(urls[0], keyPrefix); idx >= 0 {
		return urls[0][:idx+len(keyPrefix)]
	}
	return urls[0]
}

// syntheticTestCase names the single failing test case recovery synthesizes
// when a timeout or rate limit leaves no real test data behind, so the UI
// has first-class context instead of a bare attempt index (spec §7).
func syntheticTestCase(class errs.Class, runErr error) (name, trace string) {
	switch class {
	case errs.ClassTimeout:
		return "Execution Timeout", fmt.Sprintf("the agent exceeded its allotted time budget: %s", runErr)
	case errs.ClassRateLimit:
		return "API Rate Limit Exceeded", fmt.Sprintf("the upstream model API rate-limited this attempt; retry later: %s", runErr)
	default:
		return fmt.Sprintf("attempt-%s", class), runErr.Error()
	}
}
