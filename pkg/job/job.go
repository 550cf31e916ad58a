// Package job is the Job Driver (spec component C8): it owns one job's full
// lifecycle from work-directory setup through N concurrent attempt drivers
// to final status, with a cancellation check at every step and an
// unconditional cleanup on the way out.
package job

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/harborctl/pkg/attempt"
	"github.com/cuemby/harborctl/pkg/cancel"
	"github.com/cuemby/harborctl/pkg/containers"
	"github.com/cuemby/harborctl/pkg/log"
	"github.com/cuemby/harborctl/pkg/metrics"
	"github.com/cuemby/harborctl/pkg/objectstore"
	"github.com/cuemby/harborctl/pkg/registry"
	"github.com/cuemby/harborctl/pkg/store"
	"github.com/cuemby/harborctl/pkg/taskmanifest"
	"github.com/cuemby/harborctl/pkg/types"
)

var taskNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Config configures one run of the Job Driver.
type Config struct {
	WorkRoot                 string // parent directory for per-job work directories
	MaxConcurrentAttemptsJob int
	HarborTimeout            time.Duration
}

// Driver runs a job end to end.
type Driver struct {
	store      store.Store
	objects    objectstore.Store
	containers *containers.Containers
	reg        *registry.Registry
	oracle     *cancel.Oracle
	attempts   *attempt.Driver
	cfg        Config
	logger     zerolog.Logger
}

// New builds a job Driver over the given collaborators.
func New(st store.Store, objects objectstore.Store, containers *containers.Containers, reg *registry.Registry, oracle *cancel.Oracle, attempts *attempt.Driver, cfg Config) *Driver {
	return &Driver{
		store:      st,
		objects:    objects,
		containers: containers,
		reg:        reg,
		oracle:     oracle,
		attempts:   attempts,
		cfg:        cfg,
		logger:     log.WithComponent("job"),
	}
}

// Run implements the 13-step protocol of spec §4.8.
func (d *Driver) Run(ctx context.Context, j *types.Job) {
	logger := d.logger.With().Str("job_id", j.ID.String()).Str("task_name", j.TaskName).Logger()

	// Step 1: register.
	d.reg.Register(j.ID, j.TaskName)
	defer d.reg.Unregister(j.ID)

	workDir := filepath.Join(d.cfg.WorkRoot, j.ID.String())
	defer os.RemoveAll(workDir) // step 13: unconditional cleanup

	var cancelled bool
	var runErr error

	metrics.JobsRunning.Inc()
	timer := metrics.NewTimer()

	defer func() {
		metrics.JobsRunning.Dec()
		timer.ObserveDuration(metrics.JobDuration)

		switch {
		case cancelled:
			d.finalizeCancelled(ctx, j)
			metrics.JobsTotal.WithLabelValues(string(types.JobFailed)).Inc()
		case runErr != nil:
			msg := runErr.Error()
			if cancel.IsCancelledErrorMessage(msg) {
				msg = "Job cancelled by user"
			}
			if err := d.store.UpdateJobStatus(ctx, j.ID, types.JobFailed, msg); err != nil {
				logger.Error().Err(err).Msg("job: failed to record failure status")
			}
			metrics.JobsTotal.WithLabelValues(string(types.JobFailed)).Inc()
		default:
			if err := d.store.UpdateJobStatus(ctx, j.ID, types.JobCompleted, ""); err != nil {
				logger.Error().Err(err).Msg("job: failed to record completion status")
			}
			metrics.JobsTotal.WithLabelValues(string(types.JobCompleted)).Inc()
		}
	}()

	// Step 2.
	if err := d.store.UpdateJobStatus(ctx, j.ID, types.JobRunning, ""); err != nil {
		runErr = fmt.Errorf("failed to mark job running: %w", err)
		return
	}

	// Step 3.
	if d.oracle.IsCancelled(ctx, j.ID) {
		cancelled = true
		return
	}

	// Step 4: clean work directory.
	if err := os.RemoveAll(workDir); err != nil {
		runErr = fmt.Errorf("failed to clear stale work directory: %w", err)
		return
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		runErr = fmt.Errorf("failed to create work directory: %w", err)
		return
	}

	// Step 5: download and extract the task zip.
	if err := d.downloadAndExtract(ctx, j, workDir); err != nil {
		runErr = err
		return
	}

	// Step 6: locate task root.
	taskRoot, err := locateTaskRoot(workDir)
	if err != nil {
		runErr = err
		return
	}

	// Step 7: best-effort container prebuild.
	d.prebuildContainer(ctx, j, taskRoot, logger)

	// Step 8/9: bounded concurrent attempts.
	n := j.RunsRequested
	cap64 := int64(d.cfg.MaxConcurrentAttemptsJob)
	if cap64 <= 0 {
		cap64 = 10
	}
	sem := semaphore.NewWeighted(cap64)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			attemptOutput := filepath.Join(workDir, "output", fmt.Sprintf("attempt-%d", index))
			d.attempts.Run(ctx, attempt.Config{
				JobID:         j.ID,
				Index:         index,
				TaskRoot:      taskRoot,
				AttemptOutput: attemptOutput,
				WorkDir:       workDir,
				AgentChoice:   j.AgentChoice,
				Model:         j.Model,
				Timeout:       d.cfg.HarborTimeout,
			}, sem)
		}(i)
	}
	wg.Wait() // "wait for all, even on errors": attempt.Driver.Run never returns an error to wait on.

	// Step 10/11.
	if d.oracle.IsCancelled(ctx, j.ID) {
		cancelled = true
		d.failRunningAttempts(ctx, j.ID)
		d.demoteSuccessAfterCancel(ctx, j.ID)
	}
}

func (d *Driver) downloadAndExtract(ctx context.Context, j *types.Job, workDir string) error {
	_, key := objectstore.ParseURI(j.ZipLocation)
	data, err := d.objects.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to download task zip: %w", err)
	}

	tmp, err := os.CreateTemp(workDir, "task-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create temp zip file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp zip file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp zip file: %w", err)
	}

	if err := extractZip(tmpPath, workDir); err != nil {
		return fmt.Errorf("failed to extract task zip: %w", err)
	}
	return nil
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name)
		if !isWithinDir(destDir, target) {
			return fmt.Errorf("zip entry %q escapes destination directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

func isWithinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// locateTaskRoot implements step 6: prefer the base directory if task.toml
// exists there, else the first direct subdirectory containing one.
func locateTaskRoot(workDir string) (string, error) {
	if _, err := os.Stat(filepath.Join(workDir, "task.toml")); err == nil {
		return workDir, nil
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", fmt.Errorf("failed to read work directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(workDir, e.Name())
		if _, err := os.Stat(filepath.Join(candidate, "task.toml")); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no task.toml found in %s or its direct subdirectories", workDir)
}

// prebuildContainer implements step 7, best-effort: failures only log a
// warning, leaving the agent to build the image itself on first use.
func (d *Driver) prebuildContainer(ctx context.Context, j *types.Job, taskRoot string, logger zerolog.Logger) {
	dockerfile := filepath.Join(taskRoot, "environment", "Dockerfile")
	if _, err := os.Stat(dockerfile); err != nil {
		dockerfile = filepath.Join(taskRoot, "Dockerfile")
		if _, err := os.Stat(dockerfile); err != nil {
			return
		}
	}

	sanitized := taskNameSanitizer.ReplaceAllString(j.TaskName, "_")
	image := fmt.Sprintf("hb__%s:latest", sanitized)

	if err := d.containers.Build(ctx, dockerfile, image, taskRoot); err != nil {
		logger.Warn().Err(err).Msg("job: container prebuild failed, agent will build on demand")
		return
	}

	manifestPath := filepath.Join(taskRoot, "task.toml")
	manifest, err := taskmanifest.Load(manifestPath)
	if err != nil {
		logger.Warn().Err(err).Msg("job: failed to load task.toml for docker_image pin")
		return
	}
	if err := manifest.SetDockerImage(manifestPath, image); err != nil {
		logger.Warn().Err(err).Msg("job: failed to rewrite task.toml with docker_image pin")
	}
}

func (d *Driver) failRunningAttempts(ctx context.Context, jobID uuid.UUID) {
	rj := d.reg.Get(jobID)
	if rj == nil {
		return
	}
	now := time.Now().UTC()
	for attemptID := range rj.AttemptIDs {
		a, err := d.store.GetAttempt(ctx, attemptID)
		if err != nil {
			continue
		}
		a.Status = types.AttemptFailed
		a.FinishedAt = now
		if err := d.store.UpdateAttempt(ctx, a); err != nil {
			d.logger.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("job: failed to fail running attempt on cancellation")
		}
	}
}

// demoteSuccessAfterCancel handles the race in step 10: an attempt may have
// completed (and been recorded success) between the last cancellation check
// and finalization.
func (d *Driver) demoteSuccessAfterCancel(ctx context.Context, jobID uuid.UUID) {
	attempts, err := d.store.ListAttemptsByJob(ctx, jobID)
	if err != nil {
		d.logger.Error().Err(err).Msg("job: failed to list attempts for post-cancel demotion sweep")
		return
	}
	for _, a := range attempts {
		if a.Status != types.AttemptSuccess {
			continue
		}
		a.Status = types.AttemptFailed
		if err := d.store.UpdateAttempt(ctx, a); err != nil {
			d.logger.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("job: failed to demote attempt after cancellation")
		}
	}
}

func (d *Driver) finalizeCancelled(ctx context.Context, j *types.Job) {
	if err := d.store.UpdateJobStatus(ctx, j.ID, types.JobFailed, "Job cancelled by user"); err != nil {
		d.logger.Error().Err(err).Str("job_id", j.ID.String()).Msg("job: failed to record cancelled status")
	}
}
