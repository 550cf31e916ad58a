// Package agent is the Agent Runner (spec component C5): it spawns the
// external `harbor` binary in its own process group, captures stdout/stderr
// to memory and disk, periodically mirrors the log files to the object
// store, enforces a timeout, and reacts to cancellation via a background
// poll of the Cancellation Oracle.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/harborctl/pkg/errs"
	"github.com/cuemby/harborctl/pkg/log"
	"github.com/cuemby/harborctl/pkg/objectstore"
)

// rateLimitMarkers are substrings that identify a rate-limited run from
// captured agent output (spec §4.7 step A7 / §7).
var rateLimitMarkers = []string{
	"RateLimitError",
	"429",
	"rate limit",
	"Rate limit reached",
}

// apiKeyEnvPrimary and apiKeyEnvAlias are the environment variable names the
// agent binary looks for its API key under. Both are forwarded whenever
// either is set, so older agent builds that only know one name still work.
const (
	apiKeyEnvPrimary = "HARBOR_API_KEY"
	apiKeyEnvAlias   = "TERMINUS_API_KEY"
)

// candidateVenvPaths are checked, relative to the working directory, after a
// PATH lookup for the agent binary fails.
var candidateVenvPaths = []string{
	".venv/bin/harbor",
	"venv/bin/harbor",
	".harbor/bin/harbor",
}

// Config configures a single agent invocation.
type Config struct {
	TaskRoot        string
	AgentChoice     string // "terminus-2" | "oracle"
	Model           string
	ReasoningEffort string
	AttemptOutput   string
	Timeout         time.Duration
	WorkDir         string
	LogObjectPrefix string // e.g. "results/<jobID>/attempt-<i>/logs/"
}

// CancellationChecker is polled every 2s while the agent runs. Satisfied by
// (*cancel.Oracle).IsCancelled bound to a job ID.
type CancellationChecker func(ctx context.Context) bool

// Result is the captured output of a run whose process exited on its own:
// Run returns it alone for exit code 0 and together with the error for a
// non-zero exit. Cancelled and timed-out runs return a nil Result.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	RateLimit bool
}

// Runner spawns and supervises one agent subprocess per invocation.
type Runner struct {
	objects objectstore.Store
	logger  zerolog.Logger
}

// New builds a Runner over the given object store gateway.
func New(objects objectstore.Store) *Runner {
	return &Runner{objects: objects, logger: log.WithComponent("agent")}
}

// Run spawns the harbor binary, streams its output, and blocks until it
// exits, times out, or is cancelled. Right after the spawn, the new
// ProcessGroup is passed to onStart (when non-nil) so the caller can
// register it with the process registry while the agent is still running.
func (r *Runner) Run(ctx context.Context, cfg Config, isCancelled CancellationChecker, onStart func(*ProcessGroup)) (*Result, error) {
	argv, err := r.buildArgv(cfg)
	if err != nil {
		return nil, errs.Execution(err)
	}

	path, err := r.resolveExecutable(cfg.WorkDir)
	if err != nil {
		return nil, errs.Execution(err)
	}

	cmd := exec.CommandContext(ctx, path, argv...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = r.buildEnv()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutFile, stderrFile, err := r.openLogFiles(cfg.AttemptOutput)
	if err != nil {
		return nil, errs.Execution(err)
	}
	defer stdoutFile.Close()
	defer stderrFile.Close()

	cmd.Stdout = io.MultiWriter(&stdoutBuf, stdoutFile)
	cmd.Stderr = io.MultiWriter(&stderrBuf, stderrFile)

	pg, err := Start(cmd)
	if err != nil {
		return nil, errs.Execution(fmt.Errorf("failed to start agent: %w", err))
	}
	if onStart != nil {
		onStart(pg)
	}

	uploadCtx, cancelUpload := context.WithCancel(context.Background())
	defer cancelUpload()
	go r.uploadLoop(uploadCtx, cfg, stdoutFile.Name(), stderrFile.Name())

	cancelCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()
	cancelled := make(chan struct{})
	go r.pollCancellation(cancelCtx, isCancelled, pg, cancelled)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	var timedOut bool
	select {
	case <-pg.Done():
	case <-cancelled:
	case <-time.After(timeout):
		timedOut = true
		_ = pg.Signal(true)
		if _, exited := pg.Wait(2 * time.Second); !exited {
			_ = pg.Signal(false)
			pg.Wait(5 * time.Second)
		}
	}

	select {
	case <-pg.Done():
	default:
		pg.Wait(10 * time.Second)
	}

	r.uploadFinal(cfg, stdoutFile.Name(), stderrFile.Name())

	select {
	case <-cancelled:
		return nil, errs.Cancellation(fmt.Errorf("job cancelled"))
	default:
	}

	if timedOut {
		return nil, errs.Timeout(fmt.Errorf("agent exceeded timeout of %s", timeout))
	}

	if pg.Signaled() {
		return nil, errs.Cancellation(fmt.Errorf("job cancelled"))
	}

	exitCode := pg.ExitCode()
	result := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
	}
	result.RateLimit = containsRateLimitMarker(result.Stdout) || containsRateLimitMarker(result.Stderr)

	if exitCode != 0 {
		preview := result.Stderr
		if len(preview) > 2000 {
			preview = preview[:2000] + "...(truncated)"
		}
		if result.RateLimit {
			return result, errs.RateLimit(fmt.Errorf("agent exited %d: %s", exitCode, preview))
		}
		return result, errs.Execution(fmt.Errorf("agent exited %d: %s", exitCode, preview))
	}

	return result, nil
}

func (r *Runner) pollCancellation(ctx context.Context, isCancelled CancellationChecker, pg *ProcessGroup, cancelled chan<- struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pg.Done():
			return
		case <-ticker.C:
			if isCancelled(ctx) {
				_ = pg.Signal(true)
				select {
				case <-cancelled:
				default:
					close(cancelled)
				}
				return
			}
		}
	}
}

func (r *Runner) uploadLoop(ctx context.Context, cfg Config, stdoutPath, stderrPath string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.uploadLogs(cfg, stdoutPath, stderrPath)
		}
	}
}

func (r *Runner) uploadFinal(cfg Config, stdoutPath, stderrPath string) {
	r.uploadLogs(cfg, stdoutPath, stderrPath)
}

func (r *Runner) uploadLogs(cfg Config, stdoutPath, stderrPath string) {
	if r.objects == nil || cfg.LogObjectPrefix == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for name, path := range map[string]string{"harbor-stdout.log": stdoutPath, "harbor-stderr.log": stderrPath} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(cfg.LogObjectPrefix, "/") + "/" + name
		if _, err := r.objects.Put(ctx, key, data, "text/plain"); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to upload agent log")
		}
	}
}

func (r *Runner) openLogFiles(attemptOutput string) (stdout, stderr *os.File, err error) {
	if err := os.MkdirAll(attemptOutput, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create attempt output dir: %w", err)
	}
	stdout, err = os.Create(filepath.Join(attemptOutput, "harbor-stdout.log"))
	if err != nil {
		return nil, nil, err
	}
	stderr, err = os.Create(filepath.Join(attemptOutput, "harbor-stderr.log"))
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func (r *Runner) buildArgv(cfg Config) ([]string, error) {
	agentChoice := cfg.AgentChoice
	if agentChoice == "" {
		agentChoice = "terminus-2"
	}

	argv := []string{
		"run",
		"--path", cfg.TaskRoot,
		"--agent", agentChoice,
	}
	if cfg.Model != "" {
		argv = append(argv, "--model", cfg.Model)
		effort := cfg.ReasoningEffort
		if effort == "" {
			effort = "medium"
		}
		argv = append(argv, "--ak", "reasoning_effort="+effort)
	}
	argv = append(argv,
		"--env", "docker",
		"--jobs-dir", cfg.AttemptOutput,
		"--n-concurrent", "1",
	)
	return argv, nil
}

func (r *Runner) resolveExecutable(workDir string) (string, error) {
	if path, err := exec.LookPath("harbor"); err == nil {
		return path, nil
	}

	var tried []string
	for _, candidate := range candidateVenvPaths {
		path := filepath.Join(workDir, candidate)
		tried = append(tried, path)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	return "", fmt.Errorf("harbor executable not found on PATH or in candidate paths: %s", strings.Join(tried, ", "))
}

func (r *Runner) buildEnv() []string {
	env := os.Environ()

	var primary, alias string
	for _, kv := range env {
		if strings.HasPrefix(kv, apiKeyEnvPrimary+"=") {
			primary = strings.TrimPrefix(kv, apiKeyEnvPrimary+"=")
		}
		if strings.HasPrefix(kv, apiKeyEnvAlias+"=") {
			alias = strings.TrimPrefix(kv, apiKeyEnvAlias+"=")
		}
	}

	if primary != "" && alias == "" {
		env = append(env, apiKeyEnvAlias+"="+primary)
	} else if alias != "" && primary == "" {
		env = append(env, apiKeyEnvPrimary+"="+alias)
	}

	return env
}

func containsRateLimitMarker(s string) bool {
	for _, marker := range rateLimitMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
