package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/harborctl/pkg/errs"
)

func TestContainsRateLimitMarkerMatchesAnyKnownSubstring(t *testing.T) {
	assert.True(t, containsRateLimitMarker("boom: RateLimitError: slow down"))
	assert.True(t, containsRateLimitMarker("HTTP 429 Too Many Requests"))
	assert.True(t, containsRateLimitMarker("Rate limit reached, retry later"))
	assert.False(t, containsRateLimitMarker("exit status 1: command not found"))
}

func TestBuildArgvOmitsModelFlagsWhenModelUnset(t *testing.T) {
	r := &Runner{}
	argv, err := r.buildArgv(Config{TaskRoot: "/work/task", AttemptOutput: "/work/out"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"run",
		"--path", "/work/task",
		"--agent", "terminus-2",
		"--env", "docker",
		"--jobs-dir", "/work/out",
		"--n-concurrent", "1",
	}, argv)
}

func TestBuildArgvIncludesModelAndDefaultReasoningEffort(t *testing.T) {
	r := &Runner{}
	argv, err := r.buildArgv(Config{TaskRoot: "/t", AttemptOutput: "/o", AgentChoice: "oracle", Model: "gpt-5"})
	require.NoError(t, err)
	assert.Contains(t, argv, "oracle")
	assert.Contains(t, argv, "gpt-5")
	assert.Contains(t, argv, "reasoning_effort=medium")
}

func TestBuildArgvHonorsExplicitReasoningEffort(t *testing.T) {
	r := &Runner{}
	argv, err := r.buildArgv(Config{TaskRoot: "/t", AttemptOutput: "/o", Model: "gpt-5", ReasoningEffort: "high"})
	require.NoError(t, err)
	assert.Contains(t, argv, "reasoning_effort=high")
}

func TestResolveExecutableFallsBackToVenvCandidate(t *testing.T) {
	r := &Runner{}
	workDir := t.TempDir()
	binDir := filepath.Join(workDir, ".venv", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	fake := filepath.Join(binDir, "harbor")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	path, err := r.resolveExecutable(workDir)
	require.NoError(t, err)
	assert.Equal(t, fake, path)
}

func TestResolveExecutableErrorsWhenNotFoundAnywhere(t *testing.T) {
	r := &Runner{}
	_, err := r.resolveExecutable(t.TempDir())
	assert.Error(t, err)
}

func TestBuildEnvForwardsAPIKeyUnderBothNames(t *testing.T) {
	t.Setenv(apiKeyEnvPrimary, "secret-value")
	os.Unsetenv(apiKeyEnvAlias)
	r := &Runner{}

	env := r.buildEnv()
	assert.Contains(t, env, apiKeyEnvPrimary+"=secret-value")
	assert.Contains(t, env, apiKeyEnvAlias+"=secret-value")
}

// writeFakeHarbor installs an executable shell script as .venv/bin/harbor
// inside workDir so Run can resolve and spawn it without the real agent
// binary. The script is handed the jobs-dir (--jobs-dir argv[N+1]) by the
// caller-provided body.
func writeFakeHarbor(t *testing.T, workDir, body string) {
	t.Helper()
	binDir := filepath.Join(workDir, ".venv", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "harbor"), []byte(script), 0o755))
}

func TestRunSucceedsAndCapturesStdout(t *testing.T) {
	workDir := t.TempDir()
	writeFakeHarbor(t, workDir, "echo hello-from-harbor\nexit 0")

	r := New(nil)
	cfg := Config{
		TaskRoot:      t.TempDir(),
		WorkDir:       workDir,
		AttemptOutput: t.TempDir(),
		Timeout:       5 * time.Second,
	}
	result, err := r.Run(context.Background(), cfg, func(context.Context) bool { return false }, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello-from-harbor")
	assert.False(t, result.RateLimit)

	stdoutLog, err := os.ReadFile(filepath.Join(cfg.AttemptOutput, "harbor-stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(stdoutLog), "hello-from-harbor")
}

func TestRunNonZeroExitWithoutRateLimitMarkerIsExecutionError(t *testing.T) {
	workDir := t.TempDir()
	writeFakeHarbor(t, workDir, "echo boom 1>&2\nexit 1")

	r := New(nil)
	cfg := Config{TaskRoot: t.TempDir(), WorkDir: workDir, AttemptOutput: t.TempDir(), Timeout: 5 * time.Second}
	result, err := r.Run(context.Background(), cfg, func(context.Context) bool { return false }, nil)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, errs.ClassExecution, errs.ClassOf(err))
}

func TestRunNonZeroExitWithRateLimitMarkerIsRateLimitError(t *testing.T) {
	workDir := t.TempDir()
	writeFakeHarbor(t, workDir, "echo 'RateLimitError: 429 Too Many Requests' 1>&2\nexit 1")

	r := New(nil)
	cfg := Config{TaskRoot: t.TempDir(), WorkDir: workDir, AttemptOutput: t.TempDir(), Timeout: 5 * time.Second}
	result, err := r.Run(context.Background(), cfg, func(context.Context) bool { return false }, nil)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.True(t, result.RateLimit)
	assert.Equal(t, errs.ClassRateLimit, errs.ClassOf(err))
}

func TestRunTimesOutAndKillsTheProcess(t *testing.T) {
	workDir := t.TempDir()
	writeFakeHarbor(t, workDir, "sleep 30\nexit 0")

	r := New(nil)
	cfg := Config{TaskRoot: t.TempDir(), WorkDir: workDir, AttemptOutput: t.TempDir(), Timeout: 50 * time.Millisecond}
	result, err := r.Run(context.Background(), cfg, func(context.Context) bool { return false }, nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, errs.ClassTimeout, errs.ClassOf(err))
}

func TestRunReturnsCancellationErrorWhenCheckerTrips(t *testing.T) {
	workDir := t.TempDir()
	writeFakeHarbor(t, workDir, "sleep 30\nexit 0")

	r := New(nil)
	cfg := Config{TaskRoot: t.TempDir(), WorkDir: workDir, AttemptOutput: t.TempDir(), Timeout: 5 * time.Second}

	var polls int
	isCancelled := func(context.Context) bool {
		polls++
		return polls > 1
	}

	start := time.Now()
	result, err := r.Run(context.Background(), cfg, isCancelled, nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, errs.ClassCancellation, errs.ClassOf(err))
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation must interrupt the run well before the configured timeout")
}

func TestRunInvokesOnStartWithTheSpawnedProcessGroup(t *testing.T) {
	workDir := t.TempDir()
	writeFakeHarbor(t, workDir, "exit 0")

	r := New(nil)
	cfg := Config{TaskRoot: t.TempDir(), WorkDir: workDir, AttemptOutput: t.TempDir(), Timeout: 5 * time.Second}

	var started *ProcessGroup
	_, err := r.Run(context.Background(), cfg, func(context.Context) bool { return false }, func(pg *ProcessGroup) {
		started = pg
	})
	require.NoError(t, err)
	assert.NotNil(t, started)
}
