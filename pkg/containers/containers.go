// Package containers wraps the `docker` CLI behind a small, testable
// interface for the one thing the execution worker needs from the
// container runtime beyond what the agent binary manages itself: cleaning
// up containers left behind by a cancelled or crashed attempt. Real use
// shells out to `docker`; tests inject a fake that never forks a process,
// grounded on the teacher's pkg/health.ExecChecker exec-and-capture style.
package containers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/harborctl/pkg/log"
)

// Runner executes a command and captures combined stdout. Satisfied by
// *exec.Cmd-based execRunner in production, by a fake in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// Containers manages cleanup of containers belonging to this worker's jobs.
// Docker is missing is non-fatal: callers treat a Runner error as "nothing
// to clean up, try again next time".
type Containers struct {
	run    Runner
	logger zerolog.Logger
}

// New builds a Containers that shells out to the real `docker` binary.
func New() *Containers {
	return &Containers{run: execRunner{}, logger: log.WithComponent("containers")}
}

// NewWithRunner builds a Containers over a custom Runner, for tests.
func NewWithRunner(r Runner) *Containers {
	return &Containers{run: r, logger: log.WithComponent("containers")}
}

// Build prebuilds a container image from the task's Dockerfile. Best-effort:
// callers log a warning on error and continue, letting the agent build the
// image itself on first use (spec §4.8 step 7).
func (c *Containers) Build(ctx context.Context, dockerfile, image, buildContext string) error {
	out, err := c.run.Run(ctx, "docker", "build", "-f", dockerfile, "-t", image, buildContext)
	if err != nil {
		return fmt.Errorf("docker build failed: %w (output: %s)", err, truncate(out, 2000))
	}
	return nil
}

// ListByPrefix lists running container IDs whose name starts with prefix
// (e.g. "<taskName>__"), via `docker ps --format '{{.ID}} {{.Names}}'`.
func (c *Containers) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	out, err := c.run.Run(ctx, "docker", "ps", "--format", "{{.ID}} {{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps failed: %w", err)
	}

	var ids []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		id, name := fields[0], fields[1]
		if strings.HasPrefix(name, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ForceRemove removes a container, falling back to kill+rm if `docker rm -f`
// itself fails (e.g. a container wedged in a non-killable state).
func (c *Containers) ForceRemove(ctx context.Context, id string) error {
	if _, err := c.run.Run(ctx, "docker", "rm", "-f", id); err == nil {
		return nil
	}
	if _, err := c.run.Run(ctx, "docker", "kill", id); err != nil {
		c.logger.Warn().Str("container_id", id).Err(err).Msg("docker kill failed during cleanup")
	}
	_, err := c.run.Run(ctx, "docker", "rm", id)
	return err
}

// CleanupTask removes every running container whose name starts with
// "<taskName>__". Non-fatal: a missing docker runtime only produces a log
// line, never an error the caller must handle.
func (c *Containers) CleanupTask(ctx context.Context, taskName string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prefix := taskName + "__"
	ids, err := c.ListByPrefix(ctx, prefix)
	if err != nil {
		c.logger.Warn().Err(err).Str("task_name", taskName).Msg("container cleanup: docker ps failed, skipping")
		return
	}
	for _, id := range ids {
		if err := c.ForceRemove(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("container_id", id).Msg("container cleanup: failed to remove")
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
