// Package store is the Store Gateway (spec component C1): typed operations
// over users/jobs/attempts/episodes, with no business logic of its own.
// Every operation must be safe to call concurrently from multiple attempt
// drivers; incrementJobProgress in particular must be a database-level
// read-modify-write, never a fetch-then-write race.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/cuemby/harborctl/pkg/types"
)

// ErrNotFound is returned by Get* operations when the row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is implemented by pkg/store/postgres (production) and
// pkg/store/boltkv (local/dev/test), so the rest of the worker never
// depends on a concrete database driver.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error)
	ListQueuedJobs(ctx context.Context) ([]*types.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status types.JobStatus, errorMessage string) error
	IncrementJobProgress(ctx context.Context, id uuid.UUID) error

	// Attempts
	CreateAttempt(ctx context.Context, attempt *types.Attempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*types.Attempt, error)
	UpdateAttempt(ctx context.Context, attempt *types.Attempt) error
	ListAttemptsByJob(ctx context.Context, jobID uuid.UUID) ([]*types.Attempt, error)

	// Episodes
	CreateEpisode(ctx context.Context, episode *types.Episode) error
	ListEpisodesByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*types.Episode, error)

	// Users
	GetUser(ctx context.Context, id uuid.UUID) (*types.User, error)

	Close() error
}
