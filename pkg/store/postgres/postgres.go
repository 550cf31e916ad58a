// Package postgres is the production Store Gateway implementation, backed
// by Postgres via pgx/v5. SQL style (parameterized queries, *sql.Tx-free
// pool usage) is grounded on the pack's Postgres
// repository pattern; incrementJobProgress uses an in-database
// read-modify-write ("SET runs_completed = runs_completed + 1") rather than
// a fetch-then-write, per the Store Gateway contract.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/harborctl/pkg/store"
	"github.com/cuemby/harborctl/pkg/types"
)

// Store implements store.Store on top of a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL, applies embedded migrations, and returns a
// ready-to-use Store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withRetry wraps each query with bounded exponential backoff (at most 4
// retries). Only pgx.ErrNoRows is returned on the first attempt; every other
// error, including non-transient ones such as constraint violations, is
// retried (see isTransient).
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func isTransient(err error) bool {
	// Connection-level failures surface without a pgx.ErrNoRows wrapper;
	// anything that isn't "no rows" is treated as potentially transient and
	// retried a bounded number of times.
	return err != nil && err != pgx.ErrNoRows
}

// Jobs

func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO jobs (id, task_name, status, runs_requested, runs_completed, zip_location, owner_id, error_message, agent_choice, model, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, job.ID, job.TaskName, job.Status, job.RunsRequested, job.RunsCompleted, job.ZipLocation,
			job.OwnerID, job.ErrorMessage, job.AgentChoice, job.Model, job.CreatedAt, job.UpdatedAt)
		return err
	})
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	var job types.Job
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, task_name, status, runs_requested, runs_completed, zip_location, owner_id, error_message, agent_choice, model, created_at, updated_at
			FROM jobs WHERE id = $1
		`, id)
		return row.Scan(&job.ID, &job.TaskName, &job.Status, &job.RunsRequested, &job.RunsCompleted,
			&job.ZipLocation, &job.OwnerID, &job.ErrorMessage, &job.AgentChoice, &job.Model, &job.CreatedAt, &job.UpdatedAt)
	})
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListQueuedJobs(ctx context.Context) ([]*types.Job, error) {
	var jobs []*types.Job
	err := withRetry(ctx, func() error {
		jobs = nil
		rows, err := s.pool.Query(ctx, `
			SELECT id, task_name, status, runs_requested, runs_completed, zip_location, owner_id, error_message, agent_choice, model, created_at, updated_at
			FROM jobs WHERE status = $1 ORDER BY created_at ASC
		`, types.JobQueued)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var job types.Job
			if err := rows.Scan(&job.ID, &job.TaskName, &job.Status, &job.RunsRequested, &job.RunsCompleted,
				&job.ZipLocation, &job.OwnerID, &job.ErrorMessage, &job.AgentChoice, &job.Model, &job.CreatedAt, &job.UpdatedAt); err != nil {
				return err
			}
			jobs = append(jobs, &job)
		}
		return rows.Err()
	})
	return jobs, err
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status types.JobStatus, errorMessage string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1
		`, id, status, errorMessage, time.Now().UTC())
		return err
	})
}

func (s *Store) IncrementJobProgress(ctx context.Context, id uuid.UUID) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET runs_completed = runs_completed + 1, updated_at = $2 WHERE id = $1
		`, id, time.Now().UTC())
		return err
	})
}

// Attempts

func (s *Store) CreateAttempt(ctx context.Context, attempt *types.Attempt) error {
	rewards, err := json.Marshal(attempt.RewardSummary)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(attempt.Metadata)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO attempts (id, job_id, index, status, tests_passed, tests_total, started_at, finished_at, reward_summary, log_path, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, attempt.ID, attempt.JobID, attempt.Index, attempt.Status, attempt.TestsPassed, attempt.TestsTotal,
			attempt.StartedAt, nullTime(attempt.FinishedAt), rewards, attempt.LogPath, metadata)
		return err
	})
}

func (s *Store) GetAttempt(ctx context.Context, id uuid.UUID) (*types.Attempt, error) {
	var attempt types.Attempt
	var rewards, metadata []byte
	var finishedAt *time.Time
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, job_id, index, status, tests_passed, tests_total, started_at, finished_at, reward_summary, log_path, metadata
			FROM attempts WHERE id = $1
		`, id)
		return row.Scan(&attempt.ID, &attempt.JobID, &attempt.Index, &attempt.Status, &attempt.TestsPassed,
			&attempt.TestsTotal, &attempt.StartedAt, &finishedAt, &rewards, &attempt.LogPath, &metadata)
	})
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if finishedAt != nil {
		attempt.FinishedAt = *finishedAt
	}
	if err := json.Unmarshal(rewards, &attempt.RewardSummary); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &attempt.Metadata); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *Store) UpdateAttempt(ctx context.Context, attempt *types.Attempt) error {
	rewards, err := json.Marshal(attempt.RewardSummary)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(attempt.Metadata)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE attempts SET status = $2, tests_passed = $3, tests_total = $4, finished_at = $5,
				reward_summary = $6, log_path = $7, metadata = $8
			WHERE id = $1
		`, attempt.ID, attempt.Status, attempt.TestsPassed, attempt.TestsTotal, nullTime(attempt.FinishedAt),
			rewards, attempt.LogPath, metadata)
		return err
	})
}

func (s *Store) ListAttemptsByJob(ctx context.Context, jobID uuid.UUID) ([]*types.Attempt, error) {
	var attempts []*types.Attempt
	err := withRetry(ctx, func() error {
		attempts = nil
		rows, err := s.pool.Query(ctx, `
			SELECT id, job_id, index, status, tests_passed, tests_total, started_at, finished_at, reward_summary, log_path, metadata
			FROM attempts WHERE job_id = $1 ORDER BY index ASC
		`, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a types.Attempt
			var rewards, metadata []byte
			var finishedAt *time.Time
			if err := rows.Scan(&a.ID, &a.JobID, &a.Index, &a.Status, &a.TestsPassed, &a.TestsTotal,
				&a.StartedAt, &finishedAt, &rewards, &a.LogPath, &metadata); err != nil {
				return err
			}
			if finishedAt != nil {
				a.FinishedAt = *finishedAt
			}
			_ = json.Unmarshal(rewards, &a.RewardSummary)
			_ = json.Unmarshal(metadata, &a.Metadata)
			attempts = append(attempts, &a)
		}
		return rows.Err()
	})
	return attempts, err
}

// Episodes

func (s *Store) CreateEpisode(ctx context.Context, episode *types.Episode) error {
	commands, err := json.Marshal(episode.Commands)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(episode.Metadata)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO episodes (id, attempt_id, index, state_analysis, explanation, commands, duration_ms, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, episode.ID, episode.AttemptID, episode.Index, episode.StateAnalysis, episode.Explanation,
			commands, episode.DurationMS, metadata)
		return err
	})
}

func (s *Store) ListEpisodesByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*types.Episode, error) {
	var episodes []*types.Episode
	err := withRetry(ctx, func() error {
		episodes = nil
		rows, err := s.pool.Query(ctx, `
			SELECT id, attempt_id, index, state_analysis, explanation, commands, duration_ms, metadata
			FROM episodes WHERE attempt_id = $1 ORDER BY index ASC
		`, attemptID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e types.Episode
			var commands, metadata []byte
			if err := rows.Scan(&e.ID, &e.AttemptID, &e.Index, &e.StateAnalysis, &e.Explanation,
				&commands, &e.DurationMS, &metadata); err != nil {
				return err
			}
			_ = json.Unmarshal(commands, &e.Commands)
			_ = json.Unmarshal(metadata, &e.Metadata)
			episodes = append(episodes, &e)
		}
		return rows.Err()
	})
	return episodes, err
}

// Users

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var user types.User
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `SELECT id FROM users WHERE id = $1`, id)
		return row.Scan(&user.ID)
	})
	if err == pgx.ErrNoRows {
		return &types.User{ID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
