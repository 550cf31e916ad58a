// Package storetest provides an in-memory store.Store fake for unit tests
// that exercise the job/attempt drivers and scheduler without a real
// database.
package storetest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/harborctl/pkg/store"
	"github.com/cuemby/harborctl/pkg/types"
)

// Store is a mutex-guarded in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*types.Job
	attempts map[uuid.UUID]*types.Attempt
	episodes map[uuid.UUID]*types.Episode
}

// New returns an empty fake store.
func New() *Store {
	return &Store{
		jobs:     make(map[uuid.UUID]*types.Job),
		attempts: make(map[uuid.UUID]*types.Attempt),
		episodes: make(map[uuid.UUID]*types.Episode),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateJob(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ListQueuedJobs(_ context.Context) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Job
	for _, j := range s.jobs {
		if j.Status == types.JobQueued {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id uuid.UUID, status types.JobStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = status
	j.ErrorMessage = errorMessage
	return nil
}

func (s *Store) IncrementJobProgress(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.RunsCompleted++
	return nil
}

func (s *Store) CreateAttempt(_ context.Context, attempt *types.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.attempts[attempt.ID] = &cp
	return nil
}

func (s *Store) GetAttempt(_ context.Context, id uuid.UUID) (*types.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) UpdateAttempt(_ context.Context, attempt *types.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[attempt.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *attempt
	s.attempts[attempt.ID] = &cp
	return nil
}

func (s *Store) ListAttemptsByJob(_ context.Context, jobID uuid.UUID) ([]*types.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Attempt
	for _, a := range s.attempts {
		if a.JobID == jobID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}

func (s *Store) CreateEpisode(_ context.Context, episode *types.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *episode
	s.episodes[episode.ID] = &cp
	return nil
}

func (s *Store) ListEpisodesByAttempt(_ context.Context, attemptID uuid.UUID) ([]*types.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Episode
	for _, e := range s.episodes {
		if e.AttemptID == attemptID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*types.User, error) {
	return &types.User{ID: id}, nil
}

var _ store.Store = (*Store)(nil)
