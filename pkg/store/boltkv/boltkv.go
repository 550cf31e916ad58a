// Package boltkv is a bbolt-backed implementation of store.Store, used for
// local development when DATABASE_URL is empty or a bolt:// path. Each table
// from the relational schema becomes one bucket, values are JSON-encoded,
// and incrementJobProgress is a read-modify-write inside a single
// db.Update transaction — bbolt's single-writer-per-transaction model makes
// that atomic without a separate compare-and-swap loop.
//
// Grounded on the teacher's bucket-per-table boltdb.go layout.
package boltkv

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/harborctl/pkg/store"
	"github.com/cuemby/harborctl/pkg/types"
)

var (
	bucketUsers    = []byte("users")
	bucketJobs     = []byte("jobs")
	bucketAttempts = []byte("attempts")
	bucketEpisodes = []byte("episodes")
)

// Store implements store.Store on top of a bbolt database file.
type Store struct {
	db *bolt.DB
}

// New opens (creating if necessary) a bbolt database under dataDir.
func New(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "harborctl.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketJobs, bucketAttempts, bucketEpisodes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Jobs

func (s *Store) CreateJob(_ context.Context, job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID.String()), data)
	})
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id.String()))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListQueuedJobs(_ context.Context) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobQueued {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id uuid.UUID, status types.JobStatus, errorMessage string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id.String()))
		if data == nil {
			return store.ErrNotFound
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.Status = status
		job.ErrorMessage = errorMessage
		out, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id.String()), out)
	})
}

func (s *Store) IncrementJobProgress(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id.String()))
		if data == nil {
			return store.ErrNotFound
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.RunsCompleted++
		out, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id.String()), out)
	})
}

// Attempts

func (s *Store) CreateAttempt(_ context.Context, attempt *types.Attempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(attempt)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAttempts).Put([]byte(attempt.ID.String()), data)
	})
}

func (s *Store) GetAttempt(_ context.Context, id uuid.UUID) (*types.Attempt, error) {
	var attempt types.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttempts).Get([]byte(id.String()))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &attempt)
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *Store) UpdateAttempt(ctx context.Context, attempt *types.Attempt) error {
	return s.CreateAttempt(ctx, attempt)
}

func (s *Store) ListAttemptsByJob(_ context.Context, jobID uuid.UUID) ([]*types.Attempt, error) {
	var attempts []*types.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttempts).ForEach(func(_, v []byte) error {
			var attempt types.Attempt
			if err := json.Unmarshal(v, &attempt); err != nil {
				return err
			}
			if attempt.JobID == jobID {
				attempts = append(attempts, &attempt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Index < attempts[j].Index })
	return attempts, nil
}

// Episodes

func (s *Store) CreateEpisode(_ context.Context, episode *types.Episode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(episode)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEpisodes).Put([]byte(episode.ID.String()), data)
	})
}

func (s *Store) ListEpisodesByAttempt(_ context.Context, attemptID uuid.UUID) ([]*types.Episode, error) {
	var episodes []*types.Episode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEpisodes).ForEach(func(_, v []byte) error {
			var episode types.Episode
			if err := json.Unmarshal(v, &episode); err != nil {
				return err
			}
			if episode.AttemptID == attemptID {
				episodes = append(episodes, &episode)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].Index < episodes[j].Index })
	return episodes, nil
}

// Users

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id.String()))
		if data == nil {
			// Users are opaque keys created implicitly by job ownership.
			user = types.User{ID: id}
			return nil
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}
