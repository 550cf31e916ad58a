// Package types holds the core domain model shared by every component of the
// execution worker: users, jobs, attempts and episodes, plus the in-memory
// RunningJob view owned by the process registry.
package types

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// AttemptStatus is the lifecycle state of an Attempt.
type AttemptStatus string

const (
	AttemptQueued  AttemptStatus = "queued"
	AttemptRunning AttemptStatus = "running"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// User is an opaque ownership and fairness key.
type User struct {
	ID uuid.UUID
}

// Job is a user-submitted benchmark run over an uploaded task archive.
type Job struct {
	ID            uuid.UUID
	TaskName      string
	Status        JobStatus
	RunsRequested int
	RunsCompleted int
	ZipLocation   string
	OwnerID       uuid.UUID
	ErrorMessage  string
	AgentChoice   string // "terminus-2" | "oracle"
	Model         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Attempt is one independent trial of the agent against the task.
type Attempt struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	Index         int
	Status        AttemptStatus
	TestsPassed   int
	TestsTotal    int
	StartedAt     time.Time
	FinishedAt    time.Time
	RewardSummary map[string]int // testName -> 0|1
	LogPath       string
	Metadata      map[string]any
}

// Episode is one observable step within an attempt's trajectory.
type Episode struct {
	ID            uuid.UUID
	AttemptID     uuid.UUID
	Index         int
	StateAnalysis string
	Explanation   string
	Commands      []Command
	DurationMS    *int64
	Metadata      map[string]any
}

// Command is one shell command executed (or attempted) by the agent during
// an episode, along with its observed output.
type Command struct {
	Command  string
	Output   string
	ExitCode *int
}

// RunningJob is the in-memory, process-registry view of a job this worker is
// actively supervising. Its presence means the worker owns the job; its
// absence means the worker is not responsible for it.
type RunningJob struct {
	JobID      uuid.UUID
	TaskName   string
	Processes  map[string]ProcessHandle
	AttemptIDs map[uuid.UUID]struct{}
	Cancelled  bool
}

// ProcessHandle is anything the process registry can signal and wait on.
// Satisfied by *agent.ProcessGroup; kept as an interface here so pkg/types
// has no dependency on pkg/agent.
type ProcessHandle interface {
	Signal(terminate bool) error
	Done() <-chan struct{}
}
