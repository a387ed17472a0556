package job

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of a job run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is the structured outcome of one job run. Error and Hint let an
// operator distinguish "email never arrived" from "portal rejected the code".
type Result struct {
	JobID      string    `json:"job_id,omitempty"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Hint       string    `json:"hint,omitempty"`
	ReportFile string    `json:"report_file,omitempty"`
}

// State is the single "is a job running" guard shared between the trigger
// server's handlers. It keeps concurrent pollers away from the same mailbox
// and credentials: at most one job runs per process.
type State struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	last    Result
}

// NewState creates an idle State.
func NewState() *State {
	return &State{last: Result{Status: StatusIdle}}
}

// TryStart claims the running slot. It returns false if a job is already
// running; otherwise it records the job and its cancel function.
func (s *State) TryStart(jobID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.cancel = cancel
	s.last = Result{JobID: jobID, Status: StatusRunning, StartedAt: time.Now()}
	return true
}

// Finish releases the running slot and records the outcome.
func (s *State) Finish(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.StartedAt.IsZero() {
		res.StartedAt = s.last.StartedAt
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	s.running = false
	s.cancel = nil
	s.last = res
}

// Cancel aborts the running job, if any.
func (s *State) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Snapshot returns the last known result.
func (s *State) Snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
