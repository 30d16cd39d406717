package model

import (
	"time"
)

// JobStatus is the lifecycle state of an analysis job
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Terminal reports whether no further transitions are allowed
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError
}

// CanTransitionTo reports whether moving from s to next is a forward step.
// queued may go straight to error when the job fails before it starts running.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobError
	case JobRunning:
		return next == JobDone || next == JobError
	default:
		return false
	}
}

// Job represents one submitted analysis request
type Job struct {
	ID            string    `json:"id"`
	Status        JobStatus `json:"status"`
	SubjectRef    string    `json:"subject_ref"`
	Content       string    `json:"-"`
	Language      string    `json:"language"`
	Owner         string    `json:"-"`
	Result        *Report   `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreditDebited bool      `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with j
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Result = j.Result.Clone()
	return &c
}
