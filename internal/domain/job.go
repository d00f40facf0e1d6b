package domain

import "time"

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "CREATED"
	JobStatusScheduled JobStatus = "SCHEDULED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusFinished  JobStatus = "FINISHED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// NonTerminalJobStatuses lists the statuses a job can still leave.
var NonTerminalJobStatuses = []JobStatus{JobStatusCreated, JobStatusScheduled, JobStatusRunning}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusCreated:   {JobStatusScheduled, JobStatusFailed},
	JobStatusScheduled: {JobStatusRunning, JobStatusFinished, JobStatusFailed},
	// RUNNING -> SCHEDULED is the manual retry edge.
	JobStatusRunning: {JobStatusFinished, JobStatusFailed, JobStatusScheduled},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one unit of work dispatched for a single stage of a single run.
type Job struct {
	ID           string     `json:"id"`
	RunID        string     `json:"runId"`
	Stage        Stage      `json:"stage"`
	Status       JobStatus  `json:"status"`
	Attempt      int        `json:"attempt"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
