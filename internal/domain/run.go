package domain

import "time"

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "CREATED"
	RunStatusActive    RunStatus = "ACTIVE"
	RunStatusFinished  RunStatus = "FINISHED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusCancelled
}

// Run is one execution of the analysis pipeline against a repository revision.
type Run struct {
	ID                string            `json:"id"`
	RepositoryID      string            `json:"repositoryId"`
	Revision          string            `json:"revision"`
	JobConfigurations JobConfigurations `json:"jobConfigurations"`
	Status            RunStatus         `json:"status"`
	ActiveStage       Stage             `json:"activeStage,omitempty"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	TraceID           string            `json:"traceId"`
	CreatedAt         time.Time         `json:"createdAt"`
	FinishedAt        *time.Time        `json:"finishedAt,omitempty"`
}

// Clone returns a copy that does not share the timestamps with r.
func (r *Run) Clone() *Run {
	c := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
