// Package messages defines the payloads exchanged between the orchestrator and
// the workers and their encoding into transport messages.
package messages

import (
	"encoding/json"
	"fmt"

	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/ports"
)

// Type discriminates envelopes.
type Type string

const (
	TypeJobDispatch Type = "job.dispatch"
	TypeJobCancel   Type = "job.cancel"
	TypeJobFinished Type = "job.finished"
	TypeJobFailed   Type = "job.failed"
)

// Envelope is the JSON payload of every transport message.
type Envelope struct {
	Type    Type         `json:"type"`
	RunID   string       `json:"runId"`
	JobID   string       `json:"jobId"`
	Stage   domain.Stage `json:"stage"`
	Attempt int          `json:"attempt,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Dispatch asks the stage's workers to execute job.
func Dispatch(job *domain.Job) Envelope {
	return Envelope{Type: TypeJobDispatch, RunID: job.RunID, JobID: job.ID, Stage: job.Stage, Attempt: job.Attempt}
}

// Cancel asks the stage's workers to abandon job.
func Cancel(job *domain.Job) Envelope {
	return Envelope{Type: TypeJobCancel, RunID: job.RunID, JobID: job.ID, Stage: job.Stage}
}

// Finished reports a successful job to the orchestrator.
func Finished(job *domain.Job) Envelope {
	return Envelope{Type: TypeJobFinished, RunID: job.RunID, JobID: job.ID, Stage: job.Stage}
}

// Failed reports a failed job to the orchestrator.
func Failed(job *domain.Job, cause string) Envelope {
	return Envelope{Type: TypeJobFailed, RunID: job.RunID, JobID: job.ID, Stage: job.Stage, Error: cause}
}

// Encode wraps the envelope into a message for endpoint.
func Encode(endpoint, traceID string, env Envelope) (ports.Message, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return ports.Message{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return ports.Message{Endpoint: endpoint, Payload: payload, TraceID: traceID}, nil
}

// Decode extracts the envelope of msg.
func Decode(msg ports.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.JobID == "" {
		return Envelope{}, fmt.Errorf("envelope without job id")
	}
	switch env.Type {
	case TypeJobDispatch, TypeJobCancel, TypeJobFinished, TypeJobFailed:
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return env, nil
}
