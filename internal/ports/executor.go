package ports

import (
	"context"

	"github.com/aescanero/scapipe/internal/domain"
)

// JobContext is everything a stage routine gets to see about its job.
type JobContext struct {
	Run                   *domain.Run
	Job                   *domain.Job
	ResolvedConfiguration *domain.ResolvedConfiguration
}

// StageExecutor runs the analysis routine of one stage. A returned error fails the job.
type StageExecutor interface {
	Execute(ctx context.Context, jc JobContext) error
}

// StageExecutorFunc adapts a function to StageExecutor.
type StageExecutorFunc func(ctx context.Context, jc JobContext) error

// Execute calls f.
func (f StageExecutorFunc) Execute(ctx context.Context, jc JobContext) error {
	return f(ctx, jc)
}
