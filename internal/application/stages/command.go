// Package stages provides the stage routines a worker can execute.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/ports"
	"github.com/aescanero/scapipe/pkg/adapters/transport/kubernetes"
)

// Environment variables passed to the stage command.
const (
	EnvRunID                     = "RUN_ID"
	EnvJobID                     = "JOB_ID"
	EnvStage                     = "STAGE"
	EnvRepositoryID              = "REPOSITORY_ID"
	EnvRevision                  = "REVISION"
	EnvResolvedConfigurationFile = "RESOLVED_CONFIGURATION_FILE"
)

// maxOutput bounds the command output kept for the failure message.
const maxOutput = 4096

// CommandExecutor runs an external command for every job. The command line is
// split like the cluster job commands, so quoted arguments may contain spaces.
type CommandExecutor struct {
	args   []string
	logger *zap.Logger
}

// NewCommandExecutor creates an executor for command
func NewCommandExecutor(command string, logger *zap.Logger) (*CommandExecutor, error) {
	args := kubernetes.SplitCommands(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("stage command is empty")
	}
	return &CommandExecutor{args: args, logger: logger}, nil
}

// Execute runs the command and fails if it exits non-zero. The resolved
// configuration is handed over as a JSON file.
func (e *CommandExecutor) Execute(ctx context.Context, jc ports.JobContext) error {
	dir, err := os.MkdirTemp("", "scapipe-"+jc.Job.ID+"-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	configFile := filepath.Join(dir, "resolved-configuration.json")
	data, err := json.Marshal(jc.ResolvedConfiguration)
	if err != nil {
		return fmt.Errorf("failed to marshal resolved configuration: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write resolved configuration: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.args[0], e.args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		EnvRunID+"="+jc.Run.ID,
		EnvJobID+"="+jc.Job.ID,
		EnvStage+"="+string(jc.Job.Stage),
		EnvRepositoryID+"="+jc.Run.RepositoryID,
		EnvRevision+"="+jc.Run.Revision,
		EnvResolvedConfigurationFile+"="+configFile,
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	e.logger.Debug("running stage command",
		zap.String("job_id", jc.Job.ID),
		zap.Strings("args", e.args))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("stage command failed: %w: %s", err, tail(output.String()))
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		s = s[len(s)-maxOutput:]
	}
	return s
}
