package cmd

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestRootRegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["orchestrator"])
	assert.True(t, names["worker"])

	assert.NotNil(t, orchestratorCmd.Flags().Lookup("with-workers"))
	assert.NotNil(t, workerCmd.Flags().Lookup("stage"))
}

func TestWorkerRequiresStage(t *testing.T) {
	rootCmd.SetArgs([]string{"worker"})
	defer rootCmd.SetArgs(nil)

	err := ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage")
}

func TestConsumerName(t *testing.T) {
	name := consumerName("scanner")
	assert.True(t, strings.HasPrefix(name, "scanner-"))

	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Contains(t, name, host)
}

func TestInitLogger(t *testing.T) {
	logger, err := initLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger, err = initLogger("loud")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
