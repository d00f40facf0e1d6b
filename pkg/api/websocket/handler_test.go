package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
)

type fakeRuns struct {
	mu  sync.Mutex
	run *domain.Run
}

func (f *fakeRuns) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.run == nil || f.run.ID != runID {
		return nil, domain.ErrNotFound
	}
	return f.run.Clone(), nil
}

func (f *fakeRuns) ListJobs(ctx context.Context, runID string) ([]*domain.Job, error) {
	return []*domain.Job{{ID: "job-1", RunID: runID, Stage: domain.StageAnalyze}}, nil
}

func (f *fakeRuns) setStatus(status domain.RunStatus) {
	f.mu.Lock()
	f.run.Status = status
	f.mu.Unlock()
}

func newServer(runs RunReader) *httptest.Server {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/v1/runs/:id/ws", NewHandler(runs, 10*time.Millisecond, zap.NewNop()).HandleRunStream)
	return httptest.NewServer(router)
}

func TestHandleRunStream(t *testing.T) {
	runs := &fakeRuns{run: &domain.Run{ID: "run-1", Status: domain.RunStatusActive, ActiveStage: domain.StageAnalyze}}
	srv := newServer(runs)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/run-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, domain.RunStatusActive, first.Run.Status)
	assert.Len(t, first.Jobs, 1)

	runs.setStatus(domain.RunStatusFinished)

	var last Snapshot
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, domain.RunStatusFinished, last.Run.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
}

func TestHandleRunStream_UnknownRun(t *testing.T) {
	srv := newServer(&fakeRuns{})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
