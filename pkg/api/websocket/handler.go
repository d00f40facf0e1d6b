package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RunReader loads the state pushed to clients.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListJobs(ctx context.Context, runID string) ([]*domain.Job, error)
}

// Snapshot is the message sent on every change of a run.
type Snapshot struct {
	Run  *domain.Run   `json:"run"`
	Jobs []*domain.Job `json:"jobs"`
}

// Handler handles WebSocket connections
type Handler struct {
	runs     RunReader
	interval time.Duration
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler polling runs every interval
func NewHandler(runs RunReader, interval time.Duration, logger *zap.Logger) *Handler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Handler{
		runs:     runs,
		interval: interval,
		logger:   logger,
	}
}

// HandleRunStream streams snapshots of a run until it is terminal or the
// client goes away.
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	if _, err := h.runs.GetRun(c.Request.Context(), runID); err != nil {
		status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
		if errors.Is(err, domain.ErrNotFound) {
			status, code = http.StatusNotFound, "NOT_FOUND"
		}
		c.JSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("run_id", runID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reading is required to notice close frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last []byte
	for {
		snapshot, err := h.snapshot(ctx, runID)
		if err != nil {
			h.logger.Warn("failed to load run", zap.String("run_id", runID), zap.Error(err))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "run unavailable"))
			return
		}

		data, err := json.Marshal(snapshot)
		if err != nil {
			h.logger.Error("failed to marshal snapshot", zap.Error(err))
			return
		}

		if !bytes.Equal(data, last) {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("failed to write message", zap.Error(err))
				return
			}
			last = data
		}

		if snapshot.Run.Status.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snapshot.Run.Status)))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) snapshot(ctx context.Context, runID string) (*Snapshot, error) {
	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	jobs, err := h.runs.ListJobs(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Run: run, Jobs: jobs}, nil
}
