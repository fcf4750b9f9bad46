package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/meridianhq/meridian/internal/errors"
	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/planner"
	"github.com/meridianhq/meridian/internal/streaming"
)

// Handler exposes research runs over HTTP.
type Handler struct {
	service   *Service
	publisher *streaming.Publisher
	logger    *logger.Logger
}

// NewHandler creates the workflow handler. publisher may be nil.
func NewHandler(service *Service, publisher *streaming.Publisher, log *logger.Logger) *Handler {
	return &Handler{
		service:   service,
		publisher: publisher,
		logger:    log.WithComponent("workflow_handler"),
	}
}

// StreamHandler handles POST /v1/research/stream: it starts a run and
// streams its events to the client as SSE until the run terminates.
func (h *Handler) StreamHandler(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context())

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		apierrors.AbortWithBadRequest(c, "conversationId is required", nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		apierrors.AbortWithInternal(c, "Streaming not supported", nil)
		return
	}

	// The run outlives a disconnecting client; only the SSE loop is tied to
	// the request context.
	workflowID, pipe := h.service.Start(context.WithoutCancel(c.Request.Context()), req)
	log.Info("research run started",
		slog.String("workflow_id", workflowID),
		slog.String("conversation_id", req.ConversationID))

	for {
		select {
		case ev, open := <-pipe.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error("failed to marshal event", slog.String("error", err.Error()))
				continue
			}
			if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
				log.Debug("client write failed, detaching",
					slog.String("workflow_id", workflowID),
					slog.String("error", err.Error()))
				h.drainAndPublish(workflowID, pipe)
				return
			}
			flusher.Flush()
			h.publisher.Publish(workflowID, ev)

		case <-c.Request.Context().Done():
			// The run keeps going; remaining events are mirrored to NATS
			// so a reconnecting client can catch up elsewhere.
			log.Debug("client disconnected mid-run", slog.String("workflow_id", workflowID))
			go h.drainAndPublish(workflowID, pipe)
			return
		}
	}
}

// drainAndPublish consumes the rest of a run's events after the HTTP client
// is gone, keeping the NATS mirror complete.
func (h *Handler) drainAndPublish(workflowID string, pipe *streaming.Pipeline) {
	for ev := range pipe.Events() {
		h.publisher.Publish(workflowID, ev)
	}
}

// PlanHandler handles POST /v1/plan: it runs the planner alone and returns
// the decision, for debugging and for clients that drive execution manually.
func (h *Handler) PlanHandler(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		apierrors.AbortWithBadRequest(c, "conversationId is required", nil)
		return
	}

	plan := h.service.planner.Plan(c.Request.Context(), planner.Request{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		SessionID:      req.SessionID,
		Turns:          req.Turns,
		RollingSummary: req.RollingSummary,
	})
	c.JSON(http.StatusOK, plan)
}

// RunHandler handles GET /v1/research/runs/:id: it returns the persisted
// snapshot of a run, the recovery path for reconnecting clients.
func (h *Handler) RunHandler(c *gin.Context) {
	workflowID := c.Param("id")
	if h.service.runs == nil {
		apierrors.AbortWithNotFound(c, "Run persistence is not enabled", nil)
		return
	}
	snap, err := h.service.runs.Load(workflowID)
	if err != nil {
		apierrors.AbortWithNotFound(c, "Run not found", map[string]any{"workflow_id": workflowID})
		return
	}
	c.JSON(http.StatusOK, snap)
}
