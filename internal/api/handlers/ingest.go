package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/ingest"
)

type RegisterRequest struct {
	Key string `json:"key" binding:"required"`
}

type SessionRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	Destination string `json:"destination"`
}

type BulkRequest struct {
	Decision string `json:"decision" binding:"required"`
}

type IngestHandler struct {
	poller *ingest.Poller
	log    zerolog.Logger
}

func NewIngestHandler(poller *ingest.Poller, log zerolog.Logger) *IngestHandler {
	return &IngestHandler{poller: poller, log: log}
}

func (h *IngestHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	if err := h.poller.Register(c.Request.Context(), req.Key); err != nil {
		status := http.StatusBadRequest
		if ingest.IsNetworkError(err) {
			status = http.StatusBadGateway
		}
		c.JSON(status, ErrorResponse{Error: "registration_failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.poller.Status())
}

func (h *IngestHandler) SelectSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	if req.Destination != "" {
		h.poller.SetDestination(req.Destination)
	}
	// The restart of a running poller outlives this request.
	if err := h.poller.SelectSession(context.WithoutCancel(c.Request.Context()), req.SessionID); err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.poller.Status())
}

func (h *IngestHandler) Start(c *gin.Context) {
	if err := h.poller.Start(context.WithoutCancel(c.Request.Context())); err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.poller.Status())
}

func (h *IngestHandler) Stop(c *gin.Context) {
	h.poller.Stop()
	c.JSON(http.StatusOK, h.poller.Status())
}

// Poll starts one cycle in the background. A cycle can park at the bulk gate
// for as long as the operator takes to answer, so the request does not wait.
func (h *IngestHandler) Poll(c *gin.Context) {
	if err := h.poller.Ready(); err != nil {
		writeIngestError(c, err)
		return
	}
	h.poller.TriggerPoll()
	h.log.Debug().Msg("manual poll triggered")
	c.JSON(http.StatusAccepted, gin.H{"message": "poll started"})
}

func (h *IngestHandler) ResolveBulk(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	if err := h.poller.ResolveBulkWarning(ingest.BulkDecision(req.Decision)); err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "decision accepted", "decision": req.Decision})
}

func (h *IngestHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.poller.Status())
}

func writeIngestError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ingest.ErrNotRegistered):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "not_registered", Message: err.Error()})
	case errors.Is(err, ingest.ErrNoSession):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "no_session", Message: err.Error()})
	case errors.Is(err, ingest.ErrNoDestination):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "no_destination", Message: err.Error()})
	case errors.Is(err, ingest.ErrNoBulkPending):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "no_bulk_pending", Message: err.Error()})
	case errors.Is(err, ingest.ErrInvalidDecision):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_decision", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "ingest_error", Message: err.Error()})
	}
}

func (h *IngestHandler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/ingest")
	g.POST("/register", h.Register)
	g.PUT("/session", h.SelectSession)
	g.POST("/start", h.Start)
	g.POST("/stop", h.Stop)
	g.POST("/poll", h.Poll)
	g.POST("/bulk", h.ResolveBulk)
	g.GET("/status", h.GetStatus)
}
