package handlers

import (
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/orrn/boothspool/internal/core"
)

type CreateJobRequest struct {
	Filepath    string `json:"filepath" binding:"required"`
	Filename    string `json:"filename"`
	Printer     string `json:"printer"`
	Copies      int    `json:"copies" binding:"min=0,max=99"`
	Color       *bool  `json:"color"`
	PaperSize   string `json:"paper_size"`
	Orientation string `json:"orientation" binding:"omitempty,oneof=portrait landscape reverse-portrait reverse-landscape"`
	Silent      bool   `json:"silent"`
}

type ListJobsQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=pending printing completed failed cancelled"`
}

// JobDefaults fill request fields the caller leaves empty.
type JobDefaults struct {
	Copies    int
	PaperSize string
	Color     bool
}

type JobHandler struct {
	queue    *core.Queue
	defaults JobDefaults
}

func NewJobHandler(queue *core.Queue, defaults JobDefaults) *JobHandler {
	return &JobHandler{queue: queue, defaults: defaults}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	info, err := os.Stat(req.Filepath)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "file_not_found",
			Message: "Filepath does not name a readable file",
		})
		return
	}

	opts := core.JobOptions{
		Printer:     req.Printer,
		Copies:      req.Copies,
		Color:       h.defaults.Color,
		PaperSize:   req.PaperSize,
		Orientation: req.Orientation,
		Silent:      req.Silent,
	}
	if opts.Copies == 0 {
		opts.Copies = h.defaults.Copies
	}
	if opts.PaperSize == "" {
		opts.PaperSize = h.defaults.PaperSize
	}
	if req.Color != nil {
		opts.Color = *req.Color
	}

	job, err := h.queue.Submit(req.Filename, req.Filepath, opts)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNoPrinterAvailable):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:   "no_printer",
				Message: "No healthy printer is available",
			})
		case errors.Is(err, core.ErrEmptyFilepath):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "submit_failed",
				Message: err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	jobs := h.queue.ListJobs()
	out := make([]core.Job, 0, len(jobs))
	for _, j := range jobs {
		if query.Status != "" && string(j.Status) != query.Status {
			continue
		}
		out = append(out, j)
	}
	c.JSON(http.StatusOK, out)
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.queue.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Job not found",
		})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	err := h.queue.CancelJob(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "job cancelled"})
	case errors.Is(err, core.ErrJobNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Job not found"})
	case errors.Is(err, core.ErrJobNotCancellable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "not_cancellable", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "cancel_failed", Message: err.Error()})
	}
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Snapshot())
}

func (h *JobHandler) ClearFinished(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": h.queue.ClearFinished()})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.GET("/queue", h.GetQueue)
	r.DELETE("/queue/finished", h.ClearFinished)
}
