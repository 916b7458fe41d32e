package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/boothspool/internal/core"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type PrinterListResponse struct {
	Printers      []core.PrinterRecord `json:"printers"`
	Pool          []string             `json:"pool"`
	LastDiscovery *time.Time           `json:"last_discovery,omitempty"`
}

type PoolRequest struct {
	Printers []string `json:"printers"`
}

type PoolResponse struct {
	Pool     []string `json:"pool"`
	Rejected []string `json:"rejected,omitempty"`
}

type PrinterHandler struct {
	registry *core.Registry
}

func NewPrinterHandler(registry *core.Registry) *PrinterHandler {
	return &PrinterHandler{registry: registry}
}

// ListPrinters serves the cached list, or probes first when refresh=true.
func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))

	printers, err := h.registry.Discover(c.Request.Context(), refresh)
	if err != nil {
		var de *core.DiscoveryError
		if errors.As(err, &de) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:   "discovery_failed",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "discovery_error",
			Message: err.Error(),
		})
		return
	}
	if printers == nil {
		printers = []core.PrinterRecord{}
	}

	resp := PrinterListResponse{Printers: printers, Pool: h.pool()}
	if t := h.registry.LastDiscovery(); !t.IsZero() {
		resp.LastDiscovery = &t
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	p, ok := h.registry.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Printer not found",
		})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PrinterHandler) ClearCache(c *gin.Context) {
	if err := h.registry.ClearCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "cache_error",
			Message: "Failed to clear printer cache",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "printer cache cleared"})
}

func (h *PrinterHandler) GetPool(c *gin.Context) {
	c.JSON(http.StatusOK, PoolResponse{Pool: h.pool()})
}

// SetPool replaces the pool. Unknown, duplicate and overflow names are
// reported back as rejected.
func (h *PrinterHandler) SetPool(c *gin.Context) {
	var req PoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	accepted := h.registry.SetPool(req.Printers)
	resp := PoolResponse{Pool: accepted}
	if resp.Pool == nil {
		resp.Pool = []string{}
	}

	kept := make(map[string]int, len(accepted))
	for _, name := range accepted {
		kept[name]++
	}
	for _, name := range req.Printers {
		if kept[name] > 0 {
			kept[name]--
			continue
		}
		resp.Rejected = append(resp.Rejected, name)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) pool() []string {
	pool := h.registry.Pool()
	if pool == nil {
		return []string{}
	}
	return pool
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.DELETE("/printers/cache", h.ClearCache)
	r.GET("/printers/:name", h.GetPrinter)
	r.GET("/pool", h.GetPool)
	r.PUT("/pool", h.SetPool)
}
