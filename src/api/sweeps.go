package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trendlab/src/position"
	"trendlab/src/storage"
	"trendlab/src/strategy"
)

const (
	KindIndividual = "individual"
	KindPortfolio  = "portfolio"
)

// Store 只读查询
type Store interface {
	ListSweeps(ctx context.Context, limit int) ([]storage.Sweep, error)
	GetSweep(ctx context.Context, id string) (storage.Sweep, error)
	ListTrades(ctx context.Context, runID string) ([]position.Trade, error)
}

// SweepRequest 空字段沿用配置文件
type SweepRequest struct {
	Kind          string    `json:"kind" binding:"omitempty,oneof=individual portfolio"`
	StopMode      string    `json:"stop_mode"`
	StopLevels    []float64 `json:"stop_levels"`
	ProfitTargets []float64 `json:"profit_targets"`
}

// Launcher 后台启动扫描，立即返回扫描 ID
type Launcher interface {
	Launch(req SweepRequest) (string, error)
}

type SweepHandler struct {
	Repo     Store
	Launcher Launcher
	Logger   *zap.Logger
}

func (h *SweepHandler) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	v1.GET("/sweeps", h.listSweeps)
	v1.GET("/sweeps/:id", h.getSweep)
	v1.POST("/sweeps", h.startSweep)
	v1.GET("/runs/:id/trades", h.listTrades)
}

func (h *SweepHandler) listSweeps(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusServiceUnavailable, "storage disabled", nil)
		return
	}
	limit := 20
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			Error(c, http.StatusBadRequest, "limit must be 1..500", nil)
			return
		}
		limit = n
	}
	items, err := h.Repo.ListSweeps(c.Request.Context(), limit)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"limit": limit, "count": len(items)})
}

func (h *SweepHandler) getSweep(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusServiceUnavailable, "storage disabled", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	item, err := h.Repo.GetSweep(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		Error(c, http.StatusNotFound, "sweep not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *SweepHandler) listTrades(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusServiceUnavailable, "storage disabled", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	trades, err := h.Repo.ListTrades(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		Error(c, http.StatusNotFound, "run not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, trades, map[string]any{"count": len(trades)})
}

func (h *SweepHandler) startSweep(c *gin.Context) {
	if h.Launcher == nil {
		Error(c, http.StatusServiceUnavailable, "launcher unavailable", nil)
		return
	}
	var req SweepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			Error(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
	}
	if req.Kind == "" {
		req.Kind = KindIndividual
	}
	if req.StopMode != "" {
		mode, err := strategy.ParseStopMode(req.StopMode)
		if err != nil {
			Error(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		req.StopMode = string(mode)
	}
	for _, v := range req.StopLevels {
		if v <= 0 || v >= 100 {
			Error(c, http.StatusBadRequest, "stop_levels must be in (0, 100)", nil)
			return
		}
	}
	for _, v := range req.ProfitTargets {
		if v < 0 {
			Error(c, http.StatusBadRequest, "profit_targets must be >= 0", nil)
			return
		}
	}

	id, err := h.Launcher.Launch(req)
	if err != nil {
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("sweep launched", zap.String("sweep_id", id), zap.String("kind", req.Kind))
	}
	Accepted(c, gin.H{"id": id, "kind": req.Kind})
}
