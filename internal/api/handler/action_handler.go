package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
	"github.com/watchingthewheelsgo/xbot/pkg/response"
)

type enqueueRequest struct {
	Kind      string     `json:"kind" binding:"required,actionkind"`
	Target    string     `json:"target" binding:"required,max=255"`
	Dedupe    string     `json:"dedupe" binding:"max=500"`
	Payload   string     `json:"payload"`
	NotBefore *time.Time `json:"not_before"`
}

// Enqueue 手动入队一个动作
// @Summary 入队动作
// @Tags 动作
// @Accept json
// @Produce json
// @Param request body enqueueRequest true "动作信息"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/actions [post]
func (h *Handler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	var notBefore time.Time
	if req.NotBefore != nil {
		notBefore = *req.NotBefore
	}
	id, err := h.queue.Enqueue(c.Request.Context(), model.ActionKind(req.Kind), req.Target, req.Dedupe, req.Payload, notBefore)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, gin.H{"id": id})
}

// GetAction 查询单个动作
// @Summary 按幂等键查询动作
// @Tags 动作
// @Produce json
// @Param id path string true "动作ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/actions/{id} [get]
func (h *Handler) GetAction(c *gin.Context) {
	a, err := h.actions.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		response.NotFound(c, "action not found")
		return
	}
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, a)
}

// ListActions 按状态列出动作（运维检视 abandoned）
// @Summary 按状态列出动作
// @Tags 动作
// @Produce json
// @Param status query string false "状态过滤" default(abandoned)
// @Param limit query int false "返回条数" default(50)
// @Success 200 {object} response.Response
// @Router /api/v1/actions [get]
func (h *Handler) ListActions(c *gin.Context) {
	status := model.ActionStatus(c.DefaultQuery("status", string(model.StatusAbandoned)))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}
	items, err := h.actions.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, items)
}

// Stats 各状态行数统计
// @Summary 动作状态统计
// @Tags 动作
// @Produce json
// @Success 200 {object} response.Response
// @Router /api/v1/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.actions.CountByStatus(c.Request.Context())
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, counts)
}

// Health 进程健康：最近调度轮次是否正常
// @Summary 健康检查
// @Produce json
// @Success 200 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /healthz [get]
func (h *Handler) Health(c *gin.Context) {
	if h.sched != nil && !h.sched.Healthy() {
		response.ServiceUnavailable(c, "store unavailable")
		return
	}
	response.Success(c, gin.H{"status": "ok"})
}
