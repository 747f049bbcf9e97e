package handler

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/realtime-relay/internal/event"
	"github.com/d60-Lab/realtime-relay/pkg/response"
)

type issueTokenRequest struct {
	UserID     string   `json:"user_id" binding:"required"`
	Channels   []string `json:"channels" binding:"required,min=1"`
	TTLSeconds int64    `json:"ttl_seconds"`
}

// IssueToken 为一组 channel 签发能力 token
// @Summary 签发订阅 token
// @Tags realtime
// @Accept json
// @Produce json
// @Param request body issueTokenRequest true "签发请求"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/realtime/token [post]
func (h *Handler) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ttl := h.tokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	tok, err := h.codec.IssueToken(req.UserID, req.Channels, ttl)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"token": tok, "expires_in": int64(ttl.Seconds())})
}

type publishRequest struct {
	Channel   string          `json:"channel" binding:"required"`
	Type      string          `json:"type" binding:"required"`
	Version   string          `json:"version"`
	Data      json.RawMessage `json:"data" binding:"required"`
	Timestamp int64           `json:"timestamp"`
}

func (r publishRequest) envelope() event.Envelope {
	env := event.Envelope{
		Channel:   r.Channel,
		Type:      r.Type,
		Version:   r.Version,
		Data:      r.Data,
		Timestamp: r.Timestamp,
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	return env
}

// PublishEvent 低延迟直发；传输不可用时向上抛错，由调用方决定退回 outbox
// @Summary 直发事件
// @Tags realtime
// @Accept json
// @Produce json
// @Param request body publishRequest true "事件"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /api/v1/realtime/events [post]
func (h *Handler) PublishEvent(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	entryID, err := h.publisher.Publish(c.Request.Context(), req.envelope())
	if err != nil {
		response.BadGateway(c, err)
		return
	}
	response.Success(c, gin.H{"entry_id": entryID})
}

// EnqueueEvent 持久入队，最终投递由 drain 保证
// @Summary 入队事件
// @Tags realtime
// @Accept json
// @Produce json
// @Param request body publishRequest true "事件"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/realtime/events/enqueue [post]
func (h *Handler) EnqueueEvent(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	id, err := h.outbox.Enqueue(c.Request.Context(), req.envelope())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"id": id})
}

type drainRequest struct {
	Limit int `json:"limit"`
}

// Drain 手动触发一轮外发（运维入口；平时由调度器周期触发）
// @Summary 手动 drain
// @Tags realtime
// @Accept json
// @Produce json
// @Param request body drainRequest false "批量上限"
// @Success 200 {object} response.Response
// @Router /api/v1/realtime/outbox/drain [post]
func (h *Handler) Drain(c *gin.Context) {
	var req drainRequest
	_ = c.ShouldBindJSON(&req)
	limit := req.Limit
	if limit <= 0 {
		limit = h.drainSize
	}
	res, err := h.outbox.DrainBatch(c.Request.Context(), limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, res)
}

// VerifyToken 校验 token 并返回其声明；任何失败统一 401，不区分过期与伪造
// @Summary 校验订阅 token
// @Tags realtime
// @Produce json
// @Success 200 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/realtime/token/verify [get]
func (h *Handler) VerifyToken(c *gin.Context) {
	claims := h.codec.Verify(c.Query("token"))
	if claims == nil {
		response.Unauthorized(c, "invalid token")
		return
	}
	response.Success(c, gin.H{"user_id": claims.UserID, "channels": claims.Channels})
}
