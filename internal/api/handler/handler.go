package handler

import (
	"time"

	"github.com/d60-Lab/realtime-relay/internal/service"
	"github.com/d60-Lab/realtime-relay/internal/stream"
	"github.com/d60-Lab/realtime-relay/internal/token"
)

// Handler 聚合 realtime 相关依赖
type Handler struct {
	codec     *token.Codec
	publisher *stream.Publisher
	outbox    *service.OutboxService
	tokenTTL  time.Duration
	drainSize int
}

func New(codec *token.Codec, publisher *stream.Publisher, outbox *service.OutboxService, tokenTTL time.Duration, drainSize int) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = token.DefaultTTL
	}
	if drainSize <= 0 {
		drainSize = 100
	}
	return &Handler{codec: codec, publisher: publisher, outbox: outbox, tokenTTL: tokenTTL, drainSize: drainSize}
}
