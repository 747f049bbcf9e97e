package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/realtime-relay/internal/event"
)

// DefaultMaxLen 每条流的近似保留长度（XADD MAXLEN ~）
const DefaultMaxLen = 10000

var ErrNoEntryID = errors.New("stream: transport returned no entry id")

// Publisher 将信封以 fire-and-forget 方式写入 redis stream。
// 不负责持久化：传输不可用时 loud fail，由调用方决定走 outbox。
type Publisher struct {
	client *redis.Client
	maxLen int64
}

func NewPublisher(client *redis.Client, maxLen int64) *Publisher {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Publisher{client: client, maxLen: maxLen}
}

// Publish 写入一条信封并按 maxLen 近似修剪流（最旧先淘汰，非精确）。
// 返回流条目 ID。version 为空时补 DefaultVersion。
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) (string, error) {
	if env.Channel == "" {
		return "", event.ErrEmptyChannel
	}
	if env.Version == "" {
		env.Version = event.DefaultVersion
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("stream: marshal envelope: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: event.StreamKey(env.Channel),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: xadd %s: %w", event.StreamKey(env.Channel), err)
	}
	if id == "" {
		return "", ErrNoEntryID
	}
	return id, nil
}
