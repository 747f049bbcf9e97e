package event

import (
	"encoding/json"
	"errors"
	"time"
)

// DefaultVersion 发布时 version 缺省值（入队时不补）
const DefaultVersion = "v1"

// streamPrefix isolates this subsystem's keyspace in the shared redis.
const streamPrefix = "realtime:"

var ErrEmptyChannel = errors.New("event: empty channel")

// Envelope 通知信封：channel + type + payload + 毫秒时间戳
type Envelope struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Version   string          `json:"version,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// New builds an envelope stamped with the current time. Version is left
// empty; it is defaulted at publish time, not here.
func New(channel, eventType string, data json.RawMessage) (Envelope, error) {
	if channel == "" {
		return Envelope{}, ErrEmptyChannel
	}
	return Envelope{
		Channel:   channel,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// StreamKey 通道名到流键的固定映射："realtime:" + channel
func StreamKey(channel string) string {
	return streamPrefix + channel
}
