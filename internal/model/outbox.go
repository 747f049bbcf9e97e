package model

import "time"

// Outbox 状态机：pending → sent，失败停留/转入 failed；
// attempts 达到上限的 failed 行永久退出重试（隐式死信）。
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// OutboxEvent 事件外发盒行；只追加，本子系统从不删除
type OutboxEvent struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	Channel   string    `gorm:"type:varchar(128);index:idx_outbox_channel;not null"`
	Type      string    `gorm:"type:varchar(128);not null"`
	Version   string    `gorm:"type:varchar(16)"`
	Payload   string    `gorm:"type:text;not null"`
	Status    string    `gorm:"type:varchar(16);index:idx_outbox_status;not null;default:pending"`
	Attempts  int       `gorm:"not null;default:0"`
	LastError *string   `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index:idx_outbox_created"`
	UpdatedAt time.Time
}

func (OutboxEvent) TableName() string { return "outbox_events" }
