package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/realtime-relay/internal/model"
)

type OutboxRepository interface {
	Create(ctx context.Context, ev *model.OutboxEvent) error
	// ListDue 取待投递行：pending 或（failed 且 attempts < maxAttempts），
	// 全表按 created_at 升序（严格 FIFO，不分 channel）
	ListDue(ctx context.Context, limit, maxAttempts int) ([]*model.OutboxEvent, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	GetByID(ctx context.Context, id string) (*model.OutboxEvent, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) Create(ctx context.Context, ev *model.OutboxEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *outboxRepository) ListDue(ctx context.Context, limit, maxAttempts int) ([]*model.OutboxEvent, error) {
	var rows []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND attempts < ?)",
			model.OutboxStatusPending, model.OutboxStatusFailed, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkSent 单条原子 UPDATE：置 sent、attempts+1、清 last_error。
// 幂等：并发 drain 重复应用无害（代价是可能重复发布，at-least-once）。
func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusSent,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": nil,
		}).Error
}

// MarkFailed 置 failed、attempts+1、记 last_error。
// 成功与失败路径都累加 attempts，attempts 语义是"发布尝试次数"。
func (r *outboxRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errMsg,
		}).Error
}

func (r *outboxRepository) GetByID(ctx context.Context, id string) (*model.OutboxEvent, error) {
	var row model.OutboxEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}
