package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/d60-Lab/realtime-relay/internal/event"
	"github.com/d60-Lab/realtime-relay/internal/model"
	"github.com/d60-Lab/realtime-relay/internal/repository"
	"github.com/d60-Lab/realtime-relay/internal/stream"
	"github.com/d60-Lab/realtime-relay/pkg/logger"
)

// DefaultMaxAttempts 发布尝试上限；failed 且 attempts >= 上限的行永久退出 drain
const DefaultMaxAttempts = 5

// ErrMalformedPayload 存储的 payload 结构不完整——与传输错误是两类故障：
// 重试修不好坏数据，这类行不走 attempts 重试，留在原状态等人工处理。
var ErrMalformedPayload = errors.New("outbox: malformed stored payload")

// DrainResult 单轮 drain 的聚合计数
type DrainResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// OutboxService 提供持久入队与批量外发。
// 投递语义是 at-least-once：并发 drain 可能重复选中同一行并重复发布，
// 状态迁移本身幂等，不做跨进程锁。
type OutboxService struct {
	repo        repository.OutboxRepository
	publisher   *stream.Publisher
	workers     int
	maxAttempts int
	metricsCh   chan time.Duration // enqueue -> sent 延迟采样
}

func NewOutboxService(repo repository.OutboxRepository, publisher *stream.Publisher, workers, maxAttempts int) *OutboxService {
	if workers <= 0 {
		workers = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &OutboxService{
		repo:        repo,
		publisher:   publisher,
		workers:     workers,
		maxAttempts: maxAttempts,
		metricsCh:   make(chan time.Duration, 65536),
	}
}

// Metrics 返回投递落地耗时的只读通道（每成功一条发送一次 duration）。
func (s *OutboxService) Metrics() <-chan time.Duration { return s.metricsCh }

// Enqueue 持久入队；只依赖数据库，传输不可用也必须成功。
// 返回新行 ID。
func (s *OutboxService) Enqueue(ctx context.Context, env event.Envelope) (string, error) {
	if env.Channel == "" {
		return "", event.ErrEmptyChannel
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal envelope: %w", err)
	}
	now := time.Now()
	row := &model.OutboxEvent{
		ID:        uuid.New().String(),
		Channel:   env.Channel,
		Type:      env.Type,
		Version:   env.Version,
		Payload:   string(payload),
		Status:    model.OutboxStatusPending,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, row); err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	return row.ID, nil
}

// DrainBatch 拉取到期行并外发。行逐条推进，每行状态迁移是一次原子
// UPDATE，中途取消只会留下未处理的行，不会产生半行。
func (s *OutboxService) DrainBatch(ctx context.Context, limit int) (DrainResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.repo.ListDue(ctx, limit, s.maxAttempts)
	if err != nil {
		return DrainResult{}, fmt.Errorf("outbox: list due: %w", err)
	}
	if len(rows) == 0 {
		return DrainResult{}, nil
	}

	var (
		mu     sync.Mutex
		result = DrainResult{Processed: len(rows)}
	)

	jobs := make(chan *model.OutboxEvent)
	var wg sync.WaitGroup
	workers := s.workers
	if workers > len(rows) {
		workers = len(rows)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				if s.drainRow(ctx, row) {
					mu.Lock()
					result.Sent++
					mu.Unlock()
				} else {
					mu.Lock()
					result.Failed++
					mu.Unlock()
				}
			}
		}()
	}
	for _, row := range rows {
		jobs <- row
	}
	close(jobs)
	wg.Wait()

	return result, nil
}

// drainRow 处理单行，返回是否成功投递。
// 坏数据行不动状态也不加 attempts；传输失败记 failed 并累加 attempts。
func (s *OutboxService) drainRow(ctx context.Context, row *model.OutboxEvent) bool {
	tracer := otel.Tracer("realtime-relay/outbox")
	ctx, span := tracer.Start(ctx, "outbox.drain.row")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.id", row.ID),
		attribute.String("outbox.channel", row.Channel),
		attribute.String("outbox.type", row.Type),
		attribute.Int("outbox.attempts", row.Attempts),
	)

	env, err := decodeStoredPayload(row.Payload)
	if err != nil {
		// 人工/告警路径
		logger.Warn("outbox row has malformed payload, skipping retries",
			zap.String("id", row.ID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed payload")
		return false
	}

	if _, err := s.publisher.Publish(ctx, env); err != nil {
		logger.Warn("outbox publish failed",
			zap.String("id", row.ID), zap.String("channel", row.Channel), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		if mErr := s.repo.MarkFailed(ctx, row.ID, err.Error()); mErr != nil {
			logger.Error("outbox mark failed", zap.String("id", row.ID), zap.Error(mErr))
		}
		return false
	}

	if err := s.repo.MarkSent(ctx, row.ID); err != nil {
		logger.Error("outbox mark sent", zap.String("id", row.ID), zap.Error(err))
		return false
	}
	if !row.CreatedAt.IsZero() {
		select {
		case s.metricsCh <- time.Since(row.CreatedAt):
		default:
		}
	}
	return true
}

// storedPayload 用指针字段区分"缺字段"与"零值"
type storedPayload struct {
	Channel   *string         `json:"channel"`
	Type      *string         `json:"type"`
	Version   string          `json:"version"`
	Data      json.RawMessage `json:"data"`
	Timestamp *int64          `json:"timestamp"`
}

func decodeStoredPayload(raw string) (event.Envelope, error) {
	var p storedPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return event.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Channel == nil || *p.Channel == "" || p.Type == nil || len(p.Data) == 0 || p.Timestamp == nil {
		return event.Envelope{}, fmt.Errorf("%w: missing required field", ErrMalformedPayload)
	}
	return event.Envelope{
		Channel:   *p.Channel,
		Type:      *p.Type,
		Version:   p.Version,
		Data:      p.Data,
		Timestamp: *p.Timestamp,
	}, nil
}
