package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/realtime-relay/internal/event"
	"github.com/d60-Lab/realtime-relay/internal/model"
	"github.com/d60-Lab/realtime-relay/internal/repository"
	"github.com/d60-Lab/realtime-relay/internal/stream"
)

type outboxFixture struct {
	db     *gorm.DB
	repo   repository.OutboxRepository
	svc    *OutboxService
	mr     *miniredis.Miniredis
	client *redis.Client
}

func setupOutbox(t *testing.T, workers int) *outboxFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 单连接：避免 :memory: 在连接池下各连接各见一个库
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.OutboxEvent{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := repository.NewOutboxRepository(db)
	svc := NewOutboxService(repo, stream.NewPublisher(client, 0), workers, DefaultMaxAttempts)
	return &outboxFixture{db: db, repo: repo, svc: svc, mr: mr, client: client}
}

func feedEnvelope() event.Envelope {
	return event.Envelope{
		Channel:   "feed",
		Type:      "post.created",
		Data:      json.RawMessage(`{"id":"p1"}`),
		Timestamp: 1700000000000,
	}
}

func TestEnqueueThenDrain(t *testing.T) {
	f := setupOutbox(t, 4)
	ctx := context.Background()

	id, err := f.svc.Enqueue(ctx, feedEnvelope())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := f.svc.DrainBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1, Sent: 1, Failed: 0}, res)

	row, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Nil(t, row.LastError)

	// 流里应有一条补了默认 version 的信封
	entries, err := f.client.XRange(ctx, event.StreamKey("feed"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var got event.Envelope
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["event"].(string)), &got))
	assert.Equal(t, event.DefaultVersion, got.Version)
	assert.Equal(t, int64(1700000000000), got.Timestamp)
}

func TestEnqueueSucceedsWithTransportDown(t *testing.T) {
	f := setupOutbox(t, 1)
	f.mr.Close()

	id, err := f.svc.Enqueue(context.Background(), feedEnvelope())
	require.NoError(t, err)

	row, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, row.Status)
}

func TestDrainBatchEmpty(t *testing.T) {
	f := setupOutbox(t, 4)

	res, err := f.svc.DrainBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
}

func TestDrainProcessesOldestFirst(t *testing.T) {
	f := setupOutbox(t, 1)
	ctx := context.Background()
	base := time.Now()

	payload := `{"channel":"feed","type":"post.created","data":{},"timestamp":1}`
	a := &model.OutboxEvent{ID: uuid.New().String(), Channel: "feed", Type: "post.created",
		Payload: payload, Status: model.OutboxStatusPending, CreatedAt: base}
	b := &model.OutboxEvent{ID: uuid.New().String(), Channel: "feed", Type: "post.created",
		Payload: payload, Status: model.OutboxStatusPending, CreatedAt: base.Add(time.Second)}
	// 故意先插入较新的 b
	require.NoError(t, f.repo.Create(ctx, b))
	require.NoError(t, f.repo.Create(ctx, a))

	res, err := f.svc.DrainBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1, Sent: 1, Failed: 0}, res)

	gotA, err := f.repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, gotA.Status)

	gotB, err := f.repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, gotB.Status)
}

func TestDrainTransportFailureRecordsAttempt(t *testing.T) {
	f := setupOutbox(t, 1)
	ctx := context.Background()

	id, err := f.svc.Enqueue(ctx, feedEnvelope())
	require.NoError(t, err)

	f.mr.Close()

	res, err := f.svc.DrainBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1, Sent: 0, Failed: 1}, res)

	row, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)
	assert.NotEmpty(t, *row.LastError)
}

func TestDrainRetriesUntilMaxAttempts(t *testing.T) {
	f := setupOutbox(t, 1)
	ctx := context.Background()

	id, err := f.svc.Enqueue(ctx, feedEnvelope())
	require.NoError(t, err)

	f.mr.Close()

	for i := 1; i <= DefaultMaxAttempts; i++ {
		res, err := f.svc.DrainBatch(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed, "attempt %d", i)

		row, err := f.repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, row.Attempts)
	}

	// attempts 达到上限后永久退出 drain
	res, err := f.svc.DrainBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)

	row, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, row.Status)
	assert.Equal(t, DefaultMaxAttempts, row.Attempts)
}

func TestDrainMalformedPayloadLeftAsIs(t *testing.T) {
	f := setupOutbox(t, 1)
	ctx := context.Background()

	row := &model.OutboxEvent{
		ID:      uuid.New().String(),
		Channel: "feed",
		Type:    "post.created",
		// type 字段缺失：坏数据，重试修不好
		Payload:   `{"channel":"feed","data":{"id":"p1"},"timestamp":1}`,
		Status:    model.OutboxStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.repo.Create(ctx, row))

	res, err := f.svc.DrainBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1, Sent: 0, Failed: 1}, res)

	got, err := f.repo.GetByID(ctx, row.ID)
	require.NoError(t, err)
	// 不走 attempts 重试路径，原样留给人工处理
	assert.Equal(t, model.OutboxStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastError)

	// 流上不应出现任何条目
	n, err := f.client.XLen(ctx, event.StreamKey("feed")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainOneBadRowDoesNotAbortBatch(t *testing.T) {
	f := setupOutbox(t, 1)
	ctx := context.Background()
	base := time.Now()

	bad := &model.OutboxEvent{ID: uuid.New().String(), Channel: "feed", Type: "post.created",
		Payload: `{"channel":"feed"}`, Status: model.OutboxStatusPending, CreatedAt: base}
	require.NoError(t, f.repo.Create(ctx, bad))

	goodID, err := f.svc.Enqueue(ctx, feedEnvelope())
	require.NoError(t, err)

	res, err := f.svc.DrainBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 2, Sent: 1, Failed: 1}, res)

	good, err := f.repo.GetByID(ctx, goodID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, good.Status)
}

func TestDrainEmitsLandingMetrics(t *testing.T) {
	f := setupOutbox(t, 2)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, feedEnvelope())
	require.NoError(t, err)

	_, err = f.svc.DrainBatch(ctx, 10)
	require.NoError(t, err)

	select {
	case d := <-f.svc.Metrics():
		assert.GreaterOrEqual(t, d, time.Duration(0))
	default:
		t.Fatal("expected a landing latency sample")
	}
}

func TestEnqueueEmptyChannel(t *testing.T) {
	f := setupOutbox(t, 1)
	_, err := f.svc.Enqueue(context.Background(), event.Envelope{Type: "x"})
	assert.ErrorIs(t, err, event.ErrEmptyChannel)
}
