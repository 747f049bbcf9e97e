package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/realtime-relay/pkg/logger"
)

// Drainer 周期触发 DrainBatch 的进程内调度器。
// 多实例同时运行是安全的（代价是重复发布），不需要也不使用分布式锁。
type Drainer struct {
	svc          *OutboxService
	batchSize    int
	pollInterval time.Duration
}

func NewDrainer(svc *OutboxService, batchSize int, pollInterval time.Duration) *Drainer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Drainer{svc: svc, batchSize: batchSize, pollInterval: pollInterval}
}

// Start 启动轮询循环；返回停止函数。
func (d *Drainer) Start() func(context.Context) error {
	stop := make(chan struct{})
	go d.loop(stop)
	return func(ctx context.Context) error { close(stop); return nil }
}

func (d *Drainer) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			res, err := d.svc.DrainBatch(context.Background(), d.batchSize)
			if err != nil {
				logger.Error("outbox drain tick", zap.Error(err))
				continue
			}
			if res.Processed > 0 {
				logger.Info("outbox drained",
					zap.Int("processed", res.Processed),
					zap.Int("sent", res.Sent),
					zap.Int("failed", res.Failed))
			}
		}
	}
}
