package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/realtime-relay/config"
	"github.com/d60-Lab/realtime-relay/internal/event"
	"github.com/d60-Lab/realtime-relay/internal/model"
	"github.com/d60-Lab/realtime-relay/internal/repository"
	"github.com/d60-Lab/realtime-relay/internal/service"
	"github.com/d60-Lab/realtime-relay/internal/stream"
	"github.com/d60-Lab/realtime-relay/pkg/database"
	"github.com/d60-Lab/realtime-relay/pkg/logger"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 { return 0 }
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 { k = 0 }
	if k >= len(xs) { k = len(xs)-1 }
	return xs[k]
}

func main() {
	cfg := must(config.Load())
	_ = logger.Init(cfg.Server.Mode)
	db := must(database.InitDB(cfg))
	if err := db.AutoMigrate(&model.OutboxEvent{}); err != nil { panic(err) }

	// params
	EVENTS := 5000
	WORKERS := cfg.Realtime.DrainWorkers
	BATCH := cfg.Realtime.DrainBatchSize
	if s := os.Getenv("EVENTS"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { EVENTS = v } }
	if s := os.Getenv("WORKERS"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { WORKERS = v } }
	if s := os.Getenv("BATCH"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { BATCH = v } }

	// clean table for a reproducible run (ok for local bench)
	_ = db.Exec("DELETE FROM outbox_events").Error

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil { panic(err) }

	publisher := stream.NewPublisher(rdb, cfg.Realtime.StreamMaxLen)
	repo := repository.NewOutboxRepository(db)
	outbox := service.NewOutboxService(repo, publisher, WORKERS, cfg.Realtime.MaxAttempts)
	drainer := service.NewDrainer(outbox, BATCH, 20*time.Millisecond)
	stop := drainer.Start()
	defer stop(context.Background())

	// enqueue EVENTS rows
	enqDurations := make([]time.Duration, 0, EVENTS)
	for i := 0; i < EVENTS; i++ {
		data := must(json.Marshal(map[string]any{"seq": i}))
		env := must(event.New("bench", "bench.tick", data))
		st := time.Now()
		if _, err := outbox.Enqueue(context.Background(), env); err != nil { panic(err) }
		enqDurations = append(enqDurations, time.Since(st))
	}

	// collect landing metrics
	land := make([]time.Duration, 0, EVENTS)
	timeout := time.After(2 * time.Minute)
	for len(land) < EVENTS {
		select {
		case d := <-outbox.Metrics():
			land = append(land, d)
		case <-timeout:
			fmt.Printf("timeout while waiting for drain metrics: got=%d want=%d\n", len(land), EVENTS)
			goto PRINT
		}
	}

PRINT:
	var enqSum time.Duration
	for _, d := range enqDurations { enqSum += d }
	fmt.Printf("EVENTS=%d WORKERS=%d BATCH=%d\n", EVENTS, WORKERS, BATCH)
	fmt.Printf("Enqueue latency: avg=%v p95=%v p99=%v\n", enqSum/time.Duration(len(enqDurations)), pct(enqDurations, 0.95), pct(enqDurations, 0.99))
	var landSum time.Duration
	for _, d := range land { landSum += d }
	if len(land) > 0 {
		fmt.Printf("Outbox landing (enqueue->sent): samples=%d avg=%v p95=%v p99=%v\n", len(land), landSum/time.Duration(len(land)), pct(land, 0.95), pct(land, 0.99))
	}

	// stream length after trim
	n := must(rdb.XLen(context.Background(), event.StreamKey("bench")).Result())
	fmt.Printf("Stream %s length after run: %d (maxlen~%d)\n", event.StreamKey("bench"), n, cfg.Realtime.StreamMaxLen)
}
