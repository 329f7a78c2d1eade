package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"llmarena/internal/arena"
	"llmarena/internal/providers"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(newRedis(t), "test", 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), "acct", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "acct", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := rl.Allow(context.Background(), "acct", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected reset time %s", resetAt)
	}

	allowed, _, _, err = rl.Allow(context.Background(), "other", now)
	if err != nil || !allowed {
		t.Fatalf("limits must be per account: allowed=%v err=%v", allowed, err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(newRedis(t), "test", 0)
	for i := 0; i < 5; i++ {
		allowed, _, _, err := rl.Allow(context.Background(), "acct", time.Now())
		if err != nil || !allowed {
			t.Fatalf("disabled limiter should allow: %v %v", allowed, err)
		}
	}
}

func TestJobDeduplicator(t *testing.T) {
	d := NewJobDeduplicator(newRedis(t), "test", time.Hour)
	first, err := d.MarkFirst(context.Background(), "job-1")
	if err != nil || !first {
		t.Fatalf("expected first mark, got %v %v", first, err)
	}
	again, err := d.MarkFirst(context.Background(), "job-1")
	if err != nil || again {
		t.Fatalf("expected duplicate, got %v %v", again, err)
	}
}

func TestStreamQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewStreamQueue(newRedis(t), "test:runs", "workers", "c1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	job, err := q.Enqueue(ctx, RunJob{
		Account:   "acct",
		SessionID: "s1",
		Request: arena.RunRequest{Prompt: "Explain recursion", Selections: []arena.Selection{
			{Provider: providers.OpenAI, Model: "gpt-4o-mini"},
		}},
		Deadline: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.JobID == "" || job.RunID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("enqueue should fill ids and timestamp: %+v", job)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	got := msgs[0].Job
	if got.RunID != job.RunID || got.Request.Prompt != "Explain recursion" || got.Deadline != 5*time.Second {
		t.Fatalf("unexpected job %+v", got)
	}
	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestStreamQueueDropsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewStreamQueue(rdb, "test:runs", "workers", "c1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "test:runs", Values: map[string]any{"payload": "{not json"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	job, err := q.Enqueue(ctx, RunJob{Account: "acct", SessionID: "s1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.JobID != job.JobID {
		t.Fatalf("expected only the valid job, got %+v", msgs)
	}
	pending, err := rdb.XPending(ctx, "test:runs", "workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("undecodable entry should be acked, pending=%d", pending.Count)
	}

	mr.SetError("LOADING redis is loading")
	defer mr.SetError("")
	if err := q.drop(ctx, []string{"1-0"}); err == nil {
		t.Fatalf("expected drop to report the ack failure")
	}
}
