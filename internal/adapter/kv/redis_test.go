package kv

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return New(rdb, time.Second), mr
}

func TestGetSet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss without error, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("expected hit with v, got v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestSet_TTLExpires(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	if err := store.Set(ctx, "k", "v", time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatalf("expected key to expire")
	}
}

func TestHashOps(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, err := store.HIncrBy(ctx, "h", "requests", 2); err != nil {
		t.Fatalf("hincrby: %v", err)
	}
	if _, err := store.HIncrByFloat(ctx, "h", "cost", 0.5); err != nil {
		t.Fatalf("hincrbyfloat: %v", err)
	}
	all, err := store.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if all["requests"] != "2" {
		t.Fatalf("expected requests=2, got %q", all["requests"])
	}
	if all["cost"] != "0.5" {
		t.Fatalf("expected cost=0.5, got %q", all["cost"])
	}
}

func TestSortedSetOps_WindowCount(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for i, score := range []float64{100, 200, 300} {
		if err := store.ZAdd(ctx, "z", score, string(rune('a'+i))); err != nil {
			t.Fatalf("zadd: %v", err)
		}
	}
	members, err := store.ZRangeByScore(ctx, "z", 150, 300)
	if err != nil {
		t.Fatalf("zrangebyscore: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members in window, got %d", len(members))
	}
	if err := store.ZRemRangeByScore(ctx, "z", 0, 250); err != nil {
		t.Fatalf("zremrangebyscore: %v", err)
	}
	n, err := store.ZCard(ctx, "z")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 member after trim, got %d err=%v", n, err)
	}
}

func TestPipeline_AppliesAllWrites(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	err := store.Pipeline(ctx, func(p domain.Pipeliner) {
		p.HIncrBy("bucket", "requests", 1)
		p.HIncrBy("bucket", "tokens", 42)
		p.HIncrByFloat("bucket", "cost", 0.001)
		p.Expire("bucket", time.Hour)
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	all, err := store.HGetAll(ctx, "bucket")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if all["requests"] != "1" || all["tokens"] != "42" {
		t.Fatalf("unexpected counters: %v", all)
	}
	if ttl := mr.TTL("bucket"); ttl <= 0 {
		t.Fatalf("expected TTL on bucket, got %v", ttl)
	}
}

func TestSubscribe_ReceivesPublished(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, _ := newTestStore(t)

	msgs, stop, err := store.Subscribe(ctx, "cache:invalidation")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if err := store.Publish(ctx, "cache:invalidation", `{"type":"key","target":"x"}`); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-msgs:
		if m.Payload == "" {
			t.Fatalf("expected non-empty payload")
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
}

func TestKeys_PatternMatch(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_ = store.Set(ctx, "ai:cache:m1:aaa", "1", 0)
	_ = store.Set(ctx, "ai:cache:m2:bbb", "2", 0)
	_ = store.Set(ctx, "other", "3", 0)

	keys, err := store.Keys(ctx, "ai:cache:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 cache keys, got %d: %v", len(keys), keys)
	}
}
