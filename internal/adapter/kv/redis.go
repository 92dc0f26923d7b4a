// Package kv adapts Redis to the domain.KeyValueStore port.
package kv

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// Store implements domain.KeyValueStore on top of go-redis. Every
// operation runs under opTimeout so a slow Redis never stalls the request
// path; callers treat expiry as a miss.
type Store struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// New constructs a Store. opTimeout <= 0 defaults to 1s.
func New(rdb *redis.Client, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &Store{rdb: rdb, opTimeout: opTimeout}
}

// NewClient builds the underlying go-redis client.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Get returns the string value at key. ok is false when the key is absent.
func (s *Store) Get(ctx domain.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value at key with the given TTL. ttl <= 0 means no expiry.
func (s *Store) Set(ctx domain.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx domain.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Incr(ctx domain.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Incr(ctx, key).Result()
}

func (s *Store) HGet(ctx domain.Context, key, field string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) HSet(ctx domain.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return s.rdb.HSet(ctx, key, args...).Err()
}

func (s *Store) HGetAll(ctx domain.Context, key string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) HIncrBy(ctx domain.Context, key, field string, n int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.HIncrBy(ctx, key, field, n).Result()
}

func (s *Store) HIncrByFloat(ctx domain.Context, key, field string, f float64) (float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.HIncrByFloat(ctx, key, field, f).Result()
}

func (s *Store) HDel(ctx domain.Context, key string, fields ...string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *Store) SAdd(ctx domain.Context, key string, members ...string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx domain.Context, key string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Store) ZAdd(ctx domain.Context, key string, score float64, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRangeByScore(ctx domain.Context, key string, min, max float64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (s *Store) ZRem(ctx domain.Context, key string, members ...string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, key, args...).Err()
}

func (s *Store) ZRemRangeByScore(ctx domain.Context, key string, min, max float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

func (s *Store) ZCard(ctx domain.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *Store) LPush(ctx domain.Context, key string, values ...string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.LPush(ctx, key, args...).Err()
}

func (s *Store) LRange(ctx domain.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *Store) LTrim(ctx domain.Context, key string, start, stop int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

// Keys is O(n) over the keyspace and reserved for invalidation paths.
func (s *Store) Keys(ctx domain.Context, pattern string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Keys(ctx, pattern).Result()
}

func (s *Store) Expire(ctx domain.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *Store) TTL(ctx domain.Context, key string) (time.Duration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.TTL(ctx, key).Result()
}

// pipeliner adapts redis.Pipeliner to the domain.Pipeliner port.
type pipeliner struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (p *pipeliner) Set(key, value string, ttl time.Duration) { p.pipe.Set(p.ctx, key, value, ttl) }
func (p *pipeliner) Del(keys ...string)                       { p.pipe.Del(p.ctx, keys...) }
func (p *pipeliner) HIncrBy(key, field string, n int64)       { p.pipe.HIncrBy(p.ctx, key, field, n) }
func (p *pipeliner) HIncrByFloat(key, field string, f float64) {
	p.pipe.HIncrByFloat(p.ctx, key, field, f)
}
func (p *pipeliner) Expire(key string, ttl time.Duration)   { p.pipe.Expire(p.ctx, key, ttl) }
func (p *pipeliner) ExpireNX(key string, ttl time.Duration) { p.pipe.ExpireNX(p.ctx, key, ttl) }
func (p *pipeliner) ZAdd(key string, score float64, member string) {
	p.pipe.ZAdd(p.ctx, key, redis.Z{Score: score, Member: member})
}
func (p *pipeliner) ZRemRangeByScore(key string, min, max float64) {
	p.pipe.ZRemRangeByScore(p.ctx, key, formatScore(min), formatScore(max))
}
func (p *pipeliner) LPush(key string, values ...string) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	p.pipe.LPush(p.ctx, key, args...)
}
func (p *pipeliner) LTrim(key string, start, stop int64) { p.pipe.LTrim(p.ctx, key, start, stop) }

// Pipeline queues the writes issued by fn and flushes them in one
// round-trip. Not a transaction.
func (s *Store) Pipeline(ctx domain.Context, fn func(domain.Pipeliner)) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&pipeliner{ctx: ctx, pipe: pipe})
		return nil
	})
	return err
}

func (s *Store) Publish(ctx domain.Context, channel, payload string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a channel of messages published on channel and a stop
// function. The stream closes when stop is called or ctx is done.
func (s *Store) Subscribe(ctx domain.Context, channel string) (<-chan domain.PubSubMessage, func(), error) {
	sub := s.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed before handing it out.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan domain.PubSubMessage, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- domain.PubSubMessage{Channel: msg.Channel, Payload: msg.Payload}:
				default:
					// Slow consumer: drop. Invalidation is best-effort,
					// backed by TTLs.
					slog.Warn("pubsub consumer lagging; dropping message", slog.String("channel", msg.Channel))
				}
			}
		}
	}()
	stop := func() {
		close(done)
		_ = sub.Close()
	}
	return out, stop, nil
}

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx domain.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
