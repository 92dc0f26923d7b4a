package domain

import "time"

// Clock abstracts wall-clock time so services can be tested against a
// fake. Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// EventSink receives bus events. Emit must never block the caller; slow
// sinks drop rather than backpressure the request path.
type EventSink interface {
	Emit(Event)
}

// ProviderClient is the contract every upstream inference vendor adapter
// implements. Implementations are safe for concurrent use after
// Initialize returns.
type ProviderClient interface {
	Initialize(ctx Context) error
	Generate(ctx Context, prompt string, opts GenerateOptions) (*Response, error)
	HealthCheck(ctx Context) ProviderHealth
	ModelConfig(name string) (ModelConfig, bool)
	Name() string
	DefaultModel() string
	Config() ProviderConfig
}

// PubSubMessage is one message received from a subscribed channel.
type PubSubMessage struct {
	Channel string
	Payload string
}

// Pipeliner queues KV writes that are flushed together. It is not a
// transaction; callers only rely on reduced round-trips.
type Pipeliner interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	HIncrBy(key, field string, n int64)
	HIncrByFloat(key, field string, f float64)
	Expire(key string, ttl time.Duration)
	ExpireNX(key string, ttl time.Duration)
	ZAdd(key string, score float64, member string)
	ZRemRangeByScore(key string, min, max float64)
	LPush(key string, values ...string)
	LTrim(key string, start, stop int64)
}

// KeyValueStore is the Redis-shaped port used by quota, rate limiting and
// the L2 cache. All operations return (value, ok, error) style results;
// callers must not assume atomicity across unrelated ops outside a
// Pipeline. Keys is O(n) and reserved for invalidation paths.
type KeyValueStore interface {
	Get(ctx Context, key string) (string, bool, error)
	Set(ctx Context, key, value string, ttl time.Duration) error
	Del(ctx Context, keys ...string) error
	Incr(ctx Context, key string) (int64, error)

	HGet(ctx Context, key, field string) (string, bool, error)
	HSet(ctx Context, key string, fields map[string]string) error
	HGetAll(ctx Context, key string) (map[string]string, error)
	HIncrBy(ctx Context, key, field string, n int64) (int64, error)
	HIncrByFloat(ctx Context, key, field string, f float64) (float64, error)
	HDel(ctx Context, key string, fields ...string) error

	SAdd(ctx Context, key string, members ...string) error
	SMembers(ctx Context, key string) ([]string, error)

	ZAdd(ctx Context, key string, score float64, member string) error
	ZRangeByScore(ctx Context, key string, min, max float64) ([]string, error)
	ZRem(ctx Context, key string, members ...string) error
	ZRemRangeByScore(ctx Context, key string, min, max float64) error
	ZCard(ctx Context, key string) (int64, error)

	LPush(ctx Context, key string, values ...string) error
	LRange(ctx Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx Context, key string, start, stop int64) error

	Keys(ctx Context, pattern string) ([]string, error)
	Expire(ctx Context, key string, ttl time.Duration) error
	TTL(ctx Context, key string) (time.Duration, error)

	Pipeline(ctx Context, fn func(Pipeliner)) error

	Publish(ctx Context, channel, payload string) error
	Subscribe(ctx Context, channel string) (<-chan PubSubMessage, func(), error)

	Ping(ctx Context) error
}
