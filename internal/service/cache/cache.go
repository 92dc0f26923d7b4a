// Package cache implements the three-tier response cache: an in-process
// LRU, the shared KV store, and a pluggable semantic tier. It also owns
// invalidation in every flavor: direct, tag, pattern, dependency rules,
// a due-time schedule, and cross-instance pub/sub fan-out.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/pkg/promptx"
)

const (
	l2Prefix = "ai:cache:"
	tagKey   = "cache:tag:"

	invalidationChannel = "cache:invalidation"
	rulesKey            = "cache:invalidation:rules"
	scheduleKey         = "cache:invalidation:schedule"
)

// Key derives the logical cache key: the SHA-256 of the normalized
// prompt joined with the model name. Normalization is lowercase+trim so
// trivially different prompts share an entry.
func Key(prompt, model string) string {
	sum := sha256.Sum256([]byte(promptx.Normalize(prompt)))
	return hex.EncodeToString(sum[:]) + ":" + model
}

// InvalidationMessage is the cross-instance fan-out payload.
type InvalidationMessage struct {
	Type      string    `json:"type"` // key, tag, pattern, clear
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
}

// Rule links a cache region to the keys it depends on. When a source
// key is invalidated, every rule listing it fires; cascade rules feed
// their own pattern back in as a new source.
type Rule struct {
	Pattern      string   `json:"pattern"`
	Dependencies []string `json:"dependencies"`
	Cascade      bool     `json:"cascade"`
}

type scheduledEntry struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
	Source string `json:"source"`
}

// Config tunes the cache service.
type Config struct {
	MaxL1Entries     int
	DefaultTTL       time.Duration
	CleanupInterval  time.Duration
	ScheduleInterval time.Duration
	MaxCascadeDepth  int
	InstanceID       string
}

func (c Config) withDefaults() Config {
	if c.MaxL1Entries <= 0 {
		c.MaxL1Entries = 10000
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = 60 * time.Second
	}
	if c.MaxCascadeDepth <= 0 {
		c.MaxCascadeDepth = 16
	}
	return c
}

// Stats aggregates counters across tiers.
type Stats struct {
	L1       L1Stats `json:"l1"`
	L2Hits   int64   `json:"l2_hits"`
	L2Misses int64   `json:"l2_misses"`
}

// Cache is the multi-tier cache service.
type Cache struct {
	kv       domain.KeyValueStore
	l1       *l1Cache
	semantic SemanticCache
	clock    domain.Clock
	sink     domain.EventSink
	cfg      Config

	statsMu  sync.Mutex
	l2Hits   int64
	l2Misses int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New constructs the cache. A nil semantic tier falls back to the no-op
// implementation.
func New(kv domain.KeyValueStore, semantic SemanticCache, clk domain.Clock, sink domain.EventSink, cfg Config) *Cache {
	cfg = cfg.withDefaults()
	if semantic == nil {
		semantic = NoopSemanticCache{}
	}
	return &Cache{
		kv:       kv,
		l1:       newL1(cfg.MaxL1Entries, clk),
		semantic: semantic,
		clock:    clk,
		sink:     sink,
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
}

func l2Key(key string) string { return l2Prefix + key }

// Get walks L1, L2, then the semantic tier. An L2 hit is promoted into
// L1 with the caller's TTL. KV errors read as misses.
func (c *Cache) Get(ctx domain.Context, prompt, model string, ttl time.Duration) (string, bool) {
	key := Key(prompt, model)
	if e, ok := c.l1.Get(key); ok {
		observability.CacheOperationsTotal.WithLabelValues("l1", "hit").Inc()
		return e.Value, true
	}
	observability.CacheOperationsTotal.WithLabelValues("l1", "miss").Inc()

	value, ok, err := c.kv.Get(ctx, l2Key(key))
	if err != nil {
		slog.Warn("cache l2 read failed; treating as miss", slog.Any("error", err))
	}
	if ok {
		c.statsMu.Lock()
		c.l2Hits++
		c.statsMu.Unlock()
		observability.CacheOperationsTotal.WithLabelValues("l2", "hit").Inc()
		c.promote(key, prompt, model, value, ttl)
		return value, true
	}
	c.statsMu.Lock()
	c.l2Misses++
	c.statsMu.Unlock()
	observability.CacheOperationsTotal.WithLabelValues("l2", "miss").Inc()

	if value, ok, err := c.semantic.Lookup(ctx, prompt, model, 0.95); err == nil && ok {
		observability.CacheOperationsTotal.WithLabelValues("l3", "hit").Inc()
		return value, true
	}
	return "", false
}

func (c *Cache) promote(key, prompt, model, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.clock.Now()
	c.l1.Set(Entry{
		Key:          key,
		Value:        value,
		Model:        model,
		Prompt:       prompt,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	})
	observability.CacheL1Entries.Set(float64(c.l1.Len()))
}

// Set writes through every tier. Tags register the logical key in their
// KV sets with a TTL matching the entry. Write failures are logged and
// dropped.
func (c *Cache) Set(ctx domain.Context, prompt, model, value string, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	key := Key(prompt, model)
	c.promote(key, prompt, model, value, ttl)

	if err := c.kv.Set(ctx, l2Key(key), value, ttl); err != nil {
		slog.Warn("cache l2 write failed", slog.Any("error", err))
		return
	}
	for _, tag := range tags {
		if err := c.kv.SAdd(ctx, tagKey+tag, key); err != nil {
			slog.Warn("cache tag write failed", slog.String("tag", tag), slog.Any("error", err))
			continue
		}
		if err := c.kv.Expire(ctx, tagKey+tag, ttl); err != nil {
			slog.Warn("cache tag expire failed", slog.String("tag", tag), slog.Any("error", err))
		}
	}
	if err := c.semantic.Store(ctx, prompt, value, model); err != nil {
		slog.Warn("semantic store failed", slog.Any("error", err))
	}
}

func (c *Cache) emitInvalidated(typ, target, reason string) {
	if c.sink == nil {
		return
	}
	c.sink.Emit(domain.Event{
		Name: domain.EventCacheInvalidated,
		At:   c.clock.Now(),
		Fields: map[string]any{
			"type":   typ,
			"target": target,
			"reason": reason,
		},
	})
}

func (c *Cache) publish(ctx domain.Context, typ, target, reason string) {
	msg := InvalidationMessage{
		Type:      typ,
		Target:    target,
		Timestamp: c.clock.Now(),
		Source:    c.cfg.InstanceID,
		Reason:    reason,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.kv.Publish(ctx, invalidationChannel, string(payload)); err != nil {
		slog.Warn("invalidation publish failed", slog.Any("error", err))
	}
}

// Invalidate removes one logical key from every tier and tells sibling
// instances to do the same.
func (c *Cache) Invalidate(ctx domain.Context, key, reason string) error {
	c.l1.Delete(key)
	if err := c.kv.Del(ctx, l2Key(key)); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	if err := c.semantic.Invalidate(ctx, key); err != nil {
		slog.Warn("semantic invalidate failed", slog.Any("error", err))
	}
	c.emitInvalidated("key", key, reason)
	c.publish(ctx, "key", key, reason)
	return c.InvalidateDependents(ctx, key, 0)
}

// InvalidateByTag removes every key registered under the tag.
func (c *Cache) InvalidateByTag(ctx domain.Context, tag, reason string) error {
	members, err := c.kv.SMembers(ctx, tagKey+tag)
	if err != nil {
		return fmt.Errorf("read tag %s: %w", tag, err)
	}
	for _, key := range members {
		c.l1.Delete(key)
		if err := c.kv.Del(ctx, l2Key(key)); err != nil {
			slog.Warn("tag member delete failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	if err := c.kv.Del(ctx, tagKey+tag); err != nil {
		slog.Warn("tag set delete failed", slog.String("tag", tag), slog.Any("error", err))
	}
	c.emitInvalidated("tag", tag, reason)
	c.publish(ctx, "tag", tag, reason)
	return nil
}

// InvalidateByPattern removes keys containing the pattern substring: a
// local substring match for L1 and a Keys scan for L2.
func (c *Cache) InvalidateByPattern(ctx domain.Context, pattern, reason string) error {
	c.l1.DeleteMatching(strings.Trim(pattern, "*"))
	keys, err := c.kv.Keys(ctx, l2Prefix+"*"+strings.Trim(pattern, "*")+"*")
	if err != nil {
		return fmt.Errorf("scan pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := c.kv.Del(ctx, keys...); err != nil {
			return fmt.Errorf("delete pattern %s: %w", pattern, err)
		}
	}
	c.emitInvalidated("pattern", pattern, reason)
	c.publish(ctx, "pattern", pattern, reason)
	return nil
}

// InvalidateByModel removes every entry cached for a model: a targeted
// L1 scan plus an L2 suffix scan, fanned out to siblings. Logical keys
// end in ":{model}", so the L2 match is exact, not substring.
func (c *Cache) InvalidateByModel(ctx domain.Context, model, reason string) error {
	c.l1.DeleteByModel(model)
	keys, err := c.kv.Keys(ctx, l2Prefix+"*:"+model)
	if err != nil {
		return fmt.Errorf("scan model %s: %w", model, err)
	}
	if len(keys) > 0 {
		if err := c.kv.Del(ctx, keys...); err != nil {
			return fmt.Errorf("delete model %s: %w", model, err)
		}
	}
	c.emitInvalidated("model", model, reason)
	c.publish(ctx, "model", model, reason)
	return nil
}

// ClearAll empties L1 and deletes every L2 entry.
func (c *Cache) ClearAll(ctx domain.Context, reason string) error {
	c.l1.Clear()
	observability.CacheL1Entries.Set(0)
	keys, err := c.kv.Keys(ctx, l2Prefix+"*")
	if err != nil {
		return fmt.Errorf("scan for clear: %w", err)
	}
	if len(keys) > 0 {
		if err := c.kv.Del(ctx, keys...); err != nil {
			return fmt.Errorf("clear l2: %w", err)
		}
	}
	c.emitInvalidated("clear", "*", reason)
	c.publish(ctx, "clear", "*", reason)
	return nil
}

// SetRule stores a dependency rule under a name in the shared rule hash.
func (c *Cache) SetRule(ctx domain.Context, name string, rule Rule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	if err := c.kv.HSet(ctx, rulesKey, map[string]string{name: string(raw)}); err != nil {
		return fmt.Errorf("store rule %s: %w", name, err)
	}
	return nil
}

// Rules returns all stored dependency rules.
func (c *Cache) Rules(ctx domain.Context) (map[string]Rule, error) {
	raw, err := c.kv.HGetAll(ctx, rulesKey)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rules := make(map[string]Rule, len(raw))
	for name, v := range raw {
		var r Rule
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			slog.Warn("malformed invalidation rule", slog.String("rule", name), slog.Any("error", err))
			continue
		}
		rules[name] = r
	}
	return rules, nil
}

// InvalidateDependents fires every rule that depends on sourceKey.
// Patterns containing a wildcard invalidate by pattern, others by direct
// key. Cascading rules recurse with their pattern as the new source,
// bounded by the configured depth.
func (c *Cache) InvalidateDependents(ctx domain.Context, sourceKey string, depth int) error {
	if depth >= c.cfg.MaxCascadeDepth {
		slog.Warn("invalidation cascade depth exceeded", slog.String("source", sourceKey))
		return nil
	}
	rules, err := c.Rules(ctx)
	if err != nil {
		return err
	}
	for name, rule := range rules {
		matched := false
		for _, dep := range rule.Dependencies {
			if dep == sourceKey {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		reason := "dependency rule " + name
		if strings.Contains(rule.Pattern, "*") {
			if err := c.InvalidateByPattern(ctx, rule.Pattern, reason); err != nil {
				slog.Warn("rule pattern invalidation failed", slog.String("rule", name), slog.Any("error", err))
			}
		} else {
			c.l1.Delete(rule.Pattern)
			if err := c.kv.Del(ctx, l2Key(rule.Pattern)); err != nil {
				slog.Warn("rule key invalidation failed", slog.String("rule", name), slog.Any("error", err))
			}
			c.emitInvalidated("key", rule.Pattern, reason)
			c.publish(ctx, "key", rule.Pattern, reason)
		}
		if rule.Cascade {
			if err := c.InvalidateDependents(ctx, rule.Pattern, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScheduleInvalidation queues a key for invalidation at a future time.
func (c *Cache) ScheduleInvalidation(ctx domain.Context, key, reason string, at time.Time) error {
	raw, err := json.Marshal(scheduledEntry{Key: key, Reason: reason, Source: c.cfg.InstanceID})
	if err != nil {
		return fmt.Errorf("encode scheduled entry: %w", err)
	}
	if err := c.kv.ZAdd(ctx, scheduleKey, float64(at.UnixMilli()), string(raw)); err != nil {
		return fmt.Errorf("schedule invalidation: %w", err)
	}
	return nil
}

// ProcessSchedule pops every due entry and invalidates it. Called by the
// background worker and exposed for tests and admin use.
func (c *Cache) ProcessSchedule(ctx domain.Context) (int, error) {
	now := float64(c.clock.Now().UnixMilli())
	due, err := c.kv.ZRangeByScore(ctx, scheduleKey, 0, now)
	if err != nil {
		return 0, fmt.Errorf("read schedule: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	for _, raw := range due {
		var e scheduledEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			slog.Warn("malformed scheduled invalidation", slog.Any("error", err))
			continue
		}
		if err := c.Invalidate(ctx, e.Key, e.Reason); err != nil {
			slog.Warn("scheduled invalidation failed", slog.String("key", e.Key), slog.Any("error", err))
		}
	}
	if err := c.kv.ZRem(ctx, scheduleKey, due...); err != nil {
		return len(due), fmt.Errorf("trim schedule: %w", err)
	}
	return len(due), nil
}

// handleMessage applies a sibling's invalidation to local state only.
// Messages we published ourselves are skipped.
func (c *Cache) handleMessage(payload string) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("malformed invalidation message", slog.Any("error", err))
		return
	}
	if msg.Source == c.cfg.InstanceID {
		return
	}
	switch msg.Type {
	case "key":
		c.l1.Delete(msg.Target)
	case "pattern":
		c.l1.DeleteMatching(strings.Trim(msg.Target, "*"))
	case "model":
		c.l1.DeleteByModel(msg.Target)
	case "tag":
		// Tag membership lives in the KV; locally we can only drop
		// whatever the members resolve to.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		members, err := c.kv.SMembers(ctx, tagKey+msg.Target)
		cancel()
		if err == nil {
			for _, key := range members {
				c.l1.Delete(key)
			}
		}
	case "clear":
		c.l1.Clear()
	default:
		slog.Warn("unknown invalidation type", slog.String("type", msg.Type))
	}
	slog.Debug("applied remote invalidation",
		slog.String("type", msg.Type),
		slog.String("target", msg.Target),
		slog.String("source", msg.Source))
}

// Start launches the sweeper, the schedule processor and the
// cross-instance invalidation listener.
func (c *Cache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.cfg.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := c.l1.Sweep(); n > 0 {
						slog.Debug("cache sweep", slog.Int("removed", n))
					}
					observability.CacheL1Entries.Set(float64(c.l1.Len()))
				case <-c.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.cfg.ScheduleInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := c.ProcessSchedule(ctx); err != nil {
						slog.Warn("schedule processing failed", slog.Any("error", err))
					}
				case <-c.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()

		msgs, cancel, err := c.kv.Subscribe(ctx, invalidationChannel)
		if err != nil {
			slog.Warn("invalidation subscribe failed; cross-instance invalidation disabled", slog.Any("error", err))
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer cancel()
			for {
				select {
				case m, ok := <-msgs:
					if !ok {
						return
					}
					c.handleMessage(m.Payload)
				case <-c.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop halts the background workers.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// WarmEntry is one precomputed response loaded on startup.
type WarmEntry struct {
	Prompt string        `json:"prompt"`
	Model  string        `json:"model"`
	Value  string        `json:"value"`
	TTL    time.Duration `json:"ttl"`
}

// Warm loads entries with bounded concurrency.
func (c *Cache) Warm(ctx domain.Context, entries []WarmEntry, concurrency int) {
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(e WarmEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			c.Set(ctx, e.Prompt, e.Model, e.Value, e.TTL)
		}(e)
	}
	wg.Wait()
	slog.Info("cache warmed", slog.Int("entries", len(entries)))
}

// Stats returns counters for every tier.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		L1:       c.l1.Stats(),
		L2Hits:   c.l2Hits,
		L2Misses: c.l2Misses,
	}
}
