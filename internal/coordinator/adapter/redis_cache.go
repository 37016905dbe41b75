package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/captionsync/internal/coordinator/app"
	"github.com/aelexs/captionsync/internal/domain"
	redisclient "github.com/aelexs/captionsync/internal/redis"
)

// Compile-time check: RedisCache satisfies app.Cache.
var _ app.Cache = (*RedisCache)(nil)

// RedisCache is the coordinator's local persisted cache. Values are stored
// as whole JSON documents without expiry; the coordinator decides when to
// drop them.
type RedisCache struct {
	cmd    redisclient.Cmdable
	prefix string
}

// NewRedisCache creates a RedisCache namespacing every key under prefix.
func NewRedisCache(cmd redisclient.Cmdable, prefix string) *RedisCache {
	return &RedisCache{cmd: cmd, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

// Get decodes the value at key into dst. It reports false when the key is absent.
func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	ctx, span := startRedisSpan(ctx, "redis.cache.get", "GET")
	defer span.End()

	raw, err := c.cmd.Get(ctx, c.key(key)).Bytes()
	if redisclient.IsNil(err) {
		return false, nil
	}
	if err != nil {
		failSpan(span, err)
		return false, fmt.Errorf("cache get %q: %w", key, classifyRedis(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		failSpan(span, err)
		return false, fmt.Errorf("cache decode %q: %w", key, err)
	}
	return true, nil
}

// Set replaces the value at key.
func (c *RedisCache) Set(ctx context.Context, key string, value any) error {
	ctx, span := startRedisSpan(ctx, "redis.cache.set", "SET")
	defer span.End()

	raw, err := json.Marshal(value)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	if err := c.cmd.Set(ctx, c.key(key), raw, 0).Err(); err != nil {
		failSpan(span, err)
		return fmt.Errorf("cache set %q: %w", key, classifyRedis(err))
	}
	return nil
}

// Delete removes key. A missing key is not an error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, span := startRedisSpan(ctx, "redis.cache.delete", "DEL")
	defer span.End()

	if err := c.cmd.Del(ctx, c.key(key)).Err(); err != nil {
		failSpan(span, err)
		return fmt.Errorf("cache delete %q: %w", key, classifyRedis(err))
	}
	return nil
}

// DeletePrefix removes every key under prefix.
func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	ctx, span := startRedisSpan(ctx, "redis.cache.delete_prefix", "SCAN")
	defer span.End()

	keys, err := redisclient.ScanKeys(ctx, c.cmd, c.key(prefix)+"*")
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("cache clear %q: %w", prefix, classifyRedis(err))
	}
	span.SetAttributes(attribute.Int("cache.keys", len(keys)))
	if len(keys) == 0 {
		return nil
	}
	if err := c.cmd.Del(ctx, keys...).Err(); err != nil {
		failSpan(span, err)
		return fmt.Errorf("cache clear %q: %w", prefix, classifyRedis(err))
	}
	return nil
}

func startRedisSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// classifyRedis marks connection failures as unavailability so callers
// can tell them from bad data.
func classifyRedis(err error) error {
	if domain.IsNetworkError(err) {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return err
}
