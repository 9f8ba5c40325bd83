package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// MaxRedisValue is the largest string Redis stores.
const MaxRedisValue = 512 << 20

// RedisError wraps a failed Redis operation.
type RedisError struct {
	Operation string
	Err       error
}

func (e *RedisError) Error() string {
	return "redis error in " + e.Operation + ": " + e.Err.Error()
}

func (e *RedisError) Unwrap() error {
	return e.Err
}

// RedisConfig configures the Redis committer.
type RedisConfig struct {
	// Redis client
	Redis redis.UniversalClient

	// Key holds the raw pixels as one string
	Key string

	// TTL, when positive, expires the key; it is refreshed on every commit.
	TTL time.Duration

	// PixelSize in bytes
	PixelSize int
}

// Redis writes raw interleaved pixels into a Redis string with SETRANGE, one
// pipeline per region, so other readers can watch the image fill in.
type Redis struct {
	config RedisConfig
	full   region.Region
}

// NewRedis creates a Redis committer.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if config.PixelSize <= 0 {
		return nil, fmt.Errorf("pixel size %d must be positive", config.PixelSize)
	}
	return &Redis{config: config}, nil
}

// Prepare implements streaming.Preparer. It clears the key and records the
// image geometry next to it.
func (s *Redis) Prepare(ctx context.Context, full region.Region) error {
	size := full.NumberOfPixels() * int64(s.config.PixelSize)
	if size > MaxRedisValue {
		return fmt.Errorf("image of %d bytes exceeds the Redis string limit", size)
	}
	s.full = region.New(full.Index, full.Size)

	pipe := s.config.Redis.Pipeline()
	pipe.Del(ctx, s.config.Key)
	pipe.HSet(ctx, s.metaKey(), map[string]interface{}{
		"region":     full.String(),
		"pixel_size": s.config.PixelSize,
		"bytes":      size,
	})
	if s.config.TTL > 0 {
		pipe.Expire(ctx, s.metaKey(), s.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &RedisError{"prepare", err}
	}
	return nil
}

// Commit implements streaming.Committer.
func (s *Redis) Commit(ctx context.Context, r region.Region, buf *raster.Buffer) error {
	if err := checkCommit(s.full, s.config.PixelSize, r, buf); err != nil {
		return err
	}
	pipe := s.config.Redis.Pipeline()
	for line := int64(0); line < r.Lines(); line++ {
		off := region.LinearOffset(s.full, r.LineRegion(line)) * int64(s.config.PixelSize)
		pipe.SetRange(ctx, s.config.Key, off, string(buf.Line(line)))
	}
	if s.config.TTL > 0 {
		pipe.Expire(ctx, s.config.Key, s.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &RedisError{"commit", err}
	}
	return nil
}

func (s *Redis) metaKey() string {
	return s.config.Key + ":meta"
}
