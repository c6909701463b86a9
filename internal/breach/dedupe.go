package breach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLockerConfig configures the shared dedup locker.
type RedisLockerConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Wait     time.Duration `yaml:"wait"`
}

// DefaultRedisLockerConfig returns default locker configuration.
func DefaultRedisLockerConfig() RedisLockerConfig {
	return RedisLockerConfig{
		Addr: "localhost:6379",
		TTL:  10 * time.Second,
		Wait: 5 * time.Second,
	}
}

// RedisLocker serializes dedup-key access across aggregator processes using
// Redis SET NX leases. The TTL bounds how long a crashed holder can block a
// key.
type RedisLocker struct {
	client *redis.Client
	config RedisLockerConfig
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRedisLockerConfig().TTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultRedisLockerConfig().Wait
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisLocker{client: client, config: cfg}, nil
}

// Lock implements SharedLocker. It polls until the lease is acquired or the
// wait budget runs out.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := "breachwatch:dedup:" + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.config.Wait)

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire dedup lease: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: lease busy for %s", ErrDedupConflict, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	unlock := func() {
		// release only our own lease
		release := redis.NewScript(`
			if redis.call("GET", KEYS[1]) == ARGV[1] then
				return redis.call("DEL", KEYS[1])
			end
			return 0
		`)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		release.Run(ctx, r.client, []string{lockKey}, token)
	}
	return unlock, nil
}

// Close releases the Redis connection.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
