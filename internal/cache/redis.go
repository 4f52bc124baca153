package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// keyPrefix namespaces engine keys inside a shared Redis.
const keyPrefix = "nimbus:report:"

// Redis is the shared cache backend. Values are stored as opaque
// bytes; TTL handling is delegated to Redis itself.
type Redis struct {
	client  *redis.Client
	metrics *telemetry.Metrics
	log     logger.Logger
}

// NewRedis connects to the configured Redis and verifies the
// connection with a bounded ping.
func NewRedis(cfg config.CacheConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "connecting to redis at "+cfg.RedisAddr)
	}

	return &Redis{
		client:  client,
		metrics: telemetry.GetMetrics(),
		log:     logger.New("cache"),
	}, nil
}

// Get returns the value for key. redis.Nil is a miss, anything else
// a backend failure.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		r.metrics.CacheMisses.Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.KindStorageUnavailable, "redis get")
	}
	r.metrics.CacheHits.Inc()
	return data, true, nil
}

// Set stores value under key for ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "redis set")
	}
	return nil
}

// Delete removes key if present.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "redis del")
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
