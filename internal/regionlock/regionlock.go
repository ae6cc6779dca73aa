// Package regionlock provides mutual-exclusion regions keyed by string, either
// within one process or across instances through Redis or Postgres.
package regionlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLeaseTTL     = 10 * time.Second
	defaultRetryBackoff = 25 * time.Millisecond
	redisKeyPrefix      = "tutorbook:region:"
)

// ErrInvalidConfig reports an unusable locker configuration.
var ErrInvalidConfig = errors.New("regionlock: invalid config")

// Local serialises regions inside the current process.
type Local struct {
	mutex   sync.Mutex
	regions map[string]*localRegion
}

type localRegion struct {
	gate    chan struct{}
	holders int
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{regions: map[string]*localRegion{}}
}

// Lock blocks until key is free or ctx is done.
func (locker *Local) Lock(ctx context.Context, key string) (func(), error) {
	locker.mutex.Lock()
	region, ok := locker.regions[key]
	if !ok {
		region = &localRegion{gate: make(chan struct{}, 1)}
		locker.regions[key] = region
	}
	region.holders++
	locker.mutex.Unlock()

	select {
	case region.gate <- struct{}{}:
	case <-ctx.Done():
		locker.forget(key, region)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-region.gate
			locker.forget(key, region)
		})
	}, nil
}

func (locker *Local) forget(key string, region *localRegion) {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	region.holders--
	if region.holders == 0 {
		delete(locker.regions, key)
	}
}

// compare-and-delete so an expired lease never releases a newer holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig configures a Redis-backed locker.
type RedisConfig struct {
	LeaseTTL     time.Duration
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

// Redis serialises regions across instances with SET NX PX leases.
type Redis struct {
	client       redis.UniversalClient
	leaseTTL     time.Duration
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewRedis wires a Redis locker. Zero durations fall back to defaults.
func NewRedis(client redis.UniversalClient, config RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidConfig)
	}
	if config.LeaseTTL < 0 || config.RetryBackoff < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	locker := &Redis{client: client, leaseTTL: config.LeaseTTL, retryBackoff: config.RetryBackoff, logger: config.Logger}
	if locker.logger == nil {
		locker.logger = zap.NewNop()
	}
	if locker.leaseTTL == 0 {
		locker.leaseTTL = defaultLeaseTTL
	}
	if locker.retryBackoff == 0 {
		locker.retryBackoff = defaultRetryBackoff
	}
	return locker, nil
}

// Lock polls for the lease until it is acquired, Redis fails, or ctx is done.
func (locker *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()
	for {
		acquired, err := locker.client.SetNX(ctx, redisKey, token, locker.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("regionlock: acquire %s: %w", key, err)
		}
		if acquired {
			break
		}
		timer := time.NewTimer(locker.retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() { locker.release(redisKey, token) })
	}, nil
}

// release drops the lease if token still owns it. A lease that cannot be
// released stays until its TTL runs out and blocks the region meanwhile.
func (locker *Redis) release(redisKey string, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), locker.leaseTTL)
	defer cancel()
	deleted, err := releaseScript.Run(releaseCtx, locker.client, []string{redisKey}, token).Int64()
	switch {
	case err != nil:
		locker.logger.Warn("region lease release failed", zap.String("key", redisKey), zap.Duration("lease_ttl", locker.leaseTTL), zap.Error(err))
	case deleted == 0:
		locker.logger.Warn("region lease expired before release", zap.String("key", redisKey), zap.Duration("lease_ttl", locker.leaseTTL))
	}
}
