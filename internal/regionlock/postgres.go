package regionlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	sqlAdvisoryLock   = `SELECT pg_advisory_lock(hashtext($1))`
	sqlAdvisoryUnlock = `SELECT pg_advisory_unlock(hashtext($1))`

	postgresKeyPrefix    = "tutorbook:region:"
	defaultUnlockTimeout = 5 * time.Second
)

// Postgres serialises regions across instances sharing one database through
// session-level advisory locks. Each held region pins a pooled connection.
type Postgres struct {
	pool          *pgxpool.Pool
	unlockTimeout time.Duration
	logger        *zap.Logger
}

// NewPostgres wires an advisory locker on top of pool. A nil logger discards
// unlock failures.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: postgres pool is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, unlockTimeout: defaultUnlockTimeout, logger: logger}, nil
}

// Lock blocks in pg_advisory_lock until the region is free or ctx is done.
func (locker *Postgres) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := postgresKeyPrefix + key
	conn, err := locker.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("regionlock: acquire connection for %s: %w", key, err)
	}
	if _, err := conn.Exec(ctx, sqlAdvisoryLock, lockKey); err != nil {
		// a cancelled lock query leaves the session state unknown.
		conn.Conn().Close(context.Background())
		conn.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("regionlock: acquire %s: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), locker.unlockTimeout)
			defer cancel()
			if _, err := conn.Exec(unlockCtx, sqlAdvisoryUnlock, lockKey); err != nil {
				// closing the session drops every advisory lock it holds.
				locker.logger.Warn("advisory unlock failed", zap.String("key", lockKey), zap.Error(err))
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}
