// Package lock provides TTL-bounded distributed mutual exclusion over one or
// more independent Redis instances (Redlock: a lock needs a majority).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock errors
var (
	ErrLockUnavailable = errors.New("lock unavailable")
	ErrNoBrokers       = errors.New("at least one redis instance is required")
	ErrNilLock         = errors.New("nil lock")
)

// releaseTimeout bounds a release that runs after the caller's context ended
const releaseTimeout = 2 * time.Second

// Config controls acquisition retries. The zero value makes a single
// attempt; use DefaultConfig for the usual retry schedule.
type Config struct {
	RetryCount int           // retries after the first attempt
	RetryDelay time.Duration // delay between attempts
}

// DefaultConfig retries 10 times, 200ms apart
func DefaultConfig() Config {
	return Config{RetryCount: 10, RetryDelay: 200 * time.Millisecond}
}

// Budget is how long work under a lock with the given ttl may run: the ttl
// less a tenth, so the work is cut off before the lock can lapse under it.
func Budget(ttl time.Duration) time.Duration {
	return ttl - ttl/10
}

// Lock is a held distributed lock
type Lock struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time

	mutex *redsync.Mutex
}

// Expiry returns when the broker will drop the lock if it is not released
func (l *Lock) Expiry() time.Time {
	return l.mutex.Until()
}

// Broker acquires and releases locks
type Broker struct {
	rs      *redsync.Redsync
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewBroker creates a broker over the given independent Redis instances
func NewBroker(clients []redis.UniversalClient, cfg Config, logger logging.Logger, reg *metrics.Registry) (*Broker, error) {
	if len(clients) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, c := range clients {
		pools = append(pools, goredis.NewPool(c))
	}

	return &Broker{
		rs:      redsync.New(pools...),
		cfg:     cfg,
		logger:  logging.OrDefault(logger).With(logging.Component("lock")),
		metrics: reg,
	}, nil
}

// Acquire takes key for ttl. Contention and broker outages both surface as
// ErrLockUnavailable once the retries are spent; the caller decides whether to retry.
func (b *Broker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	mutex := b.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(b.cfg.RetryCount+1),
		redsync.WithRetryDelay(b.cfg.RetryDelay),
		redsync.WithGenValueFunc(func() (string, error) {
			return uuid.NewString(), nil
		}),
	)

	if err := mutex.LockContext(ctx); err != nil {
		b.metrics.RecordLockAcquire(key, false)
		b.logger.Warn("lock refused", logging.LockKey(key), logging.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, key, err)
	}

	b.metrics.RecordLockAcquire(key, true)
	b.logger.Debug("lock acquired", logging.LockKey(key), logging.Duration("ttl", ttl))

	return &Lock{
		Key:        key,
		Token:      mutex.Value(),
		TTL:        ttl,
		AcquiredAt: time.Now(),
		mutex:      mutex,
	}, nil
}

// Release drops the lock if it is still held with this token. It returns
// false when the lock had already expired or been taken over.
func (b *Broker) Release(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, ErrNilLock
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
	}

	b.metrics.RecordLockHold(l.Key, time.Since(l.AcquiredAt))

	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		b.logger.Error("lock release failed", logging.LockKey(l.Key), logging.Error(err))
		return ok, fmt.Errorf("failed to release %s: %w", l.Key, err)
	}
	return ok, nil
}

// WithLock runs fn while holding key and always releases afterwards,
// whether fn succeeds, fails or panics.
func (b *Broker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := b.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer b.Release(ctx, l)

	return fn(ctx)
}

// WithLocks acquires every key in order, runs fn, and releases in reverse order.
// If any key cannot be acquired the ones already held are released.
func (b *Broker) WithLocks(ctx context.Context, keys []string, ttl time.Duration, fn func(ctx context.Context) error) error {
	held := make([]*Lock, 0, len(keys))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			b.Release(ctx, held[i])
		}
	}()

	for _, key := range keys {
		l, err := b.Acquire(ctx, key, ttl)
		if err != nil {
			return err
		}
		held = append(held, l)
	}
	return fn(ctx)
}
