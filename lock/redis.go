package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	redisKeyPrefix = "approval:lock:"
	retryInterval  = 20 * time.Millisecond
)

// ErrLockLost means the lock expired or changed hands before it was released.
var ErrLockLost = errors.New("lock expired before release")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process talking to the same Redis.
// A lock expires after ttl so a crashed holder cannot block a key forever.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger logrus.FieldLogger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithLogger sets where failed releases are reported.
func WithLogger(logger logrus.FieldLogger) RedisOption {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisLocker creates a RedisLocker. ttl defaults to ten seconds.
func NewRedisLocker(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	l := &RedisLocker{client: client, ttl: ttl, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock polls SET NX until it wins the key or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire lock %s", key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := l.release(releaseCtx, redisKey, token); err != nil {
				l.logger.WithField("key", key).WithError(err).Warn("release lock failed")
			}
		})
	}, nil
}

// release deletes redisKey if it still holds token. A lock that expired or
// was taken over by another holder is reported as ErrLockLost.
func (l *RedisLocker) release(ctx context.Context, redisKey, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
	if err != nil {
		return errors.Wrap(err, "run release script")
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
