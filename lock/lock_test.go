package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exclusive runs n goroutines that increment a counter under the lock and
// reports the highest number of holders observed at once.
func exclusive(t *testing.T, l Locker, key string, n int) int32 {
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			cur := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxInside)
				if cur <= old || atomic.CompareAndSwapInt32(&maxInside, old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	return maxInside
}

func TestLocalLocker(t *testing.T) {
	t.Run("Exclusive", func(t *testing.T) {
		l := NewLocalLocker()
		assert.Equal(t, int32(1), exclusive(t, l, "contract:1", 20))
		assert.Equal(t, 0, l.Len())
	})

	t.Run("IndependentKeys", func(t *testing.T) {
		l := NewLocalLocker()
		u1, err := l.Lock(context.Background(), "contract:1")
		require.NoError(t, err)
		u2, err := l.Lock(context.Background(), "contract:2")
		require.NoError(t, err)
		assert.Equal(t, 2, l.Len())
		u1()
		u2()
		assert.Equal(t, 0, l.Len())
	})

	t.Run("ContextTimeout", func(t *testing.T) {
		l := NewLocalLocker()
		unlock, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, "k")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock()
		assert.Equal(t, 0, l.Len())
	})
}

func TestNop(t *testing.T) {
	unlock, err := Nop{}.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Nop{}.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisLocker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	t.Run("Exclusive", func(t *testing.T) {
		l := NewRedisLocker(client, time.Second)
		assert.Equal(t, int32(1), exclusive(t, l, "contract:1", 10))
		assert.False(t, mr.Exists(redisKeyPrefix+"contract:1"))
	})

	t.Run("ReleaseKeepsForeignToken", func(t *testing.T) {
		logger, hook := logtest.NewNullLogger()
		l := NewRedisLocker(client, time.Second, WithLogger(logger))
		unlock, err := l.Lock(context.Background(), "contract:2")
		require.NoError(t, err)

		// the lock expired and another holder took the key
		require.NoError(t, mr.Set(redisKeyPrefix+"contract:2", "someone-else"))
		unlock()

		v, err := mr.Get(redisKeyPrefix + "contract:2")
		require.NoError(t, err)
		assert.Equal(t, "someone-else", v)

		require.Len(t, hook.AllEntries(), 1)
		entry := hook.LastEntry()
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, "contract:2", entry.Data["key"])
		assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), ErrLockLost)
	})

	t.Run("ReleaseExpired", func(t *testing.T) {
		logger, hook := logtest.NewNullLogger()
		l := NewRedisLocker(client, time.Second, WithLogger(logger))
		unlock, err := l.Lock(context.Background(), "contract:4")
		require.NoError(t, err)

		mr.FastForward(2 * time.Second)
		unlock()
		unlock()

		require.Len(t, hook.AllEntries(), 1)
		assert.ErrorIs(t, hook.LastEntry().Data[logrus.ErrorKey].(error), ErrLockLost)
	})

	t.Run("ReleaseQuiet", func(t *testing.T) {
		logger, hook := logtest.NewNullLogger()
		l := NewRedisLocker(client, time.Second, WithLogger(logger))
		unlock, err := l.Lock(context.Background(), "contract:5")
		require.NoError(t, err)
		unlock()

		assert.Empty(t, hook.AllEntries())
		assert.False(t, mr.Exists(redisKeyPrefix+"contract:5"))
	})

	t.Run("ContextTimeout", func(t *testing.T) {
		l := NewRedisLocker(client, time.Second)
		unlock, err := l.Lock(context.Background(), "contract:3")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, "contract:3")
		assert.Error(t, err)
	})
}
