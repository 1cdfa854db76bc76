package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func exercise(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	t.Run("serializes same key", func(t *testing.T) {
		var (
			inside  atomic.Int32
			overlap atomic.Bool
			wg      sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := l.Lock(ctx, "alice")
				require.NoError(t, err)
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				release()
			}()
		}
		wg.Wait()
		assert.False(t, overlap.Load())
	})

	t.Run("different keys are independent", func(t *testing.T) {
		releaseA, err := l.Lock(ctx, "a")
		require.NoError(t, err)
		defer releaseA()

		tctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		releaseB, err := l.Lock(tctx, "b")
		require.NoError(t, err)
		releaseB()
	})

	t.Run("waiter honours context", func(t *testing.T) {
		release, err := l.Lock(ctx, "busy")
		require.NoError(t, err)
		defer release()

		tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err = l.Lock(tctx, "busy")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestKeyed(t *testing.T) {
	k := NewKeyed()
	exercise(t, k)

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks, "idle keys are dropped")
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	r := NewRedis(rdb, 5*time.Second, zap.NewNop())
	r.prefix = "stakeops:test:" + time.Now().Format("150405.000") + ":"
	exercise(t, r)

	t.Run("release after expiry does not steal", func(t *testing.T) {
		ctx := context.Background()
		core, logs := observer.New(zap.WarnLevel)
		short := NewRedis(rdb, 50*time.Millisecond, zap.New(core))
		short.prefix = r.prefix
		expired, err := short.Lock(ctx, "expiring")
		require.NoError(t, err)
		time.Sleep(80 * time.Millisecond)

		release, err := r.Lock(ctx, "expiring")
		require.NoError(t, err)
		defer release()
		assert.ErrorIs(t, short.release(ctx, r.prefix+"expiring", "stale-token"), ErrNotHeld)

		expired()
		assert.Equal(t, 1, logs.FilterMessage("lock expired before release").Len())
		held, err := rdb.Exists(ctx, r.prefix+"expiring").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), held, "current holder keeps the lock")
	})
}
