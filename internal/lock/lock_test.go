package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_MutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.lock")

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := Acquire(context.Background(), path)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, l.Release())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "held.lock")

	held, err := Acquire(context.Background(), path)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = Acquire(ctx, path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestKeyed_IndependentKeys(t *testing.T) {
	k := NewKeyed(t.TempDir())
	ctx := context.Background()

	unlockAcme, err := k.Lock(ctx, "acme")
	require.NoError(t, err)
	defer unlockAcme()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockGlobex, err := k.Lock(ctx2, "globex")
	require.NoError(t, err, "a different key must not wait for acme's lock")
	unlockGlobex()

	assert.Equal(t, filepath.Join(k.root, "acme", ".lock"), k.Path("acme"))
}

func TestRelease_Idempotent(t *testing.T) {
	l, err := Acquire(context.Background(), filepath.Join(t.TempDir(), "x.lock"))
	require.NoError(t, err)
	require.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}
