package ratelimit_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jarvis/internal/ratelimit"
	"github.com/ashita-ai/jarvis/internal/testutil"
)

var (
	testRedis    *redis.Client
	testRedisURL string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartRedis()
	testRedisURL = tc.DSN
	opts, err := redis.ParseURL(tc.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse redis url: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testRedis = redis.NewClient(opts)
	if err := testRedis.Ping(context.Background()).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	tc.Terminate()
	os.Exit(code)
}

// newTestCounter shares the package client, so Close is a no-op.
func newTestCounter(t *testing.T) *ratelimit.RedisCounter {
	t.Helper()
	testutil.SkipIfShort(t)
	return ratelimit.NewRedisCounter(testRedis)
}

func TestRedisCounterIncrSetsExpiryOnce(t *testing.T) {
	c := newTestCounter(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	n, err := c.Incr(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, testRedis.Expire(ctx, key, 10*time.Minute).Err())
	n, err = c.Incr(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := testRedis.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 10*time.Minute, "EXPIRE NX leaves an existing expiry alone")
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisCounterConcurrent(t *testing.T) {
	c := newTestCounter(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Incr(ctx, key, time.Minute)
		}()
	}
	wg.Wait()

	got, err := testRedis.Get(ctx, key).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(20), got)
}

func TestCheckerOverRedis(t *testing.T) {
	c := newTestCounter(t)
	checker := ratelimit.NewChecker(c, ratelimit.Limits{
		PerThread: 100, PerNode: 100, PerRun: 3, PerFlowDaily: 100, PerAccountDaily: 100,
	}, testutil.TestLogger())

	s := ratelimit.Scope{AccountID: uuid.NewString(), FlowID: uuid.New(), RunID: uuid.New()}
	ctx := context.Background()
	for range 3 {
		require.NoError(t, checker.CheckLLMCallLimits(ctx, s))
	}
	err := checker.CheckLLMCallLimits(ctx, s)
	require.ErrorIs(t, err, ratelimit.ErrLimitExceeded)
	assert.Equal(t, "LLM call limit exceeded (run: 4/3)", err.Error())
}

func TestDialRedisCounter(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()

	c, err := ratelimit.DialRedisCounter(ctx, testRedisURL)
	require.NoError(t, err)
	n, err := c.Incr(ctx, "test:"+uuid.NewString(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, c.Close())

	_, err = ratelimit.DialRedisCounter(ctx, "not a url")
	assert.Error(t, err)
}
