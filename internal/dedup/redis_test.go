package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSetNXer struct {
	mock.Mock
}

func (m *MockSetNXer) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	return redis.NewBoolResult(args.Bool(0), args.Error(1))
}

func (m *MockSetNXer) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

// memorySetNX emulates SETNX semantics for shared-state tests
type memorySetNX struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memorySetNX) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	m.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (m *memorySetNX) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if m.keys[k] {
			delete(m.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisGuard_CheckAndMark(t *testing.T) {
	store := new(MockSetNXer)
	store.On("SetNX", mock.Anything, "adp:dedup:evt-1", 1, time.Hour).Return(true, nil).Once()
	store.On("SetNX", mock.Anything, "adp:dedup:evt-1", 1, time.Hour).Return(false, nil).Once()

	guard := NewRedisGuard(store, time.Hour, true, zap.NewNop())

	res, err := guard.CheckAndMark(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Unique, res)

	res, err = guard.CheckAndMark(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)

	store.AssertExpectations(t)
}

func TestRedisGuard_Failure(t *testing.T) {
	store := new(MockSetNXer)
	store.On("SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("connection refused"))

	open := NewRedisGuard(store, time.Hour, true, zap.NewNop())
	res, err := open.CheckAndMark(context.Background(), "evt-1")
	assert.NoError(t, err)
	assert.Equal(t, Unique, res)

	closed := NewRedisGuard(store, time.Hour, false, zap.NewNop())
	_, err = closed.CheckAndMark(context.Background(), "evt-1")
	assert.Error(t, err)
}

func TestTiered_SharedAcrossInstances(t *testing.T) {
	shared := &memorySetNX{keys: map[string]bool{}}

	a, _ := newTestFilter(t, Config{})
	b, _ := newTestFilter(t, Config{})
	first := NewTiered(a, NewRedisGuard(shared, time.Hour, false, zap.NewNop()))
	second := NewTiered(b, NewRedisGuard(shared, time.Hour, false, zap.NewNop()))

	res, err := first.CheckAndMark(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Unique, res)

	res, err = second.CheckAndMark(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)

	// the local tier answers without reaching the guard
	res, err = first.CheckAndMark(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
}

func TestTiered_LocalOnly(t *testing.T) {
	f, _ := newTestFilter(t, Config{})
	tiered := NewTiered(f, nil)

	res, err := tiered.CheckAndMark(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Unique, res)
	assert.Same(t, f, tiered.Local())
}

func TestTiered_ForgetAllowsRedelivery(t *testing.T) {
	shared := &memorySetNX{keys: map[string]bool{}}
	f, _ := newTestFilter(t, Config{})
	tiered := NewTiered(f, NewRedisGuard(shared, time.Hour, false, zap.NewNop()))
	ctx := context.Background()

	res, err := tiered.CheckAndMark(ctx, "evt-1")
	require.NoError(t, err)
	require.Equal(t, Unique, res)

	require.NoError(t, tiered.Forget(ctx, "evt-1"))
	assert.False(t, f.Contains("evt-1"))

	res, err = tiered.CheckAndMark(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Unique, res)
}

func TestTiered_GuardErrorLeavesKeyUnmarked(t *testing.T) {
	store := new(MockSetNXer)
	store.On("SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("timeout"))

	f, _ := newTestFilter(t, Config{})
	tiered := NewTiered(f, NewRedisGuard(store, time.Hour, false, zap.NewNop()))

	_, err := tiered.CheckAndMark(context.Background(), "evt-1")
	require.Error(t, err)
	assert.False(t, f.Contains("evt-1"))
}
