package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// fakeRedis 内存版 Redis，同时满足 redisClient 与 redisLockClient
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration

	mgets atomic.Int32
	fail  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mgets.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewSliceResult(nil, f.fail)
	}
	vals := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = toString(value)
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = toString(value)
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(keys) == 1 && len(args) == 1 && f.data[keys[0]] == toString(args[0]) {
		delete(f.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	default:
		panic("unexpected redis value")
	}
}

// fakeNATS 同一进程内模拟 NATS 主题：Publish 同步投递给所有订阅者
type fakeNATS struct {
	mu   sync.Mutex
	subs map[string][]nats.MsgHandler
}

func newFakeNATS() *fakeNATS {
	return &fakeNATS{subs: make(map[string][]nats.MsgHandler)}
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.mu.Lock()
	handlers := append([]nats.MsgHandler(nil), f.subs[subj]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func (f *fakeNATS) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[subj] = append(f.subs[subj], cb)
	return nil, nil
}

// countingLoader 记录每次调用的键
type countingLoader struct {
	mu    sync.Mutex
	calls [][]int64
	data  map[int64]string
	delay time.Duration
}

func (l *countingLoader) load(_ context.Context, keys []int64) (map[int64]string, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	l.calls = append(l.calls, append([]int64(nil), keys...))
	l.mu.Unlock()
	out := make(map[int64]string)
	for _, k := range keys {
		if v, ok := l.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *countingLoader) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

type lockerFunc func(ctx context.Context, name string, wait, lease time.Duration) (func(context.Context) error, error)

func (f lockerFunc) Lock(ctx context.Context, name string, wait, lease time.Duration) (func(context.Context) error, error) {
	return f(ctx, name, wait, lease)
}
