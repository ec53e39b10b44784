package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gorel/errors"
)

// coalescer 把同名的并发填充合并为一次
type coalescer interface {
	coalesce(name string, fn func() (any, error)) (any, error)
}

// LocalLocker 进程内的按名互斥锁
//
// 同一进程内对同一组键的并发填充先经 singleflight 合并；
// 不同进程之间的互斥需要 RedisLocker。
type LocalLocker struct {
	group singleflight.Group

	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{} // 容量为 1，放入即持有
	refs int
}

// NewLocalLocker 创建进程内锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) coalesce(name string, fn func() (any, error)) (any, error) {
	v, err, _ := l.group.Do(name, fn)
	return v, err
}

// Lock 获取锁；lease 在进程内无意义，持有者总会显式释放
func (l *LocalLocker) Lock(ctx context.Context, name string, wait, _ time.Duration) (func(context.Context) error, error) {
	lk := l.acquireRef(name)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case lk.ch <- struct{}{}:
	case <-timer.C:
		l.releaseRef(name)
		return nil, errors.NewError(errors.ErrCodeCache, "等待缓存锁超时").
			WithDetails(map[string]any{"lock": name, "wait": wait.String()})
	case <-ctx.Done():
		l.releaseRef(name)
		return nil, errors.WrapError(ctx.Err(), errors.ErrCodeCache, "等待缓存锁被取消").WithContext("lock", name)
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-lk.ch
			l.releaseRef(name)
		})
		return nil
	}, nil
}

func (l *LocalLocker) acquireRef(name string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[name]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[name] = lk
	}
	lk.refs++
	return lk
}

func (l *LocalLocker) releaseRef(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[name]
	if !ok {
		return
	}
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, name)
	}
}
