package fetcher

import (
	"context"
	"sync"

	"gorel/data/orm"
)

type sessionKey struct{}

// session 一次逻辑操作内共享的已加载行，嵌套的 Fetch 调用复用它避免重复查询
//
// 缓存的是整行对象，取出后由调用方 Clone 再挂到草稿上。
type session struct {
	mu   sync.Mutex
	rows map[*orm.EntityType]map[any]*orm.Object
}

// WithSession 在 ctx 上开启共享会话；ctx 已带会话时原样返回
func WithSession(ctx context.Context) context.Context {
	if _, ok := sessionFrom(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, newSession())
}

func newSession() *session {
	return &session{rows: make(map[*orm.EntityType]map[any]*orm.Object)}
}

func sessionFrom(ctx context.Context) (*session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*session)
	return s, ok
}

// lookup 返回已知的行（nil 值表示已确认不存在）和仍需加载的键
func (s *session) lookup(t *orm.EntityType, keys []any) (map[any]*orm.Object, []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[any]*orm.Object)
	var missing []any
	byKey := s.rows[t]
	for _, k := range keys {
		if row, ok := byKey[k]; ok {
			known[k] = row
			continue
		}
		missing = append(missing, k)
	}
	return known, missing
}

func (s *session) store(t *orm.EntityType, keys []any, rows map[any]*orm.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.rows[t]
	if byKey == nil {
		byKey = make(map[any]*orm.Object)
		s.rows[t] = byKey
	}
	for _, k := range keys {
		byKey[k] = rows[k]
	}
}

// forget 丢弃某类型的已加载行，写操作后调用
func (s *session) forget(t *orm.EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, t)
}

// Invalidate 让 ctx 上会话中某类型的已加载行失效
func Invalidate(ctx context.Context, t *orm.EntityType) {
	if s, ok := sessionFrom(ctx); ok {
		s.forget(t)
	}
}
