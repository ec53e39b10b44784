// Package idgen 为保存命令提供主键生成器
package idgen

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gorel/data/orm"
)

// Generator 为指定实体类型生成新主键
type Generator interface {
	Generate(ctx context.Context, t *orm.EntityType) (any, error)
}

// GeneratorFunc 函数适配器
type GeneratorFunc func(ctx context.Context, t *orm.EntityType) (any, error)

func (f GeneratorFunc) Generate(ctx context.Context, t *orm.EntityType) (any, error) {
	return f(ctx, t)
}

// UUID 生成 v4 UUID 字符串主键
type UUID struct{}

func (UUID) Generate(context.Context, *orm.EntityType) (any, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

// Registry 按名称注册的生成器集合
type Registry struct {
	mu   sync.RWMutex
	gens map[string]Generator
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{gens: make(map[string]Generator)}
}

// Register 注册生成器（同名覆盖）
func (r *Registry) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[name] = g
}

// Lookup 查找生成器
func (r *Registry) Lookup(name string) (Generator, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gens[name]
	return g, ok
}

// For 返回实体类型声明的生成器
func (r *Registry) For(t *orm.EntityType) (Generator, error) {
	if t.IDStrategy() != orm.IDGenerated {
		return nil, fmt.Errorf("idgen: %s does not use a generator", t.Name())
	}
	g, ok := r.Lookup(t.GeneratorName())
	if !ok {
		return nil, fmt.Errorf("idgen: generator %q for %s is not registered", t.GeneratorName(), t.Name())
	}
	return g, nil
}
