// Package mutation 实现实体图的保存、删除以及关联脱钩
//
// 命令执行期间创建的 Shape、MutationPath、计数器等对象只属于这一次命令，
// 元数据（orm.Schema）只读共享。
package mutation

import (
	"strings"

	"gorel/data/orm"
)

// MutationPath 从命令根到当前节点的关联链，只通过 To/BackFrom 派生新节点
type MutationPath struct {
	parent   *MutationPath
	typ      *orm.EntityType
	prop     *orm.Prop
	backProp *orm.Prop
	depth    int
}

// RootPath 创建根路径
func RootPath(t *orm.EntityType) *MutationPath {
	return &MutationPath{typ: t}
}

// To 沿本类型上的关联属性前进
func (p *MutationPath) To(prop *orm.Prop) *MutationPath {
	return &MutationPath{
		parent: p,
		typ:    prop.Target(),
		prop:   prop,
		depth:  p.depth + 1,
	}
}

// BackFrom 沿子表指回本类型的外键属性前进（脱钩/级联删除使用）
func (p *MutationPath) BackFrom(backProp *orm.Prop) *MutationPath {
	return &MutationPath{
		parent:   p,
		typ:      backProp.Owner(),
		backProp: backProp,
		depth:    p.depth + 1,
	}
}

func (p *MutationPath) Type() *orm.EntityType { return p.typ }
func (p *MutationPath) Parent() *MutationPath { return p.parent }
func (p *MutationPath) Prop() *orm.Prop       { return p.prop }
func (p *MutationPath) BackProp() *orm.Prop   { return p.backProp }
func (p *MutationPath) Depth() int            { return p.depth }

// Root 路径起点的实体类型
func (p *MutationPath) Root() *orm.EntityType {
	cur := p
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur.typ
}

// String 渲染为错误详情中的 exportedPath，例如
//
//	<root>.books.authors
//	<root>.[Book.store]
func (p *MutationPath) String() string {
	var segs []string
	for cur := p; cur.parent != nil; cur = cur.parent {
		switch {
		case cur.prop != nil:
			segs = append(segs, cur.prop.Name())
		case cur.backProp != nil:
			segs = append(segs, "["+cur.backProp.String()+"]")
		}
	}
	var sb strings.Builder
	sb.WriteString("<root>")
	for i := len(segs) - 1; i >= 0; i-- {
		sb.WriteString(".")
		sb.WriteString(segs[i])
	}
	return sb.String()
}
