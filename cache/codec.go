package cache

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec 远端缓存层的值编解码
type Codec[V any] interface {
	Encode(v Cached[V]) ([]byte, error)
	Decode(data []byte) (Cached[V], error)
}

type envelope[V any] struct {
	Present bool `msgpack:"p"`
	Value   V    `msgpack:"v,omitempty"`
}

// MsgpackCodec 基于 msgpack 的编解码
//
// 解码到 interface{} 时整数统一为 int64、浮点统一为 float64，与本地层的主键规整方式一致。
type MsgpackCodec[V any] struct{}

func (MsgpackCodec[V]) Encode(v Cached[V]) ([]byte, error) {
	env := envelope[V]{Present: v.Present}
	if v.Present {
		env.Value = v.Value
	}
	return msgpack.Marshal(&env)
}

func (MsgpackCodec[V]) Decode(data []byte) (Cached[V], error) {
	var env envelope[V]
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&env); err != nil {
		return Cached[V]{}, err
	}
	if !env.Present {
		return Absent[V](), nil
	}
	return Hit(env.Value), nil
}

// mapCodec 先把值转换为可编码的中间形式再交给 msgpack
type mapCodec[V any, W any] struct {
	to   func(V) W
	from func(W) (V, error)
}

func (c mapCodec[V, W]) Encode(v Cached[V]) ([]byte, error) {
	if !v.Present {
		return MsgpackCodec[W]{}.Encode(Absent[W]())
	}
	return MsgpackCodec[W]{}.Encode(Hit(c.to(v.Value)))
}

func (c mapCodec[V, W]) Decode(data []byte) (Cached[V], error) {
	w, err := MsgpackCodec[W]{}.Decode(data)
	if err != nil || !w.Present {
		return Absent[V](), err
	}
	v, err := c.from(w.Value)
	if err != nil {
		return Absent[V](), err
	}
	return Hit(v), nil
}
