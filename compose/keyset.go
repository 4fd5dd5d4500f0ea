/*
 * keyset.go - 状态键集合
 *
 * 核心组件：
 *   - KeySet: 以 (Name, Scope) 为身份的不可变状态键集合
 *
 * 设计特点：
 *   - 不可变: 所有运算返回新集合，节点的读写集构造后不再变化
 *   - 确定序: Refs 返回按带前缀键名排序的切片，保证诊断输出稳定
 *   - 类型共存: 同一身份出现不同类型标注时保留首个，冲突由类型检查上报
 */

package compose

import (
	"sort"

	"github.com/favbox/weave/schema"
)

// keyIdent 是键的身份，仅由名称与作用域构成
type keyIdent struct {
	name  string
	scope schema.Scope
}

// KeySet 是不可变的状态键集合，身份由 (Name, Scope) 决定。
// 节点的读写集在构造期自底向上计算一次，之后只读。
type KeySet struct {
	m map[keyIdent]schema.StateKeyRef
}

// NewKeySet 由键引用列表创建集合。
// 同一身份的重复引用只保留首个（类型标注冲突交由类型检查处理）。
func NewKeySet(refs ...schema.StateKeyRef) KeySet {
	m := make(map[keyIdent]schema.StateKeyRef, len(refs))
	for _, ref := range refs {
		id := keyIdent{name: ref.Name, scope: ref.Scope}
		if _, ok := m[id]; !ok {
			m[id] = ref
		}
	}
	return KeySet{m: m}
}

// Has 判断集合是否包含与 ref 同身份的键
func (s KeySet) Has(ref schema.StateKeyRef) bool {
	_, ok := s.m[keyIdent{name: ref.Name, scope: ref.Scope}]
	return ok
}

// Len 返回集合大小
func (s KeySet) Len() int {
	return len(s.m)
}

// Refs 返回集合中的全部键引用，按带前缀键名排序
func (s KeySet) Refs() []schema.StateKeyRef {
	refs := make([]schema.StateKeyRef, 0, len(s.m))
	for _, ref := range s.m {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})
	return refs
}

// Union 返回与其他集合的并集，原集合不变
func (s KeySet) Union(others ...KeySet) KeySet {
	size := len(s.m)
	for _, o := range others {
		size += len(o.m)
	}

	m := make(map[keyIdent]schema.StateKeyRef, size)
	for id, ref := range s.m {
		m[id] = ref
	}
	for _, o := range others {
		for id, ref := range o.m {
			if _, ok := m[id]; !ok {
				m[id] = ref
			}
		}
	}
	return KeySet{m: m}
}

// Without 返回去除指定键后的新集合
func (s KeySet) Without(refs ...schema.StateKeyRef) KeySet {
	m := make(map[keyIdent]schema.StateKeyRef, len(s.m))
	for id, ref := range s.m {
		m[id] = ref
	}
	for _, ref := range refs {
		delete(m, keyIdent{name: ref.Name, scope: ref.Scope})
	}
	return KeySet{m: m}
}

// Intersect 返回与另一集合的交集
func (s KeySet) Intersect(o KeySet) KeySet {
	m := make(map[keyIdent]schema.StateKeyRef)
	for id, ref := range s.m {
		if _, ok := o.m[id]; ok {
			m[id] = ref
		}
	}
	return KeySet{m: m}
}
