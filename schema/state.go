/*
 * state.go - 作用域键值状态模型
 *
 * 核心组件：
 *   - Scope: 状态键的作用域（会话、用户、应用、临时）
 *   - StateKeyRef: 静态状态键引用，既是运行期访问器又是分析期令牌
 *   - State / StateView: 状态快照及其只读视图
 *   - StateDelta: 状态增量，支持三种应用语义
 *
 * 设计特点：
 *   - 前缀编码: 作用域通过键名前缀表达（user: / app: / temp:），会话键无前缀
 *   - 显式置空: 多数后备存储没有删除操作，"删除"统一表达为写入 nil
 *   - 不可变应用: Apply 返回新状态，输入状态不被修改
 *   - 纯函数变换: TransformFunc 只读取视图并产出增量，不产生副作用
 *
 * 与其他包关系：
 *   - 为 compose 提供节点读写集的元素类型
 *   - 为 analyze 提供数据流分析的静态令牌
 *   - 为 backend 提供执行期的状态快照与增量应用
 */

package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/favbox/weave/internal/gmap"
)

// Scope 表示状态键的作用域
type Scope uint8

const (
	// ScopeSession 会话作用域，键无前缀，生命周期为一次流水线运行
	ScopeSession Scope = iota
	// ScopeUser 用户作用域，键前缀为 "user:"，跨会话保留
	ScopeUser
	// ScopeApp 应用作用域，键前缀为 "app:"，全局共享
	ScopeApp
	// ScopeEphemeral 临时作用域，键前缀为 "temp:"，仅当次调用可见
	ScopeEphemeral
)

// 作用域的键名前缀
const (
	prefixUser      = "user:"
	prefixApp       = "app:"
	prefixEphemeral = "temp:"
)

// String 返回作用域的可读名称
func (s Scope) String() string {
	switch s {
	case ScopeSession:
		return "session"
	case ScopeUser:
		return "user"
	case ScopeApp:
		return "app"
	case ScopeEphemeral:
		return "temp"
	default:
		return fmt.Sprintf("unknown scope: %d", s)
	}
}

// prefix 返回作用域对应的键名前缀，会话作用域无前缀
func (s Scope) prefix() string {
	switch s {
	case ScopeUser:
		return prefixUser
	case ScopeApp:
		return prefixApp
	case ScopeEphemeral:
		return prefixEphemeral
	default:
		return ""
	}
}

// StateKeyRef 是对状态键的静态引用。
// 身份由 (Name, Scope) 决定，构造后不可变。
// 既作为运行期的状态访问器，也作为分析器消费的静态令牌。
type StateKeyRef struct {
	// Name 键名，不含作用域前缀
	Name string
	// Scope 键的作用域
	Scope Scope
	// Type 可选的语义类型标注，仅参与类型一致性检查
	Type string
}

// Key 创建会话作用域的状态键引用
func Key(name string) StateKeyRef {
	return StateKeyRef{Name: name, Scope: ScopeSession}
}

// ScopedKey 创建指定作用域的状态键引用
func ScopedKey(name string, scope Scope) StateKeyRef {
	return StateKeyRef{Name: name, Scope: scope}
}

// TypedKey 创建携带语义类型标注的会话作用域键引用
func TypedKey(name, typ string) StateKeyRef {
	return StateKeyRef{Name: name, Scope: ScopeSession, Type: typ}
}

// ParseKey 从带前缀的键名字符串解析状态键引用。
//
// 示例:
//
//	ParseKey("intent")      // {Name: "intent", Scope: ScopeSession}
//	ParseKey("user:pref")   // {Name: "pref", Scope: ScopeUser}
//	ParseKey("temp:buffer") // {Name: "buffer", Scope: ScopeEphemeral}
func ParseKey(s string) StateKeyRef {
	switch {
	case strings.HasPrefix(s, prefixUser):
		return StateKeyRef{Name: strings.TrimPrefix(s, prefixUser), Scope: ScopeUser}
	case strings.HasPrefix(s, prefixApp):
		return StateKeyRef{Name: strings.TrimPrefix(s, prefixApp), Scope: ScopeApp}
	case strings.HasPrefix(s, prefixEphemeral):
		return StateKeyRef{Name: strings.TrimPrefix(s, prefixEphemeral), Scope: ScopeEphemeral}
	default:
		return StateKeyRef{Name: s, Scope: ScopeSession}
	}
}

// String 返回键的带前缀字符串形式，会话键无前缀
func (k StateKeyRef) String() string {
	return k.Scope.prefix() + k.Name
}

// SameIdentity 判断两个键引用是否指向同一状态键。
// 身份只由 (Name, Scope) 决定，类型标注不参与比较。
func (k StateKeyRef) SameIdentity(o StateKeyRef) bool {
	return k.Name == o.Name && k.Scope == o.Scope
}

// ====== 状态快照 ======

// State 是一次执行的状态快照，键为带前缀的键名字符串。
// 值为 nil 表示该键已被显式置空（多数后备存储没有删除操作）。
type State map[string]any

// Clone 返回状态的浅拷贝
func (s State) Clone() State {
	return State(gmap.Clone(map[string]any(s)))
}

// StateView 是状态快照的只读视图。
// 变换函数和断言只通过视图访问状态，保证分析与执行的纯函数性质。
type StateView interface {
	// Get 按带前缀的键名取值，第二个返回值指示键是否存在
	Get(key string) (any, bool)
	// GetRef 按键引用取值
	GetRef(ref StateKeyRef) (any, bool)
	// Has 判断键是否存在且未被置空
	Has(key string) bool
	// Keys 返回全部键名，升序排列
	Keys() []string
	// Len 返回键的数量
	Len() int
}

// stateView 是 State 上的只读视图实现
type stateView struct {
	s State
}

// NewStateView 基于状态快照创建只读视图。
// 视图不复制数据，调用方需保证快照在视图存续期间不被修改。
func NewStateView(s State) StateView {
	return &stateView{s: s}
}

func (v *stateView) Get(key string) (any, bool) {
	val, ok := v.s[key]
	return val, ok
}

func (v *stateView) GetRef(ref StateKeyRef) (any, bool) {
	return v.Get(ref.String())
}

func (v *stateView) Has(key string) bool {
	val, ok := v.s[key]
	return ok && val != nil
}

func (v *stateView) Keys() []string {
	keys := make([]string, 0, len(v.s))
	for k := range v.s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v *stateView) Len() int {
	return len(v.s)
}

// ====== 状态增量 ======

// DeltaSemantics 表示状态增量的应用语义
type DeltaSemantics uint8

const (
	// DeltaMerge 累加合并，增量中的键覆盖同名键
	DeltaMerge DeltaSemantics = iota
	// DeltaReplaceScoped 作用域内整体替换：增量未包含的会话键被显式置空，
	// 跨作用域（user/app）键不受影响
	DeltaReplaceScoped
	// DeltaDeleteKeys 精确置空指定键
	DeltaDeleteKeys
)

// String 返回增量语义的可读名称
func (d DeltaSemantics) String() string {
	switch d {
	case DeltaMerge:
		return "Merge"
	case DeltaReplaceScoped:
		return "ReplaceScoped"
	case DeltaDeleteKeys:
		return "DeleteKeys"
	default:
		return fmt.Sprintf("unknown delta semantics: %d", d)
	}
}

// StateDelta 表示一次状态变更。
// Values 在 Merge 与 ReplaceScoped 语义下生效，Keys 在 DeleteKeys 语义下生效。
type StateDelta struct {
	// Semantics 增量的应用语义
	Semantics DeltaSemantics
	// Values 要写入的键值，键为带前缀的键名字符串
	Values map[string]any
	// Keys 要置空的键引用列表，仅 DeleteKeys 语义使用
	Keys []StateKeyRef
}

// MergeDelta 创建累加合并语义的增量
func MergeDelta(values map[string]any) *StateDelta {
	return &StateDelta{Semantics: DeltaMerge, Values: values}
}

// ReplaceScopedDelta 创建作用域内整体替换语义的增量
func ReplaceScopedDelta(values map[string]any) *StateDelta {
	return &StateDelta{Semantics: DeltaReplaceScoped, Values: values}
}

// DeleteKeysDelta 创建精确置空语义的增量
func DeleteKeysDelta(keys ...StateKeyRef) *StateDelta {
	return &StateDelta{Semantics: DeltaDeleteKeys, Keys: keys}
}

// Apply 将增量应用到状态，返回新状态，输入状态不被修改。
// delta 为 nil 时返回原状态的拷贝。
//
// ReplaceScoped 语义的不对称性是有意设计：删除只能表达为显式写 nil，
// 且只在变换自身拥有的会话作用域内发生，跨作用域键永不被隐式清除。
func Apply(state State, delta *StateDelta) State {
	next := state.Clone()
	if next == nil {
		next = make(State)
	}
	if delta == nil {
		return next
	}

	switch delta.Semantics {
	case DeltaMerge:
		for k, v := range delta.Values {
			next[k] = v
		}

	case DeltaReplaceScoped:
		// 先置空所有不在结果中的会话键，再写入结果
		for k := range next {
			if ParseKey(k).Scope != ScopeSession {
				continue
			}
			if _, ok := delta.Values[k]; !ok {
				next[k] = nil
			}
		}
		for k, v := range delta.Values {
			next[k] = v
		}

	case DeltaDeleteKeys:
		for _, ref := range delta.Keys {
			next[ref.String()] = nil
		}
	}

	return next
}

// TransformFunc 是纯状态变换函数：读取状态视图，产出状态增量。
// 不得产生副作用，不得修改视图背后的状态。
type TransformFunc func(view StateView) (*StateDelta, error)
