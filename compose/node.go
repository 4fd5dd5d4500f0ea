/*
 * node.go - IR 节点代数：封闭的节点变体集合
 *
 * 核心组件：
 *   - Node: 密封接口，IR 的唯一和类型，十三种变体覆盖全部组合形态
 *   - nodeMeta: 各变体共享的元信息（名称、读写集、可见性覆盖）
 *   - NodeKind: 节点种类枚举，供分析器做封闭的种类分派
 *
 * 设计特点：
 *   - 构造即定形: 读写集在构造期自底向上计算一次，之后只读，
 *     IR 是编译产物而非活动对象
 *   - 树形不变量: 图在构造期恒为树，子树复用必须经 CopyTree 显式复制
 *   - 零成本变体: Transform、Route、调度型 Gate 不触发任何宿主调用
 *   - 确定性控制流: 循环出口是核心求值的状态谓词，绝不由叶子自行决定
 *
 * 与其他文件关系：
 *   - operators.go 是构造节点的唯一入口，负责全部构造期校验
 *   - analyze、estimate 只读遍历节点树
 *   - backend 将节点树降级为可执行计划
 */

package compose

import (
	"fmt"
	"time"

	"github.com/favbox/weave/schema"
)

// NodeKind 表示 IR 节点的种类
type NodeKind uint8

const (
	// KindLeaf 叶子节点，一次外部工作单元（模型调用）
	KindLeaf NodeKind = iota
	// KindSequence 严格左到右的顺序组合
	KindSequence
	// KindParallel 并发组合
	KindParallel
	// KindLoop 有界重复，出口为确定性状态谓词
	KindLoop
	// KindRoute 零成本条件分发
	KindRoute
	// KindTransform 零成本状态编辑
	KindTransform
	// KindFallback 按序尝试，首个成功者胜出
	KindFallback
	// KindRace 并发竞速，首个完成者胜出
	KindRace
	// KindGate 条件执行，无 else 分支
	KindGate
	// KindMapOver 逐元素应用，结果收集
	KindMapOver
	// KindTimeout 有界时间包装
	KindTimeout
	// KindModelSelector 成本/质量感知的叶子配置选择
	KindModelSelector
	// KindRemoteCall 进程外叶子，具备网络失败模式
	KindRemoteCall
)

// String 返回节点种类的可读名称
func (k NodeKind) String() string {
	switch k {
	case KindLeaf:
		return "Leaf"
	case KindSequence:
		return "Sequence"
	case KindParallel:
		return "Parallel"
	case KindLoop:
		return "Loop"
	case KindRoute:
		return "Route"
	case KindTransform:
		return "Transform"
	case KindFallback:
		return "Fallback"
	case KindRace:
		return "Race"
	case KindGate:
		return "Gate"
	case KindMapOver:
		return "MapOver"
	case KindTimeout:
		return "Timeout"
	case KindModelSelector:
		return "ModelSelector"
	case KindRemoteCall:
		return "RemoteCall"
	default:
		return fmt.Sprintf("unknown node kind: %d", k)
	}
}

// Visibility 表示节点输出对外部观察者的分类
type Visibility uint8

const (
	// VisibilityUser 对外可见，输出应呈现给外部观察者
	VisibilityUser Visibility = iota
	// VisibilityInternal 内部节点，输出被下游消费，不对外呈现
	VisibilityInternal
	// VisibilityZeroCost 零成本节点，不触发宿主调用
	VisibilityZeroCost
)

// String 返回可见性分类的可读名称
func (v Visibility) String() string {
	switch v {
	case VisibilityUser:
		return "User"
	case VisibilityInternal:
		return "Internal"
	case VisibilityZeroCost:
		return "ZeroCost"
	default:
		return fmt.Sprintf("unknown visibility: %d", v)
	}
}

// Predicate 是核心求值的确定性状态谓词。
// 循环出口与门控条件只能由它表达，绝不委托给叶子的自身行为。
type Predicate func(view schema.StateView) bool

// Node 是 IR 的密封和类型。
// 所有变体构造后不可变，结构共享安全；名称在编译图内唯一。
type Node interface {
	// Name 返回节点在图内的唯一名称
	Name() string
	// Kind 返回节点种类
	Kind() NodeKind
	// Reads 返回节点声明（或推断）的读取键集
	Reads() KeySet
	// Writes 返回节点声明（或推断）的写入键集
	Writes() KeySet
	// VisibilityOverride 返回显式的可见性覆盖，第二个返回值指示是否设置
	VisibilityOverride() (Visibility, bool)
	// Children 返回直接子节点，叶子类变体返回 nil
	Children() []Node

	isNode()
}

// nodeMeta 是各变体共享的元信息
type nodeMeta struct {
	name     string
	reads    KeySet
	writes   KeySet
	override *Visibility
}

func (m *nodeMeta) Name() string   { return m.name }
func (m *nodeMeta) Reads() KeySet  { return m.reads }
func (m *nodeMeta) Writes() KeySet { return m.writes }

func (m *nodeMeta) VisibilityOverride() (Visibility, bool) {
	if m.override == nil {
		return 0, false
	}
	return *m.override, true
}

func (m *nodeMeta) isNode() {}

// ====== 叶子变体 ======

// LeafNode 表示一次外部工作单元（模型调用），组合意义上的终端。
type LeafNode struct {
	nodeMeta

	// Config 叶子的封闭配置
	Config *LeafConfig
	// Filter 可选的上下文过滤器，nil 表示宿主默认行为
	Filter *schema.ContextFilterSpec
	// OutputKey 可选的输出键，叶子输出写入该键
	OutputKey *schema.StateKeyRef
}

func (n *LeafNode) Kind() NodeKind   { return KindLeaf }
func (n *LeafNode) Children() []Node { return nil }

// ====== 组合变体 ======

// MergeMode 表示并行组合的合并方式
type MergeMode uint8

const (
	// WaitAll 等待所有子节点的事件流耗尽
	WaitAll MergeMode = iota
	// FirstComplete 首个完成者胜出，其余被取消
	FirstComplete
	// Interleave 多路复用子事件流，不等待
	Interleave
)

// String 返回合并方式的可读名称
func (m MergeMode) String() string {
	switch m {
	case WaitAll:
		return "WaitAll"
	case FirstComplete:
		return "FirstComplete"
	case Interleave:
		return "Interleave"
	default:
		return fmt.Sprintf("unknown merge mode: %d", m)
	}
}

// Buffering 表示顺序边上的缓冲语义
type Buffering uint8

const (
	// BufferFull 下游等待完整输出
	BufferFull Buffering = iota
	// BufferChunked 下游可按块消费部分输出
	BufferChunked
	// BufferToken 下游可按词元消费部分输出
	BufferToken
)

// String 返回缓冲语义的可读名称
func (b Buffering) String() string {
	switch b {
	case BufferFull:
		return "Full"
	case BufferChunked:
		return "Chunked"
	case BufferToken:
		return "Token"
	default:
		return fmt.Sprintf("unknown buffering: %d", b)
	}
}

// EdgeSemantics 是顺序父节点与子节点之间的可选边标注。
// 决定下游节点是否可以开始消费部分输出。
type EdgeSemantics struct {
	// Buffering 边的缓冲语义
	Buffering Buffering
}

// SequenceNode 表示严格左到右的顺序组合。
// 每个子节点可以看到此前子节点的全部效果。
type SequenceNode struct {
	nodeMeta

	// Nodes 有序的子节点列表
	Nodes []Node
	// Edges 各相邻子节点之间的边语义，长度为 len(Nodes)-1
	Edges []EdgeSemantics
}

func (n *SequenceNode) Kind() NodeKind   { return KindSequence }
func (n *SequenceNode) Children() []Node { return n.Nodes }

// ParallelNode 表示并发组合。
type ParallelNode struct {
	nodeMeta

	// Nodes 子节点列表
	Nodes []Node
	// Merge 合并方式
	Merge MergeMode
}

func (n *ParallelNode) Kind() NodeKind   { return KindParallel }
func (n *ParallelNode) Children() []Node { return n.Nodes }

// LoopNode 表示有界重复。
// 出口条件是核心求值的确定性状态谓词，不由叶子决定。
type LoopNode struct {
	nodeMeta

	// Body 循环体
	Body Node
	// Exit 出口谓词，返回 true 时终止循环；nil 表示仅受次数约束
	Exit Predicate
	// MaxIterations 最大迭代次数的安全上界，恒为正
	MaxIterations int
}

func (n *LoopNode) Kind() NodeKind   { return KindLoop }
func (n *LoopNode) Children() []Node { return []Node{n.Body} }

// RouteRule 是路由节点的一条规则
type RouteRule struct {
	// Label 分支标签，成本估算的分支概率以此为键
	Label string
	// Match 对路由键的取值断言
	Match func(value any) bool
	// Target 命中后执行的分支节点
	Target Node
}

// RouteNode 表示零成本条件分发。
// 规则按序求值，首个命中者胜出；都未命中时执行缺省分支（若有）。
type RouteNode struct {
	nodeMeta

	// Key 路由依据的状态键
	Key schema.StateKeyRef
	// Rules 有序规则列表
	Rules []RouteRule
	// Default 可选缺省分支
	Default Node
}

func (n *RouteNode) Kind() NodeKind { return KindRoute }

func (n *RouteNode) Children() []Node {
	children := make([]Node, 0, len(n.Rules)+1)
	for _, r := range n.Rules {
		children = append(children, r.Target)
	}
	if n.Default != nil {
		children = append(children, n.Default)
	}
	return children
}

// TransformNode 表示零成本状态编辑。
type TransformNode struct {
	nodeMeta

	// Fn 纯状态变换函数
	Fn schema.TransformFunc
	// Semantics 变换产出增量的应用语义
	Semantics schema.DeltaSemantics
}

func (n *TransformNode) Kind() NodeKind   { return KindTransform }
func (n *TransformNode) Children() []Node { return nil }

// FallbackNode 表示按序尝试的容错组合，首个成功者胜出。
// 与 Race 的区别：Fallback 由错误驱动，Race 由时延驱动。
type FallbackNode struct {
	nodeMeta

	// Nodes 按优先级排列的候选节点
	Nodes []Node
}

func (n *FallbackNode) Kind() NodeKind   { return KindFallback }
func (n *FallbackNode) Children() []Node { return n.Nodes }

// RaceNode 表示并发竞速，首个完成者胜出，其余被取消。
type RaceNode struct {
	nodeMeta

	// Nodes 参与竞速的节点
	Nodes []Node
}

func (n *RaceNode) Kind() NodeKind   { return KindRace }
func (n *RaceNode) Children() []Node { return n.Nodes }

// GateNode 表示条件执行，无 else 分支。
type GateNode struct {
	nodeMeta

	// Cond 门控谓词，返回 false 时整个子树被跳过
	Cond Predicate
	// Body 被门控的子树
	Body Node
}

func (n *GateNode) Kind() NodeKind   { return KindGate }
func (n *GateNode) Children() []Node { return []Node{n.Body} }

// MapOverNode 表示逐元素应用：对列表键的每个元素绑定元素键后执行循环体，
// 结果收集到输出键。
type MapOverNode struct {
	nodeMeta

	// ListKey 输入列表所在的状态键
	ListKey schema.StateKeyRef
	// ItemKey 每次迭代绑定当前元素的状态键
	ItemKey schema.StateKeyRef
	// Body 对每个元素执行的子树
	Body Node
	// OutputKey 可选的收集结果键
	OutputKey *schema.StateKeyRef
}

func (n *MapOverNode) Kind() NodeKind   { return KindMapOver }
func (n *MapOverNode) Children() []Node { return []Node{n.Body} }

// TimeoutNode 表示有界时间包装。
// 到期时子树被取消并经由错误体系上报，绝不静默吞掉。
type TimeoutNode struct {
	nodeMeta

	// Body 被包装的子树
	Body Node
	// Duration 墙钟时间上界，恒为正
	Duration time.Duration
}

func (n *TimeoutNode) Kind() NodeKind   { return KindTimeout }
func (n *TimeoutNode) Children() []Node { return []Node{n.Body} }

// SelectStrategy 表示模型选择策略
type SelectStrategy uint8

const (
	// SelectCheapestFirst 选择成本最低的候选
	SelectCheapestFirst SelectStrategy = iota
	// SelectBestQuality 选择质量最高的候选
	SelectBestQuality
	// SelectBudgetBounded 在预算键约束内选择质量最高的候选
	SelectBudgetBounded
)

// String 返回选择策略的可读名称
func (s SelectStrategy) String() string {
	switch s {
	case SelectCheapestFirst:
		return "CheapestFirst"
	case SelectBestQuality:
		return "BestQuality"
	case SelectBudgetBounded:
		return "BudgetBounded"
	default:
		return fmt.Sprintf("unknown select strategy: %d", s)
	}
}

// ModelCandidate 是模型选择器的一个候选配置
type ModelCandidate struct {
	// Model 模型标识
	Model string
	// Quality 质量等级，越大越好
	Quality int
	// InputPerKTok 每千输入词元的价格
	InputPerKTok float64
	// OutputPerKTok 每千输出词元的价格
	OutputPerKTok float64
}

// ModelSelectorNode 表示成本/质量感知的叶子配置选择。
type ModelSelectorNode struct {
	nodeMeta

	// Candidates 候选配置列表
	Candidates []ModelCandidate
	// Strategy 选择策略
	Strategy SelectStrategy
	// BudgetKey 预算所在的状态键，BudgetBounded 策略必需
	BudgetKey *schema.StateKeyRef
	// Body 以选中配置执行的叶子
	Body *LeafNode
}

func (n *ModelSelectorNode) Kind() NodeKind   { return KindModelSelector }
func (n *ModelSelectorNode) Children() []Node { return []Node{n.Body} }

// RemoteCallNode 表示进程外叶子，具备网络失败模式。
type RemoteCallNode struct {
	nodeMeta

	// Endpoint 远端端点
	Endpoint string
	// Capability 所需能力标识
	Capability string
	// Fallback 可选的失败回退子树
	Fallback Node
	// OutputKey 可选的输出键
	OutputKey *schema.StateKeyRef
}

func (n *RemoteCallNode) Kind() NodeKind { return KindRemoteCall }

func (n *RemoteCallNode) Children() []Node {
	if n.Fallback == nil {
		return nil
	}
	return []Node{n.Fallback}
}

// Walk 先序遍历节点树，visit 返回 false 时跳过该节点的子树。
func Walk(root Node, visit func(Node) bool) {
	if root == nil {
		return
	}
	if !visit(root) {
		return
	}
	for _, c := range root.Children() {
		Walk(c, visit)
	}
}

// collectNames 收集子树内的全部节点名称，重名时返回错误
func collectNames(root Node) (map[string]struct{}, error) {
	names := make(map[string]struct{})
	var dup string
	Walk(root, func(n Node) bool {
		if _, ok := names[n.Name()]; ok && dup == "" {
			dup = n.Name()
		}
		names[n.Name()] = struct{}{}
		return true
	})
	if dup != "" {
		return nil, fmt.Errorf("duplicate node name %q in tree rooted at %q", dup, root.Name())
	}
	return names, nil
}
