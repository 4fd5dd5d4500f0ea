/*
 * operators.go - 组合算子：构造 IR 节点的唯一入口
 *
 * 核心组件：
 *   - NewLeaf / Remote: 叶子类节点构造
 *   - Sequence / Then / ThenStreaming: 顺序组合，自动展平嵌套序列
 *   - Parallel / FallbackOf / RaceOf: 并发与容错组合
 *   - Repeat / Until: 有界重复，谓词形式强制要求安全上界
 *   - Route / NewTransform / GateIf / MapOver / WithTimeout / SelectModel
 *
 * 设计特点：
 *   - 纯函数算子: Node × Node -> Node，校验元数与类型后产出新节点
 *   - 即时失败: 全部结构性校验在构造期完成，以 CompositionError 上报，
 *     分析期与执行期只暴露语义/运行期问题
 *   - 读写集推导: 构造时自底向上计算并集，顺序保留用于诊断
 *   - 重名拒绝: 组合产生重名节点立即失败，保证分析器的名称索引无歧义
 */

package compose

import (
	"strings"
	"time"

	"github.com/favbox/weave/schema"
)

// ====== 叶子 ======

// LeafOption 是叶子节点的构造选项
type LeafOption func(*leafOptions)

type leafOptions struct {
	filter    *schema.ContextFilterSpec
	outputKey *schema.StateKeyRef
	reads     []schema.StateKeyRef
	writes    []schema.StateKeyRef
	override  *Visibility
}

// WithContextFilter 为叶子设置上下文过滤器
func WithContextFilter(f *schema.ContextFilterSpec) LeafOption {
	return func(o *leafOptions) {
		o.filter = f
	}
}

// WithOutputKey 为叶子设置输出键，叶子输出写入该键
func WithOutputKey(ref schema.StateKeyRef) LeafOption {
	return func(o *leafOptions) {
		o.outputKey = &ref
	}
}

// WithReads 为叶子声明额外的读取键
func WithReads(refs ...schema.StateKeyRef) LeafOption {
	return func(o *leafOptions) {
		o.reads = append(o.reads, refs...)
	}
}

// WithWrites 为叶子声明额外的写入键
func WithWrites(refs ...schema.StateKeyRef) LeafOption {
	return func(o *leafOptions) {
		o.writes = append(o.writes, refs...)
	}
}

// WithVisibility 为叶子显式覆盖可见性分类。
// 只允许 User 或 Internal，零成本分类由拓扑推断，不可覆盖指定。
func WithVisibility(v Visibility) LeafOption {
	return func(o *leafOptions) {
		o.override = &v
	}
}

// NewLeaf 创建叶子节点。
// 读取键为显式声明与指令模板变量推断（会话作用域）的并集，
// 写入键为显式声明与输出键的并集。
func NewLeaf(name string, cfg *LeafConfig, opts ...LeafOption) (*LeafNode, error) {
	if name == "" {
		return nil, newCompositionError("NewLeaf", nil, "leaf name must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, newCompositionError("NewLeaf", []string{name}, "invalid leaf config: %v", err)
	}

	o := &leafOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if o.override != nil && *o.override == VisibilityZeroCost {
		return nil, newCompositionError("NewLeaf", []string{name}, "visibility override must be User or Internal")
	}
	if o.filter != nil {
		if err := o.filter.Validate(); err != nil {
			return nil, newCompositionError("NewLeaf", []string{name}, "invalid context filter: %v", err)
		}
	}

	// 指令模板变量推断为会话作用域的读取键
	vars, err := cfg.InstructionVars()
	if err != nil {
		return nil, newCompositionError("NewLeaf", []string{name}, "%v", err)
	}
	reads := make([]schema.StateKeyRef, 0, len(o.reads)+len(vars))
	reads = append(reads, o.reads...)
	for _, v := range vars {
		reads = append(reads, schema.Key(v))
	}

	writes := append([]schema.StateKeyRef{}, o.writes...)
	if o.outputKey != nil {
		writes = append(writes, *o.outputKey)
	}

	return &LeafNode{
		nodeMeta: nodeMeta{
			name:     name,
			reads:    NewKeySet(reads...),
			writes:   NewKeySet(writes...),
			override: o.override,
		},
		Config:    cfg,
		Filter:    o.filter,
		OutputKey: o.outputKey,
	}, nil
}

// ====== 顺序组合 ======

// Sequence 创建指定名称的顺序组合。
// 无可见性覆盖的子序列被展平，不产生冗余嵌套；边语义随之拼接。
func Sequence(name string, children ...Node) (*SequenceNode, error) {
	return sequenceWithEdges(name, children, nil, "Sequence")
}

// Then 顺序衔接两个节点（a then b），名称由展平后的子节点名派生。
func Then(a, b Node) (*SequenceNode, error) {
	return thenWithEdge(a, b, EdgeSemantics{Buffering: BufferFull})
}

// ThenStreaming 顺序衔接两个节点并标注衔接边的缓冲语义。
// Chunked/Token 允许下游开始消费部分输出。
func ThenStreaming(a, b Node, buffering Buffering) (*SequenceNode, error) {
	return thenWithEdge(a, b, EdgeSemantics{Buffering: buffering})
}

func thenWithEdge(a, b Node, edge EdgeSemantics) (*SequenceNode, error) {
	if a == nil || b == nil {
		return nil, newCompositionError("Then", nil, "operands must not be nil")
	}

	children, edges := flattenSequence([]Node{a, b}, []EdgeSemantics{edge})

	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.Name()
	}

	return newSequence(strings.Join(names, "->"), children, edges, "Then")
}

func sequenceWithEdges(name string, children []Node, edges []EdgeSemantics, op string) (*SequenceNode, error) {
	if name == "" {
		return nil, newCompositionError(op, nil, "sequence name must not be empty")
	}
	if len(children) == 0 {
		return nil, newCompositionError(op, nil, "sequence requires at least one child")
	}
	for _, c := range children {
		if c == nil {
			return nil, newCompositionError(op, []string{name}, "child must not be nil")
		}
	}

	if edges == nil {
		edges = make([]EdgeSemantics, len(children)-1)
	}

	children, edges = flattenSequence(children, edges)
	return newSequence(name, children, edges, op)
}

// flattenSequence 展平无可见性覆盖的子序列，边语义随之拼接。
// 子序列的内部边保留，子序列与相邻节点的衔接边沿用外层声明。
func flattenSequence(children []Node, edges []EdgeSemantics) ([]Node, []EdgeSemantics) {
	flatChildren := make([]Node, 0, len(children))
	flatEdges := make([]EdgeSemantics, 0, len(edges))

	for i, c := range children {
		if seq, ok := c.(*SequenceNode); ok {
			if _, overridden := seq.VisibilityOverride(); !overridden {
				flatChildren = append(flatChildren, seq.Nodes...)
				flatEdges = append(flatEdges, seq.Edges...)
				if i < len(children)-1 {
					flatEdges = append(flatEdges, edges[i])
				}
				continue
			}
		}
		flatChildren = append(flatChildren, c)
		if i < len(children)-1 {
			flatEdges = append(flatEdges, edges[i])
		}
	}

	return flatChildren, flatEdges
}

func newSequence(name string, children []Node, edges []EdgeSemantics, op string) (*SequenceNode, error) {
	reads, writes := unionChildKeys(children)

	node := &SequenceNode{
		nodeMeta: nodeMeta{name: name, reads: reads, writes: writes},
		Nodes:    children,
		Edges:    edges,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError(op, []string{name}, "%v", err)
	}
	return node, nil
}

// ====== 并发组合 ======

// Parallel 创建并发组合。
// 子节点对同一键的写入冲突不在此处结构性拒绝，由合同检查上报。
func Parallel(name string, merge MergeMode, children ...Node) (*ParallelNode, error) {
	if name == "" {
		return nil, newCompositionError("Parallel", nil, "parallel name must not be empty")
	}
	if len(children) < 2 {
		return nil, newCompositionError("Parallel", []string{name}, "parallel requires at least two children, got %d", len(children))
	}
	for _, c := range children {
		if c == nil {
			return nil, newCompositionError("Parallel", []string{name}, "child must not be nil")
		}
	}

	reads, writes := unionChildKeys(children)
	node := &ParallelNode{
		nodeMeta: nodeMeta{name: name, reads: reads, writes: writes},
		Nodes:    children,
		Merge:    merge,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("Parallel", []string{name}, "%v", err)
	}
	return node, nil
}

// FallbackOf 创建容错组合（a else b），按序尝试，首个成功者胜出。
func FallbackOf(name string, children ...Node) (*FallbackNode, error) {
	if name == "" {
		return nil, newCompositionError("FallbackOf", nil, "fallback name must not be empty")
	}
	if len(children) < 2 {
		return nil, newCompositionError("FallbackOf", []string{name}, "fallback requires at least two children, got %d", len(children))
	}
	for _, c := range children {
		if c == nil {
			return nil, newCompositionError("FallbackOf", []string{name}, "child must not be nil")
		}
	}

	reads, writes := unionChildKeys(children)
	node := &FallbackNode{
		nodeMeta: nodeMeta{name: name, reads: reads, writes: writes},
		Nodes:    children,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("FallbackOf", []string{name}, "%v", err)
	}
	return node, nil
}

// RaceOf 创建竞速组合，首个完成者胜出，其余被取消。
func RaceOf(name string, children ...Node) (*RaceNode, error) {
	if name == "" {
		return nil, newCompositionError("RaceOf", nil, "race name must not be empty")
	}
	if len(children) < 2 {
		return nil, newCompositionError("RaceOf", []string{name}, "race requires at least two children, got %d", len(children))
	}
	for _, c := range children {
		if c == nil {
			return nil, newCompositionError("RaceOf", []string{name}, "child must not be nil")
		}
	}

	reads, writes := unionChildKeys(children)
	node := &RaceNode{
		nodeMeta: nodeMeta{name: name, reads: reads, writes: writes},
		Nodes:    children,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("RaceOf", []string{name}, "%v", err)
	}
	return node, nil
}

// ====== 重复 ======

// Repeat 创建字面次数的有界重复（a repeated n）。
func Repeat(name string, body Node, n int) (*LoopNode, error) {
	if name == "" {
		return nil, newCompositionError("Repeat", nil, "loop name must not be empty")
	}
	if body == nil {
		return nil, newCompositionError("Repeat", []string{name}, "loop body must not be nil")
	}
	if n <= 0 {
		return nil, newCompositionError("Repeat", []string{name, body.Name()}, "repetition count must be positive, got %d", n)
	}

	node := &LoopNode{
		nodeMeta:      nodeMeta{name: name, reads: body.Reads(), writes: body.Writes()},
		Body:          body,
		MaxIterations: n,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("Repeat", []string{name}, "%v", err)
	}
	return node, nil
}

// Until 创建谓词出口的有界重复（a until predicate）。
// 谓词形式必须携带显式的 maxIterations 安全上界，缺省即构造失败。
func Until(name string, body Node, exit Predicate, maxIterations int) (*LoopNode, error) {
	if name == "" {
		return nil, newCompositionError("Until", nil, "loop name must not be empty")
	}
	if body == nil {
		return nil, newCompositionError("Until", []string{name}, "loop body must not be nil")
	}
	if exit == nil {
		return nil, newCompositionError("Until", []string{name, body.Name()}, "exit predicate must not be nil")
	}
	if maxIterations <= 0 {
		return nil, newCompositionError("Until", []string{name, body.Name()},
			"predicate loop requires an explicit positive max_iterations safety bound, got %d", maxIterations)
	}

	node := &LoopNode{
		nodeMeta:      nodeMeta{name: name, reads: body.Reads(), writes: body.Writes()},
		Body:          body,
		Exit:          exit,
		MaxIterations: maxIterations,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("Until", []string{name}, "%v", err)
	}
	return node, nil
}

// ====== 路由 ======

// RouteOption 是路由节点的构造选项
type RouteOption func(*routeOptions)

type routeOptions struct {
	def Node
}

// WithDefault 为路由设置缺省分支
func WithDefault(def Node) RouteOption {
	return func(o *routeOptions) {
		o.def = def
	}
}

// Route 创建零成本条件分发。
// 规则标签必须互异非空，供成本估算按标签声明分支概率。
func Route(name string, key schema.StateKeyRef, rules []RouteRule, opts ...RouteOption) (*RouteNode, error) {
	if name == "" {
		return nil, newCompositionError("Route", nil, "route name must not be empty")
	}
	if len(rules) == 0 {
		return nil, newCompositionError("Route", []string{name}, "route requires at least one rule")
	}

	o := &routeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	labels := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Label == "" {
			return nil, newCompositionError("Route", []string{name}, "rule label must not be empty")
		}
		if _, ok := labels[r.Label]; ok {
			return nil, newCompositionError("Route", []string{name}, "duplicate rule label %q", r.Label)
		}
		labels[r.Label] = struct{}{}
		if r.Match == nil {
			return nil, newCompositionError("Route", []string{name}, "rule %q requires a match predicate", r.Label)
		}
		if r.Target == nil {
			return nil, newCompositionError("Route", []string{name}, "rule %q requires a target node", r.Label)
		}
	}

	children := make([]Node, 0, len(rules)+1)
	for _, r := range rules {
		children = append(children, r.Target)
	}
	if o.def != nil {
		children = append(children, o.def)
	}

	reads, writes := unionChildKeys(children)
	node := &RouteNode{
		nodeMeta: nodeMeta{name: name, reads: reads.Union(NewKeySet(key)), writes: writes},
		Key:      key,
		Rules:    rules,
		Default:  o.def,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("Route", []string{name}, "%v", err)
	}
	return node, nil
}

// MatchValue 返回与给定值相等断言的规则谓词
func MatchValue(want any) func(value any) bool {
	return func(value any) bool {
		return value == want
	}
}

// ====== 变换 ======

// TransformOption 是变换节点的构造选项
type TransformOption func(*transformOptions)

type transformOptions struct {
	reads  []schema.StateKeyRef
	writes []schema.StateKeyRef
}

// TransformReads 声明变换读取的键
func TransformReads(refs ...schema.StateKeyRef) TransformOption {
	return func(o *transformOptions) {
		o.reads = append(o.reads, refs...)
	}
}

// TransformWrites 声明变换写入（或置空）的键
func TransformWrites(refs ...schema.StateKeyRef) TransformOption {
	return func(o *transformOptions) {
		o.writes = append(o.writes, refs...)
	}
}

// NewTransform 创建零成本状态编辑节点。
// 变换函数不透明，读写集依赖显式声明以参与数据流分析。
func NewTransform(name string, fn schema.TransformFunc, semantics schema.DeltaSemantics, opts ...TransformOption) (*TransformNode, error) {
	if name == "" {
		return nil, newCompositionError("NewTransform", nil, "transform name must not be empty")
	}
	if fn == nil {
		return nil, newCompositionError("NewTransform", []string{name}, "transform function must not be nil")
	}

	o := &transformOptions{}
	for _, opt := range opts {
		opt(o)
	}

	return &TransformNode{
		nodeMeta: nodeMeta{
			name:   name,
			reads:  NewKeySet(o.reads...),
			writes: NewKeySet(o.writes...),
		},
		Fn:        fn,
		Semantics: semantics,
	}, nil
}

// ====== 门控、逐元素、超时 ======

// GateIf 创建条件执行节点，无 else 分支。
func GateIf(name string, cond Predicate, body Node) (*GateNode, error) {
	if name == "" {
		return nil, newCompositionError("GateIf", nil, "gate name must not be empty")
	}
	if cond == nil {
		return nil, newCompositionError("GateIf", []string{name}, "gate predicate must not be nil")
	}
	if body == nil {
		return nil, newCompositionError("GateIf", []string{name}, "gate body must not be nil")
	}

	node := &GateNode{
		nodeMeta: nodeMeta{name: name, reads: body.Reads(), writes: body.Writes()},
		Cond:     cond,
		Body:     body,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("GateIf", []string{name}, "%v", err)
	}
	return node, nil
}

// MapOverOption 是逐元素节点的构造选项
type MapOverOption func(*mapOverOptions)

type mapOverOptions struct {
	outputKey *schema.StateKeyRef
}

// WithCollectInto 设置逐元素应用的结果收集键
func WithCollectInto(ref schema.StateKeyRef) MapOverOption {
	return func(o *mapOverOptions) {
		o.outputKey = &ref
	}
}

// MapOver 创建逐元素应用节点。
// 循环体对元素键的读取由节点自身绑定，不计入对上游的读取需求。
func MapOver(name string, listKey, itemKey schema.StateKeyRef, body Node, opts ...MapOverOption) (*MapOverNode, error) {
	if name == "" {
		return nil, newCompositionError("MapOver", nil, "map-over name must not be empty")
	}
	if body == nil {
		return nil, newCompositionError("MapOver", []string{name}, "map-over body must not be nil")
	}
	if listKey.SameIdentity(itemKey) {
		return nil, newCompositionError("MapOver", []string{name}, "list key and item key must differ, both are %q", listKey.String())
	}

	o := &mapOverOptions{}
	for _, opt := range opts {
		opt(o)
	}

	reads := body.Reads().Without(itemKey).Union(NewKeySet(listKey))
	writes := body.Writes()
	if o.outputKey != nil {
		writes = writes.Union(NewKeySet(*o.outputKey))
	}

	node := &MapOverNode{
		nodeMeta:  nodeMeta{name: name, reads: reads, writes: writes},
		ListKey:   listKey,
		ItemKey:   itemKey,
		Body:      body,
		OutputKey: o.outputKey,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("MapOver", []string{name}, "%v", err)
	}
	return node, nil
}

// WithTimeout 创建有界时间包装节点，时长必须为正。
func WithTimeout(name string, body Node, d time.Duration) (*TimeoutNode, error) {
	if name == "" {
		return nil, newCompositionError("WithTimeout", nil, "timeout name must not be empty")
	}
	if body == nil {
		return nil, newCompositionError("WithTimeout", []string{name}, "timeout body must not be nil")
	}
	if d <= 0 {
		return nil, newCompositionError("WithTimeout", []string{name, body.Name()}, "timeout duration must be positive, got %v", d)
	}

	node := &TimeoutNode{
		nodeMeta: nodeMeta{name: name, reads: body.Reads(), writes: body.Writes()},
		Body:     body,
		Duration: d,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("WithTimeout", []string{name}, "%v", err)
	}
	return node, nil
}

// ====== 模型选择与远程调用 ======

// SelectorOption 是模型选择器的构造选项
type SelectorOption func(*selectorOptions)

type selectorOptions struct {
	budgetKey *schema.StateKeyRef
}

// WithBudgetKey 设置预算所在的状态键，BudgetBounded 策略必需
func WithBudgetKey(ref schema.StateKeyRef) SelectorOption {
	return func(o *selectorOptions) {
		o.budgetKey = &ref
	}
}

// SelectModel 创建成本/质量感知的模型选择节点。
// BudgetBounded 策略必须声明预算键；预算键能否从上游解析由合同检查上报。
func SelectModel(name string, strategy SelectStrategy, candidates []ModelCandidate, body *LeafNode, opts ...SelectorOption) (*ModelSelectorNode, error) {
	if name == "" {
		return nil, newCompositionError("SelectModel", nil, "selector name must not be empty")
	}
	if len(candidates) == 0 {
		return nil, newCompositionError("SelectModel", []string{name}, "selector requires at least one candidate")
	}
	if body == nil {
		return nil, newCompositionError("SelectModel", []string{name}, "selector body must not be nil")
	}
	for _, c := range candidates {
		if c.Model == "" {
			return nil, newCompositionError("SelectModel", []string{name}, "candidate model must not be empty")
		}
	}

	o := &selectorOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if strategy == SelectBudgetBounded && o.budgetKey == nil {
		return nil, newCompositionError("SelectModel", []string{name},
			"strategy BudgetBounded requires a budget key")
	}

	reads := body.Reads()
	if o.budgetKey != nil {
		reads = reads.Union(NewKeySet(*o.budgetKey))
	}

	node := &ModelSelectorNode{
		nodeMeta:   nodeMeta{name: name, reads: reads, writes: body.Writes()},
		Candidates: candidates,
		Strategy:   strategy,
		BudgetKey:  o.budgetKey,
		Body:       body,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("SelectModel", []string{name}, "%v", err)
	}
	return node, nil
}

// RemoteOption 是远程调用节点的构造选项
type RemoteOption func(*remoteOptions)

type remoteOptions struct {
	fallback  Node
	outputKey *schema.StateKeyRef
	reads     []schema.StateKeyRef
	writes    []schema.StateKeyRef
}

// WithRemoteFallback 设置远程调用失败时的回退子树
func WithRemoteFallback(fb Node) RemoteOption {
	return func(o *remoteOptions) {
		o.fallback = fb
	}
}

// WithRemoteOutputKey 设置远程调用的输出键
func WithRemoteOutputKey(ref schema.StateKeyRef) RemoteOption {
	return func(o *remoteOptions) {
		o.outputKey = &ref
	}
}

// WithRemoteReads 声明远程调用读取的键
func WithRemoteReads(refs ...schema.StateKeyRef) RemoteOption {
	return func(o *remoteOptions) {
		o.reads = append(o.reads, refs...)
	}
}

// WithRemoteWrites 声明远程调用写入的键
func WithRemoteWrites(refs ...schema.StateKeyRef) RemoteOption {
	return func(o *remoteOptions) {
		o.writes = append(o.writes, refs...)
	}
}

// Remote 创建进程外叶子节点。
func Remote(name, endpoint, capability string, opts ...RemoteOption) (*RemoteCallNode, error) {
	if name == "" {
		return nil, newCompositionError("Remote", nil, "remote call name must not be empty")
	}
	if endpoint == "" {
		return nil, newCompositionError("Remote", []string{name}, "remote call endpoint must not be empty")
	}

	o := &remoteOptions{}
	for _, opt := range opts {
		opt(o)
	}

	reads := NewKeySet(o.reads...)
	writes := NewKeySet(o.writes...)
	if o.outputKey != nil {
		writes = writes.Union(NewKeySet(*o.outputKey))
	}
	if o.fallback != nil {
		reads = reads.Union(o.fallback.Reads())
		writes = writes.Union(o.fallback.Writes())
	}

	node := &RemoteCallNode{
		nodeMeta:   nodeMeta{name: name, reads: reads, writes: writes},
		Endpoint:   endpoint,
		Capability: capability,
		Fallback:   o.fallback,
		OutputKey:  o.outputKey,
	}
	if _, err := collectNames(node); err != nil {
		return nil, newCompositionError("Remote", []string{name}, "%v", err)
	}
	return node, nil
}

// ====== 辅助 ======

// unionChildKeys 返回子节点读写集的并集
func unionChildKeys(children []Node) (reads, writes KeySet) {
	reads, writes = NewKeySet(), NewKeySet()
	for _, c := range children {
		reads = reads.Union(c.Reads())
		writes = writes.Union(c.Writes())
	}
	return reads, writes
}
