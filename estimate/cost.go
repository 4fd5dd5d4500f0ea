/*
 * cost.go - 成本估算器：流量假设下的期望成本分布
 *
 * 核心组件：
 *   - TrafficAssumptions: 调用量、词元均值、分支概率、循环与映射期望
 *   - Pricing: 按模型的千词元价格表，内置缺省表可被调用方覆盖
 *   - Estimator: 自底向上的加权遍历，产出总额、逐节点明细与估算备注
 *
 * 设计特点：
 *   - 纯静态: 估算绝不触发任何叶子调用，输入只有树与假设
 *   - 期望算术: 路由按分支概率加权，循环按期望迭代次数放大，
 *     未声明的假设回退到缺省值并附 Warning 级备注
 *   - 悲观可配: Fallback/Race 的尾部成本在 FirstOnly 与 SumAll 之间选择
 *   - 确定明细: 明细按执行序先序插入有序映射，输出顺序恒定
 */

package estimate

import (
	"fmt"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/favbox/weave/compose"
)

// ModelPrice 是单个模型的千词元价格
type ModelPrice struct {
	// InputPerKTok 每千输入词元的价格
	InputPerKTok float64
	// OutputPerKTok 每千输出词元的价格
	OutputPerKTok float64
}

// Pricing 是按模型标识索引的价格表
type Pricing map[string]ModelPrice

// DefaultPricing 返回内置缺省价格表。
// 未登记的模型按零价处理并附备注，调用方应以真实价目覆盖。
func DefaultPricing() Pricing {
	return Pricing{
		"test-model": {InputPerKTok: 1, OutputPerKTok: 1},
	}
}

// TrafficAssumptions 是估算所依据的流量假设。
type TrafficAssumptions struct {
	// InvocationsPerPeriod 每个计费周期的流水线调用次数
	InvocationsPerPeriod float64
	// AvgInputTokens 单次叶子调用的平均输入词元数
	AvgInputTokens float64
	// AvgOutputTokens 单次叶子调用的平均输出词元数
	AvgOutputTokens float64
	// BranchProbabilities 按路由名、分支标签声明的命中概率
	BranchProbabilities map[string]map[string]float64
	// ExpectedLoopIterations 按循环名声明的期望迭代次数
	ExpectedLoopIterations map[string]float64
	// ExpectedItemCounts 按映射名声明的期望元素个数
	ExpectedItemCounts map[string]float64
}

// probEpsilon 路由分支概率之和允许的偏差
const probEpsilon = 1e-6

// Validate 校验流量假设的取值合法性
func (a *TrafficAssumptions) Validate() error {
	if a == nil {
		return &compose.ConfigError{Field: "traffic assumptions", Reason: "assumptions must not be nil"}
	}
	if a.InvocationsPerPeriod < 0 {
		return &compose.ConfigError{Field: "invocations_per_period", Reason: fmt.Sprintf("must not be negative, got %v", a.InvocationsPerPeriod)}
	}
	if a.AvgInputTokens < 0 || a.AvgOutputTokens < 0 {
		return &compose.ConfigError{Field: "avg_tokens", Reason: "token averages must not be negative"}
	}
	for route, branches := range a.BranchProbabilities {
		sum := 0.0
		for label, p := range branches {
			if p < 0 || p > 1 {
				return &compose.ConfigError{
					Field:  "branch_probabilities",
					Reason: fmt.Sprintf("probability of %s/%s must be within [0, 1], got %v", route, label, p),
				}
			}
			sum += p
		}
		if math.Abs(sum-1) > probEpsilon {
			return &compose.ConfigError{
				Field:  "branch_probabilities",
				Reason: fmt.Sprintf("probabilities of route %q must sum to 1, got %v", route, sum),
			}
		}
	}
	for name, it := range a.ExpectedLoopIterations {
		if it < 0 {
			return &compose.ConfigError{Field: "expected_loop_iterations", Reason: fmt.Sprintf("iterations of %q must not be negative, got %v", name, it)}
		}
	}
	for name, cnt := range a.ExpectedItemCounts {
		if cnt < 0 {
			return &compose.ConfigError{Field: "expected_item_counts", Reason: fmt.Sprintf("item count of %q must not be negative, got %v", name, cnt)}
		}
	}
	return nil
}

// PessimismMode 表示 Fallback/Race 尾部成本的计入方式
type PessimismMode uint8

const (
	// FirstOnly 乐观估计：Fallback/Race 都只计首个候选，
	// 其余候选以零权重进入明细
	FirstOnly PessimismMode = iota
	// SumAll 悲观估计：全部候选都可能被执行并计费
	SumAll
)

// String 返回悲观模式的可读名称
func (m PessimismMode) String() string {
	switch m {
	case FirstOnly:
		return "FirstOnly"
	case SumAll:
		return "SumAll"
	default:
		return fmt.Sprintf("unknown pessimism mode: %d", m)
	}
}

// NoteSeverity 表示估算备注的级别
type NoteSeverity uint8

const (
	// NoteInfo 提示级备注
	NoteInfo NoteSeverity = iota
	// NoteWarning 警告级备注，估算使用了缺省假设
	NoteWarning
)

// Note 是估算过程的一条备注，记录缺省假设的使用
type Note struct {
	// Severity 备注级别
	Severity NoteSeverity
	// Node 相关节点名称
	Node string
	// Message 备注内容
	Message string
}

// CostReport 是一次估算的完整产物。
type CostReport struct {
	// Total 单次流水线运行的期望成本
	Total float64
	// PerPeriod 按调用量放大后的每周期期望成本
	PerPeriod float64
	// Breakdown 按执行序排列的逐节点期望成本明细
	Breakdown *orderedmap.OrderedMap[string, float64]
	// Notes 估算备注，缺省假设的每次使用都有记录
	Notes []Note
}

// Estimator 是成本估算器。
type Estimator struct {
	// Pricing 价格表，nil 时使用内置缺省表
	Pricing Pricing
	// Pessimism Fallback/Race 尾部成本的计入方式
	Pessimism PessimismMode
}

// Estimate 计算树在给定流量假设下的期望成本。
// 纯静态计算，不触发任何叶子调用；对同一输入重复估算结果恒定。
func (e *Estimator) Estimate(root compose.Node, assumptions *TrafficAssumptions) (*CostReport, error) {
	if err := assumptions.Validate(); err != nil {
		return nil, err
	}

	pricing := e.Pricing
	if pricing == nil {
		pricing = DefaultPricing()
	}

	report := &CostReport{
		Breakdown: orderedmap.New[string, float64](),
	}
	w := &costWalker{
		pricing:     pricing,
		pessimism:   e.Pessimism,
		assumptions: assumptions,
		report:      report,
	}

	report.Total = w.cost(root, 1)
	report.PerPeriod = report.Total * assumptions.InvocationsPerPeriod
	return report, nil
}

// costWalker 承载一次估算的遍历状态
type costWalker struct {
	pricing     Pricing
	pessimism   PessimismMode
	assumptions *TrafficAssumptions
	report      *CostReport
}

// cost 返回节点的期望成本。
// weight 是抵达该节点的累计概率与放大系数，明细按加权值记账。
func (w *costWalker) cost(n compose.Node, weight float64) float64 {
	if n == nil {
		return 0
	}

	var c float64
	switch node := n.(type) {
	case *compose.LeafNode:
		c = w.leafCost(node.Name(), node.Config.Model, weight)

	case *compose.TransformNode:
		// 零成本变体不计费
		c = 0

	case *compose.GateNode:
		// 门控自身零成本，门内子树按可能执行计入
		c = w.cost(node.Body, weight)

	case *compose.RouteNode:
		c = w.routeCost(node, weight)

	case *compose.SequenceNode:
		for _, child := range node.Nodes {
			c += w.cost(child, weight)
		}

	case *compose.ParallelNode:
		for _, child := range node.Nodes {
			c += w.cost(child, weight)
		}

	case *compose.LoopNode:
		iterations := w.lookupDefault(w.assumptions.ExpectedLoopIterations, node.Name(), "expected_loop_iterations")
		c = w.cost(node.Body, weight*iterations)

	case *compose.MapOverNode:
		count := w.lookupDefault(w.assumptions.ExpectedItemCounts, node.Name(), "expected_item_counts")
		c = w.cost(node.Body, weight*count)

	case *compose.FallbackNode:
		c = w.tailCost(node.Nodes, weight)

	case *compose.RaceNode:
		c = w.tailCost(node.Nodes, weight)

	case *compose.TimeoutNode:
		c = w.cost(node.Body, weight)

	case *compose.ModelSelectorNode:
		c = w.selectorCost(node, weight)

	case *compose.RemoteCallNode:
		// 远程调用不在价格表内，按零价计；悲观模式下计入回退
		if node.Fallback != nil && w.pessimism == SumAll {
			c = w.cost(node.Fallback, weight)
		}
	}
	return c
}

// leafCost 按价格表计算单次叶子调用的成本并记账
func (w *costWalker) leafCost(name, model string, weight float64) float64 {
	price, ok := w.pricing[model]
	if !ok {
		w.note(NoteWarning, name, fmt.Sprintf("model %q is not in the pricing table, assuming zero cost", model))
	}
	c := price.InputPerKTok*w.assumptions.AvgInputTokens/1000 +
		price.OutputPerKTok*w.assumptions.AvgOutputTokens/1000
	w.record(name, c*weight)
	return c
}

// routeCost 按分支概率加权分支成本。
// 未声明概率时按均匀分布回退并附 Warning 级备注。
func (w *costWalker) routeCost(node *compose.RouteNode, weight float64) float64 {
	branches := node.Children()
	if len(branches) == 0 {
		return 0
	}

	probs, declared := w.assumptions.BranchProbabilities[node.Name()]
	if !declared {
		w.note(NoteWarning, node.Name(),
			fmt.Sprintf("no branch probabilities declared for route %q, assuming uniform distribution", node.Name()))
	}

	uniform := 1.0 / float64(len(branches))
	var c float64
	for i, r := range node.Rules {
		p := uniform
		if declared {
			p = probs[r.Label]
		}
		c += p * w.cost(branches[i], weight*p)
	}
	if node.Default != nil {
		p := uniform
		if declared {
			p = probs["default"]
		}
		c += p * w.cost(node.Default, weight*p)
	}
	return c
}

// tailCost 按悲观模式计入 Fallback/Race 的候选成本
func (w *costWalker) tailCost(children []compose.Node, weight float64) float64 {
	if len(children) == 0 {
		return 0
	}
	if w.pessimism == SumAll {
		var c float64
		for _, child := range children {
			c += w.cost(child, weight)
		}
		return c
	}
	// FirstOnly：只计首个候选，其余按零概率走明细
	c := w.cost(children[0], weight)
	for _, child := range children[1:] {
		w.cost(child, 0)
	}
	return c
}

// selectorCost 按选择策略确定候选价格后计算叶子成本
func (w *costWalker) selectorCost(node *compose.ModelSelectorNode, weight float64) float64 {
	if len(node.Candidates) == 0 {
		return w.cost(node.Body, weight)
	}

	chosen := node.Candidates[0]
	switch node.Strategy {
	case compose.SelectCheapestFirst:
		for _, cand := range node.Candidates[1:] {
			if candidateCost(cand, w.assumptions) < candidateCost(chosen, w.assumptions) {
				chosen = cand
			}
		}
	case compose.SelectBestQuality:
		for _, cand := range node.Candidates[1:] {
			if cand.Quality > chosen.Quality {
				chosen = cand
			}
		}
	case compose.SelectBudgetBounded:
		// 预算取值运行期才知道，静态估算按最贵候选悲观处理
		for _, cand := range node.Candidates[1:] {
			if candidateCost(cand, w.assumptions) > candidateCost(chosen, w.assumptions) {
				chosen = cand
			}
		}
		w.note(NoteInfo, node.Name(),
			"budget-bounded selection is resolved at run time, estimating with the most expensive candidate")
	}

	c := candidateCost(chosen, w.assumptions)
	w.record(node.Name(), c*weight)
	return c
}

// candidateCost 按候选自带的价格计算单次调用成本
func candidateCost(cand compose.ModelCandidate, a *TrafficAssumptions) float64 {
	return cand.InputPerKTok*a.AvgInputTokens/1000 + cand.OutputPerKTok*a.AvgOutputTokens/1000
}

// lookupDefault 查询按名索引的期望值，缺省回退到 1 并附 Warning 级备注
func (w *costWalker) lookupDefault(m map[string]float64, name, field string) float64 {
	if v, ok := m[name]; ok {
		return v
	}
	w.note(NoteWarning, name, fmt.Sprintf("no %s declared for %q, assuming 1.0", field, name))
	return 1
}

// record 将节点的加权成本计入明细，重复抵达时累加
func (w *costWalker) record(name string, weighted float64) {
	if prev, ok := w.report.Breakdown.Get(name); ok {
		w.report.Breakdown.Set(name, prev+weighted)
		return
	}
	w.report.Breakdown.Set(name, weighted)
}

// note 追加一条估算备注
func (w *costWalker) note(severity NoteSeverity, node, message string) {
	w.report.Notes = append(w.report.Notes, Note{Severity: severity, Node: node, Message: message})
}
