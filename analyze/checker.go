/*
 * checker.go - 合同检查器：固定顺序驱动的整图检查遍
 *
 * 核心组件：
 *   - Pass: 单个检查遍的接口，输入共享的 Graph，输出问题列表
 *   - Checker: 按调用方给定顺序驱动各检查遍
 *   - DefaultPasses: 缺省的六遍组合（数据流、类型、通道、流式、成本、模态）
 *
 * 设计特点：
 *   - 无全局注册表: 检查遍由调用方显式装配，顺序即执行顺序
 *   - 幂等: 对同一棵树重复检查结果恒定，检查遍之间不共享可变状态
 *   - 严格模式: 由调用方在结果上套用 Strict，检查器自身不做升级
 */

package analyze

import (
	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// Pass 是单个检查遍。
// 实现必须是纯函数：只读消费 Graph，不保留跨次调用的状态。
type Pass interface {
	// Name 返回检查遍名称，用于诊断输出
	Name() string
	// Check 在执行序视图上运行检查，返回发现的问题
	Check(g *Graph) []Issue
}

// Checker 按固定顺序驱动一组检查遍。
type Checker struct {
	passes []Pass
}

// NewChecker 以调用方给定的检查遍顺序创建检查器
func NewChecker(passes ...Pass) *Checker {
	return &Checker{passes: passes}
}

// DefaultPasses 返回缺省的检查遍组合，顺序固定：
// 数据流、类型、通道一致性、流式兼容、成本控制、模态。
func DefaultPasses() []Pass {
	return []Pass{
		&DataFlowPass{},
		&TypePass{},
		&ChannelPass{},
		&StreamingPass{},
		&CostPass{},
		&ModalityPass{},
	}
}

// NewDefaultChecker 创建携带缺省检查遍组合的检查器
func NewDefaultChecker() *Checker {
	return NewChecker(DefaultPasses()...)
}

// Check 对以 root 为根的树运行全部检查遍，返回按遍序拼接的问题列表。
// inputs 声明流水线入口处已存在的状态键。
func (c *Checker) Check(root compose.Node, inputs ...schema.StateKeyRef) []Issue {
	g := BuildGraph(root, inputs...)

	var issues []Issue
	for _, p := range c.passes {
		issues = append(issues, p.Check(g)...)
	}
	return issues
}

// CheckStrict 与 Check 相同，但将全部问题提升为 Error 级
func (c *Checker) CheckStrict(root compose.Node, inputs ...schema.StateKeyRef) []Issue {
	return Strict(c.Check(root, inputs...))
}
