/*
 * costpass.go - 成本控制检查：预算键的可解析性
 */

package analyze

import (
	"fmt"

	"github.com/favbox/weave/compose"
)

// CostPass 检查预算受限的模型选择器能否在执行点解析到预算键。
// 预算键必须由某个严格前驱写入或声明为流水线输入，否则选择器
// 在运行期无预算可依，为 Error 级 MissingBudgetSource。
type CostPass struct{}

// Name 返回检查遍名称
func (p *CostPass) Name() string { return "cost" }

// Check 对每个 BudgetBounded 选择器校验预算键的来源
func (p *CostPass) Check(g *Graph) []Issue {
	var issues []Issue

	for _, n := range g.Order {
		sel, ok := n.(*compose.ModelSelectorNode)
		if !ok || sel.Strategy != compose.SelectBudgetBounded {
			continue
		}
		if sel.BudgetKey == nil {
			// 构造期已保证非空，这里兜住手工构造的树
			issues = append(issues, Issue{
				Node:     sel.Name(),
				Kind:     MissingBudgetSource,
				Severity: SeverityError,
				Message:  "budget-bounded selector declares no budget key",
			})
			continue
		}
		if !g.Available[sel.Name()].Has(*sel.BudgetKey) {
			issues = append(issues, Issue{
				Node:     sel.Name(),
				Kind:     MissingBudgetSource,
				Severity: SeverityError,
				Message: fmt.Sprintf("budget key %q is not written by any predecessor nor declared as a pipeline input",
					sel.BudgetKey.String()),
			})
		}
	}
	return issues
}
