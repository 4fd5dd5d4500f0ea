/*
 * dataflow.go - 数据流检查：写前读与死状态
 *
 * 核心组件：
 *   - DataFlowPass: 校验每个读取键都有严格前驱写入或输入声明
 *
 * 设计特点：
 *   - 终端归因: 只检查终端节点（叶子、变换、远程调用）与各分发键，
 *     组合节点的读写集是子节点的并集，直接检查会重复误报
 *   - 死状态豁免: 临时作用域的键按约定不参与死状态判定
 */

package analyze

import (
	"fmt"

	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// DataFlowPass 检查写前读与死状态。
// 读取键必须由严格前驱写入或声明为流水线输入，违反者为 Error 级
// ReadBeforeWrite；写入后从不被读取的非临时键为 Warning 级 DeadState。
type DataFlowPass struct{}

// Name 返回检查遍名称
func (p *DataFlowPass) Name() string { return "dataflow" }

// Check 在执行序视图上运行数据流检查
func (p *DataFlowPass) Check(g *Graph) []Issue {
	var issues []Issue

	// 全图读取键集，死状态判定用
	readAnywhere := compose.NewKeySet()

	for _, n := range g.Order {
		avail := g.Available[n.Name()]

		var reads compose.KeySet
		switch node := n.(type) {
		case *compose.LeafNode, *compose.TransformNode:
			reads = n.Reads()
		case *compose.RemoteCallNode:
			reads = n.Reads()
			if node.Fallback != nil {
				// 回退子树的读取由其内部终端节点各自归因
				reads = reads.Without(node.Fallback.Reads().Refs()...)
			}
		case *compose.RouteNode:
			reads = compose.NewKeySet(node.Key)
		case *compose.MapOverNode:
			reads = compose.NewKeySet(node.ListKey)
		default:
			continue
		}

		readAnywhere = readAnywhere.Union(reads)
		for _, ref := range reads.Refs() {
			if !avail.Has(ref) {
				issues = append(issues, Issue{
					Node:     n.Name(),
					Kind:     ReadBeforeWrite,
					Severity: SeverityError,
					Message:  fmt.Sprintf("key %q is read but never written by a strict predecessor nor declared as a pipeline input", ref.String()),
				})
			}
		}
	}

	// 预算键与模型选择器由成本检查归因，这里只计入读取事实
	for _, n := range g.Order {
		if sel, ok := n.(*compose.ModelSelectorNode); ok && sel.BudgetKey != nil {
			readAnywhere = readAnywhere.Union(compose.NewKeySet(*sel.BudgetKey))
		}
	}

	issues = append(issues, p.deadState(g, readAnywhere)...)
	return issues
}

// deadState 报告写入后从不被读取的非临时键
func (p *DataFlowPass) deadState(g *Graph, readAnywhere compose.KeySet) []Issue {
	var issues []Issue
	reported := compose.NewKeySet()

	for _, n := range g.Order {
		var writes compose.KeySet
		switch node := n.(type) {
		case *compose.LeafNode, *compose.TransformNode, *compose.RemoteCallNode:
			writes = n.Writes()
		case *compose.MapOverNode:
			if node.OutputKey != nil {
				writes = compose.NewKeySet(*node.OutputKey)
			}
		default:
			continue
		}

		for _, ref := range writes.Refs() {
			if ref.Scope == schema.ScopeEphemeral {
				continue
			}
			if readAnywhere.Has(ref) || reported.Has(ref) {
				continue
			}
			reported = reported.Union(compose.NewKeySet(ref))
			issues = append(issues, Issue{
				Node:     n.Name(),
				Kind:     DeadState,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("key %q is written but never read anywhere in the graph", ref.String()),
			})
		}
	}
	return issues
}
