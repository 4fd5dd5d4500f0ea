/*
 * streaming.go - 流式兼容检查：部分输出不得直接馈入路由
 */

package analyze

import (
	"fmt"

	"github.com/favbox/weave/compose"
)

// StreamingPass 检查顺序边的缓冲语义与下游消费方式是否兼容。
// 路由需要完整取值才能分发，分块或词元边直接馈入路由为 Error 级
// StreamingRouteConflict。
type StreamingPass struct{}

// Name 返回检查遍名称
func (p *StreamingPass) Name() string { return "streaming" }

// Check 遍历全部顺序组合，检查非完整缓冲边的下游节点
func (p *StreamingPass) Check(g *Graph) []Issue {
	var issues []Issue

	compose.Walk(g.Root, func(n compose.Node) bool {
		seq, ok := n.(*compose.SequenceNode)
		if !ok {
			return true
		}
		for i, edge := range seq.Edges {
			if edge.Buffering == compose.BufferFull {
				continue
			}
			next := seq.Nodes[i+1]
			if next.Kind() == compose.KindRoute {
				issues = append(issues, Issue{
					Node:     next.Name(),
					Kind:     StreamingRouteConflict,
					Severity: SeverityError,
					Message: fmt.Sprintf("route %q consumes a %s edge but routing requires the complete value",
						next.Name(), edge.Buffering),
				})
			}
		}
		return true
	})
	return issues
}
