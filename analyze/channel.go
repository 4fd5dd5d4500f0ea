/*
 * channel.go - 通道一致性检查：状态、指令模板与转录三条通道的交叉引用
 *
 * 核心组件：
 *   - ChannelPass: 校验信息在三条通道间既不重复抵达也不静默丢失
 *
 * 设计特点：
 *   - 模板变量即会话键: 指令模板变量与会话作用域状态键同名同义，
 *     无上游写入者的变量为 Error 级 UnresolvedTemplateVar
 *   - 重复判定: 前驱写入的键同时经模板引用与转录历史抵达同一节点时
 *     上报 ChannelDuplication（同一信息出现两次）
 *   - 丢失判定: 仅经转录输出的前驱被后继的限制性过滤器排除时
 *     上报 DataLoss
 */

package analyze

import (
	"fmt"

	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// ChannelPass 检查状态、指令模板与转录三条通道的一致性。
type ChannelPass struct{}

// Name 返回检查遍名称
func (p *ChannelPass) Name() string { return "channel" }

// Check 对每个叶子交叉比对模板变量、前驱写入与上下文过滤器
func (p *ChannelPass) Check(g *Graph) []Issue {
	var issues []Issue

	for _, n := range g.Order {
		leaf, ok := n.(*compose.LeafNode)
		if !ok {
			continue
		}

		vars, err := leaf.Config.InstructionVars()
		if err != nil {
			// 模板解析失败在构造期已被拒绝，这里按无变量处理
			vars = nil
		}

		avail := g.Available[leaf.Name()]
		for _, v := range vars {
			if !avail.Has(schema.Key(v)) {
				issues = append(issues, Issue{
					Node:     leaf.Name(),
					Kind:     UnresolvedTemplateVar,
					Severity: SeverityError,
					Message:  fmt.Sprintf("instruction template references %q but no upstream node writes it", v),
				})
			}
		}

		pred := g.PrevSibling[leaf.Name()]
		if pred == nil || !producesTranscript(pred) {
			continue
		}

		if leaf.Filter.Includes(pred.Name()) {
			// 前驱写入且出现在转录历史中，模板又引用同一键时信息抵达两次
			for _, v := range vars {
				if pred.Writes().Has(schema.Key(v)) {
					issues = append(issues, Issue{
						Node:     leaf.Name(),
						Kind:     ChannelDuplication,
						Severity: SeverityWarning,
						Message: fmt.Sprintf("key %q arrives both via instruction template and via transcript history of predecessor %q",
							v, pred.Name()),
					})
				}
			}
		} else if pred.Writes().Len() == 0 {
			// 前驱没有任何状态写入，转录是它唯一的输出通道
			issues = append(issues, Issue{
				Node:     leaf.Name(),
				Kind:     DataLoss,
				Severity: SeverityWarning,
				Message: fmt.Sprintf("predecessor %q writes no state keys and its transcript output is excluded by the context filter",
					pred.Name()),
			})
		}
	}
	return issues
}

// producesTranscript 判断节点是否会向转录历史追加轮次
func producesTranscript(n compose.Node) bool {
	switch n.Kind() {
	case compose.KindLeaf, compose.KindRemoteCall, compose.KindModelSelector:
		return true
	default:
		return false
	}
}
