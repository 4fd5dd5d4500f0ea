/*
 * modality.go - 模态检查：顺序相邻叶子的模态契约匹配
 */

package analyze

import (
	"fmt"
	"strings"

	"github.com/favbox/weave/compose"
)

// ModalityPass 检查顺序相邻叶子的模态契约。
// 只有生产者与消费者都显式声明契约时才参与检查；生产者的输出模态集
// 必须覆盖消费者接受的输入模态集，否则为 Error 级 ModalityMismatch。
type ModalityPass struct{}

// Name 返回检查遍名称
func (p *ModalityPass) Name() string { return "modality" }

// Check 遍历顺序组合中的相邻叶子对
func (p *ModalityPass) Check(g *Graph) []Issue {
	var issues []Issue

	for _, n := range g.Order {
		leaf, ok := n.(*compose.LeafNode)
		if !ok || len(leaf.Config.InputModalities) == 0 {
			continue
		}
		pred, ok := g.PrevSibling[leaf.Name()].(*compose.LeafNode)
		if !ok || len(pred.Config.OutputModalities) == 0 {
			continue
		}

		missing := missingModalities(pred.Config.OutputModalities, leaf.Config.InputModalities)
		if len(missing) > 0 {
			issues = append(issues, Issue{
				Node:     leaf.Name(),
				Kind:     ModalityMismatch,
				Severity: SeverityError,
				Message: fmt.Sprintf("consumer accepts [%s] but producer %q does not output [%s]",
					joinModalities(leaf.Config.InputModalities), pred.Name(), joinModalities(missing)),
			})
		}
	}
	return issues
}

// missingModalities 返回 accepted 中未被 produced 覆盖的模态
func missingModalities(produced, accepted []compose.Modality) []compose.Modality {
	set := make(map[compose.Modality]struct{}, len(produced))
	for _, m := range produced {
		set[m] = struct{}{}
	}
	var missing []compose.Modality
	for _, m := range accepted {
		if _, ok := set[m]; !ok {
			missing = append(missing, m)
		}
	}
	return missing
}

func joinModalities(ms []compose.Modality) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}
