/*
 * lift.go - 管道算子与隐式提升
 *
 * 核心组件：
 *   - Pipe: 将变换函数或分支映射接到节点之后，自动提升为 Transform 或 Route
 *
 * 设计特点：
 *   - 唯一的隐式提升点: 裸函数提升为 Transform，映射字面量提升为 Route，
 *     且必须无歧义——映射提升依赖节点最近声明的输出键，缺失即构造失败
 *   - 确定序: 映射字面量的分支按标签排序展开，保证构造结果可复现
 */

package compose

import (
	"sort"

	"github.com/favbox/weave/schema"
)

// Pipe 将 x 接到节点 a 之后，返回顺序组合。
// x 为 schema.TransformFunc 时提升为 Transform 节点；
// x 为 map[string]Node 时提升为 Route 节点，
// 路由键取 a 最近声明的输出键，无输出键即构造失败。
func Pipe(a Node, x any) (Node, error) {
	if a == nil {
		return nil, newCompositionError("Pipe", nil, "operand must not be nil")
	}

	switch v := x.(type) {
	case schema.TransformFunc:
		t, err := NewTransform(a.Name()+".pipe", v, schema.DeltaMerge)
		if err != nil {
			return nil, err
		}
		return Then(a, t)

	case func(schema.StateView) (*schema.StateDelta, error):
		return Pipe(a, schema.TransformFunc(v))

	case map[string]Node:
		key := LastOutputKey(a)
		if key == nil {
			return nil, newCompositionError("Pipe", []string{a.Name()},
				"mapping literal requires the piped node to declare an output key")
		}

		labels := make([]string, 0, len(v))
		for label := range v {
			labels = append(labels, label)
		}
		sort.Strings(labels)

		rules := make([]RouteRule, 0, len(labels))
		for _, label := range labels {
			rules = append(rules, RouteRule{
				Label:  label,
				Match:  MatchValue(label),
				Target: v[label],
			})
		}

		r, err := Route(a.Name()+".route", *key, rules)
		if err != nil {
			return nil, err
		}
		return Then(a, r)

	default:
		return nil, newCompositionError("Pipe", []string{a.Name()},
			"cannot lift %T: expected schema.TransformFunc or map[string]Node", x)
	}
}

// LastOutputKey 返回节点最近声明的输出键。
// 叶子与远程调用返回自身的输出键；顺序组合返回最后一个子节点的；
// 循环、门控、超时、逐元素、选择器穿透到内部节点；其余变体无输出键。
func LastOutputKey(n Node) *schema.StateKeyRef {
	switch v := n.(type) {
	case *LeafNode:
		return v.OutputKey
	case *RemoteCallNode:
		return v.OutputKey
	case *SequenceNode:
		if len(v.Nodes) == 0 {
			return nil
		}
		return LastOutputKey(v.Nodes[len(v.Nodes)-1])
	case *MapOverNode:
		return v.OutputKey
	case *LoopNode:
		return LastOutputKey(v.Body)
	case *GateNode:
		return LastOutputKey(v.Body)
	case *TimeoutNode:
		return LastOutputKey(v.Body)
	case *ModelSelectorNode:
		return LastOutputKey(v.Body)
	default:
		return nil
	}
}
