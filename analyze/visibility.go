/*
 * visibility.go - 可见性推断：输出归属的位置化规则
 *
 * 核心组件：
 *   - InferVisibility: 对整棵树做位置敏感的可见性分类
 *
 * 设计特点：
 *   - 位置决定分类: 叶子有后继则为 Internal，位于终端位置则为 User，
 *     显式覆盖优先于一切推断
 *   - 零成本变体: Transform、Route、Gate、Timeout 自身不触发宿主调用，
 *     恒为 ZeroCost；其子树按各自位置单独分类
 *   - 确定性: 同一棵树的推断结果恒定，后端以此为事件打标
 */

package analyze

import "github.com/favbox/weave/compose"

// InferVisibility 推断树内每个节点的可见性分类，以节点名为键。
// 根节点视为处于终端位置。
func InferVisibility(root compose.Node) map[string]compose.Visibility {
	out := make(map[string]compose.Visibility)
	inferVisibility(root, false, out)
	return out
}

// inferVisibility 对 n 及其子树做位置化分类。
// hasSuccessor 表示 n 之后还有节点会消费其效果。
func inferVisibility(n compose.Node, hasSuccessor bool, out map[string]compose.Visibility) {
	if n == nil {
		return
	}

	if ov, ok := n.VisibilityOverride(); ok {
		out[n.Name()] = ov
	} else {
		switch n.Kind() {
		case compose.KindTransform, compose.KindRoute, compose.KindGate, compose.KindTimeout:
			out[n.Name()] = compose.VisibilityZeroCost
		default:
			if hasSuccessor {
				out[n.Name()] = compose.VisibilityInternal
			} else {
				out[n.Name()] = compose.VisibilityUser
			}
		}
	}

	switch node := n.(type) {
	case *compose.SequenceNode:
		// 末位子节点继承序列自身的位置，其余子节点必有后继
		for i, child := range node.Nodes {
			inferVisibility(child, i < len(node.Nodes)-1 || hasSuccessor, out)
		}
	case *compose.ParallelNode:
		for _, child := range node.Nodes {
			inferVisibility(child, hasSuccessor, out)
		}
	case *compose.FallbackNode:
		for _, child := range node.Nodes {
			inferVisibility(child, hasSuccessor, out)
		}
	case *compose.RaceNode:
		for _, child := range node.Nodes {
			inferVisibility(child, hasSuccessor, out)
		}
	case *compose.LoopNode:
		// 循环体的输出总会被下一轮迭代或出口谓词消费
		inferVisibility(node.Body, true, out)
	case *compose.MapOverNode:
		inferVisibility(node.Body, true, out)
	case *compose.RouteNode:
		// 分支是路由的终端：命中分支的输出直接呈现，不再被后继消费
		for _, r := range node.Rules {
			inferVisibility(r.Target, false, out)
		}
		if node.Default != nil {
			inferVisibility(node.Default, false, out)
		}
	case *compose.GateNode:
		inferVisibility(node.Body, hasSuccessor, out)
	case *compose.TimeoutNode:
		inferVisibility(node.Body, hasSuccessor, out)
	case *compose.ModelSelectorNode:
		inferVisibility(node.Body, hasSuccessor, out)
	case *compose.RemoteCallNode:
		if node.Fallback != nil {
			inferVisibility(node.Fallback, hasSuccessor, out)
		}
	}
}
