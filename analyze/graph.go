/*
 * graph.go - 执行序视图：各检查遍共享的分析产物
 *
 * 核心组件：
 *   - Graph: 节点树的执行序展开，记录每个节点求值前的可用键集与顺序前驱
 *   - BuildGraph: 一次自顶向下遍历构造全部分析事实
 *
 * 设计特点：
 *   - 过近似: Fallback/Race/Route 的写入按"全部分支都可能发生"并集处理，
 *     循环体按"至少一轮已经发生"处理；误报偏向安静，漏报偏向保守
 *   - 一次构造: 各检查遍只读消费同一份 Graph，遍之间互不通信
 *
 * 与其他文件关系：
 *   - checker.go 负责构造 Graph 并按固定顺序驱动各检查遍
 *   - dataflow.go、channel.go 等依赖 Available 与 PrevSibling
 */

package analyze

import (
	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// Graph 是节点树的执行序视图。
// 构造后只读，各检查遍共享同一份实例。
type Graph struct {
	// Root 被分析的根节点
	Root compose.Node
	// Inputs 调用方声明的流水线输入键集
	Inputs compose.KeySet
	// Order 执行序先序排列的全部节点
	Order []compose.Node
	// Available 各节点求值前可用的状态键集，以节点名为键
	Available map[string]compose.KeySet
	// PrevSibling 顺序组合内各节点的直接前驱，以节点名为键
	PrevSibling map[string]compose.Node
}

// BuildGraph 构造执行序视图。
// inputs 声明流水线入口处已存在的状态键。
func BuildGraph(root compose.Node, inputs ...schema.StateKeyRef) *Graph {
	g := &Graph{
		Root:        root,
		Inputs:      compose.NewKeySet(inputs...),
		Available:   make(map[string]compose.KeySet),
		PrevSibling: make(map[string]compose.Node),
	}
	g.build(root, g.Inputs, nil)
	return g
}

// build 记录节点求值前的可用键集与顺序前驱，返回节点完成后的可用键集。
// prev 是节点在所属顺序组合内的直接前驱，进入非顺序组合时原样下传。
func (g *Graph) build(n compose.Node, avail compose.KeySet, prev compose.Node) compose.KeySet {
	if n == nil {
		return avail
	}
	g.Order = append(g.Order, n)
	g.Available[n.Name()] = avail
	if prev != nil {
		g.PrevSibling[n.Name()] = prev
	}

	switch node := n.(type) {
	case *compose.SequenceNode:
		cur := avail
		var last compose.Node = prev
		for _, child := range node.Nodes {
			cur = g.build(child, cur, last)
			last = child
		}
		return cur

	case *compose.ParallelNode:
		// 各子节点看到的是进入并行前的状态，彼此的写入互不可见
		for _, child := range node.Nodes {
			g.build(child, avail, prev)
		}
		return avail.Union(childWrites(node.Nodes)...)

	case *compose.RaceNode:
		for _, child := range node.Nodes {
			g.build(child, avail, prev)
		}
		// 过近似：任一竞速者都可能胜出
		return avail.Union(childWrites(node.Nodes)...)

	case *compose.FallbackNode:
		for _, child := range node.Nodes {
			g.build(child, avail, prev)
		}
		// 过近似：任一候选都可能最终执行
		return avail.Union(childWrites(node.Nodes)...)

	case *compose.RouteNode:
		for _, child := range node.Children() {
			g.build(child, avail, prev)
		}
		return avail.Union(childWrites(node.Children())...)

	case *compose.LoopNode:
		// 过近似：循环体的读取可能由上一轮迭代的写入满足
		g.build(node.Body, avail.Union(node.Body.Writes()), prev)
		return avail.Union(node.Body.Writes())

	case *compose.MapOverNode:
		bodyAvail := avail.Union(compose.NewKeySet(node.ItemKey), node.Body.Writes())
		g.build(node.Body, bodyAvail, prev)
		return avail.Union(node.Writes())

	case *compose.GateNode:
		g.build(node.Body, avail, prev)
		// 门控可能被跳过，但写入按可能发生处理
		return avail.Union(node.Body.Writes())

	case *compose.TimeoutNode:
		g.build(node.Body, avail, prev)
		return avail.Union(node.Body.Writes())

	case *compose.ModelSelectorNode:
		g.build(node.Body, avail, prev)
		return avail.Union(node.Writes())

	case *compose.RemoteCallNode:
		if node.Fallback != nil {
			g.build(node.Fallback, avail, prev)
		}
		return avail.Union(node.Writes())

	default:
		// Leaf、Transform 等终端变体
		return avail.Union(n.Writes())
	}
}

// Node 按名称查找节点，未命中返回 nil
func (g *Graph) Node(name string) compose.Node {
	for _, n := range g.Order {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

// childWrites 收集子节点的写入键集
func childWrites(nodes []compose.Node) []compose.KeySet {
	sets := make([]compose.KeySet, len(nodes))
	for i, n := range nodes {
		sets[i] = n.Writes()
	}
	return sets
}
