/*
 * copy.go - 子树显式复制
 *
 * 核心组件：
 *   - CopyTree: 深复制子树并为每个节点分配新名称
 *
 * 设计特点：
 *   - 无共享引用: 图恒为树，跨分支"复用"子流水线必须经此显式复制，
 *     每个出现位置拥有独立的名称、读写集与可见性归属
 *   - 新鲜身份: 名称追加短随机后缀，复制结果可与原树共存于同一图中
 */

package compose

import (
	"github.com/google/uuid"
)

// CopyTree 深复制子树，所有节点获得带新鲜后缀的名称。
// 不可变负载（配置、谓词、变换函数）按引用共享，结构全部新建。
func CopyTree(root Node) Node {
	suffix := "#" + uuid.NewString()[:8]
	return copyNode(root, suffix)
}

func copyNode(n Node, suffix string) Node {
	if n == nil {
		return nil
	}

	meta := func(m nodeMeta) nodeMeta {
		m.name += suffix
		return m
	}

	switch v := n.(type) {
	case *LeafNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		return &c

	case *SequenceNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Nodes = copyNodes(v.Nodes, suffix)
		c.Edges = append([]EdgeSemantics{}, v.Edges...)
		return &c

	case *ParallelNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Nodes = copyNodes(v.Nodes, suffix)
		return &c

	case *LoopNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Body = copyNode(v.Body, suffix)
		return &c

	case *RouteNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		rules := make([]RouteRule, len(v.Rules))
		for i, r := range v.Rules {
			rules[i] = RouteRule{Label: r.Label, Match: r.Match, Target: copyNode(r.Target, suffix)}
		}
		c.Rules = rules
		c.Default = copyNode(v.Default, suffix)
		return &c

	case *TransformNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		return &c

	case *FallbackNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Nodes = copyNodes(v.Nodes, suffix)
		return &c

	case *RaceNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Nodes = copyNodes(v.Nodes, suffix)
		return &c

	case *GateNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Body = copyNode(v.Body, suffix)
		return &c

	case *MapOverNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Body = copyNode(v.Body, suffix)
		return &c

	case *TimeoutNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Body = copyNode(v.Body, suffix)
		return &c

	case *ModelSelectorNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Body = copyNode(v.Body, suffix).(*LeafNode)
		return &c

	case *RemoteCallNode:
		c := *v
		c.nodeMeta = meta(v.nodeMeta)
		c.Fallback = copyNode(v.Fallback, suffix)
		return &c

	default:
		// 密封接口下不可达
		return n
	}
}

func copyNodes(nodes []Node, suffix string) []Node {
	res := make([]Node, len(nodes))
	for i, n := range nodes {
		res[i] = copyNode(n, suffix)
	}
	return res
}
