/*
 * typecheck.go - 类型检查：同一状态键的语义类型一致性
 */

package analyze

import "fmt"

// TypePass 检查同一身份的状态键是否在不同节点声明了不同的语义类型。
// 类型标注是可选的；只有两处非空标注彼此冲突时才上报 TypeMismatch。
type TypePass struct{}

// Name 返回检查遍名称
func (p *TypePass) Name() string { return "type" }

// typeDecl 记录某键身份的首个非空类型标注及其声明节点
type typeDecl struct {
	typ  string
	node string
}

// Check 汇总全图的键类型声明并检测冲突
func (p *TypePass) Check(g *Graph) []Issue {
	var issues []Issue
	decls := make(map[string]typeDecl)

	for _, n := range g.Order {
		refs := append(n.Reads().Refs(), n.Writes().Refs()...)
		for _, ref := range refs {
			if ref.Type == "" {
				continue
			}
			id := ref.String()
			prev, ok := decls[id]
			if !ok {
				decls[id] = typeDecl{typ: ref.Type, node: n.Name()}
				continue
			}
			if prev.typ != ref.Type {
				issues = append(issues, Issue{
					Node:     n.Name(),
					Kind:     TypeMismatch,
					Severity: SeverityError,
					Message: fmt.Sprintf("key %q declared as %q here but as %q at node %q",
						id, ref.Type, prev.typ, prev.node),
				})
			}
		}
	}
	return issues
}
