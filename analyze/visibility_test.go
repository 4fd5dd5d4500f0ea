/*
 * visibility_test.go - 可见性推断测试
 *
 * 测试内容：
 *   - 分类后路由流水线：分类器为 Internal，路由分支为 User
 *   - 传播律：序列末位子节点继承序列自身的位置
 *   - 显式覆盖优先于位置推断
 *   - 推断对全部节点完备且幂等
 */

package analyze

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

func newLeaf(t *testing.T, name string, opts ...compose.LeafOption) *compose.LeafNode {
	t.Helper()
	leaf, err := compose.NewLeaf(name, &compose.LeafConfig{Model: "test-model"}, opts...)
	assert.NoError(t, err)
	return leaf
}

func TestInferVisibilityClassifyThenRoute(t *testing.T) {
	classifier := newLeaf(t, "classifier", compose.WithOutputKey(schema.Key("intent")))
	x := newLeaf(t, "x")
	y := newLeaf(t, "y")

	route, err := compose.Route("dispatch", schema.Key("intent"), []compose.RouteRule{
		{Label: "x", Match: compose.MatchValue("x"), Target: x},
		{Label: "y", Match: compose.MatchValue("y"), Target: y},
	})
	assert.NoError(t, err)

	root, err := compose.Then(classifier, route)
	assert.NoError(t, err)

	vis := InferVisibility(root)

	// 分类器的输出被路由消费，不对外呈现
	assert.Equal(t, compose.VisibilityInternal, vis["classifier"])
	// 路由本身不触发宿主调用
	assert.Equal(t, compose.VisibilityZeroCost, vis["dispatch"])
	// 命中分支的输出即流水线输出
	assert.Equal(t, compose.VisibilityUser, vis["x"])
	assert.Equal(t, compose.VisibilityUser, vis["y"])
}

func TestInferVisibilityPropagationLaw(t *testing.T) {
	a := newLeaf(t, "a")
	b := newLeaf(t, "b")
	seq, err := compose.Sequence("pipeline", a, b)
	assert.NoError(t, err)

	// 根位置：末位子节点与序列同为终端
	vis := InferVisibility(seq)
	assert.Equal(t, compose.VisibilityInternal, vis["a"])
	assert.Equal(t, compose.VisibilityUser, vis["b"])
	assert.Equal(t, vis["pipeline"], vis["b"])

	// 序列有后继时，末位子节点随之变为 Internal
	c := newLeaf(t, "c")
	outer, err := compose.Sequence("outer", seq, c)
	assert.NoError(t, err)
	vis = InferVisibility(outer)
	assert.Equal(t, compose.VisibilityInternal, vis["b"])
	assert.Equal(t, compose.VisibilityUser, vis["c"])
}

func TestInferVisibilityOverrideWins(t *testing.T) {
	a := newLeaf(t, "a", compose.WithVisibility(compose.VisibilityUser))
	b := newLeaf(t, "b")
	seq, err := compose.Sequence("pipeline", a, b)
	assert.NoError(t, err)

	vis := InferVisibility(seq)
	// a 处于非终端位置，但显式覆盖优先
	assert.Equal(t, compose.VisibilityUser, vis["a"])
}

func TestInferVisibilityTotalAndIdempotent(t *testing.T) {
	body := newLeaf(t, "worker")
	loop, err := compose.Repeat("retry", body, 3)
	assert.NoError(t, err)

	gate, err := compose.GateIf("maybe", func(schema.StateView) bool { return true }, loop)
	assert.NoError(t, err)

	fin := newLeaf(t, "final")
	root, err := compose.Sequence("pipeline", gate, fin)
	assert.NoError(t, err)

	vis := InferVisibility(root)

	// 每个节点恰有一个分类
	count := 0
	compose.Walk(root, func(n compose.Node) bool {
		_, ok := vis[n.Name()]
		assert.True(t, ok, "node %q missing from visibility map", n.Name())
		count++
		return true
	})
	assert.Len(t, vis, count)

	// 门控与循环体的分类
	assert.Equal(t, compose.VisibilityZeroCost, vis["maybe"])
	assert.Equal(t, compose.VisibilityInternal, vis["worker"]) // 循环体永非终端
	assert.Equal(t, compose.VisibilityUser, vis["final"])

	// 幂等
	assert.Equal(t, vis, InferVisibility(root))
}
