/*
 * checker_test.go - 合同检查器功能测试
 *
 * 测试内容：
 *   - 线性流水线：读写衔接完好时零问题，去掉写入后恰报一条写前读
 *   - 通道一致性：模板与转录双通道抵达时恰报一条重复
 *   - 死状态、类型冲突、流式路由冲突、预算键缺失、模态不匹配
 *   - 严格模式提升与幂等性
 */

package analyze

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// issuesOfKind 按种类筛选问题
func issuesOfKind(issues []Issue, kind IssueKind) []Issue {
	var res []Issue
	for _, i := range issues {
		if i.Kind == kind {
			res = append(res, i)
		}
	}
	return res
}

func TestDataFlowLinearPipeline(t *testing.T) {
	a := newLeaf(t, "a", compose.WithWrites(schema.Key("intent")))
	b := newLeaf(t, "b", compose.WithReads(schema.Key("intent")))
	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	issues := NewChecker(&DataFlowPass{}).Check(root)
	assert.Empty(t, issues)

	// 去掉 a 的写入后恰有一条写前读，指向 b 与 intent
	a2 := newLeaf(t, "a")
	b2 := newLeaf(t, "b", compose.WithReads(schema.Key("intent")))
	root2, err := compose.Then(a2, b2)
	assert.NoError(t, err)

	issues = NewChecker(&DataFlowPass{}).Check(root2)
	assert.Len(t, issues, 1)
	assert.Equal(t, ReadBeforeWrite, issues[0].Kind)
	assert.Equal(t, SeverityError, issues[0].Severity)
	assert.Equal(t, "b", issues[0].Node)
	assert.Contains(t, issues[0].Message, "intent")
}

func TestDataFlowPipelineInputs(t *testing.T) {
	b := newLeaf(t, "b", compose.WithReads(schema.Key("query")))

	// 声明为流水线输入的键无需前驱写入
	issues := NewChecker(&DataFlowPass{}).Check(b, schema.Key("query"))
	assert.Empty(t, issues)
}

func TestDataFlowDeadState(t *testing.T) {
	a := newLeaf(t, "a", compose.WithWrites(schema.Key("intent"), schema.ScopedKey("scratch", schema.ScopeEphemeral)))
	b := newLeaf(t, "b", compose.WithReads(schema.Key("intent")), compose.WithOutputKey(schema.Key("plan")))
	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	issues := NewChecker(&DataFlowPass{}).Check(root)

	// plan 无人读取为死状态；临时作用域的 scratch 豁免
	dead := issuesOfKind(issues, DeadState)
	assert.Len(t, dead, 1)
	assert.Equal(t, SeverityWarning, dead[0].Severity)
	assert.Contains(t, dead[0].Message, "plan")
}

func TestDataFlowLoopBodySelfFeeding(t *testing.T) {
	// 循环体读取自己上一轮的写入，过近似下不报写前读
	body := newLeaf(t, "refine",
		compose.WithReads(schema.Key("draft")),
		compose.WithOutputKey(schema.Key("draft")))
	loop, err := compose.Repeat("polish", body, 3)
	assert.NoError(t, err)

	issues := issuesOfKind(NewChecker(&DataFlowPass{}).Check(loop), ReadBeforeWrite)
	assert.Empty(t, issues)
}

func TestTypePassConflict(t *testing.T) {
	a := newLeaf(t, "a", compose.WithWrites(schema.TypedKey("intent", "string")))
	b := newLeaf(t, "b", compose.WithReads(schema.TypedKey("intent", "json")))
	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	issues := NewChecker(&TypePass{}).Check(root)
	assert.Len(t, issues, 1)
	assert.Equal(t, TypeMismatch, issues[0].Kind)
	assert.Contains(t, issues[0].Message, "string")
	assert.Contains(t, issues[0].Message, "json")

	// 无标注与单侧标注不冲突
	c := newLeaf(t, "c", compose.WithWrites(schema.Key("intent")))
	d := newLeaf(t, "d", compose.WithReads(schema.TypedKey("intent", "string")))
	root2, err := compose.Then(c, d)
	assert.NoError(t, err)
	assert.Empty(t, NewChecker(&TypePass{}).Check(root2))
}

func TestChannelDuplicationScenario(t *testing.T) {
	a, err := compose.NewLeaf("a", &compose.LeafConfig{Model: "test-model"},
		compose.WithWrites(schema.Key("x")),
		compose.WithContextFilter(schema.NoHistory()))
	assert.NoError(t, err)

	b, err := compose.NewLeaf("b", &compose.LeafConfig{
		Model:       "test-model",
		Instruction: "answer using {x}",
	})
	assert.NoError(t, err)

	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	issues := NewChecker(&ChannelPass{}).Check(root)

	// x 既经模板抵达又随转录历史抵达，恰报一条重复，归因于 b
	dup := issuesOfKind(issues, ChannelDuplication)
	assert.Len(t, dup, 1)
	assert.Equal(t, "b", dup[0].Node)
	assert.Equal(t, SeverityWarning, dup[0].Severity)
}

func TestChannelUnresolvedTemplateVar(t *testing.T) {
	b, err := compose.NewLeaf("b", &compose.LeafConfig{
		Model:       "test-model",
		Instruction: "answer using {missing}",
	})
	assert.NoError(t, err)

	issues := issuesOfKind(NewChecker(&ChannelPass{}).Check(b), UnresolvedTemplateVar)
	assert.Len(t, issues, 1)
	assert.Equal(t, SeverityError, issues[0].Severity)

	// 声明为输入后解析成功
	issues = NewChecker(&ChannelPass{}).Check(b, schema.Key("missing"))
	assert.Empty(t, issuesOfKind(issues, UnresolvedTemplateVar))
}

func TestChannelDataLoss(t *testing.T) {
	// a 没有任何状态写入，转录是它唯一的输出通道
	a := newLeaf(t, "a")
	b, err := compose.NewLeaf("b", &compose.LeafConfig{Model: "test-model"},
		compose.WithContextFilter(schema.ExcludeAgents("a")))
	assert.NoError(t, err)

	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	issues := issuesOfKind(NewChecker(&ChannelPass{}).Check(root), DataLoss)
	assert.Len(t, issues, 1)
	assert.Equal(t, "b", issues[0].Node)
}

func TestStreamingRouteConflict(t *testing.T) {
	a := newLeaf(t, "a", compose.WithOutputKey(schema.Key("intent")))
	x := newLeaf(t, "x")
	route, err := compose.Route("dispatch", schema.Key("intent"), []compose.RouteRule{
		{Label: "x", Match: compose.MatchValue("x"), Target: x},
	})
	assert.NoError(t, err)

	root, err := compose.ThenStreaming(a, route, compose.BufferToken)
	assert.NoError(t, err)

	issues := NewChecker(&StreamingPass{}).Check(root)
	assert.Len(t, issues, 1)
	assert.Equal(t, StreamingRouteConflict, issues[0].Kind)
	assert.Equal(t, "dispatch", issues[0].Node)

	// 完整缓冲边不冲突
	root2, err := compose.Then(newLeaf(t, "a2", compose.WithOutputKey(schema.Key("intent"))), compose.CopyTree(route))
	assert.NoError(t, err)
	assert.Empty(t, NewChecker(&StreamingPass{}).Check(root2))
}

func TestCostPassBudgetSource(t *testing.T) {
	candidates := []compose.ModelCandidate{{Model: "small", Quality: 1}, {Model: "large", Quality: 3}}

	body := newLeaf(t, "answer")
	sel, err := compose.SelectModel("sel", compose.SelectBudgetBounded, candidates, body,
		compose.WithBudgetKey(schema.Key("budget")))
	assert.NoError(t, err)

	// 无前驱写入预算键
	issues := NewChecker(&CostPass{}).Check(sel)
	assert.Len(t, issues, 1)
	assert.Equal(t, MissingBudgetSource, issues[0].Kind)

	// 前驱写入后解析成功
	setter, err := compose.NewTransform("set-budget",
		func(schema.StateView) (*schema.StateDelta, error) {
			return schema.MergeDelta(map[string]any{"budget": 2.0}), nil
		},
		schema.DeltaMerge,
		compose.TransformWrites(schema.Key("budget")))
	assert.NoError(t, err)

	root, err := compose.Then(setter, compose.CopyTree(sel))
	assert.NoError(t, err)
	assert.Empty(t, NewChecker(&CostPass{}).Check(root))
}

func TestModalityMismatch(t *testing.T) {
	producer, err := compose.NewLeaf("describe", &compose.LeafConfig{
		Model:            "test-model",
		OutputModalities: []compose.Modality{compose.ModalityText},
	})
	assert.NoError(t, err)

	consumer, err := compose.NewLeaf("inspect", &compose.LeafConfig{
		Model:           "test-model",
		InputModalities: []compose.Modality{compose.ModalityText, compose.ModalityImage},
	})
	assert.NoError(t, err)

	root, err := compose.Then(producer, consumer)
	assert.NoError(t, err)

	issues := NewChecker(&ModalityPass{}).Check(root)
	assert.Len(t, issues, 1)
	assert.Equal(t, ModalityMismatch, issues[0].Kind)
	assert.Contains(t, issues[0].Message, "image")
}

func TestCheckerStrictAndIdempotent(t *testing.T) {
	a := newLeaf(t, "a", compose.WithWrites(schema.Key("unused")))
	b := newLeaf(t, "b")
	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	checker := NewDefaultChecker()

	issues := checker.Check(root)
	assert.True(t, len(issues) > 0)
	assert.False(t, HasErrors(issues))
	assert.NoError(t, FirstError(issues))

	// 严格模式将警告提升为错误
	strict := checker.CheckStrict(root)
	assert.True(t, HasErrors(strict))
	assert.Error(t, FirstError(strict))

	// 幂等：重复检查结果恒定
	assert.Equal(t, issues, checker.Check(root))
}
