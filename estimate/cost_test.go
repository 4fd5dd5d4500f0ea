/*
 * cost_test.go - 成本估算器功能测试
 *
 * 测试内容：
 *   - 顺序可加性与零成本变换
 *   - 路由流水线场景：10 + (0.7×5 + 0.3×20) = 19.5
 *   - 均匀分布回退与缺省迭代次数的 Warning 备注
 *   - 概率假设校验与 Fallback 悲观模式
 */

package estimate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// testPricing 使 avg 1000/0 词元下各模型的单次成本一目了然
var testPricing = Pricing{
	"m10": {InputPerKTok: 10},
	"m5":  {InputPerKTok: 5},
	"m20": {InputPerKTok: 20},
}

// testAssumptions 单次调用 1000 输入词元、零输出词元
func testAssumptions() *TrafficAssumptions {
	return &TrafficAssumptions{
		InvocationsPerPeriod: 100,
		AvgInputTokens:       1000,
	}
}

func leafWithModel(t *testing.T, name, model string) *compose.LeafNode {
	t.Helper()
	leaf, err := compose.NewLeaf(name, &compose.LeafConfig{Model: model})
	assert.NoError(t, err)
	return leaf
}

func TestEstimateSequenceAdditivity(t *testing.T) {
	a := leafWithModel(t, "a", "m10")
	b := leafWithModel(t, "b", "m5")
	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	e := &Estimator{Pricing: testPricing}
	report, err := e.Estimate(root, testAssumptions())
	assert.NoError(t, err)

	assert.InDelta(t, 15.0, report.Total, 1e-9)
	assert.InDelta(t, 1500.0, report.PerPeriod, 1e-9)

	// 明细按执行序排列
	pair := report.Breakdown.Oldest()
	assert.Equal(t, "a", pair.Key)
	assert.InDelta(t, 10.0, pair.Value, 1e-9)
	assert.Equal(t, "b", pair.Next().Key)
}

func TestEstimateTransformIsFree(t *testing.T) {
	a := leafWithModel(t, "a", "m10")
	tr, err := compose.NewTransform("rename",
		func(schema.StateView) (*schema.StateDelta, error) { return nil, nil },
		schema.DeltaMerge)
	assert.NoError(t, err)

	root, err := compose.Then(a, tr)
	assert.NoError(t, err)

	report, err := (&Estimator{Pricing: testPricing}).Estimate(root, testAssumptions())
	assert.NoError(t, err)
	assert.InDelta(t, 10.0, report.Total, 1e-9)
}

func TestEstimateRoutedPipelineScenario(t *testing.T) {
	head := leafWithModel(t, "head", "m10")
	cheap := leafWithModel(t, "cheap", "m5")
	costly := leafWithModel(t, "costly", "m20")

	route, err := compose.Route("dispatch", schema.Key("intent"), []compose.RouteRule{
		{Label: "a", Match: compose.MatchValue("a"), Target: cheap},
		{Label: "b", Match: compose.MatchValue("b"), Target: costly},
	})
	assert.NoError(t, err)

	root, err := compose.Then(head, route)
	assert.NoError(t, err)

	assumptions := testAssumptions()
	assumptions.BranchProbabilities = map[string]map[string]float64{
		"dispatch": {"a": 0.7, "b": 0.3},
	}

	report, err := (&Estimator{Pricing: testPricing}).Estimate(root, assumptions)
	assert.NoError(t, err)

	// 10 + (0.7×5 + 0.3×20) = 19.5
	assert.InDelta(t, 19.5, report.Total, 1e-9)
	assert.Empty(t, report.Notes)

	// 分支明细按命中概率加权
	v, ok := report.Breakdown.Get("cheap")
	assert.True(t, ok)
	assert.InDelta(t, 3.5, v, 1e-9)
}

func TestEstimateUniformFallbackNote(t *testing.T) {
	cheap := leafWithModel(t, "cheap", "m5")
	costly := leafWithModel(t, "costly", "m20")
	route, err := compose.Route("dispatch", schema.Key("intent"), []compose.RouteRule{
		{Label: "a", Match: compose.MatchValue("a"), Target: cheap},
		{Label: "b", Match: compose.MatchValue("b"), Target: costly},
	})
	assert.NoError(t, err)

	report, err := (&Estimator{Pricing: testPricing}).Estimate(route, testAssumptions())
	assert.NoError(t, err)

	// 均匀分布回退：0.5×5 + 0.5×20 = 12.5，且附 Warning 备注
	assert.InDelta(t, 12.5, report.Total, 1e-9)
	assert.Len(t, report.Notes, 1)
	assert.Equal(t, NoteWarning, report.Notes[0].Severity)
	assert.Equal(t, "dispatch", report.Notes[0].Node)
}

func TestEstimateLoopAndMapOverDefaults(t *testing.T) {
	body := leafWithModel(t, "refine", "m10")
	loop, err := compose.Repeat("polish", body, 5)
	assert.NoError(t, err)

	assumptions := testAssumptions()
	report, err := (&Estimator{Pricing: testPricing}).Estimate(loop, assumptions)
	assert.NoError(t, err)

	// 未声明期望迭代次数：按 1.0 估算并附备注
	assert.InDelta(t, 10.0, report.Total, 1e-9)
	assert.Len(t, report.Notes, 1)
	assert.Equal(t, NoteWarning, report.Notes[0].Severity)

	assumptions.ExpectedLoopIterations = map[string]float64{"polish": 3}
	report, err = (&Estimator{Pricing: testPricing}).Estimate(loop, assumptions)
	assert.NoError(t, err)
	assert.InDelta(t, 30.0, report.Total, 1e-9)
	assert.Empty(t, report.Notes)
}

func TestEstimateFallbackPessimism(t *testing.T) {
	primary := leafWithModel(t, "primary", "m10")
	backup := leafWithModel(t, "backup", "m20")
	fb, err := compose.FallbackOf("try", primary, backup)
	assert.NoError(t, err)

	report, err := (&Estimator{Pricing: testPricing, Pessimism: FirstOnly}).Estimate(fb, testAssumptions())
	assert.NoError(t, err)
	assert.InDelta(t, 10.0, report.Total, 1e-9)

	report, err = (&Estimator{Pricing: testPricing, Pessimism: SumAll}).Estimate(fb, testAssumptions())
	assert.NoError(t, err)
	assert.InDelta(t, 30.0, report.Total, 1e-9)
}

func TestTrafficAssumptionsValidate(t *testing.T) {
	var nilAssumptions *TrafficAssumptions
	assert.Error(t, nilAssumptions.Validate())

	bad := testAssumptions()
	bad.BranchProbabilities = map[string]map[string]float64{
		"dispatch": {"a": 0.7, "b": 0.7},
	}
	err := bad.Validate()
	var cfgErr *compose.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "branch_probabilities", cfgErr.Field)

	bad.BranchProbabilities = map[string]map[string]float64{
		"dispatch": {"a": 1.5, "b": -0.5},
	}
	assert.Error(t, bad.Validate())
}

func TestEstimateUnknownModelNote(t *testing.T) {
	leaf := leafWithModel(t, "a", "unpriced")

	report, err := (&Estimator{Pricing: testPricing}).Estimate(leaf, testAssumptions())
	assert.NoError(t, err)
	assert.InDelta(t, 0.0, report.Total, 1e-9)
	assert.Len(t, report.Notes, 1)
	assert.Contains(t, report.Notes[0].Message, "unpriced")
}
