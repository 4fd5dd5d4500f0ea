/*
 * context_filter_test.go - 上下文过滤器功能测试
 *
 * 测试内容：
 *   - 各种过滤器编译后的历史装配行为
 *   - FromAgents/ExcludeAgents 的静态 Includes 判定
 *   - Template 过滤器从状态而非转录装配上下文
 *   - 参数校验失败的场景
 */

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// testTranscript 构造测试用的四轮转录
func testTranscript() []*Turn {
	return []*Turn{
		{Role: User, Content: "book a flight"},
		{Author: "classifier", Role: Assistant, Content: "intent: travel"},
		{Author: "planner", Role: Assistant, Content: "plan ready"},
		{Role: User, Content: "to Paris"},
	}
}

func TestDefaultFilter(t *testing.T) {
	assemble, err := DefaultFilter().Compile()
	assert.NoError(t, err)

	out, err := assemble(testTranscript(), nil)
	assert.NoError(t, err)
	assert.Contains(t, out, "classifier")
	assert.Contains(t, out, "planner")
	assert.Contains(t, out, "book a flight")
}

func TestNoHistory(t *testing.T) {
	assemble, err := NoHistory().Compile()
	assert.NoError(t, err)

	out, err := assemble(testTranscript(), nil)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestUserOnly(t *testing.T) {
	assemble, err := UserOnly().Compile()
	assert.NoError(t, err)

	out, err := assemble(testTranscript(), nil)
	assert.NoError(t, err)
	assert.Contains(t, out, "book a flight")
	assert.NotContains(t, out, "classifier")
}

func TestFromAgents(t *testing.T) {
	assemble, err := FromAgents("planner").Compile()
	assert.NoError(t, err)

	out, err := assemble(testTranscript(), nil)
	assert.NoError(t, err)
	assert.Contains(t, out, "plan ready")
	assert.NotContains(t, out, "intent: travel")
	// 用户轮始终保留
	assert.Contains(t, out, "book a flight")
}

func TestExcludeAgents(t *testing.T) {
	assemble, err := ExcludeAgents("classifier").Compile()
	assert.NoError(t, err)

	out, err := assemble(testTranscript(), nil)
	assert.NoError(t, err)
	assert.NotContains(t, out, "intent: travel")
	assert.Contains(t, out, "plan ready")
}

func TestLastNTurns(t *testing.T) {
	assemble, err := LastNTurns(2).Compile()
	assert.NoError(t, err)

	out, err := assemble(testTranscript(), nil)
	assert.NoError(t, err)
	assert.NotContains(t, out, "book a flight")
	assert.Contains(t, out, "plan ready")
	assert.Contains(t, out, "to Paris")
}

func TestTemplateFilter(t *testing.T) {
	assemble, err := FromTemplate("intent is {intent}", FString).Compile()
	assert.NoError(t, err)

	// 模板过滤器完全绕开转录，从状态装配上下文
	out, err := assemble(testTranscript(), NewStateView(State{"intent": "travel"}))
	assert.NoError(t, err)
	assert.Equal(t, "intent is travel", out)
}

func TestFilterValidation(t *testing.T) {
	_, err := LastNTurns(0).Compile()
	assert.Error(t, err)

	_, err = FromAgents().Compile()
	assert.Error(t, err)

	_, err = FromTemplate("", FString).Compile()
	assert.Error(t, err)
}

func TestIncludes(t *testing.T) {
	assert.True(t, DefaultFilter().Includes("classifier"))
	assert.False(t, NoHistory().Includes("classifier"))
	assert.True(t, FromAgents("classifier").Includes("classifier"))
	assert.False(t, FromAgents("planner").Includes("classifier"))
	assert.False(t, ExcludeAgents("classifier").Includes("classifier"))

	// nil 过滤器等价于完整历史
	var f *ContextFilterSpec
	assert.True(t, f.Includes("anyone"))
}
