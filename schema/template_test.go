/*
 * template_test.go - 指令模板渲染与变量提取测试
 *
 * 测试内容：
 *   - 三种格式类型的渲染行为
 *   - TemplateVars 的静态变量提取，含转义与嵌套字段
 *   - 未闭合变量的错误场景
 */

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatInstructionFString(t *testing.T) {
	out, err := FormatInstruction("classify {query} for {user}", map[string]any{
		"query": "book a flight",
		"user":  "alice",
	}, FString)
	assert.NoError(t, err)
	assert.Equal(t, "classify book a flight for alice", out)
}

func TestFormatInstructionGoTemplate(t *testing.T) {
	out, err := FormatInstruction("classify {{.query}}", map[string]any{
		"query": "book a flight",
	}, GoTemplate)
	assert.NoError(t, err)
	assert.Equal(t, "classify book a flight", out)

	// missingkey=error：缺失变量渲染失败
	_, err = FormatInstruction("classify {{.missing}}", map[string]any{}, GoTemplate)
	assert.Error(t, err)
}

func TestFormatInstructionJinja2(t *testing.T) {
	out, err := FormatInstruction("classify {{ query }}", map[string]any{
		"query": "book a flight",
	}, Jinja2)
	assert.NoError(t, err)
	assert.Equal(t, "classify book a flight", out)
}

func TestJinja2DisabledKeywords(t *testing.T) {
	// include 等涉及文件系统的关键字被禁用
	_, err := FormatInstruction(`{% include "x.tpl" %}`, map[string]any{}, Jinja2)
	assert.Error(t, err)
}

func TestTemplateVarsFString(t *testing.T) {
	vars, err := TemplateVars("use {intent} and {user.name}, literal {{brace}}", FString)
	assert.NoError(t, err)
	assert.Equal(t, []string{"intent", "user"}, vars)
}

func TestTemplateVarsJinja2(t *testing.T) {
	vars, err := TemplateVars("use {{ intent }} and {{ items[0] }}", Jinja2)
	assert.NoError(t, err)
	assert.Equal(t, []string{"intent", "items"}, vars)
}

func TestTemplateVarsGoTemplate(t *testing.T) {
	vars, err := TemplateVars("{{.intent}} {{if .flag}}{{.user.name}}{{end}}", GoTemplate)
	assert.NoError(t, err)
	assert.Equal(t, []string{"intent", "flag", "user"}, vars)
}

func TestTemplateVarsDeduplicated(t *testing.T) {
	vars, err := TemplateVars("{x} then {x} then {y}", FString)
	assert.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, vars)
}

func TestTemplateVarsUnclosed(t *testing.T) {
	_, err := TemplateVars("broken {intent", FString)
	assert.Error(t, err)
}
