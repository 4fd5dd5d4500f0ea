/*
 * error.go - 组合层错误类型
 *
 * 核心组件：
 *   - CompositionError: 算子应用失败（元数、类型、缺参、重名）
 *   - ConfigError: 配置结构不合法（负预算、非正超时等）
 *
 * 设计特点：
 *   - 即时失败: 结构性问题在构造期抛出，绝不延迟到分析期或执行期
 *   - 携带现场: 错误记录违规算子与操作数名称，便于直接定位
 *   - 建议提示: 未知字段错误附带编辑距离计算的 "did you mean" 建议
 *
 * 与其他文件关系：
 *   - operators.go、leaf.go、config.go 的所有构造期校验都以此上报
 */

package compose

import (
	"fmt"
	"strings"
)

// CompositionError 表示算子应用期间的构造失败。
// 构造期即抛出，绝不恢复；携带违规算子与操作数名称。
type CompositionError struct {
	// Op 失败的算子名称，如 "Until"、"Pipe"
	Op string
	// Operands 参与组合的操作数节点名称
	Operands []string
	// Reason 失败原因描述
	Reason string
	// Suggestion 可选的修正建议，如 "did you mean" 提示
	Suggestion string
}

// Error 实现 error 接口
func (e *CompositionError) Error() string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("composition error in %s", e.Op))
	if len(e.Operands) > 0 {
		sb.WriteString(fmt.Sprintf("(%s)", strings.Join(e.Operands, ", ")))
	}
	sb.WriteString(": ")
	sb.WriteString(e.Reason)
	if e.Suggestion != "" {
		sb.WriteString(fmt.Sprintf(", did you mean %q?", e.Suggestion))
	}
	return sb.String()
}

// newCompositionError 创建组合错误
func newCompositionError(op string, operands []string, format string, args ...any) *CompositionError {
	return &CompositionError{
		Op:       op,
		Operands: operands,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// ConfigError 表示配置结构不合法。
type ConfigError struct {
	// Field 不合法的配置字段
	Field string
	// Reason 不合法的原因
	Reason string
}

// Error 实现 error 接口
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field %s: %s", e.Field, e.Reason)
}

// newConfigError 创建配置错误
func newConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
