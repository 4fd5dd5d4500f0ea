/*
 * issue.go - 合同检查的问题模型
 *
 * 核心组件：
 *   - Issue: 单条检查发现，携带节点名、种类、严重级别与描述
 *   - ContractViolation: 将 Error 级问题包装为 error 的辅助类型
 *
 * 设计特点：
 *   - 数据而非异常: 检查器返回问题列表，是否致命由调用方决定
 *   - 严格模式: Strict 将全部问题提升为 Error 级
 */

package analyze

import (
	"fmt"
	"strings"
)

// Severity 表示问题的严重级别
type Severity uint8

const (
	// SeverityInfo 提示信息
	SeverityInfo Severity = iota
	// SeverityWarning 警告，缺省不致命
	SeverityWarning
	// SeverityError 错误，建议视为致命
	SeverityError
)

// String 返回严重级别的可读名称
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	default:
		return fmt.Sprintf("unknown severity: %d", s)
	}
}

// IssueKind 表示问题的种类
type IssueKind string

const (
	// ReadBeforeWrite 读取的键没有任何严格前驱写入，也未声明为流水线输入
	ReadBeforeWrite IssueKind = "ReadBeforeWrite"
	// DeadState 写入的键从未被读取，且不属于临时作用域
	DeadState IssueKind = "DeadState"
	// TypeMismatch 同一状态键在不同节点声明了不同的语义类型
	TypeMismatch IssueKind = "TypeMismatch"
	// UnresolvedTemplateVar 指令模板变量没有上游写入者
	UnresolvedTemplateVar IssueKind = "UnresolvedTemplateVar"
	// ChannelDuplication 同一信息同时经由状态/模板与转录两条通道抵达
	ChannelDuplication IssueKind = "ChannelDuplication"
	// DataLoss 前驱仅经转录输出，却被后继的限制性过滤器排除
	DataLoss IssueKind = "DataLoss"
	// StreamingRouteConflict 分块/词元边直接馈入路由，路由需要完整取值
	StreamingRouteConflict IssueKind = "StreamingRouteConflict"
	// MissingBudgetSource BudgetBounded 选择器的预算键无法从上游解析
	MissingBudgetSource IssueKind = "MissingBudgetSource"
	// ModalityMismatch 生产者输出模态不覆盖消费者接受的模态
	ModalityMismatch IssueKind = "ModalityMismatch"
)

// Issue 是合同检查的单条发现。
// 以数据形式返回，绝不以异常形式抛出。
type Issue struct {
	// Node 问题所在的节点名称
	Node string
	// Kind 问题种类
	Kind IssueKind
	// Severity 严重级别
	Severity Severity
	// Message 问题描述
	Message string
}

// String 返回问题的单行描述
func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s at node %q: %s", i.Severity, i.Kind, i.Node, i.Message)
}

// Strict 返回全部问题提升为 Error 级后的副本。
// 严格模式下警告与提示同样致命。
func Strict(issues []Issue) []Issue {
	res := make([]Issue, len(issues))
	for i, issue := range issues {
		issue.Severity = SeverityError
		res[i] = issue
	}
	return res
}

// HasErrors 判断问题列表中是否存在 Error 级问题
func HasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ContractViolation 将 Error 级问题包装为 error，供希望即时失败的调用方使用。
type ContractViolation struct {
	// Issues 全部 Error 级问题
	Issues []Issue
}

// Error 实现 error 接口
func (v *ContractViolation) Error() string {
	msgs := make([]string, len(v.Issues))
	for i, issue := range v.Issues {
		msgs[i] = issue.String()
	}
	return fmt.Sprintf("contract violation:\n%s", strings.Join(msgs, "\n"))
}

// FirstError 将问题列表中的 Error 级问题包装为 ContractViolation。
// 无 Error 级问题时返回 nil。
func FirstError(issues []Issue) error {
	var errs []Issue
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			errs = append(errs, issue)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &ContractViolation{Issues: errs}
}
