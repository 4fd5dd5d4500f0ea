/*
 * backend.go - 后端协议：核心与执行宿主之间的接缝
 *
 * 核心组件：
 *   - Backend / Compiled: 编译-运行两段式协议，树先降级为不可变计划
 *   - Host / Invocation / HostResult: 执行宿主的窄合同，宿主只见平铺调用
 *   - ExecutionFailure: 运行期失败分类，恒携带发源节点名称
 *
 * 设计特点：
 *   - 宿主无知: 宿主永不感知 IR、可见性、成本与合同概念，
 *     每个叶子到达宿主时只是一次带显式指令与状态的调用
 *   - 归一化: 宿主的异构输出由后端翻译为统一的事件流
 *   - 失败归因: 所有执行失败携带节点名称，便于定位与重试
 */

package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// MetadataVisibility 是事件元数据中可见性标注的键名。
// 参考后端按推断结果为每个事件打标，下游观察者据此过滤内部输出。
const MetadataVisibility = "weave:visibility"

// ErrMaxInvocationsExceeded 表示单次运行的叶子调用次数超出预算
var ErrMaxInvocationsExceeded = errors.New("max leaf invocations exceeded")

// Input 是一次流水线运行的入口数据。
type Input struct {
	// Content 用户输入文本
	Content string
	// State 入口状态快照，nil 表示空状态
	State schema.State
	// Transcript 入口转录历史，nil 表示全新会话
	Transcript []*schema.Turn
}

// Backend 是后端协议的编译端。
// Compile 将节点树与执行配置降级为可运行的不可变计划。
type Backend interface {
	Compile(ctx context.Context, root compose.Node, cfg *compose.ExecutionConfig) (Compiled, error)
}

// Compiled 是编译产物：可以多次运行的不可变执行计划。
type Compiled interface {
	// Run 运行计划至终止，返回完整事件列表
	Run(ctx context.Context, input *Input) ([]*schema.Event, error)
	// Stream 运行计划并以迭代器形式流式返回事件
	Stream(ctx context.Context, input *Input) *EventIterator
}

// Invocation 是抵达执行宿主的一次平铺调用。
// 宿主只见显式的指令文本与状态，不感知任何组合概念。
type Invocation struct {
	// Node 发起调用的节点名称
	Node string
	// Author 事件归属名称，通常与节点名称一致
	Author string
	// Instruction 预装配的指令文本，绕开宿主自身的历史装配
	Instruction string
	// Config 叶子配置，远程调用时为 nil
	Config *compose.LeafConfig
	// State 调用时刻的状态快照
	State schema.State
	// Input 本次调用的输入文本
	Input string
	// Endpoint 远端端点，仅远程调用设置
	Endpoint string
	// Capability 所需能力标识，仅远程调用设置
	Capability string
}

// HostResult 是宿主对一次调用的应答。
// Events 与 Partials 二选一：终态结果或部分结果流。
type HostResult struct {
	// Events 终态事件列表
	Events []*schema.Event
	// Partials 部分结果流，宿主支持流式时设置
	Partials *EventIterator
}

// Host 是执行宿主的窄合同。
// 宿主必须支持为调用附着状态并返回产生的增量，
// 以及接受预装配的指令文本。
type Host interface {
	Invoke(ctx context.Context, inv *Invocation) (*HostResult, error)
}

// FailureKind 表示执行失败的分类
type FailureKind uint8

const (
	// LeafInvocationFailed 叶子调用失败
	LeafInvocationFailed FailureKind = iota
	// TimeoutExceeded 超出时间上界，子树已被取消
	TimeoutExceeded
	// RemoteCallFailed 远程调用失败且无可用回退
	RemoteCallFailed
	// CancellationRequested 调用方请求取消
	CancellationRequested
)

// String 返回失败分类的可读名称
func (k FailureKind) String() string {
	switch k {
	case LeafInvocationFailed:
		return "LeafInvocationFailed"
	case TimeoutExceeded:
		return "TimeoutExceeded"
	case RemoteCallFailed:
		return "RemoteCallFailed"
	case CancellationRequested:
		return "CancellationRequested"
	default:
		return fmt.Sprintf("unknown failure kind: %d", k)
	}
}

// ExecutionFailure 是运行期失败，恒携带发源节点名称。
// 超时与取消绝不静默吞掉，统一经此类型上报。
type ExecutionFailure struct {
	// Kind 失败分类
	Kind FailureKind
	// Node 发源节点名称
	Node string
	// Err 底层错误
	Err error
}

// Error 实现 error 接口
func (f *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution failure [%s] at node %q: %v", f.Kind, f.Node, f.Err)
}

// Unwrap 返回底层错误
func (f *ExecutionFailure) Unwrap() error {
	return f.Err
}

// newFailure 创建执行失败
func newFailure(kind FailureKind, node string, err error) *ExecutionFailure {
	return &ExecutionFailure{Kind: kind, Node: node, Err: err}
}
