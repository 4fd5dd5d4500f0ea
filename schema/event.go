/*
 * event.go - 宿主无关的统一事件模型
 *
 * 核心组件：
 *   - Event: 后端协议的规范输出形态，所有宿主输出统一归一化为此
 *   - ToolCall / FunctionCall: 事件中携带的工具调用信息
 *   - MarshalEvents / UnmarshalEvents: 基于 sonic 的事件序列化
 *
 * 设计特点：
 *   - 宿主无关: 具体后端负责将执行宿主的异构输出翻译为统一事件流
 *   - 回放友好: 事件可完整序列化，支持确定性回放后端
 *   - 增量携带: 事件携带状态增量而非完整状态，按完成的叶子原子应用
 */

package schema

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// FunctionCall 事件中的函数调用信息。
type FunctionCall struct {
	// Name 函数名称，用于标识具体的函数。
	Name string `json:"name,omitempty"`
	// Arguments 函数参数，JSON 格式字符串。
	Arguments string `json:"arguments,omitempty"`
}

// ToolCall 事件中的工具调用信息。
type ToolCall struct {
	// ID 工具调用的唯一标识符。
	ID string `json:"id"`
	// Type 工具调用类型。
	// 默认值："function"。
	Type string `json:"type"`
	// Function 要调用的函数信息。
	Function FunctionCall `json:"function"`
}

// Event 是后端协议的规范输出形态。
// 具体后端负责将执行宿主的原生输出翻译为该形态；
// 核心的分析器与调用方只依赖该形态，不感知宿主细节。
type Event struct {
	// Author 产生事件的节点名称
	Author string `json:"author"`
	// Content 事件的文本内容，nil 表示无文本输出
	Content *string `json:"content,omitempty"`
	// StateDelta 本事件产生的状态增量，键为带前缀的键名
	StateDelta map[string]any `json:"state_delta,omitempty"`
	// TransferTo 转移目标节点名称，nil 表示无转移
	TransferTo *string `json:"transfer_to,omitempty"`
	// Escalated 是否上报给上层处理
	Escalated bool `json:"escalated,omitempty"`
	// IsFinal 是否为所属节点的终态事件
	IsFinal bool `json:"is_final,omitempty"`
	// ToolCalls 事件携带的工具调用列表
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Metadata 附加元数据，如可见性标注
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEvent 创建携带文本内容的终态事件
func NewEvent(author, content string) *Event {
	return &Event{
		Author:  author,
		Content: &content,
		IsFinal: true,
	}
}

// WithDelta 为事件附加状态增量，返回事件自身以便链式调用
func (e *Event) WithDelta(delta map[string]any) *Event {
	e.StateDelta = delta
	return e
}

// WithMetadata 为事件附加一项元数据，返回事件自身以便链式调用
func (e *Event) WithMetadata(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// MarshalEvents 将事件列表序列化为 JSON。
// 用于回放后端的事件捕获。
func MarshalEvents(events []*Event) ([]byte, error) {
	data, err := sonic.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal events: %w", err)
	}
	return data, nil
}

// UnmarshalEvents 从 JSON 反序列化事件列表。
// 用于回放后端加载捕获的事件。
func UnmarshalEvents(data []byte) ([]*Event, error) {
	var events []*Event
	if err := sonic.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return events, nil
}
