/*
 * mock.go - 脚本化的测试宿主
 *
 * 核心组件：
 *   - MockHost: 按作者名登记应答脚本的执行宿主，记录全部调用供断言
 *
 * 设计特点：
 *   - 函数注册 + 罐头应答: 复杂行为注册处理函数，简单场景一行登记文本
 *   - 调用留痕: 每次调用的完整 Invocation 被记录，测试可回查指令装配
 */

package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/favbox/weave/schema"
)

// MockHandler 是单个作者的应答脚本
type MockHandler func(inv *Invocation) (*HostResult, error)

// MockHost 是脚本化的执行宿主，供测试驱动参考后端。
type MockHost struct {
	mu          sync.Mutex
	handlers    map[string]MockHandler
	invocations []*Invocation
}

// NewMockHost 创建空脚本的测试宿主
func NewMockHost() *MockHost {
	return &MockHost{handlers: make(map[string]MockHandler)}
}

// Handle 为指定作者登记应答脚本
func (m *MockHost) Handle(author string, h MockHandler) *MockHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[author] = h
	return m
}

// Respond 为指定作者登记固定文本应答
func (m *MockHost) Respond(author, content string) *MockHost {
	return m.Handle(author, func(*Invocation) (*HostResult, error) {
		return Canned(author, content, nil), nil
	})
}

// RespondWithDelta 为指定作者登记携带状态增量的固定应答
func (m *MockHost) RespondWithDelta(author, content string, delta map[string]any) *MockHost {
	return m.Handle(author, func(*Invocation) (*HostResult, error) {
		return Canned(author, content, delta), nil
	})
}

// Fail 为指定作者登记固定失败
func (m *MockHost) Fail(author string, err error) *MockHost {
	return m.Handle(author, func(*Invocation) (*HostResult, error) {
		return nil, err
	})
}

// Invoke 实现 Host 接口：记录调用并执行登记的脚本
func (m *MockHost) Invoke(_ context.Context, inv *Invocation) (*HostResult, error) {
	m.mu.Lock()
	m.invocations = append(m.invocations, inv)
	h, ok := m.handlers[inv.Author]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("mock host: no handler registered for author %q", inv.Author)
	}
	return h(inv)
}

// Invocations 返回记录的全部调用，按抵达顺序排列
func (m *MockHost) Invocations() []*Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Invocation(nil), m.invocations...)
}

// InvocationsOf 返回指定作者的全部调用
func (m *MockHost) InvocationsOf(author string) []*Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*Invocation
	for _, inv := range m.invocations {
		if inv.Author == author {
			res = append(res, inv)
		}
	}
	return res
}

// Canned 构造单事件的罐头应答
func Canned(author, content string, delta map[string]any) *HostResult {
	return &HostResult{
		Events: []*schema.Event{schema.NewEvent(author, content).WithDelta(delta)},
	}
}

// CannedToolCall 构造携带工具调用的罐头事件，调用 ID 为新鲜 uuid
func CannedToolCall(author, fnName, arguments string) *schema.Event {
	ev := schema.NewEvent(author, "")
	ev.ToolCalls = []schema.ToolCall{{
		ID:       uuid.NewString(),
		Type:     "function",
		Function: schema.FunctionCall{Name: fnName, Arguments: arguments},
	}}
	return ev
}
