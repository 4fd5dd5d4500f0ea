/*
 * replay.go - 回放后端：捕获事件的确定性重放
 *
 * 核心组件：
 *   - ReplayBackend: 以捕获的事件序列替代真实宿主的后端实现
 *
 * 设计特点：
 *   - 同一协议: 与参考后端实现同一 Backend/Compiled 合同，
 *     调用方无需感知自己面对的是回放
 *   - 确定性: 每次运行按捕获顺序弹出一段事件，捕获耗尽即报错
 */

package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// ReplayBackend 按捕获顺序重放事件序列。
// 每次 Run/Stream 消耗一段捕获；捕获耗尽后的运行返回错误。
type ReplayBackend struct {
	mu       sync.Mutex
	captures [][]*schema.Event
}

// NewReplay 以已解码的事件捕获创建回放后端
func NewReplay(captures ...[]*schema.Event) *ReplayBackend {
	return &ReplayBackend{captures: captures}
}

// NewReplayFromJSON 从序列化捕获创建回放后端，每段为一次运行的事件列表
func NewReplayFromJSON(captures ...[]byte) (*ReplayBackend, error) {
	decoded := make([][]*schema.Event, len(captures))
	for i, data := range captures {
		events, err := schema.UnmarshalEvents(data)
		if err != nil {
			return nil, fmt.Errorf("replay capture %d: %w", i, err)
		}
		decoded[i] = events
	}
	return NewReplay(decoded...), nil
}

// Compile 实现 Backend 接口。
// 回放不解释节点树，但仍校验配置与名称唯一性，保持与参考后端一致的门槛。
func (b *ReplayBackend) Compile(_ context.Context, root compose.Node, cfg *compose.ExecutionConfig) (Compiled, error) {
	if root == nil {
		return nil, fmt.Errorf("compile: root node must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkUniqueNames(root); err != nil {
		return nil, err
	}
	return &replayRun{backend: b}, nil
}

// next 弹出下一段捕获
func (b *ReplayBackend) next() ([]*schema.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.captures) == 0 {
		return nil, fmt.Errorf("replay: captures exhausted")
	}
	events := b.captures[0]
	b.captures = b.captures[1:]
	return events, nil
}

// replayRun 是回放后端的编译产物
type replayRun struct {
	backend *ReplayBackend
}

// Run 返回下一段捕获的全部事件
func (r *replayRun) Run(_ context.Context, _ *Input) ([]*schema.Event, error) {
	return r.backend.next()
}

// Stream 以迭代器形式重放下一段捕获
func (r *replayRun) Stream(_ context.Context, _ *Input) *EventIterator {
	iterator, generator := NewEventIteratorPair()

	events, err := r.backend.next()
	if err != nil {
		generator.CloseWithError(err)
		return iterator
	}

	go func() {
		for _, ev := range events {
			generator.Send(ev)
		}
		generator.Close()
	}()
	return iterator
}
