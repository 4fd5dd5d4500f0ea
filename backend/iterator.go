/*
 * iterator.go - 事件迭代器与生成器
 *
 * 核心组件：
 *   - EventIterator/EventGenerator: 事件流的生产消费配对，
 *     基于无界通道实现，发送端永不阻塞
 *
 * 设计特点：
 *   - 错误随流: 流以错误终止时，错误在迭代器耗尽后经 Err 暴露，
 *     消费侧按 "drain 然后查错" 的惯用方式处理
 */

package backend

import (
	"sync"

	"github.com/favbox/weave/internal"
	"github.com/favbox/weave/schema"
)

// EventIterator 是事件流的消费端。
type EventIterator struct {
	ch *internal.UnboundedChan[*schema.Event]

	mu  sync.Mutex
	err error
}

// Next 返回流中的下一个事件。
// 第二个返回值为 false 表示流已结束，此后应检查 Err。
func (it *EventIterator) Next() (*schema.Event, bool) {
	return it.ch.Receive()
}

// Err 返回流的终止错误。
// 只有在 Next 返回 false 之后结果才有意义。
func (it *EventIterator) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Drain 耗尽流并返回全部事件，流以错误终止时返回该错误。
func (it *EventIterator) Drain() ([]*schema.Event, error) {
	var events []*schema.Event
	for {
		ev, ok := it.Next()
		if !ok {
			return events, it.Err()
		}
		events = append(events, ev)
	}
}

// EventGenerator 是事件流的生产端，与 EventIterator 配对使用。
type EventGenerator struct {
	it *EventIterator
}

// Send 向流中发送一个事件，永不阻塞
func (g *EventGenerator) Send(ev *schema.Event) {
	g.it.ch.Send(ev)
}

// Close 正常结束流
func (g *EventGenerator) Close() {
	g.it.ch.Close()
}

// CloseWithError 以错误结束流
func (g *EventGenerator) CloseWithError(err error) {
	g.it.mu.Lock()
	g.it.err = err
	g.it.mu.Unlock()
	g.it.ch.Close()
}

// NewEventIteratorPair 创建配对的事件迭代器与生成器
func NewEventIteratorPair() (*EventIterator, *EventGenerator) {
	it := &EventIterator{ch: internal.NewUnboundedChan[*schema.Event]()}
	return it, &EventGenerator{it: it}
}
