/*
 * channel.go - 无界通道
 *
 * 核心组件：
 *   - UnboundedChan: 切片缓冲的泛型通道，发送端永不阻塞
 *
 * 设计特点：
 *   - 事件流水线的解耦点: 生产者（运行 goroutine）以任意速率产出，
 *     消费者（事件迭代器）按需逐个取走
 *   - 关闭语义对齐原生 channel: 关闭后发送 panic，排空后接收返回 false
 *
 * 与其他包关系：
 *   - 承载 backend 事件迭代器与生成器之间的缓冲
 */

package internal

import "sync"

// UnboundedChan 是无容量上限的通道。
// 发送方永不因消费滞后而阻塞；接收方在缓冲排空且未关闭时等待。
type UnboundedChan[T any] struct {
	mu     sync.Mutex
	ready  *sync.Cond
	buf    []T
	closed bool
}

// NewUnboundedChan 创建空的无界通道
func NewUnboundedChan[T any]() *UnboundedChan[T] {
	c := &UnboundedChan[T]{}
	c.ready = sync.NewCond(&c.mu)
	return c
}

// Send 入队一个值，立即返回。
// 通道已关闭时 panic，与原生 channel 行为一致。
func (c *UnboundedChan[T]) Send(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		panic("send on closed channel")
	}
	c.buf = append(c.buf, value)
	c.ready.Signal()
}

// Receive 取出队首的值，缓冲为空时阻塞等待。
// 第二个返回值为 false 表示通道已关闭且缓冲已排空。
func (c *UnboundedChan[T]) Receive() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.buf) == 0 && !c.closed {
		c.ready.Wait()
	}
	if len(c.buf) == 0 {
		var zero T
		return zero, false
	}

	value := c.buf[0]
	c.buf = c.buf[1:]
	return value, true
}

// Close 关闭通道并唤醒全部等待的接收方；重复关闭是安全的
func (c *UnboundedChan[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.ready.Broadcast()
	}
}
