/*
 * panic.go - panic 错误封装
 *
 * 核心组件：
 *   - PanicErr: 将 recover 捕获的 panic 信息和堆栈包装为 error
 *
 * 设计特点：
 *   - 保留堆栈: 携带 panic 发生时的完整堆栈，便于定位问题
 *   - 统一上报: 执行引擎的 goroutine 中 recover 后统一转为事件错误
 */

package safe

import "fmt"

// PanicErr 表示从 panic 中恢复得到的错误。
// 包含 panic 的原始信息和发生时的调用堆栈。
type PanicErr struct {
	info  any    // panic 的原始信息
	stack []byte // panic 发生时的调用堆栈
}

// Error 实现 error 接口，返回包含堆栈的错误描述
func (p *PanicErr) Error() string {
	return fmt.Sprintf("panic error: %v, \nstack: %s", p.info, string(p.stack))
}

// NewPanicErr 创建 panic 错误。
// 通常配合 recover 和 debug.Stack 使用：
//
//	defer func() {
//	    if e := recover(); e != nil {
//	        err = safe.NewPanicErr(e, debug.Stack())
//	    }
//	}()
func NewPanicErr(info any, stack []byte) error {
	return &PanicErr{
		info:  info,
		stack: stack,
	}
}
