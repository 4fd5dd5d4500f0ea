/*
 * reference.go - 参考后端：编译阶段
 *
 * 核心组件：
 *   - ReferenceBackend: 以解释方式运行节点树的内置后端
 *   - plan: 编译产物，持有可见性映射与预编译的上下文装配函数
 *
 * 设计特点：
 *   - 编译期前移: 名称唯一性、配置合法性、可选的严格合同检查、
 *     可见性推断与过滤器编译全部发生在 Compile，运行期只做解释
 *   - 计划不可变: 同一计划可并发多次运行，每次运行持有独立状态
 *
 * 与其他文件关系：
 *   - run.go 承载计划的解释执行
 *   - mock.go、replay.go 提供测试用的宿主与回放后端
 */

package backend

import (
	"context"
	"fmt"

	"github.com/favbox/weave/analyze"
	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

// ReferenceBackend 是内置的解释执行后端。
// 不做任何代码生成，直接按计划遍历节点树，每个叶子平铺为一次宿主调用。
type ReferenceBackend struct {
	host    Host
	checker *analyze.Checker
	inputs  []schema.StateKeyRef
}

// Option 配置参考后端
type Option func(*ReferenceBackend)

// WithChecker 在编译期运行严格合同检查，任何问题都导致编译失败
func WithChecker(c *analyze.Checker) Option {
	return func(b *ReferenceBackend) {
		b.checker = c
	}
}

// WithInputs 声明流水线入口处已存在的状态键，供合同检查使用
func WithInputs(refs ...schema.StateKeyRef) Option {
	return func(b *ReferenceBackend) {
		b.inputs = refs
	}
}

// New 创建以 host 为执行宿主的参考后端
func New(host Host, opts ...Option) *ReferenceBackend {
	b := &ReferenceBackend{host: host}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// plan 是编译产物：不可变的执行计划。
type plan struct {
	root       compose.Node
	cfg        *compose.ExecutionConfig
	host       Host
	visibility map[string]compose.Visibility
	assemblers map[string]schema.ContextAssembler
}

// Compile 将节点树降级为不可变执行计划。
// 校验名称唯一性与执行配置，可选地运行严格合同检查，
// 推断可见性映射并预编译全部上下文过滤器。
func (b *ReferenceBackend) Compile(_ context.Context, root compose.Node, cfg *compose.ExecutionConfig) (Compiled, error) {
	if root == nil {
		return nil, fmt.Errorf("compile: root node must not be nil")
	}
	if b.host == nil {
		return nil, fmt.Errorf("compile: execution host must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg != nil && cfg.Resumable {
		return nil, fmt.Errorf("compile: resumable execution is not supported by the reference backend")
	}

	if err := checkUniqueNames(root); err != nil {
		return nil, err
	}

	if b.checker != nil {
		issues := b.checker.CheckStrict(root, b.inputs...)
		if err := analyze.FirstError(issues); err != nil {
			return nil, err
		}
	}

	assemblers, err := compileFilters(root)
	if err != nil {
		return nil, err
	}

	return &plan{
		root:       root,
		cfg:        cfg,
		host:       b.host,
		visibility: analyze.InferVisibility(root),
		assemblers: assemblers,
	}, nil
}

// checkUniqueNames 校验树内节点名称唯一
func checkUniqueNames(root compose.Node) error {
	names := make(map[string]struct{})
	var dup string
	compose.Walk(root, func(n compose.Node) bool {
		if _, ok := names[n.Name()]; ok && dup == "" {
			dup = n.Name()
		}
		names[n.Name()] = struct{}{}
		return true
	})
	if dup != "" {
		return fmt.Errorf("compile: duplicate node name %q, duplicate a sub-tree with CopyTree before reuse", dup)
	}
	return nil
}

// compileFilters 预编译全部叶子的上下文过滤器。
// 未声明过滤器的叶子使用完整历史装配。
func compileFilters(root compose.Node) (map[string]schema.ContextAssembler, error) {
	assemblers := make(map[string]schema.ContextAssembler)
	var firstErr error

	compose.Walk(root, func(n compose.Node) bool {
		leaf, ok := n.(*compose.LeafNode)
		if !ok {
			return true
		}
		spec := leaf.Filter
		if spec == nil {
			spec = schema.DefaultFilter()
		}
		assembler, err := spec.Compile()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("compile: context filter of node %q: %w", leaf.Name(), err)
			return false
		}
		assemblers[leaf.Name()] = assembler
		return true
	})

	if firstErr != nil {
		return nil, firstErr
	}
	return assemblers, nil
}
