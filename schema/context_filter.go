/*
 * context_filter.go - 上下文过滤器与历史装配
 *
 * 核心组件：
 *   - Turn / RoleType: 追加式转录中的单轮记录及其角色
 *   - ContextFilterSpec: 声明式描述叶子节点可见的历史范围
 *   - ContextAssembler: 过滤器编译产物，纯函数装配历史文本
 *
 * 设计特点：
 *   - 声明优先: 过滤器是数据，编译为纯函数后才具备行为
 *   - 三通道之一: 过滤后的转录是信息抵达叶子的通道之一，
 *     与作用域状态、模板指令并列
 *   - 模板旁路: FromTemplate 完全绕开转录，从状态装配上下文，
 *     使核心可以独立于执行宿主的默认历史行为
 *
 * 与其他包关系：
 *   - 附着于 compose 的叶子节点
 *   - 被 analyze 的通道一致性检查静态消费
 *   - 被 backend 编译后在每次叶子调用前装配指令上下文
 */

package schema

import (
	"fmt"
	"strings"
)

// RoleType 表示转录中一轮记录的角色类型。
type RoleType string

const (
	// Assistant 助手角色，表示该轮由叶子节点产出。
	Assistant RoleType = "assistant"
	// User 用户角色，表示该轮来自外部输入。
	User RoleType = "user"
	// System 系统角色，表示系统注入的内容。
	System RoleType = "system"
	// Tool 工具角色，表示工具调用的输出。
	Tool RoleType = "tool"
)

// Turn 表示追加式转录中的一轮记录。
type Turn struct {
	// Author 产生该轮的节点名称，用户输入时为空
	Author string `json:"author,omitempty"`
	// Role 该轮的角色类型
	Role RoleType `json:"role"`
	// Content 该轮的文本内容
	Content string `json:"content"`
}

// FilterKind 表示上下文过滤器的种类
type FilterKind uint8

const (
	// FilterDefault 完整历史，叶子可见全部转录
	FilterDefault FilterKind = iota
	// FilterNone 无历史，叶子仅可见当前轮
	FilterNone
	// FilterUserOnly 仅用户轮可见
	FilterUserOnly
	// FilterFromAgents 仅指定节点产生的轮可见
	FilterFromAgents
	// FilterExcludeAgents 排除指定节点产生的轮
	FilterExcludeAgents
	// FilterLastNTurns 仅最近 N 轮可见
	FilterLastNTurns
	// FilterTemplate 从状态装配上下文，完全绕开转录
	FilterTemplate
)

// String 返回过滤器种类的可读名称
func (k FilterKind) String() string {
	switch k {
	case FilterDefault:
		return "Default"
	case FilterNone:
		return "None"
	case FilterUserOnly:
		return "UserOnly"
	case FilterFromAgents:
		return "FromAgents"
	case FilterExcludeAgents:
		return "ExcludeAgents"
	case FilterLastNTurns:
		return "LastNTurns"
	case FilterTemplate:
		return "Template"
	default:
		return fmt.Sprintf("unknown filter kind: %d", k)
	}
}

// ContextFilterSpec 声明式描述叶子节点可见的转录历史范围。
// 构造后不可变；编译为 ContextAssembler 后才具备装配行为。
type ContextFilterSpec struct {
	// Kind 过滤器种类
	Kind FilterKind
	// Agents 节点名称列表，FromAgents 与 ExcludeAgents 使用
	Agents []string
	// N 轮数，LastNTurns 使用
	N int
	// Template 模板内容，Template 种类使用
	Template string
	// Format 模板格式类型，Template 种类使用
	Format FormatType
}

// DefaultFilter 创建完整历史过滤器
func DefaultFilter() *ContextFilterSpec {
	return &ContextFilterSpec{Kind: FilterDefault}
}

// NoHistory 创建无历史过滤器，叶子仅可见当前轮
func NoHistory() *ContextFilterSpec {
	return &ContextFilterSpec{Kind: FilterNone}
}

// UserOnly 创建仅用户轮可见的过滤器
func UserOnly() *ContextFilterSpec {
	return &ContextFilterSpec{Kind: FilterUserOnly}
}

// FromAgents 创建仅指定节点可见的过滤器
func FromAgents(names ...string) *ContextFilterSpec {
	return &ContextFilterSpec{Kind: FilterFromAgents, Agents: names}
}

// ExcludeAgents 创建排除指定节点的过滤器
func ExcludeAgents(names ...string) *ContextFilterSpec {
	return &ContextFilterSpec{Kind: FilterExcludeAgents, Agents: names}
}

// LastNTurns 创建仅最近 N 轮可见的过滤器
func LastNTurns(n int) *ContextFilterSpec {
	return &ContextFilterSpec{Kind: FilterLastNTurns, N: n}
}

// FromTemplate 创建模板装配过滤器，从状态而非转录装配上下文
func FromTemplate(tpl string, format FormatType) *ContextFilterSpec {
	return &ContextFilterSpec{Kind: FilterTemplate, Template: tpl, Format: format}
}

// Validate 校验过滤器参数的合法性
func (f *ContextFilterSpec) Validate() error {
	switch f.Kind {
	case FilterLastNTurns:
		if f.N <= 0 {
			return fmt.Errorf("context filter LastNTurns requires n > 0, got %d", f.N)
		}
	case FilterFromAgents, FilterExcludeAgents:
		if len(f.Agents) == 0 {
			return fmt.Errorf("context filter %s requires at least one agent name", f.Kind)
		}
	case FilterTemplate:
		if f.Template == "" {
			return fmt.Errorf("context filter Template requires non-empty template")
		}
	}
	return nil
}

// ContextAssembler 是过滤器的编译产物：
// 纯函数，从转录与状态装配出叶子的历史视图文本。
type ContextAssembler func(transcript []*Turn, state StateView) (string, error)

// Compile 将过滤器编译为装配函数。
// 除 Template 外的过滤器只读取转录；Template 只读取状态。
func (f *ContextFilterSpec) Compile() (ContextAssembler, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	switch f.Kind {
	case FilterDefault:
		return func(transcript []*Turn, _ StateView) (string, error) {
			return renderTurns(transcript), nil
		}, nil

	case FilterNone:
		return func(_ []*Turn, _ StateView) (string, error) {
			return "", nil
		}, nil

	case FilterUserOnly:
		return func(transcript []*Turn, _ StateView) (string, error) {
			return renderTurns(selectTurns(transcript, func(t *Turn) bool {
				return t.Role == User
			})), nil
		}, nil

	case FilterFromAgents:
		include := nameSet(f.Agents)
		return func(transcript []*Turn, _ StateView) (string, error) {
			return renderTurns(selectTurns(transcript, func(t *Turn) bool {
				_, ok := include[t.Author]
				return ok || t.Role == User
			})), nil
		}, nil

	case FilterExcludeAgents:
		exclude := nameSet(f.Agents)
		return func(transcript []*Turn, _ StateView) (string, error) {
			return renderTurns(selectTurns(transcript, func(t *Turn) bool {
				_, ok := exclude[t.Author]
				return !ok
			})), nil
		}, nil

	case FilterLastNTurns:
		n := f.N
		return func(transcript []*Turn, _ StateView) (string, error) {
			if len(transcript) > n {
				transcript = transcript[len(transcript)-n:]
			}
			return renderTurns(transcript), nil
		}, nil

	case FilterTemplate:
		tpl, format := f.Template, f.Format
		return func(_ []*Turn, state StateView) (string, error) {
			vs := make(map[string]any)
			if state != nil {
				for _, k := range state.Keys() {
					v, _ := state.Get(k)
					vs[ParseKey(k).Name] = v
				}
			}
			return FormatInstruction(tpl, vs, format)
		}, nil

	default:
		return nil, fmt.Errorf("unknown context filter kind: %d", f.Kind)
	}
}

// Includes 静态判断指定节点产生的轮是否会出现在过滤后的历史中。
// 供通道一致性检查使用，不需要真实的转录数据。
func (f *ContextFilterSpec) Includes(author string) bool {
	if f == nil {
		return true // 缺省即完整历史
	}
	switch f.Kind {
	case FilterDefault, FilterLastNTurns:
		return true
	case FilterNone, FilterUserOnly, FilterTemplate:
		return false
	case FilterFromAgents:
		_, ok := nameSet(f.Agents)[author]
		return ok
	case FilterExcludeAgents:
		_, ok := nameSet(f.Agents)[author]
		return !ok
	default:
		return true
	}
}

// selectTurns 返回满足谓词的轮，保持原有顺序
func selectTurns(turns []*Turn, keep func(*Turn) bool) []*Turn {
	res := make([]*Turn, 0, len(turns))
	for _, t := range turns {
		if keep(t) {
			res = append(res, t)
		}
	}
	return res
}

// renderTurns 将轮列表渲染为历史文本，每轮一行
func renderTurns(turns []*Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		if t.Author != "" {
			sb.WriteString(fmt.Sprintf("[%s] %s: %s", t.Role, t.Author, t.Content))
		} else {
			sb.WriteString(fmt.Sprintf("[%s] %s", t.Role, t.Content))
		}
	}
	return sb.String()
}

// nameSet 将名称列表转为集合
func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
