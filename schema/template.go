/*
 * template.go - 指令模板的渲染与静态变量提取
 *
 * 核心组件：
 *   - FormatType: 模板格式类型（FString、GoTemplate、Jinja2）
 *   - FormatInstruction: 按格式类型渲染指令模板
 *   - TemplateVars: 静态提取模板引用的变量名，供通道一致性检查使用
 *
 * 设计特点：
 *   - 三种格式: pyfmt 实现 Python 风格格式化，text/template 实现 Go 模板，
 *     gonja 实现 Jinja2 模板
 *   - 安全加固: jinja 环境禁用 include、extends、import、from 等
 *     涉及文件系统的关键字
 *   - 静态可分析: TemplateVars 不渲染模板即可枚举变量引用，
 *     使分析器无需执行任何叶子调用就能交叉核对数据流
 */

package schema

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/nodes"
	"github.com/nikolalohinski/gonja/parser"
	"github.com/slongfield/pyfmt"
)

// FormatType 指令模板的格式化类型。
type FormatType uint8

const (
	// FString Python 风格的字符串格式化 (PEP-3101)。
	// 由 pyfmt 库实现。
	FString FormatType = 0
	// GoTemplate Go 标准库的 text/template 格式化。
	GoTemplate FormatType = 1
	// Jinja2 Jinja2 模板格式化。
	// 由 gonja 库实现。
	Jinja2 FormatType = 2
)

// String 返回格式类型的可读名称
func (f FormatType) String() string {
	switch f {
	case FString:
		return "FString"
	case GoTemplate:
		return "GoTemplate"
	case Jinja2:
		return "Jinja2"
	default:
		return fmt.Sprintf("unknown format type: %d", f)
	}
}

// FormatInstruction 按格式类型渲染指令模板。
// vs 为变量映射表，键为变量名，值为替换内容。
func FormatInstruction(content string, vs map[string]any, formatType FormatType) (string, error) {
	switch formatType {
	case FString:
		return pyfmt.Fmt(content, vs)
	case GoTemplate:
		parsedTmpl, err := template.New("template").
			Option("missingkey=error").
			Parse(content)
		if err != nil {
			return "", err
		}
		sb := new(strings.Builder)
		err = parsedTmpl.Execute(sb, vs)
		if err != nil {
			return "", err
		}
		return sb.String(), nil
	case Jinja2:
		env, err := getJinjaEnv()
		if err != nil {
			return "", err
		}
		tpl, err := env.FromString(content)
		if err != nil {
			return "", err
		}
		out, err := tpl.Execute(vs)
		if err != nil {
			return "", err
		}
		return out, nil
	default:
		return "", fmt.Errorf("unknown format type: %v", formatType)
	}
}

// TemplateVars 静态提取模板引用的变量名，去重且保持首次出现顺序。
// FString 与 Jinja2 通过花括号扫描提取，GoTemplate 通过解析树遍历提取。
// 模板语法错误时返回错误，与渲染路径保持一致的失败时机。
func TemplateVars(content string, formatType FormatType) ([]string, error) {
	switch formatType {
	case FString:
		return scanBraceVars(content, "{", "}")
	case Jinja2:
		return scanBraceVars(content, "{{", "}}")
	case GoTemplate:
		parsedTmpl, err := template.New("template").Parse(content)
		if err != nil {
			return nil, err
		}
		return goTemplateVars(parsedTmpl), nil
	default:
		return nil, fmt.Errorf("unknown format type: %v", formatType)
	}
}

// scanBraceVars 扫描定界符之间的变量引用。
// 只取首段标识符：`{user.name|upper}` 提取为 "user"。
// FString 的转义双花括号（{{ 与 }}）被跳过。
func scanBraceVars(content, open, close string) ([]string, error) {
	var (
		vars []string
		seen = make(map[string]struct{})
		rest = content
	)

	for {
		i := strings.Index(rest, open)
		if i < 0 {
			break
		}
		rest = rest[i+len(open):]

		// FString 中 "{{" 是字面量花括号的转义
		if open == "{" && strings.HasPrefix(rest, "{") {
			rest = rest[1:]
			if j := strings.Index(rest, "}}"); j >= 0 {
				rest = rest[j+2:]
			}
			continue
		}

		j := strings.Index(rest, close)
		if j < 0 {
			return nil, fmt.Errorf("unclosed template variable: missing %q", close)
		}

		name := strings.TrimSpace(rest[:j])
		rest = rest[j+len(close):]

		name = firstIdentifier(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			vars = append(vars, name)
		}
	}

	return vars, nil
}

// firstIdentifier 截取表达式开头的标识符部分。
// 遇到点号、竖线、冒号、空白或索引符号即停止。
func firstIdentifier(expr string) string {
	end := len(expr)
	for i, r := range expr {
		if r == '.' || r == '|' || r == ':' || r == '[' || r == ' ' || r == '!' {
			end = i
			break
		}
	}
	return strings.TrimSpace(expr[:end])
}

// goTemplateVars 遍历 text/template 解析树，收集顶层字段引用。
// {{.intent}} 提取为 "intent"，{{.user.name}} 提取为 "user"。
func goTemplateVars(t *template.Template) []string {
	var (
		vars []string
		seen = make(map[string]struct{})
		walk func(node parse.Node)
	)

	walk = func(node parse.Node) {
		switch n := node.(type) {
		case *parse.ListNode:
			if n == nil {
				return
			}
			for _, c := range n.Nodes {
				walk(c)
			}
		case *parse.ActionNode:
			walk(n.Pipe)
		case *parse.IfNode:
			walk(n.Pipe)
			walk(n.List)
			if n.ElseList != nil {
				walk(n.ElseList)
			}
		case *parse.RangeNode:
			walk(n.Pipe)
			walk(n.List)
			if n.ElseList != nil {
				walk(n.ElseList)
			}
		case *parse.WithNode:
			walk(n.Pipe)
			walk(n.List)
			if n.ElseList != nil {
				walk(n.ElseList)
			}
		case *parse.PipeNode:
			for _, cmd := range n.Cmds {
				for _, arg := range cmd.Args {
					walk(arg)
				}
			}
		case *parse.FieldNode:
			if len(n.Ident) > 0 {
				name := n.Ident[0]
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					vars = append(vars, name)
				}
			}
		}
	}

	if t.Tree != nil {
		walk(t.Tree.Root)
	}
	return vars
}

// ====== jinja 环境 ======

// jinjaEnvOnce 确保 jinja 环境只初始化一次。
var jinjaEnvOnce sync.Once

// jinjaEnv 自定义的 jinja 环境实例。
var jinjaEnv *gonja.Environment

// envInitErr jinja 环境初始化错误。
var envInitErr error

const (
	// jinjaInclude 禁用的 include 关键字。
	jinjaInclude = "include"
	// jinjaExtends 禁用的 extends 关键字。
	jinjaExtends = "extends"
	// jinjaImport 禁用的 import 关键字。
	jinjaImport = "import"
	// jinjaFrom 禁用的 from 关键字。
	jinjaFrom = "from"
)

// getJinjaEnv 获取自定义的 jinja 环境。
// 禁用了 include、extends、import、from 等不安全的关键字。
func getJinjaEnv() (*gonja.Environment, error) {
	jinjaEnvOnce.Do(func() {
		jinjaEnv = gonja.NewEnvironment(config.DefaultConfig, gonja.DefaultLoader)
		formatInitError := "init jinja env fail: %w"
		var err error
		for _, keyword := range []string{jinjaInclude, jinjaExtends, jinjaFrom, jinjaImport} {
			if !jinjaEnv.Statements.Exists(keyword) {
				continue
			}
			kw := keyword
			err = jinjaEnv.Statements.Replace(kw, func(parser *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
				return nil, fmt.Errorf("keyword[%s] has been disabled", kw)
			})
			if err != nil {
				envInitErr = fmt.Errorf(formatInitError, err)
				return
			}
		}
	})

	return jinjaEnv, envInitErr
}
