/*
 * leaf.go - 叶子配置：封闭结构与字段校验
 *
 * 核心组件：
 *   - LeafConfig: 每类叶子的封闭显式配置结构
 *   - LeafConfigFromMap: 从松散字段映射构造配置，未知字段给出编辑距离建议
 *   - Modality: 模态契约声明，供模态检查使用
 *
 * 设计特点：
 *   - 封闭字段集: 不提供开放式动态字段袋，全部字段构造期校验，
 *     未知字段以 CompositionError 拒绝并附 "did you mean" 建议
 *   - 建议计算: 基于 levenshtein 编辑距离选取最接近的已知字段
 */

package compose

import (
	"fmt"

	"github.com/agext/levenshtein"

	"github.com/favbox/weave/schema"
)

// Modality 表示叶子输入输出的模态
type Modality string

const (
	// ModalityText 文本模态
	ModalityText Modality = "text"
	// ModalityImage 图像模态
	ModalityImage Modality = "image"
	// ModalityAudio 音频模态
	ModalityAudio Modality = "audio"
	// ModalityVideo 视频模态
	ModalityVideo Modality = "video"
)

// LeafConfig 是叶子节点的封闭配置结构。
// 字段集固定且构造期校验，不依赖运行期的动态属性解析。
type LeafConfig struct {
	// Model 模型标识
	Model string
	// Instruction 指令模板，变量引用参与通道一致性检查
	Instruction string
	// InstructionFormat 指令模板的格式类型
	InstructionFormat schema.FormatType
	// Temperature 可选的采样温度
	Temperature *float64
	// MaxTokens 可选的输出词元上限
	MaxTokens *int
	// Stream 是否要求宿主以流式返回部分结果
	Stream bool
	// InputModalities 叶子接受的输入模态集，空表示仅文本
	InputModalities []Modality
	// OutputModalities 叶子产出的输出模态集，空表示仅文本
	OutputModalities []Modality
}

// leafConfigFields 是 LeafConfigFromMap 接受的已知字段集
var leafConfigFields = []string{
	"model",
	"instruction",
	"instruction_format",
	"temperature",
	"max_tokens",
	"stream",
	"input_modalities",
	"output_modalities",
}

// LeafConfigFromMap 从松散字段映射构造封闭配置。
// 未知字段导致 CompositionError，并附编辑距离计算的修正建议；
// 绝不退化为运行期的动态属性转发。
func LeafConfigFromMap(fields map[string]any) (*LeafConfig, error) {
	cfg := &LeafConfig{}

	for name, value := range fields {
		switch name {
		case "model":
			s, ok := value.(string)
			if !ok {
				return nil, newCompositionError("LeafConfig", nil, "field model expects string, got %T", value)
			}
			cfg.Model = s
		case "instruction":
			s, ok := value.(string)
			if !ok {
				return nil, newCompositionError("LeafConfig", nil, "field instruction expects string, got %T", value)
			}
			cfg.Instruction = s
		case "instruction_format":
			f, ok := value.(schema.FormatType)
			if !ok {
				return nil, newCompositionError("LeafConfig", nil, "field instruction_format expects schema.FormatType, got %T", value)
			}
			cfg.InstructionFormat = f
		case "temperature":
			f, ok := value.(float64)
			if !ok {
				return nil, newCompositionError("LeafConfig", nil, "field temperature expects float64, got %T", value)
			}
			cfg.Temperature = &f
		case "max_tokens":
			i, ok := value.(int)
			if !ok {
				return nil, newCompositionError("LeafConfig", nil, "field max_tokens expects int, got %T", value)
			}
			cfg.MaxTokens = &i
		case "stream":
			b, ok := value.(bool)
			if !ok {
				return nil, newCompositionError("LeafConfig", nil, "field stream expects bool, got %T", value)
			}
			cfg.Stream = b
		case "input_modalities":
			ms, ok := value.([]Modality)
			if !ok {
				return nil, newCompositionError("LeafConfig", nil, "field input_modalities expects []Modality, got %T", value)
			}
			cfg.InputModalities = ms
		case "output_modalities":
			ms, ok := value.([]Modality)
			if !ok {
				return nil, newCompositionError("LeafConfig", nil, "field output_modalities expects []Modality, got %T", value)
			}
			cfg.OutputModalities = ms
		default:
			ce := newCompositionError("LeafConfig", nil, "unknown field %q", name)
			ce.Suggestion = suggestField(name, leafConfigFields)
			return nil, ce
		}
	}

	return cfg, nil
}

// Validate 校验叶子配置的参数合法性
func (c *LeafConfig) Validate() error {
	if c == nil {
		return newConfigError("leaf config", "config must not be nil")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return newConfigError("temperature", "must be within [0, 2], got %v", *c.Temperature)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return newConfigError("max_tokens", "must be positive, got %d", *c.MaxTokens)
	}
	return nil
}

// InstructionVars 返回指令模板静态引用的变量名
func (c *LeafConfig) InstructionVars() ([]string, error) {
	if c.Instruction == "" {
		return nil, nil
	}
	vars, err := schema.TemplateVars(c.Instruction, c.InstructionFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instruction template: %w", err)
	}
	return vars, nil
}

// maxSuggestDistance 超过该编辑距离的候选不作为建议
const maxSuggestDistance = 3

// suggestField 在已知字段中选取与 name 编辑距离最近者作为建议。
// 距离超过阈值时返回空串。
func suggestField(name string, known []string) string {
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, k := range known {
		d := levenshtein.Distance(name, k, nil)
		if d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}
