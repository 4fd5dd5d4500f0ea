/*
 * config.go - 执行配置
 *
 * 核心组件：
 *   - ExecutionConfig: 构建期附着的顶层执行约束
 *   - CompactionConfig: 成本压缩设置
 *
 * 设计特点：
 *   - 纯配置: 自身不携带行为，由后端的 compile 步骤消费
 *   - 构造期校验: 非法取值以 ConfigError 上报，不延迟到执行期
 */

package compose

import "time"

// CompactionConfig 是成本压缩设置。
// 超过阈值的转录历史在叶子调用前被压缩，降低重复上下文成本。
type CompactionConfig struct {
	// MaxTranscriptTurns 触发压缩的转录轮数阈值
	MaxTranscriptTurns int
	// KeepRecentTurns 压缩时保留的最近轮数
	KeepRecentTurns int
}

// ExecutionConfig 是构建期附着的顶层执行约束。
// 纯配置，无自身行为；由后端的 compile 步骤只读消费。
type ExecutionConfig struct {
	// MaxLeafInvocations 单次运行的叶子调用上限，0 表示不限制
	MaxLeafInvocations int
	// Timeout 整体运行的墙钟时间上限，0 表示不限制
	Timeout time.Duration
	// Resumable 是否要求后端支持中断恢复
	Resumable bool
	// Compaction 可选的成本压缩设置
	Compaction *CompactionConfig
}

// Validate 校验执行配置的取值合法性
func (c *ExecutionConfig) Validate() error {
	if c == nil {
		return nil // 缺省配置合法
	}
	if c.MaxLeafInvocations < 0 {
		return newConfigError("max_leaf_invocations", "must not be negative, got %d", c.MaxLeafInvocations)
	}
	if c.Timeout < 0 {
		return newConfigError("timeout", "must not be negative, got %v", c.Timeout)
	}
	if c.Compaction != nil {
		if c.Compaction.MaxTranscriptTurns <= 0 {
			return newConfigError("compaction.max_transcript_turns", "must be positive, got %d", c.Compaction.MaxTranscriptTurns)
		}
		if c.Compaction.KeepRecentTurns < 0 || c.Compaction.KeepRecentTurns > c.Compaction.MaxTranscriptTurns {
			return newConfigError("compaction.keep_recent_turns", "must be within [0, max_transcript_turns], got %d", c.Compaction.KeepRecentTurns)
		}
	}
	return nil
}
