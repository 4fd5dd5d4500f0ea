/*
 * gmap.go - Map 工具函数包
 *
 * 核心功能：
 *   - Clone: 浅拷贝 Map
 *
 * 设计特点：
 *   - 泛型设计: 支持任意可比较的键类型和任意值类型
 *   - 返回新 Map，不修改原 Map（浅拷贝）
 *
 * 与其他包关系：
 *   - 被 schema 的状态克隆调用
 */

package gmap

// Clone 返回 m 的浅拷贝。
// m 为 nil 时返回 nil，保持与原 Map 一致的 nil 语义。
func Clone[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}

	res := make(map[K]V, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
