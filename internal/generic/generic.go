/*
 * generic.go - 泛型基础工具
 *
 * 核心功能：
 *   - PtrOf: 获取值的指针，便于初始化可选配置字段
 *
 * 与其他包关系：
 *   - 被 compose 等包的调用方用于可选字段构造
 */

package generic

// PtrOf 返回传入值 v 的指针。
// 用于需要获取值指针的场景，如配置结构体可选字段初始化。
//
// 典型场景:
//
//	config := LeafConfig{
//	    Temperature: generic.PtrOf(0.2),
//	    MaxTokens:   generic.PtrOf(1024),
//	}
func PtrOf[T any](v T) *T {
	return &v
}
