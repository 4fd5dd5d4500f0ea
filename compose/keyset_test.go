package compose

import (
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"github.com/favbox/weave/schema"
)

// TestKeySet - 验证状态键集合的身份语义与不可变运算
func TestKeySet(t *testing.T) {
	// 使用 convey 框架组织测试结构，提供清晰的测试描述
	convey.Convey("验证键集合的身份、并集与差集运算", t, func() {
		intent := schema.Key("intent")
		typedIntent := schema.TypedKey("intent", "string")
		pref := schema.ScopedKey("pref", schema.ScopeUser)

		s := NewKeySet(intent, pref)

		// 身份只由 (Name, Scope) 决定，类型标注不参与
		convey.So(s.Has(typedIntent), convey.ShouldBeTrue)
		convey.So(s.Has(schema.ScopedKey("intent", schema.ScopeUser)), convey.ShouldBeFalse)
		convey.So(s.Len(), convey.ShouldEqual, 2)

		// Refs 按带前缀键名排序，输出稳定
		refs := s.Refs()
		convey.So(refs[0].String(), convey.ShouldEqual, "intent")
		convey.So(refs[1].String(), convey.ShouldEqual, "user:pref")

		// 并集返回新集合，原集合不变
		u := s.Union(NewKeySet(schema.Key("plan")))
		convey.So(u.Len(), convey.ShouldEqual, 3)
		convey.So(s.Len(), convey.ShouldEqual, 2)

		// 差集与交集
		convey.So(s.Without(intent).Has(intent), convey.ShouldBeFalse)
		convey.So(s.Intersect(NewKeySet(intent)).Len(), convey.ShouldEqual, 1)
	})
}
