/*
 * backend_test.go - 参考后端功能测试
 *
 * 测试内容：
 *   - 顺序流水线的事件归一化、可见性标注与增量应用
 *   - 指令装配：过滤后的历史 + 状态渲染的模板
 *   - 调用预算、路由分发、回退与竞速、循环出口、逐元素映射
 *   - 超时上报、预算受限的模型选择、远程调用回退
 *   - 编译期严格检查与回放后端
 */

package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/favbox/weave/analyze"
	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/schema"
)

func newLeaf(t *testing.T, name string, opts ...compose.LeafOption) *compose.LeafNode {
	t.Helper()
	leaf, err := compose.NewLeaf(name, &compose.LeafConfig{Model: "test-model"}, opts...)
	assert.NoError(t, err)
	return leaf
}

func compileAndRun(t *testing.T, host Host, root compose.Node, cfg *compose.ExecutionConfig, input *Input) ([]*schema.Event, error) {
	t.Helper()
	compiled, err := New(host).Compile(context.Background(), root, cfg)
	assert.NoError(t, err)
	return compiled.Run(context.Background(), input)
}

func TestRunSequencePropagatesStateAndVisibility(t *testing.T) {
	a := newLeaf(t, "a", compose.WithWrites(schema.Key("intent")))
	b, err := compose.NewLeaf("b", &compose.LeafConfig{
		Model:       "test-model",
		Instruction: "answer about {intent}",
	}, compose.WithOutputKey(schema.Key("answer")))
	assert.NoError(t, err)

	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	host := NewMockHost().
		RespondWithDelta("a", "classified", map[string]any{"intent": "travel"}).
		Respond("b", "plan a trip")

	events, runErr := compileAndRun(t, host, root, nil, &Input{Content: "help me"})
	assert.NoError(t, runErr)
	assert.Len(t, events, 2)

	// 可见性标注：a 的输出被 b 消费，b 是流水线终端
	assert.Equal(t, compose.VisibilityInternal.String(), events[0].Metadata[MetadataVisibility])
	assert.Equal(t, compose.VisibilityUser.String(), events[1].Metadata[MetadataVisibility])

	// b 的调用可见 a 写入的状态与装配好的历史
	invs := host.InvocationsOf("b")
	assert.Len(t, invs, 1)
	assert.Equal(t, "travel", invs[0].State["intent"])
	assert.Contains(t, invs[0].Instruction, "answer about travel")
	assert.Contains(t, invs[0].Instruction, "[assistant] a: classified")
	assert.Contains(t, invs[0].Instruction, "[user] help me")
}

func TestRunContextFilterNone(t *testing.T) {
	a := newLeaf(t, "a")
	b := newLeaf(t, "b", compose.WithContextFilter(schema.NoHistory()))
	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	host := NewMockHost().Respond("a", "first").Respond("b", "second")
	_, runErr := compileAndRun(t, host, root, nil, &Input{Content: "hi"})
	assert.NoError(t, runErr)

	// 无历史过滤器下 b 看不到任何转录
	invs := host.InvocationsOf("b")
	assert.Len(t, invs, 1)
	assert.Empty(t, invs[0].Instruction)
}

func TestRunMaxInvocationsBudget(t *testing.T) {
	a := newLeaf(t, "a")
	b := newLeaf(t, "b")
	root, err := compose.Then(a, b)
	assert.NoError(t, err)

	host := NewMockHost().Respond("a", "one").Respond("b", "two")

	events, runErr := compileAndRun(t, host, root,
		&compose.ExecutionConfig{MaxLeafInvocations: 1}, &Input{})
	assert.ErrorIs(t, runErr, ErrMaxInvocationsExceeded)
	assert.Len(t, events, 1)
}

func TestRunRouteDispatch(t *testing.T) {
	classifier := newLeaf(t, "classifier", compose.WithOutputKey(schema.Key("intent")))
	travel := newLeaf(t, "travel")
	other := newLeaf(t, "other")

	route, err := compose.Route("dispatch", schema.Key("intent"), []compose.RouteRule{
		{Label: "travel", Match: compose.MatchValue("travel"), Target: travel},
	}, compose.WithDefault(other))
	assert.NoError(t, err)

	root, err := compose.Then(classifier, route)
	assert.NoError(t, err)

	host := NewMockHost().Respond("classifier", "travel").Respond("travel", "here is a trip")

	events, runErr := compileAndRun(t, host, root, nil, &Input{})
	assert.NoError(t, runErr)
	assert.Len(t, events, 2)
	assert.Equal(t, "travel", events[1].Author)

	// 未命中分支的宿主脚本从未被调用
	assert.Empty(t, host.InvocationsOf("other"))
}

func TestRunTransformNoHostInvocation(t *testing.T) {
	a := newLeaf(t, "a", compose.WithOutputKey(schema.Key("raw")))
	rename, err := compose.NewTransform("rename",
		func(view schema.StateView) (*schema.StateDelta, error) {
			v, _ := view.Get("raw")
			return schema.MergeDelta(map[string]any{"final": v}), nil
		},
		schema.DeltaMerge)
	assert.NoError(t, err)

	probe := newLeaf(t, "probe")
	root, err := compose.Sequence("p", a, rename, probe)
	assert.NoError(t, err)

	host := NewMockHost().Respond("a", "value").Respond("probe", "done")

	_, runErr := compileAndRun(t, host, root, nil, &Input{})
	assert.NoError(t, runErr)

	// 变换零宿主调用，但效果对后继可见
	assert.Len(t, host.Invocations(), 2)
	assert.Equal(t, "value", host.InvocationsOf("probe")[0].State["final"])
}

func TestRunFallbackTriesInOrder(t *testing.T) {
	primary := newLeaf(t, "primary")
	backup := newLeaf(t, "backup")
	fb, err := compose.FallbackOf("try", primary, backup)
	assert.NoError(t, err)

	host := NewMockHost().
		Fail("primary", errors.New("unavailable")).
		Respond("backup", "recovered")

	events, runErr := compileAndRun(t, host, fb, nil, &Input{})
	assert.NoError(t, runErr)

	// 失败候选的事件被丢弃，只有胜出者的事件抵达调用方
	assert.Len(t, events, 1)
	assert.Equal(t, "backup", events[0].Author)

	// 两个候选都被尝试过
	assert.Len(t, host.Invocations(), 2)
}

func TestRunFallbackAllFailPropagatesLast(t *testing.T) {
	primary := newLeaf(t, "primary")
	backup := newLeaf(t, "backup")
	fb, err := compose.FallbackOf("try", primary, backup)
	assert.NoError(t, err)

	host := NewMockHost().
		Fail("primary", errors.New("first failure")).
		Fail("backup", errors.New("last failure"))

	_, runErr := compileAndRun(t, host, fb, nil, &Input{})
	var failure *ExecutionFailure
	assert.ErrorAs(t, runErr, &failure)
	assert.Equal(t, LeafInvocationFailed, failure.Kind)
	assert.Equal(t, "backup", failure.Node)
}

func TestRunRaceWinnerAdopted(t *testing.T) {
	fast := newLeaf(t, "fast", compose.WithOutputKey(schema.Key("result")))
	slow := newLeaf(t, "slow", compose.WithOutputKey(schema.Key("result")))
	race, err := compose.RaceOf("race", fast, slow)
	assert.NoError(t, err)

	host := NewMockHost().
		Respond("fast", "quick answer").
		Handle("slow", func(*Invocation) (*HostResult, error) {
			time.Sleep(100 * time.Millisecond)
			return Canned("slow", "late answer", nil), nil
		})

	events, runErr := compileAndRun(t, host, race, nil, &Input{})
	assert.NoError(t, runErr)

	// 只有胜出者的事件与状态被采纳
	assert.Len(t, events, 1)
	assert.Equal(t, "fast", events[0].Author)
}

func TestRunRaceFirstCompleterWinsEvenOnFailure(t *testing.T) {
	fast := newLeaf(t, "fast", compose.WithOutputKey(schema.Key("result")))
	slow := newLeaf(t, "slow", compose.WithOutputKey(schema.Key("result")))
	race, err := compose.RaceOf("race", fast, slow)
	assert.NoError(t, err)

	host := NewMockHost().
		Fail("fast", errors.New("model overloaded")).
		Handle("slow", func(*Invocation) (*HostResult, error) {
			time.Sleep(200 * time.Millisecond)
			return Canned("slow", "late answer", nil), nil
		})

	start := time.Now()
	events, runErr := compileAndRun(t, host, race, nil, &Input{})

	// 竞速以完成而非成功为准：先完成者的失败就是最终结果
	var failure *ExecutionFailure
	assert.ErrorAs(t, runErr, &failure)
	assert.Equal(t, LeafInvocationFailed, failure.Kind)
	assert.Equal(t, "fast", failure.Node)
	assert.Empty(t, events)

	// 慢候选在首个完成时即被放弃，调用方无需等它收尾
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestRunLoopExitPredicate(t *testing.T) {
	count := 0
	body := newLeaf(t, "poll", compose.WithOutputKey(schema.Key("status")))
	loop, err := compose.Until("wait", body,
		func(view schema.StateView) bool {
			v, _ := view.Get("status")
			return v == "ready"
		}, 10)
	assert.NoError(t, err)

	host := NewMockHost().Handle("poll", func(*Invocation) (*HostResult, error) {
		count++
		if count < 3 {
			return Canned("poll", "pending", nil), nil
		}
		return Canned("poll", "ready", nil), nil
	})

	events, runErr := compileAndRun(t, host, loop, nil, &Input{})
	assert.NoError(t, runErr)

	// 出口谓词在第三轮满足
	assert.Len(t, events, 3)
	assert.Equal(t, 3, count)
}

func TestRunLoopMaxIterationsBound(t *testing.T) {
	body := newLeaf(t, "poll")
	loop, err := compose.Until("wait", body,
		func(schema.StateView) bool { return false }, 4)
	assert.NoError(t, err)

	host := NewMockHost().Respond("poll", "pending")

	events, runErr := compileAndRun(t, host, loop, nil, &Input{})
	assert.NoError(t, runErr)
	assert.Len(t, events, 4)
}

func TestRunMapOverCollectsResults(t *testing.T) {
	body := newLeaf(t, "summarize", compose.WithOutputKey(schema.Key("summary")))
	m, err := compose.MapOver("each", schema.Key("docs"), schema.Key("doc"), body,
		compose.WithCollectInto(schema.Key("summaries")))
	assert.NoError(t, err)

	probe := newLeaf(t, "probe")
	root, err := compose.Then(m, probe)
	assert.NoError(t, err)

	host := NewMockHost().
		Handle("summarize", func(inv *Invocation) (*HostResult, error) {
			doc := inv.State["doc"].(string)
			return Canned("summarize", "summary of "+doc, nil), nil
		}).
		Respond("probe", "done")

	_, runErr := compileAndRun(t, host, root, nil, &Input{
		State: schema.State{"docs": []any{"x", "y"}},
	})
	assert.NoError(t, runErr)

	// 每个元素一次调用，结果收集到输出键
	assert.Len(t, host.InvocationsOf("summarize"), 2)
	collected := host.InvocationsOf("probe")[0].State["summaries"]
	assert.Equal(t, []any{"summary of x", "summary of y"}, collected)
}

func TestRunTimeoutReported(t *testing.T) {
	slow := newLeaf(t, "slow")
	after := newLeaf(t, "after")
	seq, err := compose.Then(slow, after)
	assert.NoError(t, err)

	wrapped, err := compose.WithTimeout("bounded", seq, 10*time.Millisecond)
	assert.NoError(t, err)

	host := NewMockHost().
		Handle("slow", func(*Invocation) (*HostResult, error) {
			time.Sleep(50 * time.Millisecond)
			return Canned("slow", "late", nil), nil
		}).
		Respond("after", "never reached")

	_, runErr := compileAndRun(t, host, wrapped, nil, &Input{})
	var failure *ExecutionFailure
	assert.ErrorAs(t, runErr, &failure)
	assert.Equal(t, TimeoutExceeded, failure.Kind)
	assert.Equal(t, "bounded", failure.Node)
}

func TestRunSelectorBudgetBounded(t *testing.T) {
	body := newLeaf(t, "answer")
	sel, err := compose.SelectModel("sel", compose.SelectBudgetBounded,
		[]compose.ModelCandidate{
			{Model: "small", Quality: 1, InputPerKTok: 0.5, OutputPerKTok: 0.5},
			{Model: "large", Quality: 3, InputPerKTok: 5, OutputPerKTok: 5},
		}, body, compose.WithBudgetKey(schema.Key("budget")))
	assert.NoError(t, err)

	host := NewMockHost().Respond("answer", "ok")
	compiled, err := New(host).Compile(context.Background(), sel, nil)
	assert.NoError(t, err)

	// 预算充足：选最高质量候选
	_, runErr := compiled.Run(context.Background(), &Input{State: schema.State{"budget": 100.0}})
	assert.NoError(t, runErr)
	assert.Equal(t, "large", host.Invocations()[0].Config.Model)

	// 预算不足：退回廉价候选
	_, runErr = compiled.Run(context.Background(), &Input{State: schema.State{"budget": 2.0}})
	assert.NoError(t, runErr)
	assert.Equal(t, "small", host.Invocations()[1].Config.Model)
}

func TestRunRemoteCallFallback(t *testing.T) {
	local := newLeaf(t, "local", compose.WithOutputKey(schema.Key("result")))
	remote, err := compose.Remote("fetch", "grpc://search.internal:8443", "search",
		compose.WithRemoteOutputKey(schema.Key("result")),
		compose.WithRemoteFallback(local))
	assert.NoError(t, err)

	host := NewMockHost().
		Fail("fetch", errors.New("connection refused")).
		Respond("local", "local result")

	events, runErr := compileAndRun(t, host, remote, nil, &Input{})
	assert.NoError(t, runErr)
	assert.Len(t, events, 1)
	assert.Equal(t, "local", events[0].Author)

	// 远程调用携带端点与能力标识
	assert.Equal(t, "search", host.InvocationsOf("fetch")[0].Capability)
}

func TestCompileStrictCheckerRejects(t *testing.T) {
	b := newLeaf(t, "b", compose.WithReads(schema.Key("never_written")))

	backend := New(NewMockHost(), WithChecker(analyze.NewDefaultChecker()))
	_, err := backend.Compile(context.Background(), b, nil)

	var violation *analyze.ContractViolation
	assert.ErrorAs(t, err, &violation)

	// 声明输入后编译通过
	backend = New(NewMockHost(),
		WithChecker(analyze.NewChecker(&analyze.DataFlowPass{})),
		WithInputs(schema.Key("never_written")))
	_, err = backend.Compile(context.Background(), b, nil)
	assert.NoError(t, err)
}

func TestCompileResumableUnsupported(t *testing.T) {
	b := newLeaf(t, "b")
	_, err := New(NewMockHost()).Compile(context.Background(), b,
		&compose.ExecutionConfig{Resumable: true})
	assert.Error(t, err)
}

func TestStreamDeliversIncrementally(t *testing.T) {
	a := newLeaf(t, "a")
	host := NewMockHost().Respond("a", "hello")

	compiled, err := New(host).Compile(context.Background(), a, nil)
	assert.NoError(t, err)

	it := compiled.Stream(context.Background(), &Input{})
	ev, ok := it.Next()
	assert.True(t, ok)
	assert.Equal(t, "a", ev.Author)

	_, ok = it.Next()
	assert.False(t, ok)
	assert.NoError(t, it.Err())
}

func TestReplayBackendRoundTrip(t *testing.T) {
	captured := []*schema.Event{
		schema.NewEvent("a", "first"),
		schema.NewEvent("b", "second"),
	}
	data, err := schema.MarshalEvents(captured)
	assert.NoError(t, err)

	replay, err := NewReplayFromJSON(data)
	assert.NoError(t, err)

	root := newLeaf(t, "a")
	compiled, err := replay.Compile(context.Background(), root, nil)
	assert.NoError(t, err)

	events, err := compiled.Run(context.Background(), &Input{})
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "first", *events[0].Content)

	// 捕获耗尽后运行报错
	_, err = compiled.Run(context.Background(), &Input{})
	assert.Error(t, err)
}
