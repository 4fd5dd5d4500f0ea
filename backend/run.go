/*
 * run.go - 参考后端：计划的解释执行
 *
 * 核心组件：
 *   - execution: 单次运行的可变现场（状态、转录、调用预算）
 *   - runNode: 按节点种类分派的解释循环
 *
 * 设计特点：
 *   - 生成器模型: 运行在独立 goroutine 中产出事件流，panic 经
 *     safe.NewPanicErr 恢复后随流上报，绝不逃逸
 *   - 原子增量: 叶子产生的状态增量在该叶子完成后一次性应用
 *   - 隔离尝试: Fallback 与 Race 的候选在派生现场中运行，
 *     只有胜出者的事件与状态被采纳
 *   - 确定控制流: 循环出口与门控条件只经状态谓词求值
 */

package backend

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"

	"github.com/favbox/weave/compose"
	"github.com/favbox/weave/internal/safe"
	"github.com/favbox/weave/schema"
)

// Run 运行计划至终止，返回完整事件列表
func (p *plan) Run(ctx context.Context, input *Input) ([]*schema.Event, error) {
	return p.Stream(ctx, input).Drain()
}

// Stream 运行计划并流式返回事件。
// 运行在独立 goroutine 中进行，事件经无界通道送出，发送端永不阻塞。
func (p *plan) Stream(ctx context.Context, input *Input) *EventIterator {
	iterator, generator := NewEventIteratorPair()

	go func() {
		var err error
		defer func() {
			if panicErr := recover(); panicErr != nil {
				generator.CloseWithError(safe.NewPanicErr(panicErr, debug.Stack()))
			} else if err != nil {
				generator.CloseWithError(err)
			} else {
				generator.Close()
			}
		}()

		if p.cfg != nil && p.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
		}

		exec := newExecution(p, generator, input)
		err = exec.runNode(ctx, p.root)
	}()

	return iterator
}

// invocationBudget 是跨派生现场共享的叶子调用预算
type invocationBudget struct {
	mu   sync.Mutex
	used int
	max  int // 0 表示不限制
}

// take 占用一次调用额度，超出预算时返回 ErrMaxInvocationsExceeded
func (b *invocationBudget) take() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && b.used >= b.max {
		return ErrMaxInvocationsExceeded
	}
	b.used++
	return nil
}

// execution 是单次运行的可变现场。
// 状态与转录由互斥锁保护，并行子树共享同一现场时按完成的叶子串行应用。
type execution struct {
	plan   *plan
	gen    *EventGenerator
	budget *invocationBudget
	input  string

	mu         sync.Mutex
	state      schema.State
	transcript []*schema.Turn
}

// newExecution 按入口数据初始化运行现场
func newExecution(p *plan, gen *EventGenerator, input *Input) *execution {
	e := &execution{
		plan:   p,
		gen:    gen,
		budget: &invocationBudget{},
	}
	if p.cfg != nil {
		e.budget.max = p.cfg.MaxLeafInvocations
	}
	if input != nil {
		e.input = input.Content
		e.state = input.State.Clone()
		e.transcript = append(e.transcript, input.Transcript...)
		if input.Content != "" {
			e.transcript = append(e.transcript, &schema.Turn{Role: schema.User, Content: input.Content})
		}
	}
	if e.state == nil {
		e.state = make(schema.State)
	}
	return e
}

// fork 派生一个共享预算、持有独立状态与事件流的现场
func (e *execution) fork(gen *EventGenerator, state schema.State, transcript []*schema.Turn) *execution {
	return &execution{
		plan:       e.plan,
		gen:        gen,
		budget:     e.budget,
		input:      e.input,
		state:      state,
		transcript: transcript,
	}
}

// snapshot 返回状态与转录的一致拷贝
func (e *execution) snapshot() (schema.State, []*schema.Turn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), append([]*schema.Turn(nil), e.transcript...)
}

// view 返回当前状态的只读视图
func (e *execution) view() schema.StateView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return schema.NewStateView(e.state.Clone())
}

// runNode 按节点种类分派解释执行
func (e *execution) runNode(ctx context.Context, n compose.Node) error {
	if err := ctx.Err(); err != nil {
		return newFailure(CancellationRequested, n.Name(), err)
	}

	switch node := n.(type) {
	case *compose.LeafNode:
		return e.invokeLeaf(ctx, node.Name(), node.Config, node.OutputKey)
	case *compose.SequenceNode:
		return e.runSequence(ctx, node)
	case *compose.ParallelNode:
		return e.runParallel(ctx, node)
	case *compose.LoopNode:
		return e.runLoop(ctx, node)
	case *compose.RouteNode:
		return e.runRoute(ctx, node)
	case *compose.TransformNode:
		return e.runTransform(node)
	case *compose.FallbackNode:
		return e.runFallback(ctx, node)
	case *compose.RaceNode:
		return e.runRace(ctx, node)
	case *compose.GateNode:
		if !node.Cond(e.view()) {
			return nil
		}
		return e.runNode(ctx, node.Body)
	case *compose.MapOverNode:
		return e.runMapOver(ctx, node)
	case *compose.TimeoutNode:
		return e.runTimeout(ctx, node)
	case *compose.ModelSelectorNode:
		return e.runSelector(ctx, node)
	case *compose.RemoteCallNode:
		return e.invokeRemote(ctx, node)
	default:
		return fmt.Errorf("unsupported node kind: %s", n.Kind())
	}
}

// ====== 组合变体 ======

func (e *execution) runSequence(ctx context.Context, node *compose.SequenceNode) error {
	for _, child := range node.Nodes {
		if err := e.runNode(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (e *execution) runParallel(ctx context.Context, node *compose.ParallelNode) error {
	if node.Merge == compose.FirstComplete {
		winner, lastErr := e.runIsolated(ctx, node.Nodes, func(r *isolatedResult) bool {
			return true // 首个完成者即胜出，无论成败
		})
		if winner == nil {
			return lastErr
		}
		e.adopt(winner)
		return winner.err
	}

	// WaitAll 与 Interleave 共享现场：事件即时转发，增量按完成顺序应用
	parallelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, child := range node.Nodes {
		wg.Add(1)
		go func(child compose.Node) {
			defer wg.Done()
			defer func() {
				if panicErr := recover(); panicErr != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = safe.NewPanicErr(panicErr, debug.Stack())
					}
					errMu.Unlock()
					cancel()
				}
			}()

			if err := e.runNode(parallelCtx, child); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				if node.Merge == compose.WaitAll {
					// WaitAll 下首个失败取消其余兄弟
					cancel()
				}
			}
		}(child)
	}
	wg.Wait()
	return firstErr
}

func (e *execution) runLoop(ctx context.Context, node *compose.LoopNode) error {
	for i := 0; i < node.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return newFailure(CancellationRequested, node.Name(), err)
		}
		if err := e.runNode(ctx, node.Body); err != nil {
			return err
		}
		if node.Exit != nil && node.Exit(e.view()) {
			return nil
		}
	}
	return nil
}

func (e *execution) runRoute(ctx context.Context, node *compose.RouteNode) error {
	value, _ := e.view().GetRef(node.Key)

	for _, rule := range node.Rules {
		if rule.Match(value) {
			return e.runNode(ctx, rule.Target)
		}
	}
	if node.Default != nil {
		return e.runNode(ctx, node.Default)
	}
	// 无命中且无缺省分支：按空操作处理
	return nil
}

func (e *execution) runTransform(node *compose.TransformNode) error {
	delta, err := node.Fn(e.view())
	if err != nil {
		return fmt.Errorf("transform %q: %w", node.Name(), err)
	}
	if delta == nil {
		return nil
	}
	// 应用语义以节点声明为准
	delta.Semantics = node.Semantics

	e.mu.Lock()
	e.state = schema.Apply(e.state, delta)
	e.mu.Unlock()
	return nil
}

func (e *execution) runFallback(ctx context.Context, node *compose.FallbackNode) error {
	var lastErr error
	for _, child := range node.Nodes {
		result := e.runOne(ctx, child)
		if result.err == nil {
			e.adopt(result)
			return nil
		}
		lastErr = result.err
	}
	return lastErr
}

func (e *execution) runRace(ctx context.Context, node *compose.RaceNode) error {
	// 延迟竞争：首个完成者即胜出，无论成败；其余兄弟随即取消
	winner, lastErr := e.runIsolated(ctx, node.Nodes, func(r *isolatedResult) bool {
		return true
	})
	if winner == nil {
		return lastErr
	}
	e.adopt(winner)
	return winner.err
}

func (e *execution) runMapOver(ctx context.Context, node *compose.MapOverNode) error {
	value, ok := e.view().GetRef(node.ListKey)
	if !ok {
		return fmt.Errorf("map-over %q: list key %q is absent from state", node.Name(), node.ListKey.String())
	}
	items, ok := listItems(value)
	if !ok {
		return fmt.Errorf("map-over %q: key %q holds %T, expected a slice", node.Name(), node.ListKey.String(), value)
	}

	resultKey := compose.LastOutputKey(node.Body)
	itemKey := node.ItemKey.String()

	var collected []any
	for _, item := range items {
		e.mu.Lock()
		e.state[itemKey] = item
		e.mu.Unlock()

		if err := e.runNode(ctx, node.Body); err != nil {
			return err
		}

		if resultKey != nil {
			if v, ok := e.view().GetRef(*resultKey); ok {
				collected = append(collected, v)
			}
		}
	}

	e.mu.Lock()
	e.state[itemKey] = nil // 元素绑定仅在迭代期间有效
	if node.OutputKey != nil {
		e.state[node.OutputKey.String()] = collected
	}
	e.mu.Unlock()
	return nil
}

func (e *execution) runTimeout(ctx context.Context, node *compose.TimeoutNode) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, node.Duration)
	defer cancel()

	err := e.runNode(timeoutCtx, node.Body)
	if err != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return newFailure(TimeoutExceeded, node.Name(), timeoutCtx.Err())
	}
	return err
}

func (e *execution) runSelector(ctx context.Context, node *compose.ModelSelectorNode) error {
	chosen := pickCandidate(node, e.view())

	cfg := *node.Body.Config
	cfg.Model = chosen.Model
	return e.invokeLeaf(ctx, node.Body.Name(), &cfg, node.Body.OutputKey)
}

// pickCandidate 按策略选择候选配置。
// BudgetBounded 从状态读取预算，选择价格不超预算的最高质量候选，
// 均超预算时退回最廉价候选。
func pickCandidate(node *compose.ModelSelectorNode, view schema.StateView) compose.ModelCandidate {
	candidates := node.Candidates
	if len(candidates) == 0 {
		return compose.ModelCandidate{Model: node.Body.Config.Model}
	}

	switch node.Strategy {
	case compose.SelectBestQuality:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Quality > best.Quality {
				best = c
			}
		}
		return best

	case compose.SelectBudgetBounded:
		budget := 0.0
		if node.BudgetKey != nil {
			if v, ok := view.GetRef(*node.BudgetKey); ok {
				budget = toFloat(v)
			}
		}
		var best *compose.ModelCandidate
		for i, c := range candidates {
			if candidatePrice(c) > budget {
				continue
			}
			if best == nil || c.Quality > best.Quality {
				best = &candidates[i]
			}
		}
		if best != nil {
			return *best
		}
		// 全部超预算时退回最廉价候选
		fallthrough

	default: // SelectCheapestFirst
		cheapest := candidates[0]
		for _, c := range candidates[1:] {
			if candidatePrice(c) < candidatePrice(cheapest) {
				cheapest = c
			}
		}
		return cheapest
	}
}

func candidatePrice(c compose.ModelCandidate) float64 {
	return c.InputPerKTok + c.OutputPerKTok
}

// ====== 隔离运行 ======

// isolatedResult 是一次隔离尝试的产物
type isolatedResult struct {
	events     []*schema.Event
	state      schema.State
	transcript []*schema.Turn
	err        error
}

// runOne 在派生现场中运行单个节点，事件与状态暂存于结果中
func (e *execution) runOne(ctx context.Context, n compose.Node) *isolatedResult {
	state, transcript := e.snapshot()
	iterator, generator := NewEventIteratorPair()
	sub := e.fork(generator, state, transcript)

	err := sub.runNode(ctx, n)
	generator.Close()
	events, _ := iterator.Drain()

	subState, subTranscript := sub.snapshot()
	return &isolatedResult{events: events, state: subState, transcript: subTranscript, err: err}
}

// runIsolated 并发运行多个候选，wins 判定首个胜出者；
// 胜出即取消其余候选并立即返回，迟到者在缓冲通道中耗散。
func (e *execution) runIsolated(ctx context.Context, children []compose.Node, wins func(*isolatedResult) bool) (winner *isolatedResult, lastErr error) {
	raceCtx, cancel := context.WithCancel(ctx)

	results := make(chan *isolatedResult, len(children))
	for _, child := range children {
		go func(child compose.Node) {
			defer func() {
				if panicErr := recover(); panicErr != nil {
					results <- &isolatedResult{err: safe.NewPanicErr(panicErr, debug.Stack())}
				}
			}()
			results <- e.runOne(raceCtx, child)
		}(child)
	}

	for range children {
		r := <-results
		if wins(r) {
			cancel()
			return r, nil
		}
		if r.err != nil {
			lastErr = r.err
		}
	}
	cancel()
	return nil, lastErr
}

// adopt 采纳隔离尝试的产物：转发事件并替换状态与转录
func (e *execution) adopt(r *isolatedResult) {
	e.mu.Lock()
	e.state = r.state
	e.transcript = r.transcript
	e.mu.Unlock()
	for _, ev := range r.events {
		e.gen.Send(ev)
	}
}

// ====== 宿主调用 ======

// invokeLeaf 将叶子平铺为一次宿主调用并归一化其输出。
// 指令文本在调用前装配完毕：过滤后的历史 + 状态渲染的指令模板。
func (e *execution) invokeLeaf(ctx context.Context, name string, cfg *compose.LeafConfig, outputKey *schema.StateKeyRef) error {
	if err := e.budget.take(); err != nil {
		return err
	}

	state, transcript := e.snapshot()
	view := schema.NewStateView(state)

	history := ""
	if assembler, ok := e.plan.assemblers[name]; ok {
		h, err := assembler(transcript, view)
		if err != nil {
			return newFailure(LeafInvocationFailed, name, err)
		}
		history = h
	}

	instruction := ""
	if cfg.Instruction != "" {
		rendered, err := schema.FormatInstruction(cfg.Instruction, stateVars(view), cfg.InstructionFormat)
		if err != nil {
			return newFailure(LeafInvocationFailed, name, err)
		}
		instruction = rendered
	}

	inv := &Invocation{
		Node:        name,
		Author:      name,
		Instruction: joinInstruction(history, instruction),
		Config:      cfg,
		State:       state,
		Input:       e.input,
	}

	result, err := e.plan.host.Invoke(ctx, inv)
	if err != nil {
		return newFailure(LeafInvocationFailed, name, err)
	}
	return e.consumeResult(name, result, outputKey)
}

// invokeRemote 调用进程外叶子，失败时驱动声明的回退子树
func (e *execution) invokeRemote(ctx context.Context, node *compose.RemoteCallNode) error {
	if err := e.budget.take(); err != nil {
		return err
	}

	state, _ := e.snapshot()
	inv := &Invocation{
		Node:       node.Name(),
		Author:     node.Name(),
		State:      state,
		Input:      e.input,
		Endpoint:   node.Endpoint,
		Capability: node.Capability,
	}

	result, err := e.plan.host.Invoke(ctx, inv)
	if err != nil {
		if node.Fallback != nil {
			return e.runNode(ctx, node.Fallback)
		}
		return newFailure(RemoteCallFailed, node.Name(), err)
	}
	return e.consumeResult(node.Name(), result, node.OutputKey)
}

// consumeResult 归一化宿主应答：逐事件打可见性标注并转发，
// 增量在全部事件抵达后原子应用，终态内容写入输出键并追加转录。
func (e *execution) consumeResult(name string, result *HostResult, outputKey *schema.StateKeyRef) error {
	visibility := e.plan.visibility[name]

	merged := make(map[string]any)
	var finalContent *string

	forward := func(ev *schema.Event) {
		ev.WithMetadata(MetadataVisibility, visibility.String())
		for k, v := range ev.StateDelta {
			merged[k] = v
		}
		if ev.Content != nil {
			finalContent = ev.Content
		}
		e.gen.Send(ev)
	}

	if result != nil && result.Partials != nil {
		for {
			ev, ok := result.Partials.Next()
			if !ok {
				if err := result.Partials.Err(); err != nil {
					return newFailure(LeafInvocationFailed, name, err)
				}
				break
			}
			forward(ev)
		}
	} else if result != nil {
		for _, ev := range result.Events {
			forward(ev)
		}
	}

	e.mu.Lock()
	e.state = schema.Apply(e.state, schema.MergeDelta(merged))
	if outputKey != nil && finalContent != nil {
		e.state[outputKey.String()] = *finalContent
	}
	if finalContent != nil {
		e.transcript = append(e.transcript, &schema.Turn{
			Author:  name,
			Role:    schema.Assistant,
			Content: *finalContent,
		})
	}
	e.mu.Unlock()
	return nil
}

// ====== 辅助 ======

// stateVars 将状态视图展开为模板变量映射，键为去前缀的键名
func stateVars(view schema.StateView) map[string]any {
	vars := make(map[string]any, view.Len())
	for _, k := range view.Keys() {
		v, _ := view.Get(k)
		vars[schema.ParseKey(k).Name] = v
	}
	return vars
}

// joinInstruction 拼接历史文本与指令文本
func joinInstruction(history, instruction string) string {
	switch {
	case history == "":
		return instruction
	case instruction == "":
		return history
	default:
		return history + "\n\n" + instruction
	}
}

// listItems 将任意切片值展开为元素列表
func listItems(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// toFloat 宽松地将数值转为 float64，非数值返回 0
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
