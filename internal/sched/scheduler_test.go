// scheduler_test.go - 调度器测试

package sched

import (
	"errors"
	"testing"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
	"github.com/tangzhangming/nova-backend/internal/pipeline"
)

// ============================================================================
// 测试夹具
// ============================================================================

type fixedInst struct {
	name string
	size int
}

func (f fixedInst) Name() string              { return f.name }
func (f fixedInst) Size(ra mach.RegAlloc) int { return f.size }
func (f fixedInst) Emit(cb *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	cb.Insts().Emit(make([]byte, f.size)...)
}

type fixture struct {
	g     *mach.CFG
	ra    *mach.Allocation
	model *pipeline.Model
}

func newFixture(delaySlots bool) *fixture {
	const (
		alu0 = 1 << iota
		alu1
		ms
		br
	)
	m := &pipeline.Model{
		Name:               "test",
		Resources:          []string{"alu0", "alu1", "ms", "br"},
		MaxInstrsPerCycle:  2,
		BranchHasDelaySlot: delaySlots,
		Classes:            map[string]*pipeline.Class{},
	}
	if delaySlots {
		m.InstrUnitSize = 4
	}
	add := func(c *pipeline.Class) { m.Classes[c.Name] = c }
	add(&pipeline.Class{Name: "ialu", InstructionCount: 1, ResultLatency: 1,
		Resources: []pipeline.UseElement{{Units: alu0 | alu1, Cycles: 1}}})
	add(&pipeline.Class{Name: "flags", InstructionCount: 1, ResultLatency: 0,
		Resources: []pipeline.UseElement{{Units: alu0 | alu1, Cycles: 1}}})
	add(&pipeline.Class{Name: "load", InstructionCount: 1, ResultLatency: 3,
		Resources: []pipeline.UseElement{{Units: ms, Cycles: 1}}})
	add(&pipeline.Class{Name: "branch", InstructionCount: 1, BranchDelay: delaySlots,
		Resources: []pipeline.UseElement{{Units: br, Cycles: 1}}})
	add(&pipeline.Class{Name: "ret", InstructionCount: 1,
		Resources: []pipeline.UseElement{{Units: br, Cycles: 1}}})
	add(&pipeline.Class{Name: "call", InstructionCount: 1, MultipleBundles: true,
		Resources: []pipeline.UseElement{{Units: br, Cycles: 1}}})
	add(&pipeline.Class{Name: "nop", InstructionCount: 1})
	m.NopClass = m.Classes["nop"]
	m.Default = &pipeline.Class{Name: "default", MayHaveNoCode: true}

	return &fixture{
		g:     mach.NewCFG(),
		ra:    mach.NewAllocation(16, 64, 8),
		model: m,
	}
}

// node 创建一个机器节点并追加到块尾；dst 无效时不分配寄存器
func (f *fixture) node(b *mach.Block, op mach.Opcode, class string, dst mach.Reg, ins ...*mach.Node) *mach.Node {
	n := f.g.NewMachNode(op, fixedInst{name: op.String(), size: 4}, ins...)
	n.Class = f.model.Classes[class]
	if dst.Valid() {
		f.ra.Set(n, dst)
	}
	f.g.Append(b, n)
	return n
}

func (f *fixture) scheduler(opts Options) *Scheduler {
	opts.Verify = true
	if opts.Nop == nil {
		opts.Nop = fixedInst{name: "nop", size: 4}
	}
	return New(f.g, f.ra, f.model, opts)
}

func indexOf(b *mach.Block, n *mach.Node) int {
	return b.FindNode(n)
}

// checkOrder 每条块内输入边（含优先级边）的定义都排在使用之前
func checkOrder(t *testing.T, b *mach.Block) {
	t.Helper()
	for i, n := range b.Nodes {
		for k := 0; k < n.Len(); k++ {
			def := n.In(k)
			if def == nil || def.Block != b {
				continue
			}
			if j := indexOf(b, def); j < 0 || j >= i {
				t.Errorf("block %d: %v at %d depends on %v at %d", b.ID, n, i, def, j)
			}
		}
	}
}

// ============================================================================
// 测试
// ============================================================================

// TestLatencyHiding 长延迟的装载与使用之间插入独立指令
func TestLatencyHiding(t *testing.T) {
	f := newFixture(false)
	b := f.g.NewBlock()
	load := f.node(b, mach.OpLoad, "load", 1)
	use := f.node(b, mach.OpAdd, "ialu", 2, load, load)
	mov := f.node(b, mach.OpMove, "ialu", 3)
	ret := f.node(b, mach.OpReturn, "ret", mach.BadReg, use, mov)

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	checkOrder(t, b)

	if b.End() != ret {
		t.Errorf("Expected return to stay last, got %v", b.End())
	}
	il, im, iu := indexOf(b, load), indexOf(b, mov), indexOf(b, use)
	if !(il < im && im < iu) {
		t.Errorf("Expected independent move between load and use, order load=%d mov=%d use=%d", il, im, iu)
	}
	if s.Latency(use) != 4 {
		t.Errorf("Expected forward latency 4 for use, got %d", s.Latency(use))
	}
	if !s.Bundling().Get(ret.ID).StartsBundle() && !s.Bundling().Get(load.ID).StartsBundle() {
		t.Error("Expected bundle boundaries to be recorded")
	}
}

// TestCompareBeforeBranch 比较指令紧挨条件分支
func TestCompareBeforeBranch(t *testing.T) {
	f := newFixture(false)
	b := f.g.NewBlock()
	next := f.g.NewBlock()
	cmp := f.node(b, mach.OpCmpI, "flags", 9)
	f.node(b, mach.OpAdd, "ialu", 1)
	f.node(b, mach.OpAdd, "ialu", 2)
	iff := f.node(b, mach.OpIf, "branch", mach.BadReg, cmp)
	b.AddSucc(next, mach.Edge{})
	b.AddSucc(next, mach.Edge{})
	f.node(next, mach.OpReturn, "ret", mach.BadReg)

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	checkOrder(t, b)
	if got := indexOf(b, cmp); got != indexOf(b, iff)-1 {
		t.Errorf("Expected compare right before branch, got compare at %d branch at %d", got, indexOf(b, iff))
	}
}

// TestAntiDependencePinch 多个使用和多个杀死之间插入钳点
func TestAntiDependencePinch(t *testing.T) {
	f := newFixture(false)
	b := f.g.NewBlock()
	def := f.node(b, mach.OpLoad, "load", 1)
	u1 := f.node(b, mach.OpAdd, "ialu", 2, def)
	u2 := f.node(b, mach.OpAdd, "ialu", 3, def)
	k1 := f.node(b, mach.OpMove, "ialu", 1)
	k2 := f.node(b, mach.OpMove, "ialu", 1)
	f.node(b, mach.OpReturn, "ret", mach.BadReg, u1, u2)

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	checkOrder(t, b)

	if s.PinchAllocated() != 1 {
		t.Errorf("Expected 1 pinch node, got %d", s.PinchAllocated())
	}
	pinches := 0
	for _, n := range b.Nodes {
		if n.IsPinch() {
			pinches++
		}
	}
	if pinches != 1 {
		t.Errorf("Expected the pinch to be placed in the block, found %d", pinches)
	}
	for _, u := range []*mach.Node{u1, u2} {
		for _, k := range []*mach.Node{k1, k2} {
			if indexOf(b, u) > indexOf(b, k) {
				t.Errorf("use %v scheduled after kill %v", u, k)
			}
		}
	}
}

// TestPinchGarbageCollection 未使用的钳点被回收并在后续块中复用
func TestPinchGarbageCollection(t *testing.T) {
	f := newFixture(false)
	b0 := f.g.NewBlock()
	b1 := f.g.NewBlock()

	calls := func(b *mach.Block) (*mach.Node, *mach.Node) {
		c1 := f.node(b, mach.OpCall, "call", mach.BadReg)
		c1.Call = &mach.CallInfo{Entry: "leaf", RetAddrOffset: 4}
		p1 := f.g.NewNode(mach.OpProj)
		p1.AddReq(c1)
		p1.FatProj = true
		p1.Kills = []mach.Reg{5, 6, 7}
		f.g.Append(b, p1)

		c2 := f.node(b, mach.OpCall, "call", mach.BadReg, c1)
		c2.Call = &mach.CallInfo{Entry: "leaf", RetAddrOffset: 4}
		p2 := f.g.NewNode(mach.OpProj)
		p2.AddReq(c2)
		p2.FatProj = true
		p2.Kills = []mach.Reg{5, 6, 7}
		f.g.Append(b, p2)
		return c1, c2
	}

	c1, c2 := calls(b0)
	f.node(b0, mach.OpGoto, "branch", mach.BadReg)
	b0.AddSucc(b1, mach.Edge{})
	d1, d2 := calls(b1)
	f.node(b1, mach.OpReturn, "ret", mach.BadReg)

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	if s.PinchAllocated() != 3 {
		t.Errorf("Expected 3 pinch nodes allocated once and reused, got %d", s.PinchAllocated())
	}
	if len(s.pinchFreeList) != 3 {
		t.Errorf("Expected 3 pinch nodes on the free list, got %d", len(s.pinchFreeList))
	}
	for _, b := range []*mach.Block{b0, b1} {
		checkOrder(t, b)
		for _, n := range b.Nodes {
			if n.IsPinch() {
				t.Errorf("block %d: unused pinch %v left in block", b.ID, n)
			}
		}
	}
	for _, c := range []*mach.Node{c1, c2, d1, d2} {
		if c.Len() != c.Req() {
			t.Errorf("call %v keeps %d stale precedence edges", c, c.Len()-c.Req())
		}
	}
}

// TestTooManyPinchPoints 钳点编号超出上限时放弃编译
func TestTooManyPinchPoints(t *testing.T) {
	f := newFixture(false)
	b := f.g.NewBlock()
	def := f.node(b, mach.OpLoad, "load", 1)
	u := f.node(b, mach.OpAdd, "ialu", 2, def)
	f.node(b, mach.OpMove, "ialu", 1)
	f.node(b, mach.OpMove, "ialu", 1)
	f.node(b, mach.OpReturn, "ret", mach.BadReg, u)

	// 调度器自己的 nop 占用下一个编号，第一个钳点就会越界
	f.ra.MaxNodes = f.g.NumNodes() + 1
	s := f.scheduler(Options{})
	err := s.DoScheduling()
	if !errors.Is(err, ErrTooManyPinchPoints) {
		t.Fatalf("Expected ErrTooManyPinchPoints, got %v", err)
	}
}

// TestDelaySlotFill 分支延迟槽由独立指令填充
func TestDelaySlotFill(t *testing.T) {
	f := newFixture(true)
	b := f.g.NewBlock()
	next := f.g.NewBlock()
	far := f.g.NewBlock()
	a := f.node(b, mach.OpAdd, "ialu", 1)
	d := f.node(b, mach.OpAdd, "ialu", 2)
	br := f.node(b, mach.OpGoto, "branch", mach.BadReg)
	b.AddSucc(far, mach.Edge{})
	f.node(next, mach.OpReturn, "ret", mach.BadReg)
	f.node(far, mach.OpReturn, "ret", mach.BadReg)

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	if b.End() != br {
		t.Fatalf("Expected branch to stay last, got %v", b.End())
	}

	bt := s.Bundling()
	if !bt.Get(br.ID).UseUnconditionalDelay() {
		t.Error("branch should use its delay slot")
	}
	if !bt.Get(d.ID).UsedInUnconditionalDelay() {
		t.Error("instruction nearest the branch should sit in the delay slot")
	}
	if bt.Get(a.ID).UsedInUnconditionalDelay() {
		t.Error("only one instruction can fill the delay slot")
	}
	st := s.Stats()
	if st.UnconditionalDelays != 1 {
		t.Errorf("Expected 1 filled delay slot, got %d (branches %d)", st.UnconditionalDelays, st.Branches)
	}
}

// TestBranchLastWhenPipelineCarriesOver 后继块的流水线状态延续过来、分支单元已被占用时，
// 块尾分支仍然排在最后并填充延迟槽
func TestBranchLastWhenPipelineCarriesOver(t *testing.T) {
	f := newFixture(true)
	b := f.g.NewBlock()
	next := f.g.NewBlock()
	a := f.node(b, mach.OpAdd, "ialu", 1)
	d := f.node(b, mach.OpAdd, "ialu", 2)
	br := f.node(b, mach.OpGoto, "branch", mach.BadReg)
	b.AddSucc(next, mach.Edge{})
	f.node(next, mach.OpReturn, "ret", mach.BadReg)

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	if b.End() != br {
		t.Fatalf("Expected branch to stay last, got %v", b.Nodes)
	}
	if indexOf(b, a) < 0 || indexOf(b, d) < 0 {
		t.Fatalf("Both adds should remain in the block, got %v", b.Nodes)
	}
	if st := s.Stats(); st.UnconditionalDelays != 1 {
		t.Errorf("Expected 1 filled delay slot, got %d", st.UnconditionalDelays)
	}
}

// TestCallStaysInPlace 以 Catch 结尾的块中调用不参与调度
func TestCallStaysInPlace(t *testing.T) {
	f := newFixture(false)
	b := f.g.NewBlock()
	handler := f.g.NewBlock()
	cont := f.g.NewBlock()

	x := f.node(b, mach.OpAdd, "ialu", 1)
	y := f.node(b, mach.OpAdd, "ialu", 2)
	call := f.node(b, mach.OpCall, "call", mach.BadReg, x, y)
	call.Call = &mach.CallInfo{Entry: "java", RetAddrOffset: 4, Safepoint: true}
	proj := f.g.NewNode(mach.OpProj)
	proj.AddReq(call)
	f.g.Append(b, proj)
	catch := f.g.NewNode(mach.OpCatch)
	catch.AddReq(proj)
	f.g.Append(b, catch)
	b.AddSucc(cont, mach.Edge{Kind: mach.EdgeCatch, FallThrough: true})
	b.AddSucc(handler, mach.Edge{Kind: mach.EdgeCatch, HandlerBCI: 7})
	f.node(cont, mach.OpReturn, "ret", mach.BadReg)
	f.node(handler, mach.OpReturn, "ret", mach.BadReg)

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	if indexOf(b, call) != 2 || indexOf(b, proj) != 3 || indexOf(b, catch) != 4 {
		t.Errorf("call tail moved: %v", b.Nodes)
	}
	checkOrder(t, b)
}

// TestVerifyGoodSchedule 校验器能发现越过杀死的使用
func TestVerifyGoodSchedule(t *testing.T) {
	f := newFixture(false)
	b := f.g.NewBlock()
	def := f.node(b, mach.OpLoad, "load", 1)
	f.node(b, mach.OpMove, "ialu", 1)
	use := f.node(b, mach.OpAdd, "ialu", 2, def)
	f.node(b, mach.OpReturn, "ret", mach.BadReg, use)

	s := New(f.g, f.ra, f.model, Options{})
	err := s.VerifyGoodSchedule(b, "test")
	if !errors.Is(err, ErrBadSchedule) {
		t.Fatalf("Expected ErrBadSchedule, got %v", err)
	}

	// 交换杀死与使用后合法
	b.Nodes[1], b.Nodes[2] = b.Nodes[2], b.Nodes[1]
	if err := s.VerifyGoodSchedule(b, "test"); err != nil {
		t.Errorf("Expected valid schedule, got %v", err)
	}
}

// TestDependencyChainKeepsOrder 纯依赖链没有重排余地
func TestDependencyChainKeepsOrder(t *testing.T) {
	f := newFixture(false)
	b := f.g.NewBlock()
	load := f.node(b, mach.OpLoad, "load", 1)
	add := f.node(b, mach.OpAdd, "ialu", 3, load)
	store := f.node(b, mach.OpStore, "load", mach.BadReg, add)
	ret := f.node(b, mach.OpReturn, "ret", mach.BadReg)
	want := []*mach.Node{load, add, store, ret}

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	if len(b.Nodes) != len(want) {
		t.Fatalf("Expected %d nodes, got %d", len(want), len(b.Nodes))
	}
	for i, n := range want {
		if b.Nodes[i] != n {
			t.Errorf("position %d: expected %v, got %v", i, n, b.Nodes[i])
		}
	}
}

// TestNoDelaySlotWithoutDelayedBranches 没有延迟槽的目标机不会把独立指令绑到调用后
func TestNoDelaySlotWithoutDelayedBranches(t *testing.T) {
	f := newFixture(false)
	b := f.g.NewBlock()
	x := f.node(b, mach.OpAdd, "ialu", 4)
	call := f.node(b, mach.OpCall, "call", mach.BadReg)
	call.Call = &mach.CallInfo{Entry: "leaf", RetAddrOffset: 5}
	ret := f.node(b, mach.OpReturn, "ret", mach.BadReg, x)

	s := f.scheduler(Options{})
	if err := s.DoScheduling(); err != nil {
		t.Fatalf("DoScheduling failed: %v", err)
	}
	if len(b.Nodes) != 3 || b.End() != ret {
		t.Fatalf("unexpected schedule %v", b.Nodes)
	}
	if s.Stats().UnconditionalDelays != 0 {
		t.Errorf("Expected no filled delay slots, got %d", s.Stats().UnconditionalDelays)
	}
	for _, n := range []*mach.Node{x, call} {
		bd := s.Bundling().Get(n.ID)
		if bd.UsedInUnconditionalDelay() || bd.UseUnconditionalDelay() {
			t.Errorf("%v must not take part in a delay slot", n)
		}
	}
}
