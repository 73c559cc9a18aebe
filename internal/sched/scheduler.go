// scheduler.go - 块内指令调度与打包
//
// 本文件实现了按块逆序进行的自底向上表调度。
// 主要流程（每个块）：
// 1. 确定可调度区间 [bbStart, bbEnd)：跳过块头的伪指令，块尾的调用/空检查留在原位
// 2. 插入寄存器反依赖边（antidep.go）
// 3. 前向计算块内延迟，统计块内使用次数
// 4. 反复从可用表中挑选节点放入当前发射包，直到可用表为空
// 5. 把调度结果逆序写回块中
//
// 调度结果中的发射包信息保存在以节点编号为下标的侧表中，供代码发射阶段读取。

package sched

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/nova-backend/internal/mach"
	"github.com/tangzhangming/nova-backend/internal/pipeline"
)

// ErrTooManyPinchPoints 钳点编号超出寄存器分配结果的容量
var ErrTooManyPinchPoints = errors.New("too many D-U pinch points")

// ErrBadSchedule 调度结果与块内容不一致
var ErrBadSchedule = errors.New("bad schedule")

// Options 调度选项
type Options struct {
	Verify bool        // 调度前后校验寄存器活跃性
	Trace  bool        // 以 Debug 级别输出调度过程
	Nop    mach.Inst   // 目标机的单条 nop
	Log    *zap.Logger // 为 nil 时不输出
}

// Stats 单次编译的调度统计
type Stats struct {
	Branches            int
	UnconditionalDelays int
	// InstructionsPerBundle[i] 含 i 条指令的发射包数量
	InstructionsPerBundle []int
}

// Scheduler 调度器状态（单次编译独占）
type Scheduler struct {
	cfg   *mach.CFG
	ra    mach.RegAlloc
	model *pipeline.Model
	opts  Options
	log   *zap.Logger

	bundling *pipeline.Bundling
	nop      *mach.Node

	// 以节点编号为下标的侧表
	nodeLatency    []int
	uses           []int
	currentLatency []int

	// 寄存器到最近的定义/杀死/钳点
	regNode        []*mach.Node
	pinchFreeList  []*mach.Node
	pinchAllocated int

	bundleInstrCount       int
	bundleCycleNumber      int
	bundleUse              pipeline.Use
	scheduled              []*mach.Node
	available              []*mach.Node
	nextNode               *mach.Node
	unconditionalDelaySlot *mach.Node

	bbStart, bbEnd int

	stats Stats
	err   error
}

// New 创建调度器
func New(cfg *mach.CFG, ra mach.RegAlloc, model *pipeline.Model, opts Options) *Scheduler {
	s := &Scheduler{
		cfg:   cfg,
		ra:    ra,
		model: model,
		opts:  opts,
		log:   opts.Log,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	s.nop = cfg.NewNode(mach.OpNop)
	s.nop.Mach = true
	s.nop.Class = model.NopClass
	s.nop.Inst = opts.Nop

	// 之后创建的节点（钳点、补齐 nop）没有有效的发射包信息
	limit := cfg.NumNodes()
	s.bundling = pipeline.NewBundling(limit)
	s.nodeLatency = make([]int, limit)
	s.uses = make([]int, limit)
	s.currentLatency = make([]int, limit)
	s.regNode = make([]*mach.Node, ra.NumRegs())

	s.stats.InstructionsPerBundle = make([]int, model.MaxInstrsPerCycle+1)

	s.nextNode = s.nop
	for i := len(cfg.Blocks) - 1; i >= 0; i-- {
		if end := cfg.Blocks[i].End(); end != nil {
			s.nextNode = end
			break
		}
	}
	return s
}

// Bundling 发射包侧表
func (s *Scheduler) Bundling() *pipeline.Bundling { return s.bundling }

// Stats 调度统计
func (s *Scheduler) Stats() Stats { return s.stats }

// Err 调度过程中记录的失败
func (s *Scheduler) Err() error { return s.err }

// Latency 节点的块内前向延迟
func (s *Scheduler) Latency(n *mach.Node) int {
	if n.ID < len(s.nodeLatency) {
		return s.nodeLatency[n.ID]
	}
	return 0
}

// ============================================================================
// 侧表访问
// ============================================================================

func grow(tab []int, id int) []int {
	if id < len(tab) {
		return tab
	}
	g := make([]int, id+1+len(tab)/2)
	copy(g, tab)
	return g
}

func (s *Scheduler) ensure(n *mach.Node) {
	if n.ID >= len(s.uses) {
		s.nodeLatency = grow(s.nodeLatency, n.ID)
		s.uses = grow(s.uses, n.ID)
		s.currentLatency = grow(s.currentLatency, n.ID)
	}
}

func (s *Scheduler) classOf(n *mach.Node) *pipeline.Class {
	if n.Class != nil {
		return n.Class
	}
	return s.model.Default
}

func (s *Scheduler) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// ============================================================================
// 发射包推进
// ============================================================================

// step 前进 i 个周期，由 nextNode 开启新的发射包
func (s *Scheduler) step(i int) {
	b := s.bundling.At(s.nextNode.ID)
	b.SetStartsBundle()

	if s.bundleInstrCount > 0 {
		b.InstrCount = s.bundleInstrCount
		b.ResourcesUsed = s.bundleUse.ResourcesUsed()
		s.countBundle()
	}

	s.bundleInstrCount = 0
	s.bundleCycleNumber += i
	s.bundleUse.Step(i)
}

func (s *Scheduler) countBundle() {
	if s.bundleInstrCount < len(s.stats.InstructionsPerBundle) {
		s.stats.InstructionsPerBundle[s.bundleInstrCount]++
	}
}

// stepAndClear 块边界处结束当前发射包并清空功能单元占用
func (s *Scheduler) stepAndClear() {
	b := s.bundling.At(s.nextNode.ID)
	b.SetStartsBundle()

	if s.bundleInstrCount > 0 {
		b.InstrCount = s.bundleInstrCount
		b.ResourcesUsed = s.bundleUse.ResourcesUsed()
		s.countBundle()
		s.bundleCycleNumber++
	}

	s.bundleInstrCount = 0
	s.bundleUse.Reset()
}

// ============================================================================
// 调度主流程
// ============================================================================

// DoScheduling 逆序调度所有块
func (s *Scheduler) DoScheduling() error {
	blocks := s.cfg.Blocks
	var succ *mach.Block
	for i := len(blocks) - 1; i >= 0; succ, i = blocks[i], i-1 {
		bb := blocks[i]
		if bb.Connector || len(bb.Nodes) == 0 {
			continue
		}

		// 后一个块不是唯一后继时，流水线状态不能延续
		if len(bb.Succs) != 1 || bb.NonConnectorSuccessor(0) != succ {
			if s.opts.Trace {
				s.log.Debug("bundle start of next block",
					zap.Int("block", bb.ID),
					zap.Stringer("node", s.nextNode),
					zap.Int("instrs", s.bundleInstrCount))
			}
			s.stepAndClear()
		}

		s.findSchedulableRange(bb)
		if s.bbStart > s.bbEnd {
			return fmt.Errorf("%w: block %d has inverted ends [%d,%d)", ErrBadSchedule, bb.ID, s.bbStart, s.bbEnd)
		}

		if s.opts.Verify {
			if err := s.VerifyGoodSchedule(bb, "before block local scheduling"); err != nil {
				return err
			}
		}

		s.computeRegisterAntidependencies(bb)
		if s.err != nil {
			return s.err
		}

		s.computeLocalLatenciesForward(bb)
		s.computeUseCount(bb)

		for len(s.available) > 0 {
			n := s.chooseNodeToBundle(bb)
			s.addNodeToBundle(n, bb)
		}

		if len(s.scheduled) != s.bbEnd-s.bbStart {
			return fmt.Errorf("%w: block %d scheduled %d of %d instructions",
				ErrBadSchedule, bb.ID, len(s.scheduled), s.bbEnd-s.bbStart)
		}
		if s.opts.Verify {
			if err := s.checkAllScheduled(bb); err != nil {
				return err
			}
		}

		for k := s.bbStart; k < s.bbEnd; k++ {
			bb.Nodes[k] = s.scheduled[s.bbEnd-k-1]
		}

		if s.opts.Trace {
			s.traceBlock(bb)
		}
		if s.opts.Verify {
			if err := s.VerifyGoodSchedule(bb, "after block local scheduling"); err != nil {
				return err
			}
		}
	}
	return nil
}

// findSchedulableRange 计算 bbStart 和 bbEnd
func (s *Scheduler) findSchedulableRange(bb *mach.Block) {
	s.bbEnd = len(bb.Nodes) - 1
	for s.bbStart = 0; s.bbStart <= s.bbEnd; s.bbStart++ {
		n := bb.Nodes[s.bbStart]
		if !n.Mach {
			continue
		}
		if n.Op == mach.OpCreateEx || n.Op == mach.OpCon {
			continue
		}
		// 序言、断点等没有流水线类别的伪指令
		if s.classOf(n) == s.model.Default && n.Op != mach.OpSpillCopy {
			continue
		}
		break
	}

	last := bb.Nodes[s.bbEnd]
	switch {
	case last.IsCatch() || (last.Mach && last.Op == mach.OpHalt):
		// 之前一定有调用，调用及其投影保持原位
		for s.bbEnd > 0 {
			s.bbEnd--
			if bb.Nodes[s.bbEnd].IsCall() {
				break
			}
		}
	case last.IsNullCheck():
		// 被检查的访存指令留在可调度区间之外
		mem := last.In(0)
		for s.bbEnd > 0 {
			s.bbEnd--
			if bb.Nodes[s.bbEnd] == mem {
				break
			}
		}
	default:
		s.bbEnd++
	}
}

// computeLocalLatenciesForward 前向计算块内延迟
// 所有延迟从 1 起算，0 留给必须排在块首的指令
func (s *Scheduler) computeLocalLatenciesForward(bb *mach.Block) {
	for j := s.bbStart; j < s.bbEnd; j++ {
		use := bb.Nodes[j]
		s.ensure(use)
		latency := 1
		for k := 0; k < use.Len(); k++ {
			def := use.In(k)
			if def == nil {
				continue
			}
			s.ensure(def)
			if l := s.nodeLatency[def.ID] + use.Latency(k); latency < l {
				latency = l
			}
		}
		s.nodeLatency[use.ID] = latency
		if s.opts.Trace {
			s.log.Debug("latency", zap.Stringer("node", use), zap.Int("latency", latency))
		}
	}
}

// computeUseCount 统计块内使用次数，并把没有块内使用者的节点放入可用表
func (s *Scheduler) computeUseCount(bb *mach.Block) {
	s.available = s.available[:0]
	s.scheduled = s.scheduled[:0]
	s.unconditionalDelaySlot = nil

	for _, n := range bb.Nodes {
		s.ensure(n)
	}
	// 区间外的节点永远不会被调度
	for k := 0; k < s.bbStart; k++ {
		s.uses[bb.Nodes[k].ID] = 1
	}
	for k := s.bbEnd; k < len(bb.Nodes); k++ {
		s.uses[bb.Nodes[k].ID] = 1
	}

	for j := s.bbEnd - 1; j >= s.bbStart; j-- {
		n := bb.Nodes[j]
		if n.IsProj() {
			continue
		}
		for k := 0; k < n.Len(); k++ {
			inp := n.In(k)
			if inp == nil || inp.Block != bb {
				continue
			}
			if inp.IsProj() {
				inp = inp.In(0)
			}
			s.ensure(inp)
			s.uses[inp.ID]++
		}
		if s.uses[n.ID] == 0 {
			s.currentLatency[n.ID] = s.bundleCycleNumber
			s.addNodeToAvailableList(n)
		}
	}
}

// nodeFitsInBundle 节点能否放进当前发射包
func (s *Scheduler) nodeFitsInBundle(n *mach.Node) bool {
	if n == s.unconditionalDelaySlot {
		return true
	}
	s.ensure(n)
	if s.currentLatency[n.ID] > s.bundleCycleNumber {
		return false
	}

	c := s.classOf(n)
	instructionCount := c.InstructionCount
	if c.MayHaveNoCode && n.Size(s.ra) == 0 {
		instructionCount = 0
	} else if c.BranchDelay && s.unconditionalDelaySlot == nil {
		instructionCount++
	}

	if s.bundleInstrCount+instructionCount > s.model.MaxInstrsPerCycle {
		return false
	}
	if !n.Mach && instructionCount == 0 {
		return false
	}
	return s.bundleUse.FullLatency(0, c) == 0
}

// chooseNodeToBundle 挑选下一个要放入发射包的节点
// 块尾节点在可调度区间内时永远最先选出，逆序之后它排在块的最后
func (s *Scheduler) chooseNodeToBundle(bb *mach.Block) *mach.Node {
	if len(s.available) == 1 {
		return s.available[0]
	}
	if len(s.scheduled) == 0 && s.bbEnd == len(bb.Nodes) {
		end := bb.End()
		for _, n := range s.available {
			if n == end {
				return n
			}
		}
	}
	if s.bundleInstrCount < s.model.MaxInstrsPerCycle {
		for _, n := range s.available {
			if n.IsProj() {
				continue
			}
			// 可用表按合法顺序排列，第一个能放下的就是答案
			if s.nodeFitsInBundle(n) {
				return n
			}
		}
	}
	return s.available[0]
}

// addNodeToAvailableList 按当前延迟插入可用表
func (s *Scheduler) addNodeToAvailableList(n *mach.Node) {
	latency := s.currentLatency[n.ID]

	i := 0
	for ; i < len(s.available); i++ {
		if s.currentLatency[s.available[i].ID] > latency {
			break
		}
	}

	// 紧挨条件分支的比较指令排到同延迟节点的最前面
	if n.Mach && len(s.scheduled) > 0 && n.Op.IsCompare() {
		last := s.scheduled[0]
		if last.Mach && last.Op == mach.OpIf && last.Req() > 0 && last.In(0) == n {
			for i = 0; i < len(s.available); i++ {
				if s.currentLatency[s.available[i].ID] >= latency {
					break
				}
			}
		}
	}

	s.available = append(s.available, nil)
	copy(s.available[i+1:], s.available[i:])
	s.available[i] = n
}

// decrementUseCounts 节点被调度后，递减其输入的使用次数
func (s *Scheduler) decrementUseCounts(n *mach.Node, bb *mach.Block) {
	for i := 0; i < n.Len(); i++ {
		def := n.In(i)
		if def == nil {
			continue
		}
		if def.IsProj() {
			def = def.In(0)
		}
		if def.Block != bb {
			continue
		}
		s.ensure(def)
		if l := s.bundleCycleNumber + n.Latency(i); s.currentLatency[def.ID] < l {
			s.currentLatency[def.ID] = l
		}
		s.uses[def.ID]--
		if s.uses[def.ID] == 0 {
			s.addNodeToAvailableList(def)
		}
	}
}

// addNodeToBundle 把节点放入当前（或新的）发射包
func (s *Scheduler) addNodeToBundle(n *mach.Node, bb *mach.Block) {
	for i, a := range s.available {
		if a == n {
			s.available = append(s.available[:i], s.available[i+1:]...)
			break
		}
	}

	c := s.classOf(n)

	// 延迟槽在分支之后执行，所以要在调度分支之前决定填什么
	if s.model.BranchHasDelaySlot && c.BranchDelay && s.unconditionalDelaySlot == nil {
		if n.Mach && n.IsBranch() {
			s.stats.Branches++
			s.fillDelaySlot(n)
		}

		if s.unconditionalDelaySlot == nil {
			if !s.nodeFitsInBundle(s.nop) {
				s.step(1)
			}
			s.bundleUse.AddUsage(s.nop.Class)
			s.nextNode = s.nop
			s.bundleInstrCount++
		}

		if !s.nodeFitsInBundle(n) {
			s.bundleInstrCount = 0
			s.bundleCycleNumber++
			s.bundleUse.Step(1)
		}
	}

	instructionCount := c.InstructionCount
	if c.MayHaveNoCode && n.Size(s.ra) == 0 {
		instructionCount = 0
	}

	delay := 0
	if instructionCount > 0 || !c.MayHaveNoCode {
		relative := s.currentLatency[n.ID] - s.bundleCycleNumber
		if relative < 0 {
			relative = 0
		}
		delay = s.bundleUse.FullLatency(relative, c)
		if delay > 0 {
			s.step(delay)
		}
	}

	if n != s.unconditionalDelaySlot {
		if delay == 0 {
			if c.MultipleBundles {
				s.step(1)
			} else if instructionCount+s.bundleInstrCount > s.model.MaxInstrsPerCycle {
				s.step(1)
			}
		}

		if c.BranchDelay && s.unconditionalDelaySlot == nil {
			s.bundleInstrCount++
		}

		s.currentLatency[n.ID] = s.bundleCycleNumber

		if instructionCount > 0 || !c.MayHaveNoCode {
			s.bundleUse.AddUsage(c)
		}
		s.bundleInstrCount += instructionCount

		if n.Mach {
			s.nextNode = n
		}
	}

	// 只在调试信息中出现、未分配槽位的 BoxLock 不放回块中
	if (n.IsPinch() && n.Pinch.Placed) ||
		(n.Op != mach.OpNode && (s.ra.RegFirst(n).Valid() || n.Op != mach.OpBoxLock)) {
		if bb.End() != n {
			for _, out := range n.Outs() {
				if out.IsProj() && out.Block == bb {
					s.scheduled = append(s.scheduled, out)
				}
			}
		}
		s.scheduled = append(s.scheduled, n)
	}

	s.decrementUseCounts(n, bb)
}

// fillDelaySlot 为分支 n 寻找可以放进无条件延迟槽的指令
func (s *Scheduler) fillDelaySlot(n *mach.Node) {
	for _, d := range s.available {
		dc := s.classOf(d)
		// 安全点不能放在分支阴影里
		if dc.InstructionCount != 1 || dc.MultipleBundles || dc.BranchDelay {
			continue
		}
		if !s.model.InstrHasUnitSize() || d.Size(s.ra) != s.model.InstrUnitSize {
			continue
		}
		if !s.nodeFitsInBundle(d) || s.bundling.At(d.ID).UsedInDelay() {
			continue
		}
		if !d.Mach || d.IsSafePoint() {
			continue
		}

		s.unconditionalDelaySlot = d
		s.bundling.At(n.ID).SetUseUnconditionalDelay()
		s.bundling.At(d.ID).SetUsedInUnconditionalDelay()
		s.bundleUse.AddUsage(dc)
		s.currentLatency[d.ID] = s.bundleCycleNumber
		s.nextNode = d
		s.bundleInstrCount++
		s.stats.UnconditionalDelays++
		return
	}
}

// checkAllScheduled 区间内每个节点都出现在调度结果中
func (s *Scheduler) checkAllScheduled(bb *mach.Block) error {
	in := make(map[*mach.Node]bool, len(s.scheduled))
	for _, n := range s.scheduled {
		in[n] = true
	}
	for k := s.bbStart; k < s.bbEnd; k++ {
		if !in[bb.Nodes[k]] {
			return fmt.Errorf("%w: block %d: instruction %v missing in schedule", ErrBadSchedule, bb.ID, bb.Nodes[k])
		}
	}
	return nil
}

func (s *Scheduler) traceBlock(bb *mach.Block) {
	for _, n := range bb.Nodes {
		if !s.bundling.Valid(n.ID) {
			continue
		}
		b := s.bundling.Get(n.ID)
		s.log.Debug("scheduled",
			zap.Int("block", bb.ID),
			zap.Stringer("node", n),
			zap.Bool("starts_bundle", b.StartsBundle()),
			zap.Int("instr_count", b.InstrCount),
			zap.Int("cycle", s.currentLatency[n.ID]))
	}
}
