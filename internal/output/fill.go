// fill.go - 逐条发射指令
//
// FillBuffer 是发射阶段的主循环。每条指令发射前：
// - 调度结果要求时结束当前发射包；安全点、调用和有对齐要求的指令总是开启新包
// - 补齐对齐所需的 nop；紧跟在调用返回地址处的轮询前额外插入一个 nop，
//   使两张以偏移为键的表不会冲突
// 发射后记录安全点、隐式空检查的起点和分支目标，有延迟槽的分支随后发射槽内指令。

package output

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/exctable"
	"github.com/tangzhangming/nova-backend/internal/mach"
)

// stressCapacity StressCodeBuffers 打开时各区段的初始容量
const stressCapacity = 0x10

// FillBuffer 发射全部块
func (c *Compile) FillBuffer() {
	if c.Failing() {
		return
	}

	blocks := c.cfg.Blocks
	nblocks := len(blocks)

	codeReq := initialCodeCapacity
	locsReq := initialLocsCapacity
	stubReq := initialStubCapacity
	constReq := initialConstCapacity

	c.cb = codebuf.New(c.name, c.cache, c.target.ByteOrder())
	c.labels = make([]*codebuf.Label, nblocks+1)
	for i := range c.labels {
		c.labels[i] = c.cb.NewLabel()
	}
	for i, b := range blocks {
		b.Label = c.labels[i]
	}

	// 支持不同长度分支位移的目标机先确定块的长度
	if c.target.IsShortBranchOffset(0) {
		sz, err := c.ShortenBranches(c.labels)
		if err != nil {
			c.RecordFailure(err)
			return
		}
		if c.Failing() {
			return
		}
		codeReq, locsReq, stubReq, constReq = sz.Code, sz.Relocs, sz.Stubs, sz.Consts
		c.labelsSet = true
	}

	excReq := c.target.SizeExceptionHandler() + MaxStubsSize
	deoptReq := c.target.SizeDeoptHandler() + MaxStubsSize
	stubReq += MaxStubsSize
	codeReq += MaxInstSize
	if c.conf.StressCodeBuffers {
		codeReq, constReq, stubReq, excReq, deoptReq =
			stressCapacity, stressCapacity, stressCapacity, stressCapacity, stressCapacity
	}
	padReq := c.target.NativeCallSize()
	total := codeReq + padReq + stubReq + excReq + deoptReq + constReq

	c.cb.Initialize(total, locsReq)
	if !c.cb.Blob() {
		c.turnOffCompiler()
		return
	}
	c.cb.InitializeConstsSize(constReq)
	// 两个处理器也放在桩区
	c.cb.InitializeStubsSize(stubReq + excReq + deoptReq)

	if c.conf.PrintAssembly {
		c.nodeOffsets = make(map[int]int, c.cfg.NumNodes())
	}

	callReturns := make([]int, nblocks)
	for i := range callReturns {
		callReturns[i] = -1
	}
	var inctStarts []int

	nopSize := c.target.NopSize()
	requiresBundling := c.model.RequiresBundling
	unit := c.model.InstrUnitSize
	nonSafepoints := &nonSafepointEmitter{c: c}

	previousOffset := 0
	currentOffset := 0
	lastCallOffset := -1
	var delaySlot *mach.Node

	for i, b := range blocks {
		// 可能由跳转而不是顺序执行到达的块需要开启新的发射包
		if head := b.Head(); head != nil && requiresBundling && c.startsBundle(head) {
			c.cb.FlushBundle(true)
		}

		if !c.labelsSet {
			c.cb.Bind(c.labels[i])
		} else if pos := c.labels[i].Pos(); pos != c.cb.CodeSize() {
			c.RecordFailure(fmt.Errorf("%w: B%d bound at %d, emitting at %d",
				ErrSizingModel, b.ID, pos, c.cb.CodeSize()))
			return
		}

		for j := 0; j < len(b.Nodes); j++ {
			n := b.Nodes[j]

			if c.bundling.Valid(n.ID) && c.bundling.Get(n.ID).UsedInUnconditionalDelay() {
				delaySlot = n
				continue
			}

			if requiresBundling && c.startsBundle(n) {
				c.cb.FlushBundle(false)
			}

			isMCall := false
			if n.Mach {
				isMCall = n.Op == mach.OpCall
				isSfn := n.IsSafePoint()

				if isSfn || isMCall || n.AlignmentRequired() != 1 {
					c.cb.FlushBundle(true)
					currentOffset = c.cb.CodeSize()
				}

				padding := n.ComputePadding(currentOffset)
				if isSfn && !isMCall && padding == 0 && currentOffset == lastCallOffset {
					padding = nopSize
				}
				if padding > 0 {
					nop := c.newNop(padding / nopSize)
					b.InsertNode(nop, j)
					j++
					c.emit(nop)
					c.cb.FlushBundle(true)
					currentOffset = c.cb.CodeSize()
				}

				if isMCall {
					callReturns[i] = currentOffset + n.RetAddrOffset()
					// 叶子运行时调用不是安全点
					if !n.IsMachCall() {
						isMCall = false
						isSfn = false
					}
				}

				switch {
				case isSfn || isMCall:
					// 运行时桩里的轮询只需要 oop map
					if n.JVMS == nil || (!isMCall && n.JVMS.Method == nil) {
						break
					}
					nonSafepoints.observeSafepoint(n.JVMS, currentOffset)
					if err := c.processSafepoint(n, currentOffset); err != nil {
						c.RecordFailure(err)
						return
					}
				case n.IsNullCheck():
					inctStarts = append(inctStarts, previousOffset)
				case n.IsBranch():
					c.setBranchLabels(b, n)
				case !n.IsProj():
					// 记住前一条指令的起点，空检查之前可能还有一条改标志位的指令
					previousOffset = currentOffset
				}
			}

			if !c.ensureRoom(n) {
				return
			}

			c.emit(n)
			currentOffset = c.cb.CodeSize()
			nonSafepoints.observeInstruction(n, currentOffset)

			if isMCall {
				lastCallOffset = currentOffset
			}

			if c.bundling.Valid(n.ID) && c.bundling.Get(n.ID).UseUnconditionalDelay() {
				if delaySlot == nil {
					c.RecordFailure(fmt.Errorf("%w: branch %v has no delay slot instruction", ErrSizingModel, n))
					return
				}
				// 分支自带的 nop 被槽内指令覆盖
				c.cb.Insts().SetEnd(c.cb.CodeSize() - unit)
				if delaySlot.IsSafePoint() && delaySlot.JVMS != nil &&
					(delaySlot.IsMachCall() || delaySlot.JVMS.Method != nil) {
					adjusted := currentOffset - unit
					nonSafepoints.observeSafepoint(delaySlot.JVMS, adjusted)
					if err := c.processSafepoint(delaySlot, adjusted); err != nil {
						c.RecordFailure(err)
						return
					}
				}
				c.emit(delaySlot)
				delaySlot = nil
			}
		}

		// 下一个块是对齐的循环头时在本块末尾补齐
		if i < nblocks-1 {
			if padding := blocks[i+1].AlignmentPadding(currentOffset, c.conf.MaxLoopPad); padding > 0 {
				nop := c.newNop(padding / nopSize)
				b.InsertNode(nop, len(b.Nodes))
				c.emit(nop)
				currentOffset = c.cb.CodeSize()
			}
		}
	}

	nonSafepoints.flushAtEnd()
	if c.Failing() {
		return
	}

	c.cb.Bind(c.labels[nblocks])
	if nblocks > 1 {
		c.firstBlockSize = c.labels[1].Pos() - c.labels[0].Pos()
	}

	if n := c.cb.Unresolved(); n > 0 {
		c.RecordFailure(fmt.Errorf("%w: %d labels never bound", ErrSizingModel, n))
		return
	}
	if size := c.cb.CodeSize(); size >= c.conf.MaxMethodCodeSize {
		c.RecordFailure(fmt.Errorf("%w: method code size %d exceeds %d",
			ErrMethodTooLarge, size, c.conf.MaxMethodCodeSize))
		return
	}
	c.counters.MethodSize += c.cb.CodeSize()

	c.implicit = exctable.NewImplicitTable(len(inctStarts))
	c.FillExceptionTables(callReturns, inctStarts)
	if c.Failing() {
		return
	}

	// 运行时桩没有异常处理器和反优化处理器
	if c.method != nil {
		if !c.cb.MaybeExpandToEnsureRemaining(codebuf.SectStubs, c.target.SizeExceptionHandler()) {
			c.turnOffCompiler()
			return
		}
		c.excOffset = c.target.EmitExceptionHandler(c.cb)
		if !c.cb.MaybeExpandToEnsureRemaining(codebuf.SectStubs, c.target.SizeDeoptHandler()) {
			c.turnOffCompiler()
			return
		}
		c.deoptOffset = c.target.EmitDeoptHandler(c.cb)
	}

	if !c.cb.Blob() {
		c.turnOffCompiler()
		return
	}

	c.log.Debug("method emitted",
		zap.String("method", c.name),
		zap.Int("code_size", c.cb.CodeSize()),
		zap.Int("stubs_size", c.cb.Stubs().Size()),
		zap.Int("expansions", c.cb.Expansions()))
}

// emit 发射单个节点
func (c *Compile) emit(n *mach.Node) {
	if c.nodeOffsets != nil {
		c.nodeOffsets[n.ID] = c.cb.CodeSize()
	}
	if n.Inst == nil {
		return
	}
	n.Inst.Emit(c.cb, n, c.ra)
	if n.Op == mach.OpNop {
		c.counters.NopSize += n.Size(c.ra)
	}
}

// ensureRoom 发射前保证各区段有足够余量，缓存拒绝扩容时放弃编译
func (c *Compile) ensureRoom(n *mach.Node) bool {
	ok := c.cb.MaybeExpandToEnsureRemaining(codebuf.SectInsts, MaxInstSize)
	if ok && n.Op == mach.OpCall && n.Call != nil && n.Call.JavaCall {
		ok = c.cb.MaybeExpandToEnsureRemaining(codebuf.SectStubs, c.target.SizeJavaToInterp())
	}
	if cs := n.ConstSize(); ok && cs > 0 {
		ok = c.cb.MaybeExpandToEnsureRemaining(codebuf.SectConsts, cs)
	}
	if !ok || !c.cb.Blob() {
		c.turnOffCompiler()
		return false
	}
	return true
}

// setBranchLabels 把分支目标设置为后继块的标签
// 普通分支的跳转目标必须是 0 号后继，多路跳转按分支编号设置
func (c *Compile) setBranchLabels(b *mach.Block, n *mach.Node) {
	if n.Op != mach.OpJump {
		if len(b.Succs) > 0 {
			n.Label = c.labels[b.NonConnectorSuccessor(0).ID]
		}
		return
	}
	n.CaseLabels = n.CaseLabels[:0]
	for h, s := range b.Succs {
		e := b.Edge(h)
		if e.Kind != mach.EdgeCase {
			continue
		}
		for len(n.CaseLabels) <= e.Case {
			n.CaseLabels = append(n.CaseLabels, nil)
		}
		n.CaseLabels[e.Case] = c.labels[s.NonConnector().ID]
	}
}

// ============================================================================
// 异常表
// ============================================================================

// lastInstruction 块中最后一条真正的指令
// 跳过块尾的机器常量和循环头对齐时追加的补齐 nop
func lastInstruction(b *mach.Block) *mach.Node {
	for j := len(b.Nodes) - 1; j >= 0; j-- {
		n := b.Nodes[j]
		if !n.Mach || (n.Op != mach.OpCon && n.Op != mach.OpNop) {
			return n
		}
	}
	return nil
}

// FillExceptionTables 根据块尾的 Catch 和空检查填写异常处理表与隐式空检查表
func (c *Compile) FillExceptionTables(callReturns, inctStarts []int) {
	k := 0
	for i, b := range c.cfg.Blocks {
		n := lastInstruction(b)
		if n == nil {
			continue
		}

		if n.IsCatch() {
			callReturn := callReturns[i]
			if callReturn < 0 {
				c.RecordFailure(fmt.Errorf("%w: catch in B%d without a call", ErrDebugInfo, b.ID))
				return
			}
			var bcis, pcos []int
			for h, s := range b.Succs {
				e := b.Edge(h)
				if e.Kind != mach.EdgeCatch || e.FallThrough {
					continue
				}
				bcis = append(bcis, e.HandlerBCI)
				pcos = append(pcos, c.labels[s.NonConnector().ID].Pos())
			}
			if err := c.handlers.AddSubtable(callReturn, bcis, pcos); err != nil {
				c.RecordFailure(fmt.Errorf("%w: %v", ErrDebugInfo, err))
				return
			}
			continue
		}

		if n.IsNullCheck() {
			if k >= len(inctStarts) || len(b.Succs) == 0 {
				c.RecordFailure(fmt.Errorf("%w: null check in B%d was not emitted", ErrDebugInfo, b.ID))
				return
			}
			cont := c.labels[b.NonConnectorSuccessor(0).ID].Pos()
			if err := c.implicit.Append(inctStarts[k], cont); err != nil {
				c.RecordFailure(fmt.Errorf("%w: %v", ErrDebugInfo, err))
				return
			}
			k++
		}
	}
}
