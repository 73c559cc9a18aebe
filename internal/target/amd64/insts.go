// insts.go - x86-64 机器指令
//
// 每个机器节点持有自己的 Inst。Inst 记住所属节点，
// 因此 Size 可以按节点实际分配到的寄存器计算（REX 前缀、位移长度都与寄存器有关）。

package amd64

import (
	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
)

// encoder 编码函数；只计算大小时 cb 为 nil，不能写入其它区段
type encoder func(a *asm, cb *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc)

// Inst x86-64 指令
type Inst struct {
	name   string
	class  string
	node   *mach.Node
	encode encoder

	relocs int
	consts int
	align  int
	// padding 发射前的补齐，nil 表示不需要
	padding func(offset int) int
	// short 短跳转形式
	short *Inst
}

// Name 指令名
func (i *Inst) Name() string { return i.name }

// PipeClass 流水线类别名
func (i *Inst) PipeClass() string { return i.class }

// Size 编码后的字节数
func (i *Inst) Size(ra mach.RegAlloc) int {
	var a asm
	i.encode(&a, nil, i.node, ra)
	return len(a.code)
}

// Emit 发射到 insts 区段
func (i *Inst) Emit(cb *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	var a asm
	i.encode(&a, cb, n, ra)
	a.install(cb)
}

// ShortVersion 短跳转形式，没有时返回 nil
func (i *Inst) ShortVersion() mach.Inst {
	if i.short == nil {
		return nil
	}
	return i.short
}

// AlignmentRequired 起始地址对齐要求
func (i *Inst) AlignmentRequired() int {
	if i.align == 0 {
		return 1
	}
	return i.align
}

// ComputePadding 在 offset 处发射前需要补齐的字节
func (i *Inst) ComputePadding(offset int) int {
	if i.padding == nil {
		return 0
	}
	return i.padding(offset)
}

// Relocs 重定位条目数
func (i *Inst) Relocs() int { return i.relocs }

// ConstSize 常量区占用字节数
func (i *Inst) ConstSize() int { return i.consts }

// ============================================================================
// 操作数
// ============================================================================

// regOf 节点分配到的寄存器；只计算大小而节点尚未分配时按 RAX 估算
func regOf(ra mach.RegAlloc, n *mach.Node) Reg {
	if n == nil {
		return RAX
	}
	r := ra.RegFirst(n)
	if !r.Valid() {
		return RAX
	}
	return Reg(r)
}

// location 寄存器或栈槽（相对 rsp 的偏移）
func location(ra mach.RegAlloc, n *mach.Node) (Reg, int32, bool) {
	if n == nil {
		return RAX, 0, true
	}
	r := ra.RegFirst(n)
	if !r.Valid() || ra.IsReg(r) {
		return regOf(ra, n), 0, true
	}
	return RSP, int32(ra.Reg2Offset(r)), false
}

// ============================================================================
// 数据移动
// ============================================================================

func encodeMove(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	var src *mach.Node
	if n != nil {
		src = n.In(0)
	}
	dst, dOff, dReg := location(ra, n)
	s, sOff, sReg := location(ra, src)
	switch {
	case dReg && sReg:
		if dst != s {
			a.movRegReg(dst, s)
		}
	case dReg:
		a.movRegMem(dst, RSP, sOff)
	case sReg:
		a.movMemReg(RSP, dOff, s)
	default:
		// 栈到栈经过 rax；rax 由分配阶段保留给溢出拷贝
		a.movRegMem(RAX, RSP, sOff)
		a.movMemReg(RSP, dOff, RAX)
	}
}

func encodeLoadConst(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	var bits int64
	if n != nil {
		bits = n.In(0).Type.Bits
	}
	dst := regOf(ra, n)
	if bits == int64(int32(bits)) {
		a.movRegImm32(dst, int32(bits))
		return
	}
	a.movRegImm64(dst, uint64(bits))
}

func encodeLoad(disp int32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		var base *mach.Node
		if n != nil {
			base = n.In(0)
		}
		a.movRegMem(regOf(ra, n), regOf(ra, base), disp)
	}
}

func encodeStore(disp int32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		var base, val *mach.Node
		if n != nil {
			base, val = n.In(0), n.In(1)
		}
		a.movMemReg(regOf(ra, base), disp, regOf(ra, val))
	}
}

// ============================================================================
// 算术
// ============================================================================

type aluOp int

const (
	aluAdd aluOp = iota
	aluSub
	aluMul
)

// encodeALU 双地址算术；结果寄存器与第一个操作数不同时先拷贝
func encodeALU(op aluOp) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		var x, y *mach.Node
		if n != nil {
			x, y = n.In(0), n.In(1)
		}
		dst, l, r := regOf(ra, n), regOf(ra, x), regOf(ra, y)

		if r == dst && l != dst {
			switch op {
			case aluAdd, aluMul:
				l, r = r, l
			case aluSub:
				// dst = l - dst = -(dst - l)
				a.subRegReg(dst, l)
				a.negReg(dst)
				return
			}
		}
		if l != dst {
			a.movRegReg(dst, l)
		}
		switch op {
		case aluAdd:
			a.addRegReg(dst, r)
		case aluSub:
			a.subRegReg(dst, r)
		case aluMul:
			a.imulRegReg(dst, r)
		}
	}
}

func encodeAddImm(imm int32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		var x *mach.Node
		if n != nil {
			x = n.In(0)
		}
		dst, l := regOf(ra, n), regOf(ra, x)
		if l != dst {
			a.movRegReg(dst, l)
		}
		a.addRegImm32(dst, imm)
	}
}

func encodeCmp(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	var x, y *mach.Node
	if n != nil {
		x, y = n.In(0), n.In(1)
	}
	a.cmpRegReg(regOf(ra, x), regOf(ra, y))
}

func encodeCmpImm(imm int32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		var x *mach.Node
		if n != nil {
			x = n.In(0)
		}
		a.cmpRegImm32(regOf(ra, x), imm)
	}
}

func encodeTest(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	var x *mach.Node
	if n != nil {
		x = n.In(0)
	}
	r := regOf(ra, x)
	a.testRegReg(r, r)
}

// ============================================================================
// 控制流
// ============================================================================

func branchLabel(n *mach.Node) *codebuf.Label {
	if n == nil {
		return nil
	}
	return n.Label
}

func encodeJcc(cc Cond, short bool) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, _ mach.RegAlloc) {
		a.jcc(cc, branchLabel(n), short)
	}
}

func encodeJmp(short bool) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, _ mach.RegAlloc) {
		a.jmp(branchLabel(n), short)
	}
}

// encodeJumpTable 表项放在常量区，每项 8 字节，低 32 位为目标在 insts 中的偏移
func encodeJumpTable(a *asm, cb *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	var idx *mach.Node
	if n != nil {
		idx = n.In(0)
	}
	var table uint32
	if cb != nil {
		consts := cb.Consts()
		table = uint32(consts.Size())
		for _, l := range n.CaseLabels {
			at := consts.Size()
			consts.Emit64(0)
			cb.Relocate(codebuf.SectConsts, at, codebuf.RelocInternalWord, codebuf.SectInsts)
			if l != nil {
				cb.Reference(l, consts, at, codebuf.PatchOffset32, 0)
			}
		}
	}
	a.jmpTable(regOf(ra, idx), table)
}

// javaToInterpSize 解释器入口桩: mov rbx, imm64; jmp rel32
const javaToInterpSize = 10 + 5

// encodeCall 直接调用；Java 调用同时在桩区生成解释器入口桩
func encodeCall(kind codebuf.RelocKind, entry string, java bool) encoder {
	return func(a *asm, cb *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
		a.callRel(kind, entry)
		if cb == nil || !java {
			return
		}
		var stub asm
		stub.emit(rex(true, false, false, false), 0xB8+RBX.LowBits())
		stub.reloc(codebuf.RelocExternalWord, "method_holder")
		stub.emitU64(0)
		stub.jmpRel(codebuf.RelocRuntimeCall, entry)
		stub.installIn(cb, codebuf.SectStubs, cb.Stubs())
	}
}

// callPadding 让调用的 32 位位移按 4 字节对齐，运行时可以原子地修改
func callPadding(offset int) int {
	offset++ // 跳过操作码
	return (offset+3)&^3 - offset
}

func encodePoll(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
	a.poll(codebuf.RelocPoll)
}

func encodeRet(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
	a.ret()
}

func encodeRethrow(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
	a.jmpRel(codebuf.RelocRuntimeCall, "rethrow_stub")
}

func encodeHalt(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
	a.ud2()
}

func encodeBreakpoint(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
	a.emit(0xCC)
}

func encodeEmpty(*asm, *codebuf.Buffer, *mach.Node, mach.RegAlloc) {}

// ============================================================================
// 序言与尾声
// ============================================================================

// frameAdjust 序言在 push rbp 之后还需要分配的字节
// 帧大小包含返回地址和保存的 rbp
func frameAdjust(ra mach.RegAlloc) int32 {
	adj := int32(ra.FrameSize()) - 16
	if adj < 0 {
		return 0
	}
	return adj
}

func encodeProlog(a *asm, _ *codebuf.Buffer, _ *mach.Node, ra mach.RegAlloc) {
	a.push(RBP)
	a.movRegReg(RBP, RSP)
	if adj := frameAdjust(ra); adj > 0 {
		a.subRegImm32(RSP, adj)
	}
}

func encodeEpilog(doPolling bool) encoder {
	return func(a *asm, _ *codebuf.Buffer, _ *mach.Node, ra mach.RegAlloc) {
		if adj := frameAdjust(ra); adj > 0 {
			a.addRegImm32(RSP, adj)
		}
		a.pop(RBP)
		if doPolling {
			a.poll(codebuf.RelocPollReturn)
		}
	}
}

func encodeNops(count int) encoder {
	return func(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
		a.nops(count)
	}
}
