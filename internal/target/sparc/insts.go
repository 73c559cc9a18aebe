// insts.go - SPARC 机器指令
//
// 分支和调用自带一个 nop 作为延迟槽；调度器把槽内指令挪进来时，
// 发射阶段回退一个字，用槽内指令覆盖这个 nop。

package sparc

import (
	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
)

// windowSaveArea 栈指针之上为寄存器窗口保留的 16 个字
const windowSaveArea = 64

type encoder func(a *asm, cb *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc)

// Inst SPARC 指令
type Inst struct {
	name   string
	class  string
	node   *mach.Node
	encode encoder
	relocs int
	consts int
}

func (i *Inst) Name() string      { return i.name }
func (i *Inst) PipeClass() string { return i.class }

// Size 编码后的字节数，总是 4 的倍数
func (i *Inst) Size(ra mach.RegAlloc) int {
	var a asm
	i.encode(&a, nil, i.node, ra)
	return len(a.code)
}

func (i *Inst) Emit(cb *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	var a asm
	i.encode(&a, cb, n, ra)
	a.install(cb)
}

func (i *Inst) Relocs() int    { return i.relocs }
func (i *Inst) ConstSize() int { return i.consts }

// ============================================================================
// 操作数
// ============================================================================

func regOf(ra mach.RegAlloc, n *mach.Node) Reg {
	if n == nil {
		return G0
	}
	r := ra.RegFirst(n)
	if !r.Valid() {
		return G0
	}
	return Reg(r)
}

// location 寄存器或栈槽（相对 %sp 的偏移）
func location(ra mach.RegAlloc, n *mach.Node) (Reg, int32, bool) {
	if n == nil {
		return G0, 0, true
	}
	r := ra.RegFirst(n)
	if !r.Valid() || ra.IsReg(r) {
		return regOf(ra, n), 0, true
	}
	return SP, int32(windowSaveArea + ra.Reg2Offset(r)), false
}

func in(n *mach.Node, i int) *mach.Node {
	if n == nil {
		return nil
	}
	return n.In(i)
}

// ============================================================================
// 数据移动与算术
// ============================================================================

func encodeMove(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	dst, dOff, dReg := location(ra, n)
	src, sOff, sReg := location(ra, in(n, 0))
	switch {
	case dReg && sReg:
		if dst != src {
			a.alu(op3Or, G0, src, dst)
		}
	case dReg:
		a.mem(op3Ld, SP, sOff, dst)
	case sReg:
		a.mem(op3St, SP, dOff, src)
	default:
		a.mem(op3Ld, SP, sOff, scratch)
		a.mem(op3St, SP, dOff, scratch)
	}
}

func encodeLoadConst(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	var v int32
	if con := in(n, 0); con != nil {
		v = int32(con.Type.Bits)
	}
	a.setImm(v, regOf(ra, n))
}

func encodeLoad(disp int32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		a.mem(op3Ld, regOf(ra, in(n, 0)), disp, regOf(ra, n))
	}
}

func encodeStore(disp int32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		a.mem(op3St, regOf(ra, in(n, 0)), disp, regOf(ra, in(n, 1)))
	}
}

// encodeALU 三地址算术
func encodeALU(op3 uint32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		a.alu(op3, regOf(ra, in(n, 0)), regOf(ra, in(n, 1)), regOf(ra, n))
	}
}

func encodeALUImm(op3 uint32, imm int32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		a.aluImm(op3, regOf(ra, in(n, 0)), imm, regOf(ra, n))
	}
}

// encodeCmp subcc rs1, rs2, %g0
func encodeCmp(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	a.alu(op3Subcc, regOf(ra, in(n, 0)), regOf(ra, in(n, 1)), G0)
}

func encodeCmpImm(imm int32) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
		a.aluImm(op3Subcc, regOf(ra, in(n, 0)), imm, G0)
	}
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

// encodeBranch 分支加延迟槽 nop
func encodeBranch(cc Cond) encoder {
	return func(a *asm, _ *codebuf.Buffer, n *mach.Node, _ mach.RegAlloc) {
		a.bicc(cc, branchLabel(n))
		a.nop()
	}
}

// encodeJumpTable 表项放在常量区，每项 4 字节，为目标在 insts 中的偏移
//
//	sll   idx, 2, %g1
//	sethi %hi(table), %g3
//	or    %g3, %lo(table), %g3
//	ld    [%g3 + %g1], %g3
//	jmpl  %g3, %g0
//	nop
func encodeJumpTable(a *asm, cb *codebuf.Buffer, n *mach.Node, ra mach.RegAlloc) {
	if cb != nil {
		consts := cb.Consts()
		for _, l := range n.CaseLabels {
			at := consts.Size()
			consts.Emit32(0)
			cb.Relocate(codebuf.SectConsts, at, codebuf.RelocInternalWord, codebuf.SectInsts)
			if l != nil {
				cb.Reference(l, consts, at, codebuf.PatchOffset32, 0)
			}
		}
	}
	a.aluImm(op3Sll, regOf(ra, in(n, 0)), 2, scratch)
	a.setAddr(codebuf.RelocInternalWord, codebuf.SectConsts, scratch2)
	a.memIdx(op3Ld, scratch2, scratch, scratch2)
	a.jmpl(scratch2, 0, G0)
	a.nop()
}

// javaToInterpSize 解释器入口桩: set method, %g5; set entry, %g3; jmpl; nop
const javaToInterpSize = 6 * 4

// encodeCall call 加延迟槽 nop；Java 调用同时生成解释器入口桩
func encodeCall(kind codebuf.RelocKind, entry string, java bool) encoder {
	return func(a *asm, cb *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
		a.call(kind, entry)
		a.nop()
		if cb == nil || !java {
			return
		}
		var stub asm
		stub.setAddr(codebuf.RelocExternalWord, "method_holder", G5)
		stub.setAddr(codebuf.RelocRuntimeCall, entry, scratch2)
		stub.jmpl(scratch2, 0, G0)
		stub.nop()
		stub.installIn(cb, codebuf.SectStubs, cb.Stubs())
	}
}

// encodePoll ld [%g2], %g0
func encodePoll(kind codebuf.RelocKind) encoder {
	return func(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
		a.reloc(kind, "polling_page")
		a.mem(op3Ld, pollReg, 0, G0)
	}
}

// encodeRet ret; restore
func encodeRet(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
	a.jmpl(I7, 8, G0)
	a.alu(op3Restore, G0, G0, G0)
}

// encodeRethrow 跳转到重新抛出异常的桩，延迟槽里恢复寄存器窗口
func encodeRethrow(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
	a.setAddr(codebuf.RelocRuntimeCall, "rethrow_stub", scratch2)
	a.jmpl(scratch2, 0, G0)
	a.alu(op3Restore, G0, G0, G0)
}

// encodeHalt illtrap 0
func encodeHalt(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
	a.word(0)
}

func encodeEmpty(*asm, *codebuf.Buffer, *mach.Node, mach.RegAlloc) {}

// ============================================================================
// 序言与尾声
// ============================================================================

// encodeProlog save %sp, -frame, %sp
func encodeProlog(a *asm, _ *codebuf.Buffer, _ *mach.Node, ra mach.RegAlloc) {
	frame := -int32(ra.FrameSize())
	if fitsSimm13(frame) {
		a.aluImm(op3Save, SP, frame, SP)
		return
	}
	a.setImm(frame, scratch)
	a.alu(op3Save, SP, scratch, SP)
}

// encodeEpilog 栈帧随 ret 延迟槽里的 restore 拆除，这里只做返回前的轮询
func encodeEpilog(doPolling bool) encoder {
	if !doPolling {
		return encodeEmpty
	}
	return encodePoll(codebuf.RelocPollReturn)
}

func encodeNops(count int) encoder {
	return func(a *asm, _ *codebuf.Buffer, _ *mach.Node, _ mach.RegAlloc) {
		for i := 0; i < count; i++ {
			a.nop()
		}
	}
}
