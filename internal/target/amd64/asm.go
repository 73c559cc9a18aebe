// asm.go - x86-64 指令编码
//
// 本文件实现了单条机器指令的底层编码。
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// REX 前缀：用于扩展寄存器和操作数大小
// - REX.W: 64 位操作数
// - REX.R: 扩展 ModR/M.reg 字段
// - REX.X: 扩展 SIB.index 字段
// - REX.B: 扩展 ModR/M.r/m 或 SIB.base 字段
//
// 每条指令先编码到 asm 中；计算大小和真正发射走同一段编码逻辑，
// 发射时再把标签引用和重定位登记到代码缓冲区。

package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
)

// ============================================================================
// x86-64 寄存器定义
// ============================================================================

// Reg x86-64 寄存器
type Reg int

const (
	// 通用寄存器（64 位）
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// XMM0 之后 16 个为浮点寄存器
	XMM0
	XMM15 = XMM0 + 15

	// FLAGS 条件码寄存器，只用于依赖分析
	FLAGS = XMM15 + 1

	// RegNone 无寄存器
	RegNone Reg = -1
)

// NumPhysRegs 物理寄存器编号数（含 FLAGS），栈槽从这里开始编号
const NumPhysRegs = int(FLAGS) + 1

var regNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String 返回寄存器名称
func (r Reg) String() string {
	switch {
	case r >= 0 && int(r) < len(regNames):
		return regNames[r]
	case r >= XMM0 && r <= XMM15:
		return fmt.Sprintf("xmm%d", int(r-XMM0))
	case r == FLAGS:
		return "rflags"
	}
	return "???"
}

// IsExtended 检查是否是扩展寄存器（需要 REX 前缀）
func (r Reg) IsExtended() bool {
	if r >= XMM0 && r <= XMM15 {
		return r-XMM0 >= 8
	}
	return r >= R8 && r <= R15
}

// LowBits 获取寄存器编码的低 3 位
func (r Reg) LowBits() byte {
	if r >= XMM0 && r <= XMM15 {
		return byte(r-XMM0) & 0x7
	}
	return byte(r) & 0x7
}

// Cond 条件码（Jcc 操作码的低 4 位）
type Cond byte

const (
	CondO  Cond = 0x0
	CondB  Cond = 0x2 // 无符号小于
	CondAE Cond = 0x3 // 无符号大于等于
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

var condNames = map[Cond]string{
	CondO: "o", CondB: "b", CondAE: "ae", CondE: "e", CondNE: "ne", CondBE: "be",
	CondA: "a", CondL: "l", CondGE: "ge", CondLE: "le", CondG: "g",
}

func (c Cond) String() string {
	if s, ok := condNames[c]; ok {
		return s
	}
	return "?"
}

// ============================================================================
// 单条指令的编码缓冲
// ============================================================================

type labelRef struct {
	label *codebuf.Label
	at    int // 位移字段在指令中的偏移
	next  int // 位移的基准（指令末尾）在指令中的偏移
	kind  codebuf.PatchKind
}

type relocRef struct {
	at     int
	kind   codebuf.RelocKind
	target string
}

// asm 单条指令的编码结果
type asm struct {
	code   []byte
	labels []labelRef
	relocs []relocRef
}

// emit 写入字节
func (a *asm) emit(bytes ...byte) {
	a.code = append(a.code, bytes...)
}

// emitU32 写入 32 位值（小端序）
func (a *asm) emitU32(v uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, v)
}

// emitU64 写入 64 位值（小端序）
func (a *asm) emitU64(v uint64) {
	a.code = binary.LittleEndian.AppendUint64(a.code, v)
}

// reloc 在当前位置登记重定位
func (a *asm) reloc(kind codebuf.RelocKind, target string) {
	a.relocs = append(a.relocs, relocRef{at: len(a.code), kind: kind, target: target})
}

// rel8 写入 8 位相对位移，标签可以为 nil（只计算大小时）
func (a *asm) rel8(l *codebuf.Label) {
	at := len(a.code)
	a.emit(0)
	if l != nil {
		a.labels = append(a.labels, labelRef{label: l, at: at, next: len(a.code), kind: codebuf.PatchRel8})
	}
}

// rel32 写入 32 位相对位移
func (a *asm) rel32(l *codebuf.Label) {
	at := len(a.code)
	a.emitU32(0)
	if l != nil {
		a.labels = append(a.labels, labelRef{label: l, at: at, next: len(a.code), kind: codebuf.PatchRel32})
	}
}

// install 把编码写入 insts 区段，并登记标签引用和重定位
func (a *asm) install(cb *codebuf.Buffer) {
	a.installIn(cb, codebuf.SectInsts, cb.Insts())
}

// installIn 把编码写入指定区段
func (a *asm) installIn(cb *codebuf.Buffer, name string, sect *codebuf.Section) int {
	start := sect.Size()
	sect.Emit(a.code...)
	for _, r := range a.relocs {
		cb.Relocate(name, start+r.at, r.kind, r.target)
	}
	for _, l := range a.labels {
		cb.Reference(l.label, sect, start+l.at, l.kind, start+l.next)
	}
	return start
}

// rex 构造 REX 前缀
// w: 64 位操作数
// r: 扩展 ModR/M.reg
// x: 扩展 SIB.index
// b: 扩展 ModR/M.r/m 或 SIB.base
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm 构造 ModR/M 字节
// mod: 寻址模式 (0-3)
// reg: 寄存器操作数或操作码扩展
// rm: 寄存器/内存操作数
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// ============================================================================
// 数据移动指令
// ============================================================================

// movRegReg 寄存器到寄存器: mov dst, src
func (a *asm) movRegReg(dst, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x89)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// movRegImm64 加载 64 位立即数: mov reg, imm64
func (a *asm) movRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xB8 + reg.LowBits())
	a.emitU64(imm)
}

// movRegImm32 加载 32 位立即数（符号扩展）: mov reg, imm32
func (a *asm) movRegImm32(reg Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xC7)
	a.emit(modrm(3, 0, reg.LowBits()))
	a.emitU32(uint32(imm))
}

// movRegMem 从内存加载: mov reg, [base+offset]
func (a *asm) movRegMem(dst, base Reg, offset int32) {
	a.emit(rex(true, dst.IsExtended(), false, base.IsExtended()))
	a.emit(0x8B)
	a.emitMemOperand(dst.LowBits(), base, offset)
}

// movMemReg 存储到内存: mov [base+offset], reg
func (a *asm) movMemReg(base Reg, offset int32, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, base.IsExtended()))
	a.emit(0x89)
	a.emitMemOperand(src.LowBits(), base, offset)
}

// emitMemOperand 生成内存操作数编码
func (a *asm) emitMemOperand(reg byte, base Reg, offset int32) {
	baseCode := base.LowBits()

	// RSP 需要 SIB 字节
	needSIB := base == RSP || base == R12

	switch {
	case offset == 0 && base != RBP && base != R13:
		// [base]
		if needSIB {
			a.emit(modrm(0, reg, 4)) // SIB 标记
			a.emit(0x24)             // SIB: scale=0, index=RSP, base=RSP
		} else {
			a.emit(modrm(0, reg, baseCode))
		}
	case offset >= -128 && offset <= 127:
		// [base+disp8]
		if needSIB {
			a.emit(modrm(1, reg, 4))
			a.emit(0x24)
		} else {
			a.emit(modrm(1, reg, baseCode))
		}
		a.emit(byte(offset))
	default:
		// [base+disp32]
		if needSIB {
			a.emit(modrm(2, reg, 4))
			a.emit(0x24)
		} else {
			a.emit(modrm(2, reg, baseCode))
		}
		a.emitU32(uint32(offset))
	}
}

// ============================================================================
// 算术指令
// ============================================================================

// aluRegReg 双寄存器算术: op dst, src（op 为 r/m,reg 形式的操作码）
func (a *asm) aluRegReg(op byte, dst, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(op)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// aluRegImm 立即数算术: op reg, imm（ext 为 ModR/M.reg 中的操作码扩展）
func (a *asm) aluRegImm(ext byte, reg Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	if imm >= -128 && imm <= 127 {
		a.emit(0x83)
		a.emit(modrm(3, ext, reg.LowBits()))
		a.emit(byte(imm))
	} else {
		a.emit(0x81)
		a.emit(modrm(3, ext, reg.LowBits()))
		a.emitU32(uint32(imm))
	}
}

// addRegReg 寄存器加法: add dst, src
func (a *asm) addRegReg(dst, src Reg) { a.aluRegReg(0x01, dst, src) }

// subRegReg 寄存器减法: sub dst, src
func (a *asm) subRegReg(dst, src Reg) { a.aluRegReg(0x29, dst, src) }

// cmpRegReg 比较: cmp left, right
func (a *asm) cmpRegReg(left, right Reg) { a.aluRegReg(0x39, left, right) }

// testRegReg 测试: test reg1, reg2
func (a *asm) testRegReg(reg1, reg2 Reg) { a.aluRegReg(0x85, reg1, reg2) }

// addRegImm32 立即数加法: add reg, imm
func (a *asm) addRegImm32(reg Reg, imm int32) { a.aluRegImm(0, reg, imm) }

// subRegImm32 立即数减法: sub reg, imm
func (a *asm) subRegImm32(reg Reg, imm int32) { a.aluRegImm(5, reg, imm) }

// cmpRegImm32 比较立即数: cmp reg, imm
func (a *asm) cmpRegImm32(reg Reg, imm int32) { a.aluRegImm(7, reg, imm) }

// negReg 取负: neg reg
func (a *asm) negReg(reg Reg) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xF7)
	a.emit(modrm(3, 3, reg.LowBits()))
}

// imulRegReg 有符号乘法: imul dst, src
func (a *asm) imulRegReg(dst, src Reg) {
	a.emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	a.emit(0x0F, 0xAF)
	a.emit(modrm(3, dst.LowBits(), src.LowBits()))
}

// ============================================================================
// 栈操作指令
// ============================================================================

// push 压栈: push reg
func (a *asm) push(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 + reg.LowBits())
}

// pop 出栈: pop reg
func (a *asm) pop(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 + reg.LowBits())
}

// ============================================================================
// 跳转与调用指令
// ============================================================================

// jmp 无条件跳转（相对）
func (a *asm) jmp(l *codebuf.Label, short bool) {
	if short {
		a.emit(0xEB)
		a.rel8(l)
		return
	}
	a.emit(0xE9)
	a.rel32(l)
}

// jcc 条件跳转
func (a *asm) jcc(cc Cond, l *codebuf.Label, short bool) {
	if short {
		a.emit(0x70 | byte(cc))
		a.rel8(l)
		return
	}
	a.emit(0x0F, 0x80|byte(cc))
	a.rel32(l)
}

// jmpTable 通过跳转表间接跳转: jmp [idx*8 + disp32]
func (a *asm) jmpTable(idx Reg, table uint32) {
	if idx.IsExtended() {
		a.emit(rex(false, false, true, false))
	}
	a.emit(0xFF, modrm(0, 4, 4))
	a.emit(0xC0 | idx.LowBits()<<3 | 5) // SIB: scale=8, index=idx, base=disp32
	a.reloc(codebuf.RelocInternalWord, codebuf.SectConsts)
	a.emitU32(table)
}

// callRel 直接调用: call rel32
func (a *asm) callRel(kind codebuf.RelocKind, target string) {
	a.emit(0xE8)
	a.reloc(kind, target)
	a.emitU32(0)
}

// jmpRel 直接跳转到运行时入口: jmp rel32
func (a *asm) jmpRel(kind codebuf.RelocKind, target string) {
	a.emit(0xE9)
	a.reloc(kind, target)
	a.emitU32(0)
}

// ret 返回
func (a *asm) ret() {
	a.emit(0xC3)
}

// ud2 非法指令，标记不可达的代码
func (a *asm) ud2() {
	a.emit(0x0F, 0x0B)
}

// poll 安全点轮询: test [rip+disp32], eax
func (a *asm) poll(kind codebuf.RelocKind) {
	a.emit(0x85, 0x05)
	a.reloc(kind, "polling_page")
	a.emitU32(0)
}

// multiNops Intel 推荐的多字节 nop，按需拼接成 n 字节
var multiNops = [][]byte{
	{0x90},
	{0x66, 0x90},
	{0x0F, 0x1F, 0x00},
	{0x0F, 0x1F, 0x40, 0x00},
	{0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// nops 写入恰好 n 字节的 nop
func (a *asm) nops(n int) {
	for n > 0 {
		k := n
		if k > len(multiNops) {
			k = len(multiNops)
		}
		a.emit(multiNops[k-1]...)
		n -= k
	}
}
