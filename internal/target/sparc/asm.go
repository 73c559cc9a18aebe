// asm.go - SPARC 指令编码
//
// 所有指令都是 4 字节大端字：
// - 格式 1: call          op=1 | disp30
// - 格式 2: Bicc / sethi  op=0 | a | cond/rd | op2 | disp22/imm22
// - 格式 3: 算术与访存    op=2/3 | rd | op3 | rs1 | i | rs2/simm13

package sparc

import (
	"encoding/binary"
	"fmt"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
)

// ============================================================================
// 寄存器
// ============================================================================

// Reg SPARC 寄存器
type Reg int

const (
	G0 Reg = iota
	G1
	G2
	G3
	G4
	G5
	G6
	G7
	O0
	O1
	O2
	O3
	O4
	O5
	SP // %o6
	O7
	L0
	L1
	L2
	L3
	L4
	L5
	L6
	L7
	I0
	I1
	I2
	I3
	I4
	I5
	FP // %i6
	I7

	// F0 之后 32 个为浮点寄存器
	F0
	F31 = F0 + 31

	// ICC 整数条件码，只用于依赖分析
	ICC = F31 + 1
)

// NumPhysRegs 物理寄存器编号数（含 ICC），栈槽从这里开始编号
const NumPhysRegs = int(ICC) + 1

// pollReg 保存安全点轮询页地址的全局寄存器
const pollReg = G2

// scratch 编码序列内部使用的临时寄存器
const (
	scratch  = G1
	scratch2 = G3
)

func (r Reg) String() string {
	switch {
	case r >= G0 && r <= I7:
		return fmt.Sprintf("%%%c%d", "goli"[r/8], int(r%8))
	case r >= F0 && r <= F31:
		return fmt.Sprintf("%%f%d", int(r-F0))
	case r == ICC:
		return "%icc"
	}
	return "???"
}

// Cond Bicc 的条件字段
type Cond uint32

const (
	CondN   Cond = 0x0
	CondE   Cond = 0x1
	CondLE  Cond = 0x2
	CondL   Cond = 0x3
	CondLEU Cond = 0x4
	CondCS  Cond = 0x5
	CondA   Cond = 0x8
	CondNE  Cond = 0x9
	CondG   Cond = 0xA
	CondGE  Cond = 0xB
	CondGU  Cond = 0xC
	CondCC  Cond = 0xD
)

var condNames = map[Cond]string{
	CondN: "bn", CondE: "be", CondLE: "ble", CondL: "bl", CondLEU: "bleu", CondCS: "bcs",
	CondA: "ba", CondNE: "bne", CondG: "bg", CondGE: "bge", CondGU: "bgu", CondCC: "bcc",
}

func (c Cond) String() string {
	if s, ok := condNames[c]; ok {
		return s
	}
	return fmt.Sprintf("b?%x", uint32(c))
}

// 格式 3 的 op3
const (
	op3Add     = 0x00
	op3Or      = 0x02
	op3Sub     = 0x04
	op3Smul    = 0x0B
	op3Subcc   = 0x14
	op3Sll     = 0x25
	op3Jmpl    = 0x38
	op3Save    = 0x3C
	op3Restore = 0x3D

	op3Ld = 0x00
	op3St = 0x04
)

// nopWord sethi 0, %g0
const nopWord uint32 = 0x01000000

// fitsSimm13 立即数能否放进 13 位有符号字段
func fitsSimm13(v int32) bool {
	return v >= -4096 && v <= 4095
}

// ============================================================================
// 单条指令的编码缓冲
// ============================================================================

type labelRef struct {
	label *codebuf.Label
	at    int
	kind  codebuf.PatchKind
}

type relocRef struct {
	at     int
	kind   codebuf.RelocKind
	target string
}

// asm 单条机器指令（可能是多个字）的编码结果
type asm struct {
	code   []byte
	labels []labelRef
	relocs []relocRef
}

func (a *asm) word(w uint32) {
	a.code = binary.BigEndian.AppendUint32(a.code, w)
}

func (a *asm) reloc(kind codebuf.RelocKind, target string) {
	a.relocs = append(a.relocs, relocRef{at: len(a.code), kind: kind, target: target})
}

// install 把编码写入 insts 区段
func (a *asm) install(cb *codebuf.Buffer) {
	a.installIn(cb, codebuf.SectInsts, cb.Insts())
}

// installIn 把编码写入指定区段；SPARC 的位移相对指令自身
func (a *asm) installIn(cb *codebuf.Buffer, name string, sect *codebuf.Section) int {
	start := sect.Size()
	sect.Emit(a.code...)
	for _, r := range a.relocs {
		cb.Relocate(name, start+r.at, r.kind, r.target)
	}
	for _, l := range a.labels {
		cb.Reference(l.label, sect, start+l.at, l.kind, start+l.at)
	}
	return start
}

func format3(op, rd, op3, rs1 uint32) uint32 {
	return op<<30 | (rd&0x1f)<<25 | (op3&0x3f)<<19 | (rs1&0x1f)<<14
}

// alu 三寄存器形式: op3 rs1, rs2, rd
func (a *asm) alu(op3 uint32, rs1, rs2, rd Reg) {
	a.word(format3(2, uint32(rd), op3, uint32(rs1)) | uint32(rs2)&0x1f)
}

// aluImm 立即数形式: op3 rs1, simm13, rd
func (a *asm) aluImm(op3 uint32, rs1 Reg, imm int32, rd Reg) {
	a.word(format3(2, uint32(rd), op3, uint32(rs1)) | 1<<13 | uint32(imm)&0x1fff)
}

// mem 访存: ld [rs1+simm13], rd / st rd, [rs1+simm13]
func (a *asm) mem(op3 uint32, rs1 Reg, disp int32, rd Reg) {
	a.word(format3(3, uint32(rd), op3, uint32(rs1)) | 1<<13 | uint32(disp)&0x1fff)
}

// memIdx 寄存器变址访存: ld [rs1+rs2], rd
func (a *asm) memIdx(op3 uint32, rs1, rs2, rd Reg) {
	a.word(format3(3, uint32(rd), op3, uint32(rs1)) | uint32(rs2)&0x1f)
}

// sethi 设置高 22 位
func (a *asm) sethi(imm22 uint32, rd Reg) {
	a.word(uint32(rd)&0x1f<<25 | 4<<22 | imm22&0x3fffff)
}

// setImm 加载 32 位常量，放不进 simm13 时拆成 sethi + or
func (a *asm) setImm(v int32, rd Reg) {
	if fitsSimm13(v) {
		a.aluImm(op3Or, G0, v, rd)
		return
	}
	a.sethi(uint32(v)>>10, rd)
	a.aluImm(op3Or, rd, int32(uint32(v)&0x3ff), rd)
}

// setAddr 加载需要重定位的地址，固定两个字
func (a *asm) setAddr(kind codebuf.RelocKind, target string, rd Reg) {
	a.reloc(kind, target)
	a.sethi(0, rd)
	a.aluImm(op3Or, rd, 0, rd)
}

func (a *asm) nop() {
	a.word(nopWord)
}

// bicc 条件分支，位移在标签绑定后填写；l 为 nil 时只占位
func (a *asm) bicc(cc Cond, l *codebuf.Label) {
	if l != nil {
		a.labels = append(a.labels, labelRef{label: l, at: len(a.code), kind: codebuf.PatchDisp22})
	}
	a.word(uint32(cc)<<25 | 2<<22)
}

// call 直接调用
func (a *asm) call(kind codebuf.RelocKind, target string) {
	a.reloc(kind, target)
	a.word(1 << 30)
}

// jmpl 间接跳转: jmpl rs1+simm13, rd
func (a *asm) jmpl(rs1 Reg, imm int32, rd Reg) {
	a.aluImm(op3Jmpl, rs1, imm, rd)
}

// ============================================================================
// 反汇编
// ============================================================================

var op3Names = map[uint32]string{
	op3Add: "add", op3Or: "or", op3Sub: "sub", op3Smul: "smul", op3Subcc: "subcc",
	op3Sll: "sll", op3Jmpl: "jmpl", op3Save: "save", op3Restore: "restore",
}

// decode 把一个指令字解码成助记符
func decode(w uint32) string {
	switch w >> 30 {
	case 0:
		if w == nopWord {
			return "nop"
		}
		rd := Reg(w >> 25 & 0x1f)
		switch w >> 22 & 7 {
		case 2:
			disp := int32(w<<10) >> 10
			return fmt.Sprintf("%s %+d", Cond(w>>25&0xf), disp*4)
		case 4:
			return fmt.Sprintf("sethi %%hi(0x%x), %s", (w&0x3fffff)<<10, rd)
		}
		if w == 0 {
			return "illtrap 0"
		}
	case 1:
		disp := int32(w<<2) >> 2
		return fmt.Sprintf("call %+d", disp*4)
	case 2, 3:
		op, op3 := w>>30, w>>19&0x3f
		rd, rs1 := Reg(w>>25&0x1f), Reg(w>>14&0x1f)
		src := Reg(w & 0x1f).String()
		if w>>13&1 == 1 {
			src = fmt.Sprintf("%d", int32(w<<19)>>19)
		}
		if op == 3 {
			switch op3 {
			case op3Ld:
				return fmt.Sprintf("ld [%s + %s], %s", rs1, src, rd)
			case op3St:
				return fmt.Sprintf("st %s, [%s + %s]", rd, rs1, src)
			}
		} else if name, ok := op3Names[op3]; ok {
			return fmt.Sprintf("%s %s, %s, %s", name, rs1, src, rd)
		}
	}
	return fmt.Sprintf(".word 0x%08x", w)
}
