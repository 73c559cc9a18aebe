// nodes.go - 机器节点构造
//
// 指令选择之后的节点在这里创建：每个构造函数生成节点、绑定 Inst 并设置流水线类别。
// 输入约定写在各函数的注释里。

package amd64

import (
	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
)

// newNode 创建节点并把 Inst 绑定到节点
func (t *Target) newNode(g *mach.CFG, op mach.Opcode, inst *Inst, ins ...*mach.Node) *mach.Node {
	n := g.NewMachNode(op, inst, ins...)
	inst.node = n
	if inst.short != nil {
		inst.short.node = n
	}
	n.Class = t.model.Class(inst.class)
	return n
}

// Move 寄存器或栈槽之间的拷贝，In(0) 为源
func (t *Target) Move(g *mach.CFG, src *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpMove, &Inst{name: "movq", class: "ialu_reg", encode: encodeMove}, src)
}

// SpillCopy 分配阶段插入的溢出拷贝
func (t *Target) SpillCopy(g *mach.CFG, src *mach.Node) *mach.Node {
	n := t.newNode(g, mach.OpSpillCopy, &Inst{name: "spill", class: "ialu_reg", encode: encodeMove}, src)
	n.Type = src.Type
	return n
}

// LoadConst 加载常量，In(0) 为常量节点
func (t *Target) LoadConst(g *mach.CFG, con *mach.Node) *mach.Node {
	n := t.newNode(g, mach.OpMove, &Inst{name: "loadCon", class: "ialu_reg", encode: encodeLoadConst}, con)
	n.Type = con.Type
	n.Type.Con = false
	return n
}

// Load 从 [In(0)+disp] 加载
func (t *Target) Load(g *mach.CFG, base *mach.Node, disp int32) *mach.Node {
	return t.newNode(g, mach.OpLoad, &Inst{name: "loadL", class: "ialu_reg_mem", encode: encodeLoad(disp)}, base)
}

// Store 把 In(1) 存到 [In(0)+disp]
func (t *Target) Store(g *mach.CFG, base, val *mach.Node, disp int32) *mach.Node {
	return t.newNode(g, mach.OpStore, &Inst{name: "storeL", class: "ialu_mem_reg", encode: encodeStore(disp)}, base, val)
}

// Add In(0) + In(1)
func (t *Target) Add(g *mach.CFG, x, y *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpAdd, &Inst{name: "addL_rReg", class: "ialu_reg_reg", encode: encodeALU(aluAdd)}, x, y)
}

// Sub In(0) - In(1)
func (t *Target) Sub(g *mach.CFG, x, y *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpSub, &Inst{name: "subL_rReg", class: "ialu_reg_reg", encode: encodeALU(aluSub)}, x, y)
}

// Mul In(0) * In(1)
func (t *Target) Mul(g *mach.CFG, x, y *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpMul, &Inst{name: "mulL_rReg", class: "imul_reg_reg", encode: encodeALU(aluMul)}, x, y)
}

// AddImm In(0) + imm
func (t *Target) AddImm(g *mach.CFG, x *mach.Node, imm int32) *mach.Node {
	return t.newNode(g, mach.OpAdd, &Inst{name: "addL_rReg_imm", class: "ialu_reg", encode: encodeAddImm(imm)}, x)
}

// Cmp 比较 In(0) 与 In(1)，结果在 FLAGS
func (t *Target) Cmp(g *mach.CFG, x, y *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpCmpL, &Inst{name: "compL_rReg", class: "ialu_cr_reg_reg", encode: encodeCmp}, x, y)
}

// CmpImm 比较 In(0) 与立即数
func (t *Target) CmpImm(g *mach.CFG, x *mach.Node, imm int32) *mach.Node {
	return t.newNode(g, mach.OpCmpL, &Inst{name: "compL_rReg_imm", class: "ialu_cr_reg_imm", encode: encodeCmpImm(imm)}, x)
}

// TestZero 与零比较 In(0)
func (t *Target) TestZero(g *mach.CFG, x *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpCmpP, &Inst{name: "testP_reg", class: "ialu_cr_reg_imm", encode: encodeTest}, x)
}

// If 条件跳转到 0 号后继，In(0) 为比较节点
func (t *Target) If(g *mach.CFG, cc Cond, cmp *mach.Node) *mach.Node {
	name := "j" + cc.String()
	short := &Inst{name: name + "_short", class: "pipe_jcc", encode: encodeJcc(cc, true)}
	long := &Inst{name: name, class: "pipe_jcc", encode: encodeJcc(cc, false), short: short}
	return t.newNode(g, mach.OpIf, long, cmp)
}

// Goto 无条件跳转到 0 号后继
func (t *Target) Goto(g *mach.CFG) *mach.Node {
	short := &Inst{name: "jmp_short", class: "pipe_jmp", encode: encodeJmp(true)}
	long := &Inst{name: "jmp", class: "pipe_jmp", encode: encodeJmp(false), short: short}
	return t.newNode(g, mach.OpGoto, long)
}

// Jump 以 In(0) 为下标的多路跳转，ncases 为分支数
func (t *Target) Jump(g *mach.CFG, idx *mach.Node, ncases int) *mach.Node {
	return t.newNode(g, mach.OpJump, &Inst{
		name:   "jumpXtnd",
		class:  "pipe_jmp",
		encode: encodeJumpTable,
		relocs: 1 + ncases,
		consts: 8 * ncases,
	}, idx)
}

// CallJava 静态绑定的 Java 调用，需要解释器入口桩
// 调用的位移按 4 字节对齐，以便运行时修改调用目标
func (t *Target) CallJava(g *mach.CFG, entry string, optVirtual bool) *mach.Node {
	kind := codebuf.RelocStaticCall
	if optVirtual {
		kind = codebuf.RelocOptVirtualCall
	}
	n := t.newNode(g, mach.OpCall, &Inst{
		name:    "CallStaticJavaDirect",
		class:   "pipe_class_call",
		encode:  encodeCall(kind, entry, true),
		relocs:  1,
		align:   4,
		padding: callPadding,
	})
	n.Call = &mach.CallInfo{Entry: entry, RetAddrOffset: 5, Safepoint: true, JavaCall: true}
	return n
}

// CallRuntime 运行时调用；leaf 为 true 时不是安全点
func (t *Target) CallRuntime(g *mach.CFG, entry string, leaf bool) *mach.Node {
	n := t.newNode(g, mach.OpCall, &Inst{
		name:   "CallRuntimeDirect",
		class:  "pipe_class_call",
		encode: encodeCall(codebuf.RelocRuntimeCall, entry, false),
		relocs: 1,
	})
	n.Call = &mach.CallInfo{Entry: entry, RetAddrOffset: 5, Safepoint: !leaf}
	return n
}

// SafePoint 循环回边上的安全点轮询
func (t *Target) SafePoint(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpSafePoint, &Inst{name: "safePoint_poll", class: "ialu_reg_mem", encode: encodePoll, relocs: 1})
}

// NullCheck 隐式空检查，In(0) 为可能触发异常的内存访问
// 0 号后继为异常路径
func (t *Target) NullCheck(g *mach.CFG, mem *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpNullCheck, &Inst{name: "NullCheck", class: "pipe_class_empty", encode: encodeEmpty}, mem)
}

// Catch 调用之后的异常分派，不产生代码
func (t *Target) Catch(g *mach.CFG, call *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpCatch, &Inst{name: "Catch", class: "pipe_class_empty", encode: encodeEmpty}, call)
}

// Return 方法返回
func (t *Target) Return(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpReturn, &Inst{name: "Ret", class: "pipe_jmp", encode: encodeRet})
}

// Rethrow 把异常重新抛给调用者
func (t *Target) Rethrow(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpRethrow, &Inst{name: "RethrowException", class: "pipe_jmp", encode: encodeRethrow, relocs: 1})
}

// Halt 不可达路径
func (t *Target) Halt(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpHalt, &Inst{name: "ShouldNotReachHere", class: "pipe_slow", encode: encodeHalt})
}

// Breakpoint 调试断点
func (t *Target) Breakpoint(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpBreakpoint, &Inst{name: "Breakpoint", class: "pipe_slow", encode: encodeBreakpoint})
}
