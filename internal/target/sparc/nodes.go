// nodes.go - 机器节点构造

package sparc

import (
	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
)

func (t *Target) newNode(g *mach.CFG, op mach.Opcode, inst *Inst, ins ...*mach.Node) *mach.Node {
	n := g.NewMachNode(op, inst, ins...)
	inst.node = n
	n.Class = t.model.Class(inst.class)
	return n
}

// Move 寄存器或栈槽之间的拷贝，In(0) 为源
func (t *Target) Move(g *mach.CFG, src *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpMove, &Inst{name: "mov", class: "ialu_reg_reg", encode: encodeMove}, src)
}

// SpillCopy 分配阶段插入的溢出拷贝
func (t *Target) SpillCopy(g *mach.CFG, src *mach.Node) *mach.Node {
	n := t.newNode(g, mach.OpSpillCopy, &Inst{name: "spill", class: "ialu_reg_spill", encode: encodeMove}, src)
	n.Type = src.Type
	return n
}

// LoadConst 加载 32 位常量，In(0) 为常量节点
func (t *Target) LoadConst(g *mach.CFG, con *mach.Node) *mach.Node {
	class := "ialu_imm"
	if !fitsSimm13(int32(con.Type.Bits)) {
		class = "ialu_hi_lo_reg"
	}
	n := t.newNode(g, mach.OpMove, &Inst{name: "set", class: class, encode: encodeLoadConst}, con)
	n.Type = con.Type
	n.Type.Con = false
	return n
}

// Load 从 [In(0)+disp] 加载一个字
func (t *Target) Load(g *mach.CFG, base *mach.Node, disp int32) *mach.Node {
	return t.newNode(g, mach.OpLoad, &Inst{name: "ld", class: "iload_mem", encode: encodeLoad(disp)}, base)
}

// Store 把 In(1) 存到 [In(0)+disp]
func (t *Target) Store(g *mach.CFG, base, val *mach.Node, disp int32) *mach.Node {
	return t.newNode(g, mach.OpStore, &Inst{name: "st", class: "istore_mem_reg", encode: encodeStore(disp)}, base, val)
}

// Add In(0) + In(1)
func (t *Target) Add(g *mach.CFG, x, y *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpAdd, &Inst{name: "add", class: "ialu_reg_reg", encode: encodeALU(op3Add)}, x, y)
}

// Sub In(0) - In(1)
func (t *Target) Sub(g *mach.CFG, x, y *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpSub, &Inst{name: "sub", class: "ialu_reg_reg", encode: encodeALU(op3Sub)}, x, y)
}

// Mul In(0) * In(1)
func (t *Target) Mul(g *mach.CFG, x, y *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpMul, &Inst{name: "smul", class: "imul_reg_reg", encode: encodeALU(op3Smul)}, x, y)
}

// AddImm In(0) + imm，imm 必须放得进 13 位
func (t *Target) AddImm(g *mach.CFG, x *mach.Node, imm int32) *mach.Node {
	return t.newNode(g, mach.OpAdd, &Inst{name: "add_imm", class: "ialu_imm", encode: encodeALUImm(op3Add, imm)}, x)
}

// Cmp 比较 In(0) 与 In(1)，结果在 ICC
func (t *Target) Cmp(g *mach.CFG, x, y *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpCmpI, &Inst{name: "cmp", class: "ialu_cconly_reg_reg", encode: encodeCmp}, x, y)
}

// CmpImm 比较 In(0) 与立即数
func (t *Target) CmpImm(g *mach.CFG, x *mach.Node, imm int32) *mach.Node {
	return t.newNode(g, mach.OpCmpI, &Inst{name: "cmp_imm", class: "ialu_cconly_reg_reg", encode: encodeCmpImm(imm)}, x)
}

// If 条件分支到 0 号后继，In(0) 为比较节点
func (t *Target) If(g *mach.CFG, cc Cond, cmp *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpIf, &Inst{name: cc.String(), class: "br", encode: encodeBranch(cc)}, cmp)
}

// Goto 无条件分支到 0 号后继
func (t *Target) Goto(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpGoto, &Inst{name: "ba", class: "br", encode: encodeBranch(CondA)})
}

// Jump 以 In(0) 为下标的多路跳转
func (t *Target) Jump(g *mach.CFG, idx *mach.Node, ncases int) *mach.Node {
	return t.newNode(g, mach.OpJump, &Inst{
		name:   "jump",
		class:  "jump",
		encode: encodeJumpTable,
		relocs: 1 + ncases,
		consts: 4 * ncases,
	}, idx)
}

// CallJava 静态绑定的 Java 调用，返回地址在调用之后两个字
func (t *Target) CallJava(g *mach.CFG, entry string, optVirtual bool) *mach.Node {
	kind := codebuf.RelocStaticCall
	if optVirtual {
		kind = codebuf.RelocOptVirtualCall
	}
	n := t.newNode(g, mach.OpCall, &Inst{
		name:   "CallStaticJavaDirect",
		class:  "simple_call",
		encode: encodeCall(kind, entry, true),
		relocs: 1,
	})
	n.Call = &mach.CallInfo{Entry: entry, RetAddrOffset: 8, Safepoint: true, JavaCall: true}
	return n
}

// CallRuntime 运行时调用；leaf 为 true 时不是安全点
func (t *Target) CallRuntime(g *mach.CFG, entry string, leaf bool) *mach.Node {
	n := t.newNode(g, mach.OpCall, &Inst{
		name:   "CallRuntimeDirect",
		class:  "simple_call",
		encode: encodeCall(codebuf.RelocRuntimeCall, entry, false),
		relocs: 1,
	})
	n.Call = &mach.CallInfo{Entry: entry, RetAddrOffset: 8, Safepoint: !leaf}
	return n
}

// SafePoint 安全点轮询
func (t *Target) SafePoint(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpSafePoint, &Inst{
		name: "safePoint_poll", class: "safepoint_poll", encode: encodePoll(codebuf.RelocPoll), relocs: 1,
	})
}

// NullCheck 隐式空检查，In(0) 为可能触发异常的内存访问
func (t *Target) NullCheck(g *mach.CFG, mem *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpNullCheck, &Inst{name: "NullCheck", class: "pipe_class_empty", encode: encodeEmpty}, mem)
}

// Catch 调用之后的异常分派，不产生代码
func (t *Target) Catch(g *mach.CFG, call *mach.Node) *mach.Node {
	return t.newNode(g, mach.OpCatch, &Inst{name: "Catch", class: "pipe_class_empty", encode: encodeEmpty}, call)
}

// Return ret; restore
func (t *Target) Return(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpReturn, &Inst{name: "Ret", class: "ret", encode: encodeRet})
}

// Rethrow 把异常重新抛给调用者
func (t *Target) Rethrow(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpRethrow, &Inst{name: "RethrowException", class: "ret", encode: encodeRethrow, relocs: 1})
}

// Halt 不可达路径
func (t *Target) Halt(g *mach.CFG) *mach.Node {
	return t.newNode(g, mach.OpHalt, &Inst{name: "ShouldNotReachHere", class: "pipe_slow", encode: encodeHalt})
}
