// node.go - 机器指令节点
//
// 本文件定义了后端处理的机器指令图节点。
// 主要内容：
// 1. Opcode：节点的理想操作码，决定调度和发射时的分类
// 2. Node：输入边（必需输入 + 优先级边）、输出边、流水线类别、编码能力
// 3. 边的维护：AddReq/SetReq/AddPrec/RmPrec/ReplaceBy 保证输入输出两侧一致

package mach

import (
	"fmt"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/pipeline"
)

// ============================================================================
// 操作码
// ============================================================================

// Opcode 理想操作码
type Opcode int

const (
	OpNode      Opcode = iota // 无语义节点（调度用的钳点）
	OpStart                   // 方法入口
	OpRegion                  // 块头
	OpCon                     // 常量（不属于任何块）
	OpPhi                     // phi
	OpProj                    // 投影
	OpCreateEx                // 异常对象
	OpProlog                  // 序言
	OpEpilog                  // 尾声
	OpBreakpoint              // 断点
	OpNop                     // 填充
	OpSpillCopy               // 溢出拷贝
	OpBoxLock                 // 监视器锁槽
	OpScalarObject            // 标量替换的对象描述

	OpMove
	OpLoad
	OpStore
	OpAdd
	OpSub
	OpMul
	OpAddP // 派生指针

	OpCmpI
	OpCmpU
	OpCmpP
	OpCmpF
	OpCmpD
	OpCmpL

	OpIf
	OpGoto
	OpJump // 多路跳转
	OpCall
	OpSafePoint
	OpNullCheck
	OpCatch
	OpHalt
	OpReturn
	OpRethrow
)

var opNames = [...]string{
	OpNode: "Node", OpStart: "Start", OpRegion: "Region", OpCon: "Con", OpPhi: "Phi",
	OpProj: "Proj", OpCreateEx: "CreateEx", OpProlog: "Prolog", OpEpilog: "Epilog",
	OpBreakpoint: "Breakpoint", OpNop: "Nop", OpSpillCopy: "SpillCopy", OpBoxLock: "BoxLock",
	OpScalarObject: "ScalarObject", OpMove: "Move", OpLoad: "Load", OpStore: "Store",
	OpAdd: "Add", OpSub: "Sub", OpMul: "Mul", OpAddP: "AddP", OpCmpI: "CmpI", OpCmpU: "CmpU",
	OpCmpP: "CmpP", OpCmpF: "CmpF", OpCmpD: "CmpD", OpCmpL: "CmpL", OpIf: "If", OpGoto: "Goto",
	OpJump: "Jump", OpCall: "Call", OpSafePoint: "SafePoint", OpNullCheck: "NullCheck",
	OpCatch: "Catch", OpHalt: "Halt", OpReturn: "Return", OpRethrow: "Rethrow",
}

func (op Opcode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// IsCompare 比较类操作码
func (op Opcode) IsCompare() bool {
	switch op {
	case OpCmpI, OpCmpU, OpCmpP, OpCmpF, OpCmpD, OpCmpL:
		return true
	}
	return false
}

// ============================================================================
// 节点
// ============================================================================

// CallInfo 调用节点的附加信息
type CallInfo struct {
	Entry         string // 调用目标（符号）
	RetAddrOffset int    // 返回地址相对调用指令起点的偏移
	Safepoint     bool   // 是否为安全点（叶子运行时调用不是）
	JavaCall      bool   // 需要解释器入口桩
}

// PinchState 钳点节点的状态
type PinchState struct {
	LaterDef *Node // 钳点之后（程序顺序）对同一寄存器的定义
	Placed   bool  // 已经插入块中
}

// EdgeKind 后继边的种类
type EdgeKind int

const (
	EdgeNormal EdgeKind = iota
	EdgeCatch            // Catch 的投影边
	EdgeCase             // Jump 的分支边
)

// Node 机器指令图节点
type Node struct {
	ID    int
	Op    Opcode
	Mach  bool            // 是否为真正的机器节点
	Class *pipeline.Class // 流水线类别
	Inst  Inst            // 编码能力（非机器节点为 nil）
	Block *Block          // 所属块（常量为 nil）
	Type  Type            // 值类型，描述调试信息时使用

	in  []*Node // [0, req) 为必需输入，其后为优先级边
	req int
	out []*Node

	FatProj bool  // 杀死一组寄存器的投影
	Kills   []Reg // 被杀死的寄存器

	Call          *CallInfo        // 调用信息
	JVMS          *JVMState        // 安全点的解释器状态
	Notes         *JVMState        // 非安全点节点的源位置
	Scalar        *ScalarInfo      // 标量替换的对象（OpScalarObject）
	OopMap        []Reg            // 安全点的 oop 位置（由寄存器分配阶段提供）
	Label         *codebuf.Label   // 分支目标标签（发射阶段填写）
	CaseLabels    []*codebuf.Label // 多路跳转的目标标签
	BoxEliminated bool             // 锁已被消除（OpBoxLock）
	Pinch         *PinchState      // 钳点状态（OpNode）
}

// Req 必需输入的数量
func (n *Node) Req() int { return n.req }

// Len 全部输入（含优先级边）的数量
func (n *Node) Len() int { return len(n.in) }

// In 第 i 个输入
func (n *Node) In(i int) *Node { return n.in[i] }

// Out 第 i 个使用者
func (n *Node) Out(i int) *Node { return n.out[i] }

// OutCnt 使用者数量
func (n *Node) OutCnt() int { return len(n.out) }

// Outs 使用者列表的快照
func (n *Node) Outs() []*Node {
	outs := make([]*Node, len(n.out))
	copy(outs, n.out)
	return outs
}

// AddReq 追加一个必需输入
func (n *Node) AddReq(def *Node) {
	n.in = append(n.in, nil)
	if n.req < len(n.in)-1 {
		// 把第一条优先级边挪到末尾
		n.in[len(n.in)-1] = n.in[n.req]
	}
	n.in[n.req] = def
	n.req++
	if def != nil {
		def.out = append(def.out, n)
	}
}

// SetReq 替换第 i 个必需输入
func (n *Node) SetReq(i int, def *Node) {
	if old := n.in[i]; old != nil {
		old.delOut(n)
	}
	n.in[i] = def
	if def != nil {
		def.out = append(def.out, n)
	}
}

// AddPrec 添加优先级边：def 必须排在 n 之前
func (n *Node) AddPrec(def *Node) {
	if def == nil || def == n {
		return
	}
	for i := n.req; i < len(n.in); i++ {
		if n.in[i] == def {
			return
		}
	}
	n.in = append(n.in, def)
	def.out = append(def.out, n)
}

// RmPrec 删除第 j 条输入（必须是优先级边）
func (n *Node) RmPrec(j int) {
	if j < n.req || j >= len(n.in) {
		panic(fmt.Sprintf("node %d: RmPrec index %d out of precedence range", n.ID, j))
	}
	def := n.in[j]
	last := len(n.in) - 1
	n.in[j] = n.in[last]
	n.in = n.in[:last]
	if def != nil {
		def.delOut(n)
	}
}

// HasPrec 是否存在 def 的优先级边
func (n *Node) HasPrec(def *Node) bool {
	for i := n.req; i < len(n.in); i++ {
		if n.in[i] == def {
			return true
		}
	}
	return false
}

// ReplaceBy 把所有使用 n 的边改为使用 m
func (n *Node) ReplaceBy(m *Node) {
	for len(n.out) > 0 {
		use := n.out[len(n.out)-1]
		n.out = n.out[:len(n.out)-1]
		for i, def := range use.in {
			if def == n {
				use.in[i] = m
				m.out = append(m.out, use)
			}
		}
	}
}

// DisconnectInputs 断开全部输入
func (n *Node) DisconnectInputs() {
	for _, def := range n.in {
		if def != nil {
			def.delOut(n)
		}
	}
	n.in = n.in[:0]
	n.req = 0
}

func (n *Node) delOut(use *Node) {
	for i := len(n.out) - 1; i >= 0; i-- {
		if n.out[i] == use {
			n.out = append(n.out[:i], n.out[i+1:]...)
			return
		}
	}
}

// ============================================================================
// 分类查询
// ============================================================================

// IsProj 投影节点
func (n *Node) IsProj() bool { return n.Op == OpProj }

// IsCall 作为安全点的调用
func (n *Node) IsCall() bool { return n.Op == OpCall }

// IsMachCall 需要记录调试信息的调用
func (n *Node) IsMachCall() bool {
	return n.Op == OpCall && n.Call != nil && n.Call.Safepoint
}

// IsSafePoint 安全点（调用也是安全点）
func (n *Node) IsSafePoint() bool {
	return n.Op == OpSafePoint || n.IsMachCall()
}

// IsBranch 分支类节点
func (n *Node) IsBranch() bool {
	switch n.Op {
	case OpIf, OpGoto, OpJump:
		return true
	}
	return false
}

// IsNullCheck 隐式空检查
func (n *Node) IsNullCheck() bool { return n.Op == OpNullCheck }

// IsCatch 异常分派
func (n *Node) IsCatch() bool { return n.Op == OpCatch }

// IsPinch 钳点节点
func (n *Node) IsPinch() bool { return n.Op == OpNode && n.Pinch != nil }

// Size 编码后的字节数
func (n *Node) Size(ra RegAlloc) int {
	if n.Inst == nil {
		return 0
	}
	return n.Inst.Size(ra)
}

// AlignmentRequired 节点要求的起始对齐
func (n *Node) AlignmentRequired() int {
	if a, ok := n.Inst.(Aligner); ok {
		return a.AlignmentRequired()
	}
	return 1
}

// ComputePadding 在 offset 处发射该节点前需要的填充字节
func (n *Node) ComputePadding(offset int) int {
	if p, ok := n.Inst.(Padder); ok {
		return p.ComputePadding(offset)
	}
	return 0
}

// MayBeShortBranch 存在短跳转形式
func (n *Node) MayBeShortBranch() bool {
	sb, ok := n.Inst.(ShortBrancher)
	return ok && sb.ShortVersion() != nil
}

// RelocCount 重定位条目数
func (n *Node) RelocCount() int {
	if r, ok := n.Inst.(Relocator); ok {
		return r.Relocs()
	}
	return 0
}

// ConstSize 常量区占用字节数
func (n *Node) ConstSize() int {
	if c, ok := n.Inst.(ConstUser); ok {
		return c.ConstSize()
	}
	return 0
}

// RetAddrOffset 返回地址偏移（仅调用）
func (n *Node) RetAddrOffset() int {
	if n.Call != nil {
		return n.Call.RetAddrOffset
	}
	return 0
}

// Latency 从第 k 个输入到本节点的边延迟
// 优先级边没有延迟
func (n *Node) Latency(k int) int {
	if k >= n.req {
		return 0
	}
	def := n.in[k]
	if def == nil || def.Class == nil {
		return 0
	}
	return def.Class.ResultLatency
}

func (n *Node) String() string {
	return fmt.Sprintf("%d:%s", n.ID, n.Op)
}
