package mach

import "github.com/tangzhangming/nova-backend/internal/codebuf"

// Inst 机器指令的编码能力
// 由各目标机实现；Size 必须与 Emit 实际写入的字节数一致
type Inst interface {
	Name() string
	Size(ra RegAlloc) int
	Emit(cb *codebuf.Buffer, n *Node, ra RegAlloc)
}

// ShortBrancher 存在短偏移形式的分支
type ShortBrancher interface {
	ShortVersion() Inst
}

// Aligner 要求起始地址对齐的指令
type Aligner interface {
	AlignmentRequired() int
}

// Padder 需要在发射前补齐的指令
type Padder interface {
	ComputePadding(offset int) int
}

// Relocator 会产生重定位条目的指令
type Relocator interface {
	Relocs() int
}

// ConstUser 使用常量区的指令
type ConstUser interface {
	ConstSize() int
}

// ============================================================================
// 寄存器分配结果
// ============================================================================

// Reg 寄存器或栈槽编号
// [0, NumRegs) 为物理寄存器，其后为栈槽
type Reg int

// BadReg 无效编号
const BadReg Reg = -1

// Valid 是否有效
func (r Reg) Valid() bool { return r >= 0 }

// RegAlloc 寄存器分配结果（只读）
type RegAlloc interface {
	RegFirst(n *Node) Reg
	RegSecond(n *Node) Reg
	IsOop(n *Node) bool
	IsReg(r Reg) bool
	// Reg2Offset 栈槽相对栈指针的字节偏移
	Reg2Offset(r Reg) int
	// NumRegs 寄存器与栈槽编号的上限
	NumRegs() int
	// NodeRegsMaxIndex 分配结果能容纳的节点编号上限，钳点编号不得超过
	NodeRegsMaxIndex() int
	FrameSize() int
}

// Allocation 基于映射表的 RegAlloc 实现
type Allocation struct {
	PhysRegs int // 物理寄存器数量
	MaxRegs  int
	MaxNodes int
	SlotSize int
	Frame    int
	first    map[*Node]Reg
	second   map[*Node]Reg
	oops     map[*Node]bool
}

// NewAllocation 创建分配结果
func NewAllocation(physRegs, maxRegs, slotSize int) *Allocation {
	return &Allocation{
		PhysRegs: physRegs,
		MaxRegs:  maxRegs,
		MaxNodes: 1 << 16,
		SlotSize: slotSize,
		first:    make(map[*Node]Reg),
		second:   make(map[*Node]Reg),
		oops:     make(map[*Node]bool),
	}
}

// Set 设置节点的单个寄存器
func (a *Allocation) Set(n *Node, r Reg) {
	a.first[n] = r
	delete(a.second, n)
}

// SetPair 设置节点的寄存器对（long/double）
func (a *Allocation) SetPair(n *Node, lo, hi Reg) {
	a.first[n] = lo
	a.second[n] = hi
}

// SetOop 标记节点的值为对象引用
func (a *Allocation) SetOop(n *Node, oop bool) {
	a.oops[n] = oop
}

// StackSlot 第 i 个栈槽的编号
func (a *Allocation) StackSlot(i int) Reg {
	return Reg(a.PhysRegs + i)
}

func (a *Allocation) RegFirst(n *Node) Reg {
	if r, ok := a.first[n]; ok {
		return r
	}
	return BadReg
}

func (a *Allocation) RegSecond(n *Node) Reg {
	if r, ok := a.second[n]; ok {
		return r
	}
	return BadReg
}

func (a *Allocation) IsOop(n *Node) bool { return a.oops[n] }

func (a *Allocation) IsReg(r Reg) bool { return r >= 0 && int(r) < a.PhysRegs }

func (a *Allocation) Reg2Offset(r Reg) int {
	return (int(r) - a.PhysRegs) * a.SlotSize
}

func (a *Allocation) NumRegs() int { return a.MaxRegs }

func (a *Allocation) NodeRegsMaxIndex() int { return a.MaxNodes }

func (a *Allocation) FrameSize() int { return a.Frame }
