// block.go - 基本块与控制流图
//
// 块内节点按最终发射顺序排列，块之间按 CFG.Blocks 的顺序排布。
// 后继边上可以附带异常分派或多路跳转的元数据。

package mach

import (
	"fmt"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
)

// Edge 后继边的元数据
type Edge struct {
	Kind        EdgeKind
	HandlerBCI  int  // 异常处理器的 bci（EdgeCatch）
	FallThrough bool // 调用正常返回的边（EdgeCatch）
	Case        int  // 分支编号（EdgeCase）
}

// Block 基本块
type Block struct {
	ID        int // 排布顺序编号
	Nodes     []*Node
	Preds     []*Block
	Succs     []*Block
	SuccEdges []Edge

	Loop      bool // 循环头
	Connector bool // 空的连接块，不发射代码
	Align     int  // 起始地址对齐要求（1 表示不要求）

	Label         *codebuf.Label
	firstInstSize int
}

// Head 块的第一个节点
func (b *Block) Head() *Node {
	if len(b.Nodes) == 0 {
		return nil
	}
	return b.Nodes[0]
}

// End 块的最后一个节点
func (b *Block) End() *Node {
	if len(b.Nodes) == 0 {
		return nil
	}
	return b.Nodes[len(b.Nodes)-1]
}

// FindNode 节点在块中的下标，不存在返回 -1
func (b *Block) FindNode(n *Node) int {
	for i, m := range b.Nodes {
		if m == n {
			return i
		}
	}
	return -1
}

// InsertNode 在下标 i 处插入节点
func (b *Block) InsertNode(n *Node, i int) {
	b.Nodes = append(b.Nodes, nil)
	copy(b.Nodes[i+1:], b.Nodes[i:])
	b.Nodes[i] = n
	n.Block = b
}

// AddInst 在块尾节点之前插入
func (b *Block) AddInst(n *Node) {
	b.InsertNode(n, len(b.Nodes)-1)
}

// CodeAlignment 块起始地址的对齐要求
func (b *Block) CodeAlignment() int {
	if b.Align <= 0 {
		return 1
	}
	return b.Align
}

// NonConnector 跳过连接块后的真实块
func (b *Block) NonConnector() *Block {
	s := b
	for s.Connector && len(s.Succs) == 1 {
		s = s.Succs[0]
	}
	return s
}

// NonConnectorSuccessor 第 i 个后继的真实块
func (b *Block) NonConnectorSuccessor(i int) *Block {
	return b.Succs[i].NonConnector()
}

// Edge 第 i 条后继边的元数据
func (b *Block) Edge(i int) Edge {
	if i < len(b.SuccEdges) {
		return b.SuccEdges[i]
	}
	return Edge{}
}

// AddSucc 添加后继并维护前驱
func (b *Block) AddSucc(s *Block, e Edge) {
	b.Succs = append(b.Succs, s)
	b.SuccEdges = append(b.SuccEdges, e)
	s.Preds = append(s.Preds, b)
}

// FirstInstSize 循环头前若干条指令的总大小（0 表示未计算）
func (b *Block) FirstInstSize() int { return b.firstInstSize }

// SetFirstInstSize 设置循环头前若干条指令的总大小
func (b *Block) SetFirstInstSize(sz int) { b.firstInstSize = sz }

// ComputeFirstInstSize 累加前 instCnt 条非空指令的大小
// sumSize 超过 fetchSize 时停止累加，返回尚未计入的指令条数
func (b *Block) ComputeFirstInstSize(sumSize *int, instCnt, fetchSize int, ra RegAlloc) int {
	for _, n := range b.Nodes {
		if instCnt <= 0 {
			break
		}
		sz := n.Size(ra)
		if sz == 0 {
			continue
		}
		instCnt--
		if *sumSize+sz > fetchSize {
			return 0
		}
		*sumSize += sz
	}
	return instCnt
}

// AlignmentPadding 在 offset 处开始本块需要补齐的字节数
//
// 循环头的补齐受 maxLoopPad 限制；当循环开头的若干条指令已经足以
// 填满取指窗口的剩余部分（firstInstSize 大于补齐量）时不补齐。
func (b *Block) AlignmentPadding(offset, maxLoopPad int) int {
	align := b.CodeAlignment()
	if align <= 1 {
		return 0
	}
	cur := offset & (align - 1)
	if cur == 0 {
		return 0
	}
	padding := align - cur
	if !b.Loop {
		return padding
	}
	if padding > maxLoopPad {
		return 0
	}
	if b.firstInstSize > padding {
		return 0
	}
	return padding
}

func (b *Block) String() string {
	return fmt.Sprintf("B%d", b.ID)
}

// ============================================================================
// 控制流图
// ============================================================================

// CFG 控制流图，同时负责分配节点编号
type CFG struct {
	Blocks []*Block
	nodes  []*Node
	top    *Node
}

// NewCFG 创建空图
func NewCFG() *CFG {
	g := &CFG{}
	g.top = g.NewNode(OpCon)
	g.top.Type = Type{Basic: TypeTop}
	return g
}

// Top 未定义值
func (g *CFG) Top() *Node { return g.top }

// NumNodes 已分配的节点编号数
func (g *CFG) NumNodes() int { return len(g.nodes) }

// Node 按编号取节点
func (g *CFG) Node(id int) *Node { return g.nodes[id] }

// NewNode 创建节点并分配编号
func (g *CFG) NewNode(op Opcode) *Node {
	n := &Node{ID: len(g.nodes), Op: op}
	g.nodes = append(g.nodes, n)
	return n
}

// NewMachNode 创建机器节点
func (g *CFG) NewMachNode(op Opcode, inst Inst, inputs ...*Node) *Node {
	n := g.NewNode(op)
	n.Mach = true
	n.Inst = inst
	for _, in := range inputs {
		n.AddReq(in)
	}
	return n
}

// NewBlock 在末尾追加一个块
func (g *CFG) NewBlock() *Block {
	b := &Block{ID: len(g.Blocks), Align: 1}
	g.Blocks = append(g.Blocks, b)
	return b
}

// Append 把节点追加到块尾
func (g *CFG) Append(b *Block, nodes ...*Node) {
	for _, n := range nodes {
		n.Block = b
		b.Nodes = append(b.Nodes, n)
	}
}

// NewConst 创建不属于任何块的常量节点
func (g *CFG) NewConst(t Type) *Node {
	n := g.NewNode(OpCon)
	t.Con = true
	n.Type = t
	return n
}

// AttachJVMS 把状态挂到安全点上，并把状态引用的块内节点作为必需输入
func (g *CFG) AttachJVMS(sfpt *Node, jvms *JVMState) {
	sfpt.JVMS = jvms
	for _, n := range jvms.Inputs() {
		if n.Op == OpCon {
			continue
		}
		sfpt.AddReq(n)
	}
}

// NextBlock 排布上紧随 b 的块
func (g *CFG) NextBlock(b *Block) *Block {
	if b.ID+1 < len(g.Blocks) {
		return g.Blocks[b.ID+1]
	}
	return nil
}
