package mach

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/pipeline"
)

type sizedInst int

func (s sizedInst) Name() string                                  { return "sized" }
func (s sizedInst) Size(ra RegAlloc) int                          { return int(s) }
func (s sizedInst) Emit(cb *codebuf.Buffer, n *Node, ra RegAlloc) {}

func testClass(latency int) *pipeline.Class {
	return &pipeline.Class{Name: "test", InstructionCount: 1, ResultLatency: latency}
}

func TestEdges(t *testing.T) {
	g := NewCFG()
	a := g.NewNode(OpAdd)
	b := g.NewNode(OpAdd)
	c := g.NewNode(OpAdd)
	p := g.NewNode(OpNode)

	c.AddReq(a)
	c.AddPrec(p)
	c.AddPrec(p)
	c.AddPrec(c)
	c.AddReq(b)

	require.Equal(t, 2, c.Req())
	require.Equal(t, 3, c.Len())
	assert.Same(t, a, c.In(0))
	assert.Same(t, b, c.In(1))
	assert.Same(t, p, c.In(2), "precedence edge moves behind required inputs")
	assert.True(t, c.HasPrec(p))
	assert.Equal(t, 1, p.OutCnt())

	c.RmPrec(2)
	assert.False(t, c.HasPrec(p))
	assert.Equal(t, 0, p.OutCnt())
	assert.Panics(t, func() { c.RmPrec(0) })

	d := g.NewNode(OpAdd)
	a.ReplaceBy(d)
	assert.Same(t, d, c.In(0))
	assert.Equal(t, 0, a.OutCnt())
	assert.Equal(t, 1, d.OutCnt())

	c.DisconnectInputs()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, d.OutCnt())
	assert.Equal(t, 0, b.OutCnt())
}

func TestLatency(t *testing.T) {
	g := NewCFG()
	def := g.NewNode(OpLoad)
	def.Class = testClass(3)
	use := g.NewNode(OpAdd)
	use.AddReq(def)
	use.AddPrec(g.NewNode(OpNode))
	assert.Equal(t, 3, use.Latency(0))
	assert.Equal(t, 0, use.Latency(1))
}

func TestAlignmentPadding(t *testing.T) {
	g := NewCFG()
	b := g.NewBlock()
	b.Align = 16

	assert.Equal(t, 0, b.AlignmentPadding(32, 15))
	assert.Equal(t, 4, b.AlignmentPadding(12, 15), "ordinary aligned block always pads")

	b.Loop = true
	assert.Equal(t, 0, b.AlignmentPadding(4, 8), "padding beyond MaxLoopPad")
	assert.Equal(t, 4, b.AlignmentPadding(12, 8))

	// 循环开头的指令已经覆盖补齐量
	b.SetFirstInstSize(6)
	assert.Equal(t, 0, b.AlignmentPadding(12, 8))
	b.SetFirstInstSize(4)
	assert.Equal(t, 4, b.AlignmentPadding(12, 8))
}

func TestComputeFirstInstSize(t *testing.T) {
	g := NewCFG()
	ra := NewAllocation(16, 32, 8)
	b := g.NewBlock()
	g.Append(b,
		g.NewMachNode(OpAdd, sizedInst(3)),
		g.NewNode(OpNode), // 空节点不计数
		g.NewMachNode(OpAdd, sizedInst(4)),
		g.NewMachNode(OpAdd, sizedInst(5)),
	)

	sum := 0
	left := b.ComputeFirstInstSize(&sum, 2, 16, ra)
	assert.Equal(t, 0, left)
	assert.Equal(t, 7, sum)

	sum = 0
	left = b.ComputeFirstInstSize(&sum, 5, 16, ra)
	assert.Equal(t, 2, left, "block runs out before the budget")
	assert.Equal(t, 12, sum)

	sum = 10
	left = b.ComputeFirstInstSize(&sum, 3, 16, ra)
	assert.Equal(t, 0, left, "fetch window full")
	assert.Equal(t, 13, sum)
}

func TestNonConnectorSuccessor(t *testing.T) {
	g := NewCFG()
	a, c, d := g.NewBlock(), g.NewBlock(), g.NewBlock()
	c.Connector = true
	a.AddSucc(c, Edge{})
	c.AddSucc(d, Edge{})
	assert.Same(t, d, a.NonConnectorSuccessor(0))
	assert.Same(t, c, g.NextBlock(a))
	assert.Nil(t, g.NextBlock(d))
	assert.Equal(t, []*Block{a}, c.Preds)
}

func TestJVMState(t *testing.T) {
	g := NewCFG()
	m := &Method{Name: "Foo.bar", MaxLocals: 2}
	x := g.NewNode(OpAdd)
	y := g.NewNode(OpAdd)
	obj := g.NewNode(OpScalarObject)
	obj.Scalar = &ScalarInfo{Klass: "Point", Fields: []*Node{x, g.NewConst(IntCon(7))}}

	caller := &JVMState{Method: m, BCI: 3, Locals: []*Node{x, obj}}
	callee := &JVMState{Caller: caller, Method: m, BCI: 9, Stack: []*Node{y, x}}

	assert.Equal(t, 2, callee.Depth())
	assert.Same(t, caller, callee.OfDepth(1))
	assert.Same(t, callee, callee.OfDepth(2))

	other := &JVMState{Caller: caller, Method: m, BCI: 11}
	assert.True(t, callee.SameCallsAs(other))
	other.Caller = &JVMState{Method: m, BCI: 4}
	assert.False(t, callee.SameCallsAs(other))

	ins := callee.Inputs()
	assert.Contains(t, ins, x)
	assert.Contains(t, ins, y)
	assert.Contains(t, ins, obj)
	seen := map[*Node]int{}
	for _, n := range ins {
		seen[n]++
	}
	assert.Equal(t, 1, seen[x], "inputs are deduplicated")

	sfpt := g.NewMachNode(OpSafePoint, sizedInst(1))
	g.AttachJVMS(sfpt, callee)
	for i := 0; i < sfpt.Req(); i++ {
		assert.NotEqual(t, OpCon, sfpt.In(i).Op)
	}
}

func TestAllocation(t *testing.T) {
	g := NewCFG()
	ra := NewAllocation(16, 64, 4)
	n := g.NewNode(OpAdd)
	assert.False(t, ra.RegFirst(n).Valid())

	ra.SetPair(n, 2, 3)
	assert.Equal(t, Reg(2), ra.RegFirst(n))
	assert.Equal(t, Reg(3), ra.RegSecond(n))
	ra.Set(n, 5)
	assert.Equal(t, BadReg, ra.RegSecond(n))

	slot := ra.StackSlot(3)
	assert.False(t, ra.IsReg(slot))
	assert.Equal(t, 12, ra.Reg2Offset(slot))
}
