package sparc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
	"github.com/tangzhangming/nova-backend/internal/output"
)

var _ output.Target = (*Target)(nil)

func newTarget(t *testing.T) *Target {
	t.Helper()
	tg, err := New()
	require.NoError(t, err)
	return tg
}

func newBuffer() *codebuf.Buffer {
	cb := codebuf.New("test", nil, binary.BigEndian)
	cb.Initialize(4096, 64)
	cb.InitializeStubsSize(512)
	cb.InitializeConstsSize(512)
	return cb
}

// words 发射单个节点并按字返回
func words(t *testing.T, n *mach.Node, ra mach.RegAlloc) []uint32 {
	t.Helper()
	cb := newBuffer()
	n.Inst.Emit(cb, n, ra)
	code := cb.Insts().Bytes()
	require.Equal(t, n.Size(ra), len(code))
	require.Zero(t, len(code)%4)
	var ws []uint32
	for i := 0; i < len(code); i += 4 {
		ws = append(ws, binary.BigEndian.Uint32(code[i:]))
	}
	return ws
}

func TestModel(t *testing.T) {
	m := newTarget(t).Model()
	assert.True(t, m.RequiresBundling)
	assert.True(t, m.BranchHasDelaySlot)
	assert.Equal(t, 4, m.InstrUnitSize)
	assert.True(t, m.Classes["br"].BranchDelay)
	assert.True(t, m.Classes["simple_call"].MultipleBundles)
}

func TestPrologAndReturn(t *testing.T) {
	tg := newTarget(t)
	ra := NewAllocation(0)
	ra.Frame = 96
	g := mach.NewCFG()

	prolog := g.NewMachNode(mach.OpProlog, tg.Prolog())
	assert.Equal(t, []uint32{0x9DE3BFA0}, words(t, prolog, ra)) // save %sp, -96, %sp

	ret := tg.Return(g)
	assert.Equal(t, []uint32{0x81C7E008, 0x81E80000}, words(t, ret, ra)) // ret; restore

	assert.Equal(t, 0, g.NewMachNode(mach.OpEpilog, tg.Epilog(false)).Size(ra))
	assert.Equal(t, 4, g.NewMachNode(mach.OpEpilog, tg.Epilog(true)).Size(ra))
}

func TestLargeFrameUsesScratch(t *testing.T) {
	tg := newTarget(t)
	ra := NewAllocation(0)
	ra.Frame = 8192
	g := mach.NewCFG()
	prolog := g.NewMachNode(mach.OpProlog, tg.Prolog())
	assert.Len(t, words(t, prolog, ra), 3)
}

func TestBranchCarriesDelayNop(t *testing.T) {
	tg := newTarget(t)
	ra := NewAllocation(0)
	g := mach.NewCFG()

	cb := newBuffer()
	l := cb.NewLabel()
	br := tg.Goto(g)
	br.Label = l
	br.Inst.Emit(cb, br, ra)
	cb.Insts().Emit32(nopWord)
	cb.Insts().Emit32(nopWord)
	cb.Bind(l)

	assert.Equal(t, 8, br.Size(ra))
	assert.Equal(t, uint32(0x10800004), cb.Insts().Get32(0)) // ba +16
	assert.Equal(t, nopWord, cb.Insts().Get32(4))
	assert.False(t, tg.IsShortBranchOffset(0))
	assert.False(t, br.MayBeShortBranch())
}

func TestArithmeticEncoding(t *testing.T) {
	tg := newTarget(t)
	ra := NewAllocation(0)
	g := mach.NewCFG()

	x, y := g.NewNode(mach.OpProj), g.NewNode(mach.OpProj)
	ra.Set(x, mach.Reg(O0))
	ra.Set(y, mach.Reg(O1))

	add := tg.Add(g, x, y)
	ra.Set(add, mach.Reg(O2))
	assert.Equal(t, []uint32{0x94020009}, words(t, add, ra)) // add %o0, %o1, %o2

	cmp := tg.CmpImm(g, x, 5)
	assert.Equal(t, []uint32{0x80A22005}, words(t, cmp, ra)) // subcc %o0, 5, %g0
}

func TestLoadConst(t *testing.T) {
	tg := newTarget(t)
	ra := NewAllocation(0)
	g := mach.NewCFG()

	small := tg.LoadConst(g, g.NewConst(mach.IntCon(7)))
	ra.Set(small, mach.Reg(L0))
	assert.Len(t, words(t, small, ra), 1)
	assert.Equal(t, "ialu_imm", small.Class.Name)

	big := tg.LoadConst(g, g.NewConst(mach.IntCon(0x12345)))
	ra.Set(big, mach.Reg(L0))
	assert.Len(t, words(t, big, ra), 2)
	assert.Equal(t, "ialu_hi_lo_reg", big.Class.Name)
}

func TestCallAndStub(t *testing.T) {
	tg := newTarget(t)
	ra := NewAllocation(0)
	g := mach.NewCFG()

	call := tg.CallJava(g, "Foo.bar", false)
	assert.Equal(t, 8, call.RetAddrOffset())

	cb := newBuffer()
	call.Inst.Emit(cb, call, ra)
	assert.Equal(t, uint32(0x40000000), cb.Insts().Get32(0))
	assert.Equal(t, nopWord, cb.Insts().Get32(4))
	assert.Equal(t, tg.SizeJavaToInterp(), cb.Stubs().Size())
	assert.Len(t, cb.Relocs(), call.RelocCount()+tg.RelocJavaToInterp())
}

func TestStackSpill(t *testing.T) {
	tg := newTarget(t)
	ra := NewAllocation(4)
	g := mach.NewCFG()

	src := g.NewNode(mach.OpProj)
	ra.Set(src, ra.StackSlot(1))
	cp := tg.SpillCopy(g, src)
	ra.Set(cp, ra.StackSlot(3))

	ws := words(t, cp, ra)
	require.Len(t, ws, 2)
	assert.Equal(t, "ld [%o6 + 68], %g1", decode(ws[0]))
	assert.Equal(t, "st %g1, [%o6 + 76]", decode(ws[1]))
}

func TestHandlerSizes(t *testing.T) {
	tg := newTarget(t)
	cb := newBuffer()
	exc := tg.EmitExceptionHandler(cb)
	deopt := tg.EmitDeoptHandler(cb)
	assert.Equal(t, 0, exc)
	assert.Equal(t, tg.SizeExceptionHandler(), deopt)
	assert.Equal(t, tg.SizeExceptionHandler()+tg.SizeDeoptHandler(), cb.Stubs().Size())
}

func TestDisassemble(t *testing.T) {
	tg := newTarget(t)
	code := binary.BigEndian.AppendUint32(nil, 0x9DE3BFA0)
	code = binary.BigEndian.AppendUint32(code, nopWord)
	code = binary.BigEndian.AppendUint32(code, 0x10800004)
	lines := tg.Disassemble(code, 0x20)
	assert.Equal(t, []string{
		"0020: 9de3bfa0  save %o6, -96, %o6",
		"0024: 01000000  nop",
		"0028: 10800004  ba +16",
	}, lines)
}
