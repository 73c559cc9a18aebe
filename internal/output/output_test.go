package output_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/debuginfo"
	"github.com/tangzhangming/nova-backend/internal/mach"
	"github.com/tangzhangming/nova-backend/internal/output"
	"github.com/tangzhangming/nova-backend/internal/stats"
	"github.com/tangzhangming/nova-backend/internal/target/amd64"
	"github.com/tangzhangming/nova-backend/internal/target/sparc"
)

// ============================================================================
// 测试夹具
// ============================================================================

var demo = &mach.Method{Name: "Demo.run", MaxLocals: 2, MaxStack: 2}

type method struct {
	g  *mach.CFG
	ra *mach.Allocation
}

func newAMD64(t *testing.T) *amd64.Target {
	t.Helper()
	tg, err := amd64.New()
	require.NoError(t, err)
	return tg
}

func compile(tg output.Target, m method, conf output.Config, cache *codebuf.CodeCache, acc *stats.Accumulator) *output.Compile {
	return output.New(output.Params{
		Name:   demo.Name,
		Method: demo,
		CFG:    m.g,
		RA:     m.ra,
		Target: tg,
		Config: conf,
		Cache:  cache,
		Stats:  acc,
	})
}

// straightLine B0: 1 + 2 后返回
func straightLine(tg *amd64.Target) method {
	g := mach.NewCFG()
	ra := amd64.NewAllocation(4)
	ra.Frame = 16

	b0 := g.NewBlock()
	a := tg.LoadConst(g, g.NewConst(mach.IntCon(1)))
	b := tg.LoadConst(g, g.NewConst(mach.IntCon(2)))
	sum := tg.Add(g, a, b)
	ret := tg.Return(g)
	ret.AddReq(sum)
	g.Append(b0, g.NewNode(mach.OpStart), a, b, sum, ret)

	ra.Set(a, mach.Reg(amd64.RAX))
	ra.Set(b, mach.Reg(amd64.RCX))
	ra.Set(sum, mach.Reg(amd64.RAX))
	return method{g: g, ra: ra}
}

type loopMethod struct {
	method
	br *mach.Node
}

// countedLoop B0 -> B1(循环头，自环) -> B2 返回
func countedLoop(tg *amd64.Target) loopMethod {
	g := mach.NewCFG()
	ra := amd64.NewAllocation(4)
	ra.Frame = 16

	b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()
	b1.Loop = true

	i := tg.LoadConst(g, g.NewConst(mach.IntCon(0)))
	g.Append(b0, g.NewNode(mach.OpStart), i, tg.Goto(g))
	b0.AddSucc(b1, mach.Edge{})

	inc := tg.AddImm(g, i, 1)
	cmp := tg.CmpImm(g, inc, 100)
	br := tg.If(g, amd64.CondL, cmp)
	g.Append(b1, inc, cmp, br)
	b1.AddSucc(b1, mach.Edge{})
	b1.AddSucc(b2, mach.Edge{})

	g.Append(b2, tg.Return(g))

	ra.Set(i, mach.Reg(amd64.RAX))
	ra.Set(inc, mach.Reg(amd64.RAX))
	return loopMethod{method: method{g: g, ra: ra}, br: br}
}

// callWithHandler B0 调用后分派：正常返回到 B1，bci 12 的异常到 B2
func callWithHandler(tg *amd64.Target) method {
	g := mach.NewCFG()
	ra := amd64.NewAllocation(4)
	ra.Frame = 16

	b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()

	x := tg.LoadConst(g, g.NewConst(mach.IntCon(7)))
	call := tg.CallJava(g, "Callee.work", false)
	g.AttachJVMS(call, &mach.JVMState{
		Method: demo,
		BCI:    5,
		Locals: []*mach.Node{x, g.NewConst(mach.IntCon(3))},
	})
	g.Append(b0, g.NewNode(mach.OpStart), x, call, tg.Catch(g, call))
	b0.AddSucc(b1, mach.Edge{Kind: mach.EdgeCatch, FallThrough: true})
	b0.AddSucc(b2, mach.Edge{Kind: mach.EdgeCatch, HandlerBCI: 12})

	g.Append(b1, tg.Return(g))
	g.Append(b2, tg.Rethrow(g))

	ra.Set(x, mach.Reg(amd64.RBX))
	return method{g: g, ra: ra}
}

// ============================================================================
// amd64
// ============================================================================

func TestOutputStraightLine(t *testing.T) {
	tg := newAMD64(t)
	acc := stats.NewAccumulator()
	c := compile(tg, straightLine(tg), output.DefaultConfig(), nil, acc)

	res, err := c.Output()
	require.NoError(t, err)
	require.NoError(t, c.Err())

	assert.Equal(t, "amd64", res.Target)
	assert.Equal(t, byte(0x55), res.Code[0], "prolog starts with push rbp")
	assert.Equal(t, byte(0xC3), res.Code[res.InstsSize-1], "method ends with ret")
	assert.Equal(t, 0, res.FirstBlockSize)

	var kinds []codebuf.RelocKind
	for _, r := range res.Relocs {
		kinds = append(kinds, r.Kind)
	}
	assert.Contains(t, kinds, codebuf.RelocPollReturn)

	// 没有 Java 调用，桩区只有两个处理器
	assert.Equal(t, res.InstsSize, res.ExceptionHandler)
	assert.Equal(t, res.ExceptionHandler+tg.SizeExceptionHandler(), res.DeoptHandler)
	assert.Equal(t, tg.SizeExceptionHandler()+tg.SizeDeoptHandler(), res.StubsSize)

	snap := acc.Snapshot()
	assert.Equal(t, int64(1), snap.Compilations)
	assert.Equal(t, int64(0), snap.Failures)
	assert.Equal(t, int64(res.InstsSize), snap.MethodSize)
}

func TestOutputIsDeterministic(t *testing.T) {
	tg := newAMD64(t)
	first, err := compile(tg, countedLoop(tg).method, output.DefaultConfig(), nil, nil).Output()
	require.NoError(t, err)
	second, err := compile(tg, countedLoop(tg).method, output.DefaultConfig(), nil, nil).Output()
	require.NoError(t, err)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Relocs, second.Relocs)
}

func TestLoopHeadAlignedAndBranchShortened(t *testing.T) {
	tg := newAMD64(t)
	m := countedLoop(tg)
	conf := output.DefaultConfig()
	conf.PrintAssembly = true
	c := compile(tg, m.method, conf, nil, nil)

	res, err := c.Output()
	require.NoError(t, err)

	head := m.g.Blocks[1].Label.Pos()
	assert.Zero(t, head%conf.OptoLoopAlignment)
	assert.Positive(t, c.Counters().NopSize)
	assert.Equal(t, head, res.FirstBlockSize)

	// 回边跳转缩短成 rel8
	off, ok := res.NodeOffsets[m.br.ID]
	require.True(t, ok)
	assert.Equal(t, byte(0x70|byte(amd64.CondL)), res.Code[off])
	assert.Equal(t, int8(head-(off+2)), int8(res.Code[off+1]))

	assert.Contains(t, res.Listing, "B1: # loop")
	assert.Contains(t, res.Listing, "stubs:")
}

func TestShortenBranchesIsIdempotent(t *testing.T) {
	tg := newAMD64(t)
	m := countedLoop(tg)
	c := compile(tg, m.method, output.DefaultConfig(), nil, nil)
	_, err := c.Output()
	require.NoError(t, err)

	blocks := m.g.Blocks
	type form struct {
		name string
		size int
	}
	shortForms := func() map[int]form {
		forms := map[int]form{}
		for _, b := range blocks {
			for _, n := range b.Nodes {
				if n.Mach && n.IsBranch() {
					forms[n.ID] = form{name: n.Inst.Name(), size: n.Size(m.ra)}
				}
			}
		}
		return forms
	}
	freshLabels := func() []*codebuf.Label {
		labels := make([]*codebuf.Label, len(blocks)+1)
		for i := range labels {
			labels[i] = c.Buffer().NewLabel()
		}
		return labels
	}

	before := shortForms()
	first, err := c.ShortenBranches(freshLabels())
	require.NoError(t, err)
	second, err := c.ShortenBranches(freshLabels())
	require.NoError(t, err)
	require.False(t, c.Failing())

	assert.Equal(t, before, shortForms())
	assert.Equal(t, first.BlockStarts, second.BlockStarts)
	for i, b := range blocks {
		assert.Equal(t, b.Label.Pos(), first.BlockStarts[i], "B%d", i)
	}
}

func TestShortenBranchesNeedsBuffer(t *testing.T) {
	tg := newAMD64(t)
	c := compile(tg, countedLoop(tg).method, output.DefaultConfig(), nil, nil)
	_, err := c.ShortenBranches(nil)
	require.ErrorIs(t, err, output.ErrNoCodeBuffer)
}

func TestLoopPaddingRespectsMaxLoopPad(t *testing.T) {
	tg := newAMD64(t)
	m := countedLoop(tg)
	conf := output.DefaultConfig()
	conf.MaxLoopPad = 0
	c := compile(tg, m.method, conf, nil, nil)

	_, err := c.Output()
	require.NoError(t, err)
	assert.Zero(t, c.Counters().NopSize)
	assert.NotZero(t, m.g.Blocks[1].Label.Pos()%conf.OptoLoopAlignment)
}

func TestCallSafepointAndExceptionTable(t *testing.T) {
	tg := newAMD64(t)
	m := callWithHandler(tg)
	c := compile(tg, m, output.DefaultConfig(), nil, nil)

	res, err := c.Output()
	require.NoError(t, err)

	descs := res.Debug.All()
	require.Len(t, descs, 1)
	d := descs[0]
	assert.True(t, d.Safepoint)
	// 调用的 32 位位移按 4 字节对齐，返回地址紧跟其后
	assert.Zero(t, d.Offset%4)

	scope := d.Youngest()
	require.NotNil(t, scope)
	assert.Equal(t, "Demo.run", scope.MethodName)
	assert.Equal(t, 5, scope.BCI)
	require.Len(t, scope.Locals, 2)
	assert.IsType(t, &debuginfo.LocationValue{}, scope.Locals[0])
	assert.Equal(t, &debuginfo.ConstantIntValue{Value: 3}, scope.Locals[1])

	got, ok := res.PcDesc(d.Offset)
	require.True(t, ok)
	assert.Same(t, d, got)

	require.Equal(t, 1, res.Handlers.Len())
	pco, ok := res.Handlers.FindHandler(d.Offset, 12)
	require.True(t, ok)
	assert.Equal(t, m.g.Blocks[2].Label.Pos(), pco)

	assert.GreaterOrEqual(t, res.StubsSize,
		tg.SizeJavaToInterp()+tg.SizeExceptionHandler()+tg.SizeDeoptHandler())
	var kinds []codebuf.RelocKind
	for _, r := range res.Relocs {
		kinds = append(kinds, r.Kind)
	}
	assert.Contains(t, kinds, codebuf.RelocStaticCall)
}

// catchIntoLoop B0 调用后正常流程落入对齐的循环头 B1，bci 12 的异常到 B3
// extra 条额外的常量加载用来改变 B0 的长度
func catchIntoLoop(tg *amd64.Target, extra int) method {
	g := mach.NewCFG()
	ra := amd64.NewAllocation(4)
	ra.Frame = 16

	b0, b1, b2, b3 := g.NewBlock(), g.NewBlock(), g.NewBlock(), g.NewBlock()
	b1.Loop = true

	g.Append(b0, g.NewNode(mach.OpStart))
	for k := 0; k < extra; k++ {
		ld := tg.LoadConst(g, g.NewConst(mach.IntCon(int32(k+1))))
		ra.Set(ld, mach.Reg(amd64.RCX))
		g.Append(b0, ld)
	}
	x := tg.LoadConst(g, g.NewConst(mach.IntCon(7)))
	call := tg.CallJava(g, "Callee.work", false)
	g.AttachJVMS(call, &mach.JVMState{Method: demo, BCI: 5, Locals: []*mach.Node{x, g.NewConst(mach.IntCon(3))}})
	g.Append(b0, x, call, tg.Catch(g, call))
	b0.AddSucc(b1, mach.Edge{Kind: mach.EdgeCatch, FallThrough: true})
	b0.AddSucc(b3, mach.Edge{Kind: mach.EdgeCatch, HandlerBCI: 12})

	inc := tg.AddImm(g, x, 1)
	cmp := tg.CmpImm(g, inc, 100)
	g.Append(b1, inc, cmp, tg.If(g, amd64.CondL, cmp))
	b1.AddSucc(b1, mach.Edge{})
	b1.AddSucc(b2, mach.Edge{})

	g.Append(b2, tg.Return(g))
	g.Append(b3, tg.Rethrow(g))

	ra.Set(x, mach.Reg(amd64.RBX))
	ra.Set(inc, mach.Reg(amd64.RBX))
	return method{g: g, ra: ra}
}

func TestCatchBeforePaddedLoopKeepsHandler(t *testing.T) {
	tg := newAMD64(t)
	padded := 0
	for extra := 0; extra <= 5; extra++ {
		m := catchIntoLoop(tg, extra)
		c := compile(tg, m, output.DefaultConfig(), nil, nil)
		res, err := c.Output()
		require.NoError(t, err, "extra=%d", extra)

		b0 := m.g.Blocks[0]
		if b0.End().Op == mach.OpNop {
			padded++
		}

		descs := res.Debug.All()
		require.Len(t, descs, 1, "extra=%d", extra)
		require.Equal(t, 1, res.Handlers.Len(), "extra=%d", extra)
		pco, ok := res.Handlers.FindHandler(descs[0].Offset, 12)
		require.True(t, ok, "extra=%d", extra)
		assert.Equal(t, m.g.Blocks[3].Label.Pos(), pco)
	}
	assert.Positive(t, padded, "some block lengths must need loop padding")
}

func TestScalarObjectSharedAcrossScopes(t *testing.T) {
	tg := newAMD64(t)
	g := mach.NewCFG()
	ra := amd64.NewAllocation(4)
	ra.Frame = 16

	b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()
	x := tg.LoadConst(g, g.NewConst(mach.IntCon(7)))
	obj := g.NewNode(mach.OpScalarObject)
	obj.Scalar = &mach.ScalarInfo{Klass: "Point", Fields: []*mach.Node{x, g.NewConst(mach.IntCon(9))}}

	caller := &mach.Method{Name: "Demo.outer", MaxLocals: 1, MaxStack: 1}
	call := tg.CallJava(g, "Callee.work", false)
	g.AttachJVMS(call, &mach.JVMState{
		Caller: &mach.JVMState{Method: caller, BCI: 2, Locals: []*mach.Node{obj}},
		Method: demo,
		BCI:    5,
		Locals: []*mach.Node{obj, x},
		Stack:  []*mach.Node{obj},
	})
	g.Append(b0, g.NewNode(mach.OpStart), x, call, tg.Catch(g, call))
	b0.AddSucc(b1, mach.Edge{Kind: mach.EdgeCatch, FallThrough: true})
	b0.AddSucc(b2, mach.Edge{Kind: mach.EdgeCatch, HandlerBCI: 12})
	g.Append(b1, tg.Return(g))
	g.Append(b2, tg.Rethrow(g))
	ra.Set(x, mach.Reg(amd64.RBX))

	res, err := compile(tg, method{g: g, ra: ra}, output.DefaultConfig(), nil, nil).Output()
	require.NoError(t, err)

	descs := res.Debug.All()
	require.Len(t, descs, 1)
	d := descs[0]
	require.Len(t, d.Scopes, 2)
	require.NotNil(t, d.Objects)
	require.Equal(t, 1, d.Objects.Len())

	pooled := d.Objects.Objects()[0]
	assert.Equal(t, obj.ID, pooled.ID)
	assert.Equal(t, "Point", pooled.Klass.Oop)
	require.Len(t, pooled.Fields, 2)
	assert.Equal(t, &debuginfo.ConstantIntValue{Value: 9}, pooled.Fields[1])

	outer, inner := d.Scopes[0], d.Scopes[1]
	assert.Equal(t, "Demo.outer", outer.MethodName)
	assert.Same(t, pooled, outer.Locals[0])
	assert.Same(t, pooled, inner.Locals[0])
	require.Len(t, inner.Expressions, 1)
	assert.Same(t, pooled, inner.Expressions[0])
}

func TestMonitorDescribed(t *testing.T) {
	tg := newAMD64(t)
	g := mach.NewCFG()
	ra := amd64.NewAllocation(4)
	ra.Frame = 32

	b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()
	obj := tg.LoadConst(g, g.NewConst(mach.IntCon(0x40)))
	box := g.NewNode(mach.OpBoxLock)
	box.BoxEliminated = true
	call := tg.CallJava(g, "Callee.work", false)
	g.AttachJVMS(call, &mach.JVMState{
		Method:   demo,
		BCI:      7,
		Locals:   []*mach.Node{obj, g.NewConst(mach.IntCon(0))},
		Monitors: []mach.MonitorRef{{Box: box, Obj: obj}},
	})
	g.Append(b0, g.NewNode(mach.OpStart), obj, call, tg.Catch(g, call))
	b0.AddSucc(b1, mach.Edge{Kind: mach.EdgeCatch, FallThrough: true})
	b0.AddSucc(b2, mach.Edge{Kind: mach.EdgeCatch, HandlerBCI: 12})
	g.Append(b1, tg.Return(g))
	g.Append(b2, tg.Rethrow(g))

	ra.Set(obj, mach.Reg(amd64.RBX))
	ra.SetOop(obj, true)
	ra.Set(box, ra.StackSlot(1))

	c := compile(tg, method{g: g, ra: ra}, output.DefaultConfig(), nil, nil)
	res, err := c.Output()
	require.NoError(t, err)

	descs := res.Debug.All()
	require.Len(t, descs, 1)
	scope := descs[0].Youngest()
	require.Len(t, scope.Monitors, 1)

	mon := scope.Monitors[0]
	assert.True(t, mon.Eliminated)
	assert.Equal(t, debuginfo.StackLocation(debuginfo.LocNormal, ra.Reg2Offset(ra.StackSlot(1))), mon.BasicLock)
	owner, ok := mon.Owner.(*debuginfo.LocationValue)
	require.True(t, ok)
	assert.Equal(t, debuginfo.RegLocation(debuginfo.LocOop, mach.Reg(amd64.RBX)), owner.Loc)
}

func TestImplicitNullCheck(t *testing.T) {
	tg := newAMD64(t)
	g := mach.NewCFG()
	ra := amd64.NewAllocation(4)
	ra.Frame = 16

	b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()
	base := tg.LoadConst(g, g.NewConst(mach.IntCon(0x1000)))
	ld := tg.Load(g, base, 8)
	g.Append(b0, g.NewNode(mach.OpStart), base, ld, tg.NullCheck(g, ld))
	// 0 号后继是访存出错时的去处，1 号后继顺序执行
	b0.AddSucc(b2, mach.Edge{})
	b0.AddSucc(b1, mach.Edge{})
	g.Append(b1, tg.Return(g))
	g.Append(b2, tg.Halt(g))

	ra.Set(base, mach.Reg(amd64.RSI))
	ra.Set(ld, mach.Reg(amd64.RAX))

	conf := output.DefaultConfig()
	conf.PrintAssembly = true
	res, err := compile(tg, method{g: g, ra: ra}, conf, nil, nil).Output()
	require.NoError(t, err)

	require.Equal(t, 1, res.Implicit.Len())
	cont, ok := res.Implicit.Continuation(res.NodeOffsets[ld.ID])
	require.True(t, ok)
	assert.Equal(t, b2.Label.Pos(), cont)
}

func TestJumpTableInConsts(t *testing.T) {
	tg := newAMD64(t)
	g := mach.NewCFG()
	ra := amd64.NewAllocation(0)
	ra.Frame = 16

	const cases = 3
	b0 := g.NewBlock()
	idx := tg.LoadConst(g, g.NewConst(mach.IntCon(2)))
	g.Append(b0, g.NewNode(mach.OpStart), idx, tg.Jump(g, idx, cases))
	for k := 0; k < cases; k++ {
		b := g.NewBlock()
		g.Append(b, tg.Return(g))
		b0.AddSucc(b, mach.Edge{Kind: mach.EdgeCase, Case: k})
	}
	ra.Set(idx, mach.Reg(amd64.RCX))

	res, err := compile(tg, method{g: g, ra: ra}, output.DefaultConfig(), nil, nil).Output()
	require.NoError(t, err)
	require.Equal(t, 8*cases, res.ConstsSize)

	consts := res.Code[res.InstsSize+res.StubsSize:]
	for k := 0; k < cases; k++ {
		assert.Equal(t, uint32(g.Blocks[k+1].Label.Pos()), binary.LittleEndian.Uint32(consts[8*k:]), "case %d", k)
	}

	internal := 0
	for _, r := range res.Relocs {
		if r.Kind == codebuf.RelocInternalWord {
			internal++
		}
	}
	assert.Equal(t, 1+cases, internal)
}

func TestNonSafepointsMerged(t *testing.T) {
	tg := newAMD64(t)
	g := mach.NewCFG()
	ra := amd64.NewAllocation(4)
	ra.Frame = 16

	callee := &mach.Method{Name: "Demo.helper", MaxLocals: 1}
	a := tg.LoadConst(g, g.NewConst(mach.IntCon(1)))
	b := tg.AddImm(g, a, 2)
	c := tg.AddImm(g, b, 3)
	ret := tg.Return(g)
	ret.AddReq(c)
	a.Notes = &mach.JVMState{Method: demo, BCI: 1}
	b.Notes = &mach.JVMState{Method: demo, BCI: 2}
	c.Notes = &mach.JVMState{Method: callee, BCI: 0, Caller: &mach.JVMState{Method: demo, BCI: 3}}

	b0 := g.NewBlock()
	g.Append(b0, g.NewNode(mach.OpStart), a, b, c, ret)
	for _, n := range []*mach.Node{a, b, c} {
		ra.Set(n, mach.Reg(amd64.RAX))
	}

	conf := output.DefaultConfig()
	conf.RecordNonSafepoints = true
	conf.PrintAssembly = true
	res, err := compile(tg, method{g: g, ra: ra}, conf, nil, nil).Output()
	require.NoError(t, err)

	descs := res.Debug.All()
	require.Len(t, descs, 2)

	// a 和 b 的调用链相同，合并为 b 结束处的一条记录
	assert.False(t, descs[0].Safepoint)
	assert.Equal(t, res.NodeOffsets[c.ID], descs[0].Offset)
	assert.Equal(t, 1, descs[0].Youngest().BCI)

	assert.Equal(t, res.NodeOffsets[c.ID]+c.Size(ra), descs[1].Offset)
	require.Len(t, descs[1].Scopes, 2)
	assert.Equal(t, "Demo.run", descs[1].Scopes[0].MethodName)
	assert.Equal(t, 3, descs[1].Scopes[0].BCI)
	assert.Equal(t, "Demo.helper", descs[1].Youngest().MethodName)
}

// ============================================================================
// 失败路径
// ============================================================================

func TestCodeCacheFull(t *testing.T) {
	tg := newAMD64(t)
	cache := codebuf.NewCodeCache(64, 16)
	acc := stats.NewAccumulator()
	c := compile(tg, straightLine(tg), output.DefaultConfig(), cache, acc)

	_, err := c.Output()
	require.ErrorIs(t, err, output.ErrCodeCacheFull)
	assert.True(t, cache.CompilationDisabled())
	assert.True(t, c.Failing())
	assert.Equal(t, int64(1), acc.Snapshot().Failures)
}

func TestExcessiveRequestLeavesCompilerOn(t *testing.T) {
	tg := newAMD64(t)
	// 只剩 512 字节，装不下至少 640 字节的请求，但仍是最小空闲空间的 16 倍
	cache := codebuf.NewCodeCache(1<<20, 32)
	require.True(t, cache.Reserve(1<<20-512))

	c := compile(tg, straightLine(tg), output.DefaultConfig(), cache, nil)
	_, err := c.Output()
	require.ErrorIs(t, err, output.ErrMethodTooLarge)
	assert.NotErrorIs(t, err, output.ErrCodeCacheFull)
	assert.False(t, cache.CompilationDisabled())
	assert.Equal(t, 512, cache.UnallocatedCapacity())

	// 编译仍然开着，小一些的方法照常编译
	cache.Release(1 << 19)
	_, err = compile(tg, straightLine(tg), output.DefaultConfig(), cache, nil).Output()
	require.NoError(t, err)
}

func TestMethodSizeLimitReleasesCache(t *testing.T) {
	tg := newAMD64(t)
	cache := codebuf.NewCodeCache(1<<20, 1024)
	conf := output.DefaultConfig()
	conf.MaxMethodCodeSize = 8

	_, err := compile(tg, straightLine(tg), conf, cache, nil).Output()
	require.ErrorIs(t, err, output.ErrMethodTooLarge)
	assert.Zero(t, cache.UsedSize())
	assert.False(t, cache.CompilationDisabled())
}

func TestStressCodeBuffersExpands(t *testing.T) {
	tg := newAMD64(t)
	normal, err := compile(tg, callWithHandler(tg), output.DefaultConfig(), nil, nil).Output()
	require.NoError(t, err)

	conf := output.DefaultConfig()
	conf.StressCodeBuffers = true
	c := compile(tg, callWithHandler(tg), conf, nil, nil)
	stressed, err := c.Output()
	require.NoError(t, err)

	assert.Positive(t, c.Buffer().Expansions())
	assert.Equal(t, normal.Code, stressed.Code)
}

// ============================================================================
// SPARC
// ============================================================================

func TestSparcDelaySlotFilled(t *testing.T) {
	tg, err := sparc.New()
	require.NoError(t, err)

	g := mach.NewCFG()
	ra := sparc.NewAllocation(0)
	ra.Frame = 96

	b0, b1 := g.NewBlock(), g.NewBlock()
	x := tg.LoadConst(g, g.NewConst(mach.IntCon(1)))
	y := tg.LoadConst(g, g.NewConst(mach.IntCon(2)))
	g.Append(b0, g.NewNode(mach.OpStart), x, y, tg.Goto(g))
	b0.AddSucc(b1, mach.Edge{})
	g.Append(b1, tg.Return(g))

	ra.Set(x, mach.Reg(sparc.L0))
	ra.Set(y, mach.Reg(sparc.L1))

	c := compile(tg, method{g: g, ra: ra}, output.DefaultConfig(), nil, nil)
	res, err := c.Output()
	require.NoError(t, err)

	assert.Equal(t, 1, c.Counters().Branches)
	assert.Equal(t, 1, c.Counters().UnconditionalDelays)

	word := func(at int) uint32 { return binary.BigEndian.Uint32(res.Code[at:]) }
	assert.Equal(t, uint32(0x9DE3BFA0), word(0))  // save %sp, -96, %sp
	assert.Equal(t, uint32(0xA0102001), word(4))  // mov 1, %l0
	assert.Equal(t, uint32(0x10800002), word(8))  // ba B1
	assert.Equal(t, uint32(0xA2102002), word(12)) // 延迟槽: mov 2, %l1
	assert.Equal(t, 16, b1.Label.Pos())
	assert.NotEmpty(t, res.BundleStarts)
}

// ============================================================================
// 配置与导出
// ============================================================================

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), output.ConfigFileName)
	data := "do_scheduling = false\nopto_loop_alignment = 32\nmax_loop_pad = 7\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	conf, err := output.LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, conf.DoScheduling)
	assert.Equal(t, 32, conf.OptoLoopAlignment)
	assert.Equal(t, 7, conf.MaxLoopPad)
	assert.True(t, conf.VerifyBranches, "unset fields keep their defaults")
	assert.Equal(t, output.DefaultMaxMethodCodeSize, conf.MaxMethodCodeSize)
}

func TestLoadConfigReportsEveryProblem(t *testing.T) {
	path := filepath.Join(t.TempDir(), output.ConfigFileName)
	data := "opto_loop_alignment = 12\nmax_loop_pad = -1\nmax_method_code_size = 0\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := output.LoadConfig(path)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)

	_, err = output.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestWriteJSON(t *testing.T) {
	tg := newAMD64(t)
	res, err := compile(tg, callWithHandler(tg), output.DefaultConfig(), nil, nil).Output()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, res.WriteJSON(&buf))

	var decoded struct {
		Name    string `json:"name"`
		Target  string `json:"target"`
		PcDescs []struct {
			Offset    int  `json:"offset"`
			Safepoint bool `json:"safepoint"`
			Scopes    []struct {
				Method string   `json:"method"`
				BCI    int      `json:"bci"`
				Locals []string `json:"locals"`
			} `json:"scopes"`
		} `json:"pc_descs"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "Demo.run", decoded.Name)
	assert.Equal(t, "amd64", decoded.Target)
	require.Len(t, decoded.PcDescs, 1)
	pd := decoded.PcDescs[0]
	assert.True(t, pd.Safepoint)
	require.Len(t, pd.Scopes, 1)
	assert.Equal(t, 5, pd.Scopes[0].BCI)
	require.Len(t, pd.Scopes[0].Locals, 2)
	assert.Equal(t, "int 3", pd.Scopes[0].Locals[1])
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
}
