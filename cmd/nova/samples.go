// samples.go - 内置样例方法
//
// 每个样例构造一张已经完成寄存器分配的 CFG，供驱动程序调度和发射。

package main

import (
	"github.com/tangzhangming/nova-backend/internal/mach"
	"github.com/tangzhangming/nova-backend/internal/target/amd64"
	"github.com/tangzhangming/nova-backend/internal/target/sparc"
)

// sample 一个样例方法
type sample struct {
	name   string
	method *mach.Method
	build  func() (*mach.CFG, *mach.Allocation)
}

var (
	loopMethod   = &mach.Method{Name: "Samples.count", MaxLocals: 1, MaxStack: 2}
	callMethod   = &mach.Method{Name: "Samples.invoke", MaxLocals: 3, MaxStack: 1}
	switchMethod = &mach.Method{Name: "Samples.dispatch", MaxLocals: 1, MaxStack: 1}
)

// ============================================================================
// amd64
// ============================================================================

func amd64Samples(tg *amd64.Target) []sample {
	return []sample{
		{name: "loop", method: loopMethod, build: func() (*mach.CFG, *mach.Allocation) {
			g := mach.NewCFG()
			ra := amd64.NewAllocation(4)
			ra.Frame = 16

			b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()
			b1.Loop = true

			i := tg.LoadConst(g, g.NewConst(mach.IntCon(0)))
			g.Append(b0, g.NewNode(mach.OpStart), i, tg.Goto(g))
			b0.AddSucc(b1, mach.Edge{})

			inc := tg.AddImm(g, i, 1)
			cmp := tg.CmpImm(g, inc, 1000)
			poll := tg.SafePoint(g)
			g.AttachJVMS(poll, &mach.JVMState{Method: loopMethod, BCI: 4, Locals: []*mach.Node{inc}})
			g.Append(b1, inc, poll, cmp, tg.If(g, amd64.CondL, cmp))
			b1.AddSucc(b1, mach.Edge{})
			b1.AddSucc(b2, mach.Edge{})

			g.Append(b2, tg.Return(g))

			ra.Set(i, mach.Reg(amd64.RAX))
			ra.Set(inc, mach.Reg(amd64.RAX))
			return g, ra
		}},
		{name: "call", method: callMethod, build: func() (*mach.CFG, *mach.Allocation) {
			g := mach.NewCFG()
			ra := amd64.NewAllocation(4)
			ra.Frame = 32

			b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()
			x := tg.LoadConst(g, g.NewConst(mach.IntCon(7)))
			spill := tg.SpillCopy(g, x)
			call := tg.CallJava(g, "Samples.work", false)
			g.AttachJVMS(call, &mach.JVMState{
				Method: callMethod,
				BCI:    3,
				// long 占两个槽，第二个槽为未定义值
				Locals: []*mach.Node{spill, g.NewConst(mach.LongCon(-1)), g.Top()},
			})
			g.Append(b0, g.NewNode(mach.OpStart), x, spill, call, tg.Catch(g, call))
			b0.AddSucc(b1, mach.Edge{Kind: mach.EdgeCatch, FallThrough: true})
			b0.AddSucc(b2, mach.Edge{Kind: mach.EdgeCatch, HandlerBCI: 9})

			g.Append(b1, tg.Return(g))
			g.Append(b2, tg.Rethrow(g))

			ra.Set(x, mach.Reg(amd64.RBX))
			ra.Set(spill, ra.StackSlot(0))
			return g, ra
		}},
		{name: "switch", method: switchMethod, build: func() (*mach.CFG, *mach.Allocation) {
			g := mach.NewCFG()
			ra := amd64.NewAllocation(0)
			ra.Frame = 16

			const cases = 3
			b0 := g.NewBlock()
			idx := tg.LoadConst(g, g.NewConst(mach.IntCon(1)))
			g.Append(b0, g.NewNode(mach.OpStart), idx, tg.Jump(g, idx, cases))
			for k := 0; k < cases; k++ {
				b := g.NewBlock()
				g.Append(b, tg.Return(g))
				b0.AddSucc(b, mach.Edge{Kind: mach.EdgeCase, Case: k})
			}

			ra.Set(idx, mach.Reg(amd64.RCX))
			return g, ra
		}},
	}
}

// ============================================================================
// SPARC
// ============================================================================

func sparcSamples(tg *sparc.Target) []sample {
	return []sample{
		{name: "loop", method: loopMethod, build: func() (*mach.CFG, *mach.Allocation) {
			g := mach.NewCFG()
			ra := sparc.NewAllocation(0)
			ra.Frame = 96

			b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()
			b1.Loop = true

			i := tg.LoadConst(g, g.NewConst(mach.IntCon(0)))
			limit := tg.LoadConst(g, g.NewConst(mach.IntCon(1000)))
			g.Append(b0, g.NewNode(mach.OpStart), i, limit, tg.Goto(g))
			b0.AddSucc(b1, mach.Edge{})

			inc := tg.AddImm(g, i, 1)
			cmp := tg.Cmp(g, inc, limit)
			g.Append(b1, inc, cmp, tg.If(g, sparc.CondL, cmp))
			b1.AddSucc(b1, mach.Edge{})
			b1.AddSucc(b2, mach.Edge{})

			g.Append(b2, tg.Return(g))

			ra.Set(i, mach.Reg(sparc.L0))
			ra.Set(limit, mach.Reg(sparc.L1))
			ra.Set(inc, mach.Reg(sparc.L0))
			return g, ra
		}},
		{name: "call", method: callMethod, build: func() (*mach.CFG, *mach.Allocation) {
			g := mach.NewCFG()
			ra := sparc.NewAllocation(2)
			ra.Frame = 104

			b0, b1, b2 := g.NewBlock(), g.NewBlock(), g.NewBlock()
			x := tg.LoadConst(g, g.NewConst(mach.IntCon(7)))
			call := tg.CallJava(g, "Samples.work", false)
			g.AttachJVMS(call, &mach.JVMState{
				Method: callMethod,
				BCI:    3,
				Locals: []*mach.Node{x, g.NewConst(mach.LongCon(1 << 40)), g.Top()},
			})
			g.Append(b0, g.NewNode(mach.OpStart), x, call, tg.Catch(g, call))
			b0.AddSucc(b1, mach.Edge{Kind: mach.EdgeCatch, FallThrough: true})
			b0.AddSucc(b2, mach.Edge{Kind: mach.EdgeCatch, HandlerBCI: 9})

			g.Append(b1, tg.Return(g))
			g.Append(b2, tg.Rethrow(g))

			ra.Set(x, mach.Reg(sparc.L2))
			return g, ra
		}},
	}
}
