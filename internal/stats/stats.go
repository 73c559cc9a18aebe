// stats.go - 跨编译的统计汇总
//
// 每次编译把自己的计数器填进 Counters，结束时一次性合并进共享的
// Accumulator。Accumulator 只做原子加法，多个编译线程可以同时合并。

package stats

import (
	"fmt"
	"io"

	"go.uber.org/atomic"
)

// MaxBundleWidth 直方图能区分的最大发射宽度
const MaxBundleWidth = 16

// Counters 单次编译的统计
type Counters struct {
	NopSize               int   // 为对齐和发射包插入的 nop 字节
	MethodSize            int   // 方法代码字节
	Branches              int   // 调度过的带延迟槽分支
	UnconditionalDelays   int   // 填充了的无条件延迟槽
	InstructionsPerBundle []int // 下标为发射包内指令条数
	Failed                bool
}

// Accumulator 全部编译的累计统计
type Accumulator struct {
	compilations        atomic.Int64
	failures            atomic.Int64
	nopSize             atomic.Int64
	methodSize          atomic.Int64
	branches            atomic.Int64
	unconditionalDelays atomic.Int64
	perBundle           [MaxBundleWidth + 1]atomic.Int64
}

// NewAccumulator 创建汇总器
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Merge 合并一次编译的统计
func (a *Accumulator) Merge(c Counters) {
	a.compilations.Inc()
	if c.Failed {
		a.failures.Inc()
		return
	}
	a.nopSize.Add(int64(c.NopSize))
	a.methodSize.Add(int64(c.MethodSize))
	a.branches.Add(int64(c.Branches))
	a.unconditionalDelays.Add(int64(c.UnconditionalDelays))
	for i, n := range c.InstructionsPerBundle {
		if i > MaxBundleWidth {
			break
		}
		if n != 0 {
			a.perBundle[i].Add(int64(n))
		}
	}
}

// Snapshot 某一时刻的累计值
type Snapshot struct {
	Compilations        int64
	Failures            int64
	NopSize             int64
	MethodSize          int64
	Branches            int64
	UnconditionalDelays int64
	PerBundle           [MaxBundleWidth + 1]int64
}

// Snapshot 读取当前累计值
func (a *Accumulator) Snapshot() Snapshot {
	s := Snapshot{
		Compilations:        a.compilations.Load(),
		Failures:            a.failures.Load(),
		NopSize:             a.nopSize.Load(),
		MethodSize:          a.methodSize.Load(),
		Branches:            a.branches.Load(),
		UnconditionalDelays: a.unconditionalDelays.Load(),
	}
	for i := range a.perBundle {
		s.PerBundle[i] = a.perBundle[i].Load()
	}
	return s
}

// AverageILP 平均每个发射包的指令数（不含 nop），没有发射包时为 0
func (s Snapshot) AverageILP() float64 {
	var instrs, bundles int64
	for i := 1; i <= MaxBundleWidth; i++ {
		instrs += s.PerBundle[i] * int64(i)
		bundles += s.PerBundle[i]
	}
	if bundles == 0 {
		return 0
	}
	return float64(instrs) / float64(bundles)
}

// Report 输出统计报告；delaySlots 为 false 时省略延迟槽一行
func (a *Accumulator) Report(w io.Writer, delaySlots bool) {
	s := a.Snapshot()
	fmt.Fprintf(w, "Compiled %d methods, %d failed\n", s.Compilations, s.Failures)

	fmt.Fprintf(w, "Nops added %d bytes to total of %d bytes", s.NopSize, s.MethodSize)
	if s.MethodSize > 0 {
		fmt.Fprintf(w, ", for %.2f%%", float64(s.NopSize)/float64(s.MethodSize)*100)
	}
	fmt.Fprintln(w)

	if delaySlots {
		fmt.Fprintf(w, "Of %d branches, %d had unconditional delay slots filled", s.Branches, s.UnconditionalDelays)
		if s.Branches > 0 {
			fmt.Fprintf(w, ", for %.2f%%", float64(s.UnconditionalDelays)/float64(s.Branches)*100)
		}
		fmt.Fprintln(w)
	}

	if ilp := s.AverageILP(); ilp > 0 {
		fmt.Fprintf(w, "Average ILP (excluding nops) is %.2f\n", ilp)
	}
}
