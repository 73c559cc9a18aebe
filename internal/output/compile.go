// compile.go - 单次编译的代码发射驱动
//
// 本文件把寄存器分配之后的 CFG 变成最终的机器码。
// 主要流程（Output）：
// 1. 用序言替换入口节点，在每个返回块的块尾之前插入尾声
// 2. 块内调度与打包（sched 包）
// 3. 分支缩短并确定块偏移（shorten.go）
// 4. 逐条发射指令，同时记录安全点、异常表和隐式空检查表（fill.go）
//
// 失败是粘滞的：任何阶段记录失败后，后续阶段直接返回。

package output

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/debuginfo"
	"github.com/tangzhangming/nova-backend/internal/exctable"
	"github.com/tangzhangming/nova-backend/internal/mach"
	"github.com/tangzhangming/nova-backend/internal/pipeline"
	"github.com/tangzhangming/nova-backend/internal/sched"
	"github.com/tangzhangming/nova-backend/internal/stats"
)

// 失败原因
var (
	// ErrCodeCacheFull 代码缓存已满，后续编译被关闭
	ErrCodeCacheFull = errors.New("CodeCache is full")
	// ErrMethodTooLarge 单个方法的请求过大，只有本次编译失败
	ErrMethodTooLarge = errors.New("excessive request to CodeCache")
	// ErrShortBranchOutOfRange 缩短后的分支在最终偏移下放不下
	ErrShortBranchOutOfRange = errors.New("displacement too large for short branch")
	// ErrSizingModel 发射时的偏移与分支缩短阶段的计算不一致
	ErrSizingModel = errors.New("label position does not match code offset")
	// ErrDebugInfo 安全点描述与解释器状态不一致
	ErrDebugInfo = errors.New("inconsistent debug info")
	// ErrNoCodeBuffer 代码缓冲区尚未创建
	ErrNoCodeBuffer = errors.New("code buffer not created")
)

// 缓冲区初始容量（没有分支缩短时使用）
const (
	initialCodeCapacity  = 16 * 1024
	initialStubCapacity  = 4 * 1024
	initialConstCapacity = 4 * 1024
	initialLocsCapacity  = 3 * 1024

	// MaxInstSize 单条指令的最大字节数，每条指令发射前保证的余量
	MaxInstSize = 256
	// MaxStubsSize 每个桩额外预留的字节数
	MaxStubsSize = 128
)

// ============================================================================
// 目标机
// ============================================================================

// Target 目标机相关的编码与约定
type Target interface {
	Name() string
	Model() *pipeline.Model
	ByteOrder() codebuf.ByteOrder
	LP64() bool
	// AddrUnit 代码地址的最小单位（字节）
	AddrUnit() int

	// IsShortBranchOffset 位移能否用短分支编码；对 0 返回 false 表示没有短分支
	IsShortBranchOffset(offset int) bool

	NopSize() int
	// Nop count 条 nop 组成的填充指令
	Nop(count int) mach.Inst
	Prolog() mach.Inst
	// Epilog 尾声；doPolling 为 true 时返回前轮询安全点
	Epilog(doPolling bool) mach.Inst

	SizeExceptionHandler() int
	SizeDeoptHandler() int
	// EmitExceptionHandler 在桩区发射异常处理器，返回其在桩区内的偏移
	EmitExceptionHandler(cb *codebuf.Buffer) int
	// EmitDeoptHandler 在桩区发射反优化处理器，返回其在桩区内的偏移
	EmitDeoptHandler(cb *codebuf.Buffer) int
	// SizeJavaToInterp Java 调用的解释器入口桩大小
	SizeJavaToInterp() int
	RelocJavaToInterp() int
	// NativeCallSize 主体代码之后预留的补丁空间
	NativeCallSize() int

	// FloatInDouble 单精度值保存在双精度寄存器中
	FloatInDouble() bool
	// IntInLong 32 位整数保存在 64 位寄存器中
	IntInLong() bool
	// LongInRegisterPair long 在寄存器中按 (高, 低) 顺序占两个寄存器
	LongInRegisterPair() bool

	// Disassemble 反汇编一段代码，pc 为其起始偏移
	Disassemble(code []byte, pc int) []string
}

// ============================================================================
// 编译
// ============================================================================

// Params 创建编译所需的输入
type Params struct {
	Name   string
	Method *mach.Method // 运行时桩为 nil
	CFG    *mach.CFG
	RA     mach.RegAlloc
	Target Target
	Config Config
	Cache  *codebuf.CodeCache
	Log    *zap.Logger
	Stats  *stats.Accumulator
}

// Compile 单次编译的发射状态，只由一个编译线程使用
type Compile struct {
	name   string
	method *mach.Method
	cfg    *mach.CFG
	ra     mach.RegAlloc
	target Target
	model  *pipeline.Model
	conf   Config
	cache  *codebuf.CodeCache
	log    *zap.Logger
	acc    *stats.Accumulator

	cb        *codebuf.Buffer
	labels    []*codebuf.Label // 每个块一个，最后一个标记代码末尾
	labelsSet bool             // 分支缩短已经绑定了块标签
	bundling  *pipeline.Bundling
	debug     *debuginfo.Recorder
	handlers  *exctable.HandlerTable
	implicit  *exctable.ImplicitTable

	nodeOffsets    map[int]int
	firstBlockSize int
	excOffset      int
	deoptOffset    int

	counters stats.Counters
	failure  error
	done     bool
}

// New 创建编译
func New(p Params) *Compile {
	c := &Compile{
		name:   p.Name,
		method: p.Method,
		cfg:    p.CFG,
		ra:     p.RA,
		target: p.Target,
		model:  p.Target.Model(),
		conf:   p.Config,
		cache:  p.Cache,
		log:    p.Log,
		acc:    p.Stats,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.debug = debuginfo.NewRecorder(c.conf.RecordNonSafepoints)
	c.handlers = exctable.NewHandlerTable()
	c.excOffset = -1
	c.deoptOffset = -1
	return c
}

// RecordFailure 记录失败原因，只保留第一次
func (c *Compile) RecordFailure(err error) {
	if c.failure != nil || err == nil {
		return
	}
	c.failure = err
	c.log.Warn("compilation failed", zap.String("method", c.name), zap.Error(err))
}

// Failing 是否已经失败
func (c *Compile) Failing() bool { return c.failure != nil }

// Err 第一次记录的失败原因
func (c *Compile) Err() error { return c.failure }

// Buffer 代码缓冲区（FillBuffer 之前为 nil）
func (c *Compile) Buffer() *codebuf.Buffer { return c.cb }

// Debug 调试信息记录器
func (c *Compile) Debug() *debuginfo.Recorder { return c.debug }

// Counters 本次编译的统计
func (c *Compile) Counters() stats.Counters { return c.counters }

// Output 发射整个方法
func (c *Compile) Output() (*Result, error) {
	defer c.finish()

	c.applyLoopAlignment()
	c.insertPrologEpilog()
	if c.Failing() {
		return nil, c.failure
	}

	c.ScheduleAndBundle()
	if c.Failing() {
		return nil, c.failure
	}

	c.FillBuffer()
	if c.Failing() {
		return nil, c.failure
	}
	return c.result(), nil
}

// finish 合并统计；失败时归还代码缓存空间
func (c *Compile) finish() {
	if c.done {
		return
	}
	c.done = true
	if c.Failing() {
		c.counters.Failed = true
		if c.cb != nil {
			c.cb.Free()
		}
	}
	if c.acc != nil {
		c.acc.Merge(c.counters)
	}
}

// applyLoopAlignment 没有指定对齐的循环头使用配置的循环对齐
func (c *Compile) applyLoopAlignment() {
	for _, b := range c.cfg.Blocks {
		if b.Loop && b.CodeAlignment() <= 1 {
			b.Align = c.conf.OptoLoopAlignment
		}
	}
}

// insertPrologEpilog 用序言替换入口节点，并在返回之前插入尾声
func (c *Compile) insertPrologEpilog() {
	if len(c.cfg.Blocks) == 0 {
		c.RecordFailure(fmt.Errorf("method %s has no blocks", c.name))
		return
	}

	entry := c.cfg.Blocks[0]
	prolog := c.cfg.NewMachNode(mach.OpProlog, c.target.Prolog())
	if start := entry.Head(); start != nil && start.Op == mach.OpStart {
		start.ReplaceBy(prolog)
		entry.Nodes[0] = prolog
		prolog.Block = entry
		start.Block = nil
	} else {
		entry.InsertNode(prolog, 0)
	}

	for _, b := range c.cfg.Blocks {
		end := b.End()
		if end == nil || !end.Mach {
			continue
		}
		if end.Op != mach.OpReturn && end.Op != mach.OpRethrow {
			continue
		}
		epilog := c.cfg.NewMachNode(mach.OpEpilog, c.target.Epilog(end.Op == mach.OpReturn))
		// 尾声拆除栈帧，块内其它指令都必须排在它前面
		for _, n := range b.Nodes[:len(b.Nodes)-1] {
			if !n.IsProj() {
				epilog.AddPrec(n)
			}
		}
		b.AddInst(epilog)
		end.AddPrec(epilog)
	}
}

// ScheduleAndBundle 块内调度，运行时桩不调度
func (c *Compile) ScheduleAndBundle() {
	if c.Failing() || c.method == nil || !c.conf.DoScheduling {
		return
	}

	s := sched.New(c.cfg, c.ra, c.model, sched.Options{
		Verify: c.conf.VerifySchedule,
		Trace:  c.conf.TraceOutput,
		Nop:    c.target.Nop(1),
		Log:    c.log,
	})
	if err := s.DoScheduling(); err != nil {
		c.RecordFailure(err)
		return
	}
	c.bundling = s.Bundling()

	st := s.Stats()
	c.counters.Branches += st.Branches
	c.counters.UnconditionalDelays += st.UnconditionalDelays
	c.counters.InstructionsPerBundle = append([]int(nil), st.InstructionsPerBundle...)
}

// ============================================================================
// 辅助
// ============================================================================

// startsBundle 调度结果中 n 是否开启新的发射包
func (c *Compile) startsBundle(n *mach.Node) bool {
	return c.bundling.Valid(n.ID) && c.bundling.Get(n.ID).StartsBundle()
}

// newNop 创建 count 条 nop 组成的填充节点
func (c *Compile) newNop(count int) *mach.Node {
	nop := c.cfg.NewMachNode(mach.OpNop, c.target.Nop(count))
	nop.Class = c.model.NopClass
	return nop
}

// turnOffCompiler 代码缓存无法满足请求时的失败处理
// 缓存仍有充足余量说明只是本方法过大，不关闭编译
func (c *Compile) turnOffCompiler() {
	if c.cache == nil || c.cache.UnallocatedCapacity() >= c.cache.MinimumFreeSpace*10 {
		c.RecordFailure(ErrMethodTooLarge)
		return
	}
	c.RecordFailure(ErrCodeCacheFull)
	c.cache.DisableCompilation()
}
