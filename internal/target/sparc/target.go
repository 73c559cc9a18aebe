// target.go - SPARC 目标机（32 位）
//
// 定长 4 字节指令、大端序、32 位指针。
// 分支只有一种位移长度，不做分支缩短，块标签在发射时绑定。
// long 占一对整数寄存器（高位在前），单精度值放在双精度寄存器的一半。

package sparc

import (
	_ "embed"
	"encoding/binary"
	"fmt"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
	"github.com/tangzhangming/nova-backend/internal/pipeline"
)

//go:embed sparc.toml
var modelTOML []byte

// StackSlotSize 栈槽字节数
const StackSlotSize = 4

const (
	exceptionHandlerSize = 4 * 4 // set blob, %g3; jmpl; nop
	deoptHandlerSize     = 3 * 4 // save; call; restore
	nativeCallSize       = 2 * 4 // call; nop
)

// Target SPARC 目标机
type Target struct {
	model *pipeline.Model
}

// New 创建目标机，解析内置的流水线模型
func New() (*Target, error) {
	m, err := pipeline.ParseModel(modelTOML)
	if err != nil {
		return nil, fmt.Errorf("sparc: %w", err)
	}
	return NewWithModel(m), nil
}

// NewWithModel 使用外部提供的流水线模型，模型中缺少的类别按默认类别处理
func NewWithModel(m *pipeline.Model) *Target {
	return &Target{model: m}
}

// NewAllocation 创建与本目标机寄存器编号一致的分配结果
func NewAllocation(stackSlots int) *mach.Allocation {
	return mach.NewAllocation(NumPhysRegs, NumPhysRegs+stackSlots, StackSlotSize)
}

func (t *Target) Name() string                 { return "sparc" }
func (t *Target) Model() *pipeline.Model       { return t.model }
func (t *Target) ByteOrder() codebuf.ByteOrder { return binary.BigEndian }
func (t *Target) LP64() bool                   { return false }
func (t *Target) AddrUnit() int                { return 4 }

// IsShortBranchOffset 没有短分支
func (t *Target) IsShortBranchOffset(int) bool { return false }

func (t *Target) NopSize() int { return 4 }

// Nop count 个 nop 字
func (t *Target) Nop(count int) mach.Inst {
	return &Inst{name: "nop", class: "pipe_class_nop", encode: encodeNops(count)}
}

// Prolog save %sp, -frame, %sp
func (t *Target) Prolog() mach.Inst {
	return &Inst{name: "Prolog", class: "pipe_slow", encode: encodeProlog}
}

// Epilog 寄存器窗口在 ret 的延迟槽里恢复，尾声只负责返回前的轮询
func (t *Target) Epilog(doPolling bool) mach.Inst {
	inst := &Inst{name: "Epilog", class: "pipe_class_empty", encode: encodeEpilog(doPolling)}
	if doPolling {
		inst.class = "safepoint_poll"
		inst.relocs = 1
	}
	return inst
}

func (t *Target) SizeExceptionHandler() int { return exceptionHandlerSize }
func (t *Target) SizeDeoptHandler() int     { return deoptHandlerSize }

// EmitExceptionHandler 跳转到异常分派桩
func (t *Target) EmitExceptionHandler(cb *codebuf.Buffer) int {
	var a asm
	a.setAddr(codebuf.RelocRuntimeCall, "exception_blob", scratch2)
	a.jmpl(scratch2, 0, G0)
	a.nop()
	return a.installIn(cb, codebuf.SectStubs, cb.Stubs())
}

// EmitDeoptHandler 新开一个寄存器窗口后调用反优化桩
func (t *Target) EmitDeoptHandler(cb *codebuf.Buffer) int {
	var a asm
	a.aluImm(op3Save, SP, -windowSaveArea-32, SP)
	a.call(codebuf.RelocRuntimeCall, "deopt_blob_unpack")
	a.alu(op3Restore, G0, G0, G0)
	return a.installIn(cb, codebuf.SectStubs, cb.Stubs())
}

func (t *Target) SizeJavaToInterp() int  { return javaToInterpSize }
func (t *Target) RelocJavaToInterp() int { return 2 }
func (t *Target) NativeCallSize() int    { return nativeCallSize }

func (t *Target) FloatInDouble() bool      { return true }
func (t *Target) IntInLong() bool          { return false }
func (t *Target) LongInRegisterPair() bool { return true }

// Disassemble 逐字解码
func (t *Target) Disassemble(code []byte, pc int) []string {
	lines := make([]string, 0, len(code)/4)
	for i := 0; i+4 <= len(code); i += 4 {
		w := binary.BigEndian.Uint32(code[i:])
		lines = append(lines, fmt.Sprintf("%04x: %08x  %s", pc+i, w, decode(w)))
	}
	return lines
}
