// target.go - x86-64 目标机
//
// 变长指令、小端序、64 位指针。
// 分支有 rel8 短形式；nop 按字节计，任意长度的填充拼成多字节 nop。

package amd64

import (
	_ "embed"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
	"github.com/tangzhangming/nova-backend/internal/pipeline"
)

//go:embed amd64.toml
var modelTOML []byte

// StackSlotSize 栈槽字节数，long 和 double 占两个槽
const StackSlotSize = 4

// 处理器和桩的大小
const (
	exceptionHandlerSize = 5     // jmp rel32
	deoptHandlerSize     = 5 + 5 // call next; jmp rel32
	nativeCallSize       = 5     // call rel32
	shortBranchMin       = -128
	shortBranchMax       = 127
)

// Target x86-64 目标机
type Target struct {
	model *pipeline.Model
}

// New 创建目标机，解析内置的流水线模型
func New() (*Target, error) {
	m, err := pipeline.ParseModel(modelTOML)
	if err != nil {
		return nil, fmt.Errorf("amd64: %w", err)
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

func (t *Target) Name() string                 { return "amd64" }
func (t *Target) Model() *pipeline.Model       { return t.model }
func (t *Target) ByteOrder() codebuf.ByteOrder { return binary.LittleEndian }
func (t *Target) LP64() bool                   { return true }
func (t *Target) AddrUnit() int                { return 1 }

// IsShortBranchOffset rel8 能否表示 offset
func (t *Target) IsShortBranchOffset(offset int) bool {
	return offset >= shortBranchMin && offset <= shortBranchMax
}

func (t *Target) NopSize() int { return 1 }

// Nop count 字节的填充
func (t *Target) Nop(count int) mach.Inst {
	return &Inst{name: "nop", class: "pipe_class_nop", encode: encodeNops(count)}
}

// Prolog 建立栈帧
func (t *Target) Prolog() mach.Inst {
	return &Inst{name: "Prolog", class: "pipe_slow", encode: encodeProlog}
}

// Epilog 拆除栈帧，doPolling 时在返回前轮询
func (t *Target) Epilog(doPolling bool) mach.Inst {
	inst := &Inst{name: "Epilog", class: "pipe_slow", encode: encodeEpilog(doPolling)}
	if doPolling {
		inst.relocs = 1
	}
	return inst
}

func (t *Target) SizeExceptionHandler() int { return exceptionHandlerSize }
func (t *Target) SizeDeoptHandler() int     { return deoptHandlerSize }

// EmitExceptionHandler 跳转到异常分派桩
func (t *Target) EmitExceptionHandler(cb *codebuf.Buffer) int {
	var a asm
	a.jmpRel(codebuf.RelocRuntimeCall, "exception_blob")
	return a.installIn(cb, codebuf.SectStubs, cb.Stubs())
}

// EmitDeoptHandler 把处理器自身的地址压栈后跳转到反优化桩
func (t *Target) EmitDeoptHandler(cb *codebuf.Buffer) int {
	var a asm
	a.emit(0xE8) // call next
	a.emitU32(0)
	a.jmpRel(codebuf.RelocRuntimeCall, "deopt_blob_unpack")
	return a.installIn(cb, codebuf.SectStubs, cb.Stubs())
}

func (t *Target) SizeJavaToInterp() int  { return javaToInterpSize }
func (t *Target) RelocJavaToInterp() int { return 2 }
func (t *Target) NativeCallSize() int    { return nativeCallSize }

func (t *Target) FloatInDouble() bool      { return false }
func (t *Target) IntInLong() bool          { return false }
func (t *Target) LongInRegisterPair() bool { return false }

// Disassemble 按 Intel 语法反汇编，无法解码的字节单独输出
func (t *Target) Disassemble(code []byte, pc int) []string {
	var lines []string
	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil || inst.Len == 0 {
			lines = append(lines, fmt.Sprintf("%04x: (bad) %02x", pc+i, code[i]))
			i++
			continue
		}
		lines = append(lines, fmt.Sprintf("%04x: %s", pc+i, x86asm.IntelSyntax(inst, uint64(pc+i), nil)))
		i += inst.Len
	}
	return lines
}
