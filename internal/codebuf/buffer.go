// buffer.go - 代码缓冲区
//
// 本文件实现了代码发射使用的缓冲区。
// 缓冲区分为三个区段：
// 1. insts：方法主体指令
// 2. stubs：异常/反优化处理器以及调用桩
// 3. consts：常量表（多路跳转表等）
//
// 字节序由目标机决定；标签与重定位都以 insts 区段的偏移表示。

package codebuf

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder 目标机字节序
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// ============================================================================
// 区段
// ============================================================================

// Section 一个代码区段
type Section struct {
	name  string
	data  []byte
	limit int // 已预留容量
	order ByteOrder
}

// Size 当前已写入的字节数
func (s *Section) Size() int { return len(s.data) }

// Limit 已预留的容量
func (s *Section) Limit() int { return s.limit }

// Remaining 剩余容量
func (s *Section) Remaining() int { return s.limit - len(s.data) }

// Bytes 区段内容
func (s *Section) Bytes() []byte { return s.data }

// Emit 写入字节
func (s *Section) Emit(bytes ...byte) {
	s.data = append(s.data, bytes...)
}

// Emit16 写入 16 位值
func (s *Section) Emit16(v uint16) {
	s.data = s.order.AppendUint16(s.data, v)
}

// Emit32 写入 32 位值
func (s *Section) Emit32(v uint32) {
	s.data = s.order.AppendUint32(s.data, v)
}

// Emit64 写入 64 位值
func (s *Section) Emit64(v uint64) {
	s.data = s.order.AppendUint64(s.data, v)
}

// Put32 覆盖 at 处的 32 位值
func (s *Section) Put32(at int, v uint32) {
	s.order.PutUint32(s.data[at:], v)
}

// Get32 读取 at 处的 32 位值
func (s *Section) Get32(at int) uint32 {
	return s.order.Uint32(s.data[at:])
}

// SetEnd 回退或前移写入位置（只允许在已写入范围内回退）
func (s *Section) SetEnd(end int) {
	if end < 0 || end > len(s.data) {
		panic(fmt.Sprintf("codebuf: section %s end %d out of range [0,%d]", s.name, end, len(s.data)))
	}
	s.data = s.data[:end]
}

// ============================================================================
// 重定位
// ============================================================================

// RelocKind 重定位种类
type RelocKind int

const (
	RelocNone RelocKind = iota
	RelocStaticCall
	RelocOptVirtualCall
	RelocRuntimeCall
	RelocPoll
	RelocPollReturn
	RelocInternalWord
	RelocExternalWord
)

var relocNames = [...]string{
	"none", "static_call", "opt_virtual_call", "runtime_call",
	"poll", "poll_return", "internal_word", "external_word",
}

func (k RelocKind) String() string {
	if int(k) < len(relocNames) {
		return relocNames[k]
	}
	return fmt.Sprintf("reloc(%d)", int(k))
}

// Reloc 重定位条目
type Reloc struct {
	Section string    `json:"section"`
	Offset  int       `json:"offset"`
	Kind    RelocKind `json:"kind"`
	Target  string    `json:"target,omitempty"`
}

// ============================================================================
// 缓冲区
// ============================================================================

// 区段名
const (
	SectInsts  = "insts"
	SectStubs  = "stubs"
	SectConsts = "consts"
)

// Buffer 代码缓冲区
type Buffer struct {
	Name   string
	cache  *CodeCache
	order  ByteOrder
	blob   bool
	total  int // 从缓存预留的总字节数
	insts  Section
	stubs  Section
	consts Section

	relocs       []Reloc
	locsLimit    int
	bundleStarts []int
	labels       []*Label
	expansions   int
}

// New 创建未初始化的缓冲区
func New(name string, cache *CodeCache, order ByteOrder) *Buffer {
	if order == nil {
		order = binary.LittleEndian
	}
	cb := &Buffer{Name: name, cache: cache, order: order}
	cb.insts = Section{name: SectInsts, order: order}
	cb.stubs = Section{name: SectStubs, order: order}
	cb.consts = Section{name: SectConsts, order: order}
	return cb
}

// Initialize 从代码缓存预留 total 字节
// 缓存拒绝时缓冲区没有 blob，调用方应当放弃编译
func (cb *Buffer) Initialize(total, locs int) {
	cb.locsLimit = locs
	if cb.cache != nil && !cb.cache.Reserve(total) {
		cb.blob = false
		return
	}
	cb.total = total
	cb.blob = true
	cb.insts.limit = total
	cb.insts.data = make([]byte, 0, total)
}

// InitializeConstsSize 从 insts 中划出常量区
func (cb *Buffer) InitializeConstsSize(size int) {
	cb.consts.limit = size
	cb.insts.limit -= size
}

// InitializeStubsSize 从 insts 中划出桩区
func (cb *Buffer) InitializeStubsSize(size int) {
	cb.stubs.limit = size
	cb.insts.limit -= size
}

// Blob 是否持有代码缓存空间
func (cb *Buffer) Blob() bool { return cb.blob }

// Order 字节序
func (cb *Buffer) Order() ByteOrder { return cb.order }

// Insts 主体区段
func (cb *Buffer) Insts() *Section { return &cb.insts }

// Stubs 桩区段
func (cb *Buffer) Stubs() *Section { return &cb.stubs }

// Consts 常量区段
func (cb *Buffer) Consts() *Section { return &cb.consts }

// CodeSize 主体区段当前大小
func (cb *Buffer) CodeSize() int { return cb.insts.Size() }

// TotalSize 三个区段的大小之和
func (cb *Buffer) TotalSize() int {
	return cb.insts.Size() + cb.stubs.Size() + cb.consts.Size()
}

// Reserved 从缓存预留的字节数
func (cb *Buffer) Reserved() int { return cb.total }

// Expansions 扩容次数
func (cb *Buffer) Expansions() int { return cb.expansions }

// section 按名字取区段
func (cb *Buffer) section(name string) *Section {
	switch name {
	case SectStubs:
		return &cb.stubs
	case SectConsts:
		return &cb.consts
	}
	return &cb.insts
}

// MaybeExpandToEnsureRemaining 确保区段至少剩余 n 字节
// 需要向缓存追加预留；缓存拒绝时丢弃 blob 并返回 false
func (cb *Buffer) MaybeExpandToEnsureRemaining(sect string, n int) bool {
	if !cb.blob {
		return false
	}
	s := cb.section(sect)
	if s.Remaining() >= n {
		return true
	}
	grow := s.limit
	if grow < n {
		grow = n
	}
	if cb.cache != nil && !cb.cache.Reserve(grow) {
		cb.Free()
		return false
	}
	cb.total += grow
	s.limit += grow
	cb.expansions++
	return true
}

// Free 归还预留的缓存空间
func (cb *Buffer) Free() {
	if cb.blob && cb.cache != nil {
		cb.cache.Release(cb.total)
	}
	cb.blob = false
	cb.total = 0
}

// Relocate 在指定区段偏移处登记重定位
func (cb *Buffer) Relocate(sect string, offset int, kind RelocKind, target string) {
	cb.relocs = append(cb.relocs, Reloc{Section: sect, Offset: offset, Kind: kind, Target: target})
}

// Relocs 全部重定位条目
func (cb *Buffer) Relocs() []Reloc { return cb.relocs }

// FlushBundle 结束当前发射包，startNew 表示下一条指令开启新包
func (cb *Buffer) FlushBundle(startNew bool) {
	if !startNew {
		return
	}
	at := cb.insts.Size()
	if n := len(cb.bundleStarts); n > 0 && cb.bundleStarts[n-1] == at {
		return
	}
	cb.bundleStarts = append(cb.bundleStarts, at)
}

// BundleStarts 发射包起始偏移
func (cb *Buffer) BundleStarts() []int { return cb.bundleStarts }

// Code 按 insts、stubs、consts 的顺序拼接后的完整代码
func (cb *Buffer) Code() []byte {
	code := make([]byte, 0, cb.TotalSize())
	code = append(code, cb.insts.data...)
	code = append(code, cb.stubs.data...)
	code = append(code, cb.consts.data...)
	return code
}

// SectionStart 区段在 Code() 结果中的起始偏移
func (cb *Buffer) SectionStart(sect string) int {
	switch sect {
	case SectStubs:
		return cb.insts.Size()
	case SectConsts:
		return cb.insts.Size() + cb.stubs.Size()
	}
	return 0
}
