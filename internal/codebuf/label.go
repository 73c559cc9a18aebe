package codebuf

import "fmt"

// PatchKind 标签引用的编码方式
type PatchKind int

const (
	// PatchRel8 相对下一条指令的 8 位位移（x86 短跳转）
	PatchRel8 PatchKind = iota
	// PatchRel32 相对位移字段末尾的 32 位位移（x86 长跳转与调用）
	PatchRel32
	// PatchDisp22 相对指令起点、按字计的 22 位位移（SPARC Bicc）
	PatchDisp22
	// PatchDisp30 相对指令起点、按字计的 30 位位移（SPARC call）
	PatchDisp30
	// PatchOffset32 标签相对 insts 起点的 32 位偏移（跳转表）
	PatchOffset32
)

type patch struct {
	sect *Section
	at   int // 位移字段（或指令）在区段中的偏移
	kind PatchKind
	pc   int // 计算相对位移的基准（insts 偏移）
}

// Label 代码位置标签
type Label struct {
	pos     int
	bound   bool
	patches []patch
}

// NewLabel 创建未绑定的标签
func (cb *Buffer) NewLabel() *Label {
	l := &Label{pos: -1}
	cb.labels = append(cb.labels, l)
	return l
}

// IsBound 是否已绑定
func (l *Label) IsBound() bool { return l.bound }

// Pos 绑定位置（insts 偏移）
func (l *Label) Pos() int { return l.pos }

// BindLoc 在已知偏移处绑定（分支缩短阶段预先确定块位置）
func (cb *Buffer) BindLoc(l *Label, pos int) {
	l.pos = pos
	l.bound = true
	cb.resolve(l)
}

// Bind 绑定到当前代码位置
func (cb *Buffer) Bind(l *Label) {
	cb.BindLoc(l, cb.insts.Size())
}

// Reference 在 sect 的 at 处引用标签
// pc 为计算相对位移的基准；标签已绑定时立即写入，否则等待绑定
func (cb *Buffer) Reference(l *Label, sect *Section, at int, kind PatchKind, pc int) {
	p := patch{sect: sect, at: at, kind: kind, pc: pc}
	if l.bound {
		cb.apply(l, p)
		return
	}
	l.patches = append(l.patches, p)
}

func (cb *Buffer) resolve(l *Label) {
	pending := l.patches
	l.patches = nil
	for _, p := range pending {
		cb.apply(l, p)
	}
}

// apply 写入位移；超出编码范围时 panic（分支缩短已保证范围，越界说明大小计算出错）
func (cb *Buffer) apply(l *Label, p patch) {
	if p.at >= p.sect.Size() {
		// 指令已被回退覆盖
		return
	}
	switch p.kind {
	case PatchRel8:
		disp := l.pos - p.pc
		if disp < -128 || disp > 127 {
			panic(fmt.Sprintf("codebuf: rel8 displacement %d out of range at %d", disp, p.at))
		}
		p.sect.data[p.at] = byte(int8(disp))
	case PatchRel32:
		p.sect.Put32(p.at, uint32(int32(l.pos-p.pc)))
	case PatchDisp22:
		disp := (l.pos - p.pc) >> 2
		if disp < -(1<<21) || disp >= 1<<21 {
			panic(fmt.Sprintf("codebuf: disp22 displacement %d out of range at %d", disp, p.at))
		}
		w := p.sect.Get32(p.at)
		p.sect.Put32(p.at, w&^0x3fffff|uint32(disp)&0x3fffff)
	case PatchDisp30:
		disp := (l.pos - p.pc) >> 2
		w := p.sect.Get32(p.at)
		p.sect.Put32(p.at, w&^0x3fffffff|uint32(disp)&0x3fffffff)
	case PatchOffset32:
		p.sect.Put32(p.at, uint32(l.pos))
	}
}

// Unresolved 仍有未解析引用的标签数
func (cb *Buffer) Unresolved() int {
	n := 0
	for _, l := range cb.labels {
		if len(l.patches) > 0 {
			n++
		}
	}
	return n
}
