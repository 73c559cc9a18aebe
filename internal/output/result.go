// result.go - 发射结果
//
// Result 汇总一次成功编译的全部产物：代码、重定位、异常表、隐式空检查表、
// 以偏移为键的调试信息。WriteJSON 把这些表导出供诊断工具查看。

package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/debuginfo"
	"github.com/tangzhangming/nova-backend/internal/exctable"
	"github.com/tangzhangming/nova-backend/internal/mach"
)

// Result 编译产物
type Result struct {
	Name   string
	Target string
	Code   []byte // insts、stubs、consts 依次拼接

	InstsSize  int
	StubsSize  int
	ConstsSize int
	FrameSize  int
	// FirstBlockSize 入口块的字节数
	FirstBlockSize int
	// ExceptionHandler 异常处理器在 Code 中的偏移，没有时为 -1
	ExceptionHandler int
	// DeoptHandler 反优化处理器在 Code 中的偏移，没有时为 -1
	DeoptHandler int

	Relocs       []codebuf.Reloc
	BundleStarts []int
	Handlers     *exctable.HandlerTable
	Implicit     *exctable.ImplicitTable
	Debug        *debuginfo.PcDescTable

	// NodeOffsets 节点编号到代码偏移（PrintAssembly 时记录）
	NodeOffsets map[int]int
	// Listing 汇编清单（PrintAssembly 时生成）
	Listing string
}

// result 汇总产物
func (c *Compile) result() *Result {
	r := &Result{
		Name:             c.name,
		Target:           c.target.Name(),
		Code:             c.cb.Code(),
		InstsSize:        c.cb.Insts().Size(),
		StubsSize:        c.cb.Stubs().Size(),
		ConstsSize:       c.cb.Consts().Size(),
		FrameSize:        c.ra.FrameSize(),
		FirstBlockSize:   c.firstBlockSize,
		ExceptionHandler: -1,
		DeoptHandler:     -1,
		Relocs:           c.cb.Relocs(),
		BundleStarts:     c.cb.BundleStarts(),
		Handlers:         c.handlers,
		Implicit:         c.implicit,
		Debug:            c.debug.Table(),
		NodeOffsets:      c.nodeOffsets,
	}
	stubs := c.cb.SectionStart(codebuf.SectStubs)
	if c.excOffset >= 0 {
		r.ExceptionHandler = stubs + c.excOffset
	}
	if c.deoptOffset >= 0 {
		r.DeoptHandler = stubs + c.deoptOffset
	}
	if c.conf.PrintAssembly {
		r.Listing = c.listing()
	}
	return r
}

// PcDesc 按偏移查找调试信息
func (r *Result) PcDesc(offset int) (*debuginfo.PcDesc, bool) {
	return r.Debug.Lookup(offset)
}

// ============================================================================
// JSON 导出
// ============================================================================

type scopeJSON struct {
	Method      string   `json:"method"`
	BCI         int      `json:"bci"`
	Locals      []string `json:"locals,omitempty"`
	Expressions []string `json:"expressions,omitempty"`
	Monitors    []string `json:"monitors,omitempty"`
}

type pcDescJSON struct {
	Offset    int         `json:"offset"`
	Safepoint bool        `json:"safepoint"`
	OopMap    []mach.Reg  `json:"oop_map,omitempty"`
	Objects   []string    `json:"objects,omitempty"`
	Scopes    []scopeJSON `json:"scopes"`
}

type resultJSON struct {
	Name             string                  `json:"name"`
	Target           string                  `json:"target"`
	InstsSize        int                     `json:"insts_size"`
	StubsSize        int                     `json:"stubs_size"`
	ConstsSize       int                     `json:"consts_size"`
	FrameSize        int                     `json:"frame_size"`
	FirstBlockSize   int                     `json:"first_block_size"`
	ExceptionHandler int                     `json:"exception_handler"`
	DeoptHandler     int                     `json:"deopt_handler"`
	Relocs           []codebuf.Reloc         `json:"relocs"`
	Handlers         *exctable.HandlerTable  `json:"handlers"`
	Implicit         *exctable.ImplicitTable `json:"implicit_null_checks"`
	PcDescs          []pcDescJSON            `json:"pc_descs"`
}

func stringsOf[T fmt.Stringer](vals []T) []string {
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.String()
	}
	return out
}

// WriteJSON 以 JSON 导出各张表（不含代码字节）
func (r *Result) WriteJSON(w io.Writer) error {
	out := resultJSON{
		Name:             r.Name,
		Target:           r.Target,
		InstsSize:        r.InstsSize,
		StubsSize:        r.StubsSize,
		ConstsSize:       r.ConstsSize,
		FrameSize:        r.FrameSize,
		FirstBlockSize:   r.FirstBlockSize,
		ExceptionHandler: r.ExceptionHandler,
		DeoptHandler:     r.DeoptHandler,
		Relocs:           r.Relocs,
		Handlers:         r.Handlers,
		Implicit:         r.Implicit,
	}
	for _, d := range r.Debug.All() {
		pd := pcDescJSON{Offset: d.Offset, Safepoint: d.Safepoint, OopMap: d.OopMap}
		if d.Objects != nil {
			pd.Objects = stringsOf(d.Objects.Objects())
		}
		for _, s := range d.Scopes {
			pd.Scopes = append(pd.Scopes, scopeJSON{
				Method:      s.MethodName,
				BCI:         s.BCI,
				Locals:      stringsOf(s.Locals),
				Expressions: stringsOf(s.Expressions),
				Monitors:    stringsOf(s.Monitors),
			})
		}
		out.PcDescs = append(out.PcDescs, pd)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// ============================================================================
// 汇编清单
// ============================================================================

// listing 按块输出每个节点的偏移、字节和反汇编
func (c *Compile) listing() string {
	var sb strings.Builder
	code := c.cb.Insts().Bytes()
	fmt.Fprintf(&sb, "# %s (%s) frame=%d\n", c.name, c.target.Name(), c.ra.FrameSize())

	for _, b := range c.cfg.Blocks {
		fmt.Fprintf(&sb, "B%d:", b.ID)
		if b.Loop {
			sb.WriteString(" # loop")
		}
		sb.WriteByte('\n')
		for _, n := range b.Nodes {
			off, ok := c.nodeOffsets[n.ID]
			if !ok || n.Inst == nil {
				continue
			}
			end := off + n.Size(c.ra)
			if end > len(code) {
				end = len(code)
			}
			bytes := code[off:end]
			fmt.Fprintf(&sb, "  %04x: %-16s % x\n", off, n.Inst.Name(), bytes)
			for _, line := range c.target.Disassemble(bytes, off) {
				fmt.Fprintf(&sb, "        %s\n", line)
			}
		}
	}

	if stubs := c.cb.Stubs().Bytes(); len(stubs) > 0 {
		start := c.cb.SectionStart(codebuf.SectStubs)
		sb.WriteString("stubs:\n")
		for _, line := range c.target.Disassemble(stubs, start) {
			fmt.Fprintf(&sb, "        %s\n", line)
		}
	}
	return sb.String()
}
