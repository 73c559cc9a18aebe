// recorder.go - 安全点与反优化信息记录器
//
// 记录顺序固定：
//
//	AddSafepoint(pc) -> DumpObjectPool -> DescribeScope x 深度 -> EndSafepoint(pc)
//	AddNonSafepoint(pc) -> DescribeScope x 深度 -> EndNonSafepoint(pc)
//
// 每个偏移只能描述一次，偏移随发射严格递增。

package debuginfo

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/nova-backend/internal/mach"
)

var (
	// ErrPCOrder 偏移没有严格递增
	ErrPCOrder = errors.New("pc offsets must be strictly increasing")
	// ErrNotOpen 当前没有打开的描述，或偏移与打开的描述不一致
	ErrNotOpen = errors.New("no open pc description")
)

// Recorder 单次编译的调试信息记录器
type Recorder struct {
	table         *PcDescTable
	cur           *PcDesc
	lastPC        int
	nonSafepoints bool
}

// NewRecorder 创建记录器；recordNonSafepoints 打开非安全点的位置记录
func NewRecorder(recordNonSafepoints bool) *Recorder {
	return &Recorder{
		table:         NewPcDescTable(),
		lastPC:        -1,
		nonSafepoints: recordNonSafepoints,
	}
}

// RecordingNonSafepoints 是否记录非安全点
func (r *Recorder) RecordingNonSafepoints() bool { return r.nonSafepoints }

// LastPCOffset 最后一个已打开描述的偏移，尚无描述时为 -1
func (r *Recorder) LastPCOffset() int { return r.lastPC }

// Table 描述表
func (r *Recorder) Table() *PcDescTable { return r.table }

func (r *Recorder) open(pc int, safepoint bool, oopMap []mach.Reg) error {
	if r.cur != nil {
		return fmt.Errorf("%w: pc %d opened while pc %d is still open", ErrPCOrder, pc, r.cur.Offset)
	}
	if pc <= r.lastPC {
		return fmt.Errorf("%w: pc %d after %d", ErrPCOrder, pc, r.lastPC)
	}
	r.lastPC = pc
	r.cur = &PcDesc{Offset: pc, Safepoint: safepoint, OopMap: oopMap}
	return nil
}

func (r *Recorder) check(pc int) error {
	if r.cur == nil || r.cur.Offset != pc {
		return fmt.Errorf("%w: pc %d", ErrNotOpen, pc)
	}
	return nil
}

// AddSafepoint 打开一个安全点描述
func (r *Recorder) AddSafepoint(pc int, oopMap []mach.Reg) error {
	return r.open(pc, true, oopMap)
}

// AddNonSafepoint 打开一个只用于调试的位置描述
func (r *Recorder) AddNonSafepoint(pc int) error {
	if !r.nonSafepoints {
		return errors.New("non-safepoint recording is disabled")
	}
	return r.open(pc, false, nil)
}

// DumpObjectPool 挂上当前安全点的对象池，必须在描述作用域之前调用
func (r *Recorder) DumpObjectPool(pool *ObjectPool) error {
	if r.cur == nil {
		return ErrNotOpen
	}
	if len(r.cur.Scopes) > 0 {
		return fmt.Errorf("object pool of pc %d dumped after its scopes", r.cur.Offset)
	}
	r.cur.Objects = pool
	return nil
}

// DescribeScope 追加一个作用域，调用顺序为从最外层到最内层
func (r *Recorder) DescribeScope(pc int, method *mach.Method, bci int, locals, exprs []ScopeValue, monitors []*MonitorValue) error {
	if err := r.check(pc); err != nil {
		return err
	}
	s := &Scope{
		Method:      method,
		BCI:         bci,
		Locals:      locals,
		Expressions: exprs,
		Monitors:    monitors,
	}
	if method != nil {
		s.MethodName = method.Name
	}
	r.cur.Scopes = append(r.cur.Scopes, s)
	return nil
}

// EndSafepoint 关闭当前安全点描述
func (r *Recorder) EndSafepoint(pc int) error {
	return r.end(pc, true)
}

// EndNonSafepoint 关闭当前位置描述
// 与上一条位置描述的作用域链完全相同时丢弃
func (r *Recorder) EndNonSafepoint(pc int) error {
	return r.end(pc, false)
}

func (r *Recorder) end(pc int, safepoint bool) error {
	if err := r.check(pc); err != nil {
		return err
	}
	d := r.cur
	r.cur = nil
	if d.Safepoint != safepoint {
		return fmt.Errorf("%w: pc %d closed with the wrong kind", ErrNotOpen, pc)
	}
	if len(d.Scopes) == 0 {
		return fmt.Errorf("pc %d described without scopes", pc)
	}
	if !safepoint {
		if prev, ok := r.table.Last(); ok && !prev.Safepoint && sameScopes(prev, d) {
			return nil
		}
	}
	if !r.table.Insert(d) {
		return fmt.Errorf("%w: pc %d described twice", ErrPCOrder, pc)
	}
	return nil
}

func sameScopes(a, b *PcDesc) bool {
	if len(a.Scopes) != len(b.Scopes) {
		return false
	}
	for i := range a.Scopes {
		if a.Scopes[i].Method != b.Scopes[i].Method || a.Scopes[i].BCI != b.Scopes[i].BCI {
			return false
		}
	}
	return true
}

// Lookup 按精确偏移查询
func (r *Recorder) Lookup(pc int) (*PcDesc, bool) {
	return r.table.Lookup(pc)
}

// Safepoints 按偏移升序返回全部安全点描述
func (r *Recorder) Safepoints() []*PcDesc {
	var out []*PcDesc
	for _, d := range r.table.All() {
		if d.Safepoint {
			out = append(out, d)
		}
	}
	return out
}
