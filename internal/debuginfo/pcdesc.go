// pcdesc.go - 以代码偏移为键的描述表

package debuginfo

import (
	"github.com/google/btree"

	"github.com/tangzhangming/nova-backend/internal/mach"
)

// Scope 一个内联深度的描述
type Scope struct {
	Method      *mach.Method    `json:"-"`
	MethodName  string          `json:"method"`
	BCI         int             `json:"bci"`
	Locals      []ScopeValue    `json:"-"`
	Expressions []ScopeValue    `json:"-"`
	Monitors    []*MonitorValue `json:"-"`
}

// PcDesc 一个代码偏移上的描述
// Scopes 从最外层到最内层排列
type PcDesc struct {
	Offset    int         `json:"offset"`
	Safepoint bool        `json:"safepoint"`
	OopMap    []mach.Reg  `json:"oop_map,omitempty"`
	Objects   *ObjectPool `json:"-"`
	Scopes    []*Scope    `json:"scopes"`
}

// Youngest 最内层作用域
func (d *PcDesc) Youngest() *Scope {
	if len(d.Scopes) == 0 {
		return nil
	}
	return d.Scopes[len(d.Scopes)-1]
}

// PcDescTable 按偏移有序的描述表
type PcDescTable struct {
	tree *btree.BTreeG[*PcDesc]
}

// NewPcDescTable 创建空表
func NewPcDescTable() *PcDescTable {
	return &PcDescTable{
		tree: btree.NewG[*PcDesc](8, func(a, b *PcDesc) bool {
			return a.Offset < b.Offset
		}),
	}
}

// Insert 插入描述，同一偏移已存在时返回 false 且不覆盖
func (t *PcDescTable) Insert(d *PcDesc) bool {
	if t.tree.Has(d) {
		return false
	}
	t.tree.ReplaceOrInsert(d)
	return true
}

// Lookup 精确查找
func (t *PcDescTable) Lookup(offset int) (*PcDesc, bool) {
	return t.tree.Get(&PcDesc{Offset: offset})
}

// Floor 不大于 offset 的最后一个描述
func (t *PcDescTable) Floor(offset int) (*PcDesc, bool) {
	var found *PcDesc
	t.tree.DescendLessOrEqual(&PcDesc{Offset: offset}, func(d *PcDesc) bool {
		found = d
		return false
	})
	return found, found != nil
}

// Last 偏移最大的描述
func (t *PcDescTable) Last() (*PcDesc, bool) {
	return t.tree.Max()
}

// Len 描述数量
func (t *PcDescTable) Len() int { return t.tree.Len() }

// All 按偏移升序返回全部描述
func (t *PcDescTable) All() []*PcDesc {
	descs := make([]*PcDesc, 0, t.tree.Len())
	t.tree.Ascend(func(d *PcDesc) bool {
		descs = append(descs, d)
		return true
	})
	return descs
}
