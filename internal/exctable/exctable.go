// exctable.go - 异常处理表与隐式空检查表
//
// 本文件定义了发射阶段产出的两张表：
// 1. 异常处理表：以调用返回地址为键的子表，每个子表列出 (处理器 bci, 处理器代码偏移)
// 2. 隐式空检查表：(可能出错的指令偏移, 继续执行的代码偏移)，按偏移有序

package exctable

import (
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// 异常处理表
// ============================================================================

// HandlerEntry 一个处理器
type HandlerEntry struct {
	BCI       int `json:"bci"`
	HandlerPC int `json:"handler_pc"`
}

// Subtable 一个调用点的全部处理器
type Subtable struct {
	CatchPC  int            `json:"catch_pc"` // 调用返回地址的代码偏移
	Handlers []HandlerEntry `json:"handlers"`
}

// HandlerTable 方法的异常处理表
type HandlerTable struct {
	Subtables []Subtable `json:"subtables"`
}

// NewHandlerTable 创建空表
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{}
}

// AddSubtable 添加一个调用点的处理器列表
// bcis 和 pcos 一一对应，重复的 bci 只保留第一次出现
func (t *HandlerTable) AddSubtable(catchPC int, bcis, pcos []int) error {
	if len(bcis) != len(pcos) {
		return fmt.Errorf("subtable at %d: %d bcis for %d handler offsets", catchPC, len(bcis), len(pcos))
	}
	if len(bcis) == 0 {
		return nil
	}
	for _, s := range t.Subtables {
		if s.CatchPC == catchPC {
			return fmt.Errorf("subtable at %d added twice", catchPC)
		}
	}
	sub := Subtable{CatchPC: catchPC}
	seen := make(map[int]bool, len(bcis))
	for i, bci := range bcis {
		if seen[bci] {
			continue
		}
		seen[bci] = true
		sub.Handlers = append(sub.Handlers, HandlerEntry{BCI: bci, HandlerPC: pcos[i]})
	}
	t.Subtables = append(t.Subtables, sub)
	return nil
}

// SubtableFor 调用返回地址对应的子表
func (t *HandlerTable) SubtableFor(catchPC int) (*Subtable, bool) {
	for i := range t.Subtables {
		if t.Subtables[i].CatchPC == catchPC {
			return &t.Subtables[i], true
		}
	}
	return nil, false
}

// FindHandler 查找调用点上某个 bci 的处理器
func (t *HandlerTable) FindHandler(catchPC, bci int) (int, bool) {
	sub, ok := t.SubtableFor(catchPC)
	if !ok {
		return 0, false
	}
	for _, h := range sub.Handlers {
		if h.BCI == bci {
			return h.HandlerPC, true
		}
	}
	return 0, false
}

// Len 子表数量
func (t *HandlerTable) Len() int { return len(t.Subtables) }

func (t *HandlerTable) String() string {
	var sb strings.Builder
	for _, s := range t.Subtables {
		fmt.Fprintf(&sb, "catch_pc %d:", s.CatchPC)
		for _, h := range s.Handlers {
			fmt.Fprintf(&sb, " bci %d -> %d", h.BCI, h.HandlerPC)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ============================================================================
// 隐式空检查表
// ============================================================================

// ImplicitEntry 一条隐式空检查
type ImplicitEntry struct {
	ExecOffset int `json:"exec_off"` // 可能触发访问异常的指令
	ContOffset int `json:"cont_off"` // 异常后继续执行的位置
}

// ImplicitTable 方法的隐式空检查表
type ImplicitTable struct {
	Entries []ImplicitEntry `json:"entries"`
}

// NewImplicitTable 创建表并预留容量
func NewImplicitTable(size int) *ImplicitTable {
	return &ImplicitTable{Entries: make([]ImplicitEntry, 0, size)}
}

// Append 追加一条记录，按发射顺序调用时偏移自然有序
func (t *ImplicitTable) Append(execOff, contOff int) error {
	if n := len(t.Entries); n > 0 && t.Entries[n-1].ExecOffset >= execOff {
		return fmt.Errorf("implicit null check at %d after %d", execOff, t.Entries[n-1].ExecOffset)
	}
	t.Entries = append(t.Entries, ImplicitEntry{ExecOffset: execOff, ContOffset: contOff})
	return nil
}

// Continuation 查找出错指令的继续位置
func (t *ImplicitTable) Continuation(execOff int) (int, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool {
		return t.Entries[i].ExecOffset >= execOff
	})
	if i < len(t.Entries) && t.Entries[i].ExecOffset == execOff {
		return t.Entries[i].ContOffset, true
	}
	return 0, false
}

// Len 条目数量
func (t *ImplicitTable) Len() int { return len(t.Entries) }
