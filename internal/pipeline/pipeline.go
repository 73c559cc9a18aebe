// pipeline.go - 流水线模型
//
// 本文件描述每条机器指令对功能单元的占用情况以及延迟类别。
// 调度器只读取这些表，从不修改；多个编译线程可以共享同一个 Model。
//
// 资源占用模型：
// - 每个功能单元占一个资源位（最多 32 个）
// - 一条指令的占用由若干 UseElement 组成，每个元素在一组可互换的单元中挑一个
// - Cycles 是相对发射周期的位图，第 i 位表示第 i 个周期占用该单元

package pipeline

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxResources 资源位上限
const MaxResources = 32

// maxStall full latency 搜索的上限
const maxStall = 64

// ResourceMask 功能单元位集合
type ResourceMask uint32

// Count 返回集合中单元的数量
func (m ResourceMask) Count() int {
	return bits.OnesCount32(uint32(m))
}

// UseElement 单个功能单元组的占用
type UseElement struct {
	Units  ResourceMask // 可互换的候选单元
	Cycles uint64       // 相对发射周期的占用位图
}

// Class 流水线类别（对应一类指令）
type Class struct {
	Name             string
	InstructionCount int          // 发射的硬件指令条数
	ResultLatency    int          // 结果可用前经过的周期
	Resources        []UseElement // 功能单元占用
	BranchDelay      bool         // 带分支延迟槽
	MayHaveNoCode    bool         // 可能不产生任何字节
	MultipleBundles  bool         // 跨越多个发射包
}

// InstructionMask 返回所有可能被占用的单元
func (c *Class) InstructionMask() ResourceMask {
	var m ResourceMask
	for _, e := range c.Resources {
		m |= e.Units
	}
	return m
}

func (c *Class) String() string {
	return c.Name
}

// ============================================================================
// 目标机模型
// ============================================================================

// Model 目标机流水线描述
type Model struct {
	Name               string
	Resources          []string // 资源名，下标即资源位
	MaxInstrsPerCycle  int      // 每周期最多发射的指令数
	BranchHasDelaySlot bool     // 分支是否有延迟槽
	RequiresBundling   bool     // 发射包边界必须体现在代码布局上
	InstrUnitSize      int      // 定长指令的字节数（0 表示变长）

	Classes    map[string]*Class
	NopClass   *Class
	Default    *Class // 未标注的伪指令使用的类别
	ResetDelay int    // 保留字段：块间复位时的步进周期数
}

// InstrHasUnitSize 是否为定长指令集
func (m *Model) InstrHasUnitSize() bool {
	return m.InstrUnitSize > 0
}

// Class 按名字获取类别
func (m *Model) Class(name string) *Class {
	if c, ok := m.Classes[name]; ok {
		return c
	}
	return m.Default
}

// ResourceMaskOf 把资源名列表转换成位集合
func (m *Model) ResourceMaskOf(names ...string) (ResourceMask, error) {
	var mask ResourceMask
	for _, name := range names {
		idx := -1
		for i, r := range m.Resources {
			if strings.EqualFold(r, name) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, fmt.Errorf("pipeline %s: unknown resource %q", m.Name, name)
		}
		mask |= 1 << uint(idx)
	}
	return mask, nil
}

// GetKey 实现 NonLockingReadMap.KeyGetter
func (m Model) GetKey() string {
	return m.Name
}

// ComputeSize 估算模型占用的内存
func (m Model) ComputeSize() uint {
	sz := uint(128 + len(m.Name))
	for _, c := range m.Classes {
		sz += uint(64 + len(c.Name) + 16*len(c.Resources))
	}
	return sz
}

// ============================================================================
// 资源占用状态
// ============================================================================

// Use 当前发射包及其后若干周期的功能单元占用
type Use struct {
	reserved [MaxResources]uint64
}

// Reset 清空占用
func (u *Use) Reset() {
	u.reserved = [MaxResources]uint64{}
}

// Step 前进 i 个周期
func (u *Use) Step(i int) {
	if i <= 0 {
		return
	}
	for r := range u.reserved {
		if i >= 64 {
			u.reserved[r] = 0
		} else {
			u.reserved[r] >>= uint(i)
		}
	}
}

// ResourcesUsed 返回当前周期已经被占用的单元
func (u *Use) ResourcesUsed() ResourceMask {
	var m ResourceMask
	for r, cycles := range u.reserved {
		if cycles&1 != 0 {
			m |= 1 << uint(r)
		}
	}
	return m
}

// place 在延迟 delay 处尝试放下全部元素，成功时返回新的占用表
func (u *Use) place(delay int, elems []UseElement) ([MaxResources]uint64, bool) {
	res := u.reserved
	for _, e := range elems {
		want := e.Cycles << uint(delay)
		if e.Cycles != 0 && want>>uint(delay) != e.Cycles {
			return res, false
		}
		placed := false
		for units := uint32(e.Units); units != 0; units &= units - 1 {
			r := bits.TrailingZeros32(units)
			if res[r]&want == 0 {
				res[r] |= want
				placed = true
				break
			}
		}
		if !placed {
			return res, false
		}
	}
	return res, true
}

// FullLatency 计算在 delay 周期之后还需要多少额外周期才能放下该类别
// 返回值是相对当前周期的延迟（不小于 delay），0 表示可以立即发射
func (u *Use) FullLatency(delay int, c *Class) int {
	if c == nil || len(c.Resources) == 0 {
		return delay
	}
	for d := delay; d < maxStall; d++ {
		if _, ok := u.place(d, c.Resources); ok {
			return d
		}
	}
	return maxStall
}

// AddUsage 在当前周期登记该类别的占用
// 单元冲突时按 FullLatency 的结果往后放
func (u *Use) AddUsage(c *Class) {
	if c == nil || len(c.Resources) == 0 {
		return
	}
	d := u.FullLatency(0, c)
	if res, ok := u.place(d, c.Resources); ok {
		u.reserved = res
	}
}
