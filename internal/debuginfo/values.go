// values.go - 作用域值
//
// 一个作用域值描述安全点处某个 Java 可见值（局部变量、表达式栈槽、
// 被锁对象或标量替换对象的字段）在哪里可以取到：
//   - 寄存器或栈槽（LocationValue）
//   - 编译期常量（ConstantIntValue 等）
//   - 标量替换对象（ObjectValue），在单个安全点的对象池内去重

package debuginfo

import (
	"fmt"
	"math"

	"github.com/tangzhangming/nova-backend/internal/mach"
)

// ============================================================================
// 位置
// ============================================================================

// LocationWhere 值所在的存储类别
type LocationWhere int

const (
	OnInvalid LocationWhere = iota
	InRegister
	OnStack
)

// LocationType 位置中值的解释方式
type LocationType int

const (
	LocNormal     LocationType = iota // 普通整数或浮点
	LocOop                            // 对象引用，GC 需要扫描
	LocDbl                            // 64 位浮点占满整个槽
	LocLng                            // 64 位整数占满整个槽
	LocFloatInDbl                     // 单精度放在双精度寄存器中
	LocIntInLong                      // 32 位整数放在 64 位寄存器中
	LocInvalid                        // 未定义的值
)

var locationTypeNames = [...]string{"normal", "oop", "dbl", "lng", "float_in_dbl", "int_in_long", "invalid"}

func (t LocationType) String() string {
	if int(t) < len(locationTypeNames) {
		return locationTypeNames[t]
	}
	return fmt.Sprintf("loctype(%d)", int(t))
}

// Location 寄存器或相对栈指针的栈槽
type Location struct {
	Where  LocationWhere `json:"where"`
	Type   LocationType  `json:"type"`
	Reg    mach.Reg      `json:"reg,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

// RegLocation 寄存器位置
func RegLocation(t LocationType, r mach.Reg) Location {
	return Location{Where: InRegister, Type: t, Reg: r}
}

// StackLocation 栈槽位置
func StackLocation(t LocationType, offset int) Location {
	return Location{Where: OnStack, Type: t, Offset: offset}
}

// IllegalLocation 非法位置（值已死或未定义）
func IllegalLocation() Location {
	return Location{Where: OnInvalid, Type: LocInvalid}
}

// IsIllegal 是否为非法位置
func (l Location) IsIllegal() bool { return l.Where == OnInvalid }

func (l Location) String() string {
	switch l.Where {
	case InRegister:
		return fmt.Sprintf("r%d(%s)", l.Reg, l.Type)
	case OnStack:
		return fmt.Sprintf("stack[%d](%s)", l.Offset, l.Type)
	}
	return "illegal"
}

// ============================================================================
// 作用域值
// ============================================================================

// ScopeValue 作用域值
type ScopeValue interface {
	fmt.Stringer
	scopeValue()
}

// LocationValue 放在寄存器或栈槽中的值
type LocationValue struct {
	Loc Location
}

// ConstantIntValue 32 位常量（单精度浮点按位存放）
type ConstantIntValue struct {
	Value int32
}

// ConstantLongValue 64 位整数常量
type ConstantLongValue struct {
	Value int64
}

// ConstantDoubleValue 64 位浮点常量
type ConstantDoubleValue struct {
	Value float64
}

// ConstantOopValue 常量对象引用；Oop 为空表示 null
type ConstantOopValue struct {
	Oop string
}

// ObjectValue 被标量替换的对象
// ID 是该对象在编译内的稳定标识，同一安全点内按 ID 去重
type ObjectValue struct {
	ID     int
	Klass  *ConstantOopValue
	Fields []ScopeValue
}

// MonitorValue 被持有的监视器
type MonitorValue struct {
	Owner      ScopeValue
	BasicLock  Location
	Eliminated bool // 锁已被逃逸分析消除
}

func (*LocationValue) scopeValue()       {}
func (*ConstantIntValue) scopeValue()    {}
func (*ConstantLongValue) scopeValue()   {}
func (*ConstantDoubleValue) scopeValue() {}
func (*ConstantOopValue) scopeValue()    {}
func (*ObjectValue) scopeValue()         {}

func (v *LocationValue) String() string     { return v.Loc.String() }
func (v *ConstantIntValue) String() string  { return fmt.Sprintf("int %d", v.Value) }
func (v *ConstantLongValue) String() string { return fmt.Sprintf("long %d", v.Value) }
func (v *ConstantDoubleValue) String() string {
	return fmt.Sprintf("double %g (%#016x)", v.Value, math.Float64bits(v.Value))
}

func (v *ConstantOopValue) String() string {
	if v.Oop == "" {
		return "oop null"
	}
	return "oop " + v.Oop
}

func (v *ObjectValue) String() string {
	return fmt.Sprintf("obj[%d] %s (%d fields)", v.ID, v.Klass.Oop, len(v.Fields))
}

func (m *MonitorValue) String() string {
	s := fmt.Sprintf("monitor{%v, lock=%v}", m.Owner, m.BasicLock)
	if m.Eliminated {
		s += " eliminated"
	}
	return s
}

// ============================================================================
// 对象池
// ============================================================================

// ObjectPool 单个安全点的标量替换对象表
type ObjectPool struct {
	objs []*ObjectValue
}

// Find 按 ID 查找
func (p *ObjectPool) Find(id int) *ObjectValue {
	for _, o := range p.objs {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// Add 加入新对象，ID 不能重复
func (p *ObjectPool) Add(o *ObjectValue) {
	if p.Find(o.ID) != nil {
		panic(fmt.Sprintf("object %d already in pool", o.ID))
	}
	p.objs = append(p.objs, o)
}

// Objects 按加入顺序返回全部对象
func (p *ObjectPool) Objects() []*ObjectValue { return p.objs }

// Len 对象数量
func (p *ObjectPool) Len() int { return len(p.objs) }
