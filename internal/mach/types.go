package mach

// BasicType 值的基本类别
type BasicType int

const (
	TypeNone   BasicType = iota
	TypeTop              // 未定义（死值）
	TypeHalf             // long/double 的高半部分
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeOopPtr // 对象引用
	TypeKlassPtr
	TypeAnyPtr // 仅用于 null 常量
	TypeRawPtr
)

// Type 节点的值类型
type Type struct {
	Basic  BasicType
	Con    bool   // 是否为常量
	Bits   int64  // int/long/指针的值，或 float/double 的位模式
	Oop    string // 常量对象的句柄名
	Offset int    // 指针相对对象头的偏移（非 0 即派生指针）
}

// IsOopPtr 是否为对象引用类型
func (t Type) IsOopPtr() bool {
	return t.Basic == TypeOopPtr
}

// IsDerivedPtr 指向对象内部的派生指针
func (t Type) IsDerivedPtr() bool {
	return t.Basic == TypeOopPtr && t.Offset != 0
}

// IntCon 整数常量类型
func IntCon(v int32) Type { return Type{Basic: TypeInt, Con: true, Bits: int64(v)} }

// LongCon long 常量类型
func LongCon(v int64) Type { return Type{Basic: TypeLong, Con: true, Bits: v} }

// ============================================================================
// 解释器状态
// ============================================================================

// Method 被编译的方法（或内联方法）
type Method struct {
	Name         string
	MaxLocals    int
	MaxStack     int
	Synchronized bool
}

// MonitorRef 一个被持有的监视器
type MonitorRef struct {
	Box *Node // 锁槽（OpBoxLock）
	Obj *Node // 被锁对象
}

// JVMState 某个内联深度的解释器状态
// Caller 指向外层调用者，最外层为 nil
type JVMState struct {
	Caller   *JVMState
	Method   *Method // 运行时桩为 nil
	BCI      int
	Locals   []*Node
	Stack    []*Node
	Monitors []MonitorRef
}

// Depth 内联深度，最外层为 1
func (j *JVMState) Depth() int {
	d := 0
	for s := j; s != nil; s = s.Caller {
		d++
	}
	return d
}

// OfDepth 返回深度为 d 的状态
func (j *JVMState) OfDepth(d int) *JVMState {
	s := j
	for i := j.Depth(); i > d && s != nil; i-- {
		s = s.Caller
	}
	return s
}

// SameCallsAs 两个状态的调用链是否相同（不比较最内层的 bci）
func (j *JVMState) SameCallsAs(o *JVMState) bool {
	if j == o {
		return true
	}
	if j == nil || o == nil || j.Method != o.Method {
		return false
	}
	a, b := j.Caller, o.Caller
	for a != nil && b != nil {
		if a.Method != b.Method || a.BCI != b.BCI {
			return false
		}
		a, b = a.Caller, b.Caller
	}
	return a == nil && b == nil
}

// Inputs 按出现顺序返回状态引用的全部节点（含外层）
func (j *JVMState) Inputs() []*Node {
	var nodes []*Node
	var visit func(*Node)
	seen := make(map[*Node]bool)
	visit = func(n *Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		nodes = append(nodes, n)
		if n.Scalar != nil {
			for _, f := range n.Scalar.Fields {
				visit(f)
			}
		}
	}
	for s := j; s != nil; s = s.Caller {
		for _, n := range s.Locals {
			visit(n)
		}
		for _, n := range s.Stack {
			visit(n)
		}
		for _, m := range s.Monitors {
			visit(m.Box)
			visit(m.Obj)
		}
	}
	return nodes
}

// ScalarInfo 被标量替换的对象
type ScalarInfo struct {
	Klass  string  // 类的句柄名
	Fields []*Node // 字段值，可以再次指向被替换的对象
}
