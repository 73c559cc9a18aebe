// safepoint.go - 安全点调试信息
//
// 对每个安全点，按内联深度从外到内描述局部变量、表达式栈和监视器：
// - 标量替换的对象在安全点的对象池中按节点编号去重，字段递归描述
// - 有寄存器或栈槽的值记录位置，64 位值按目标机约定占两个槽
// - 常量直接记录位模式

package output

import (
	"fmt"
	"math"

	"github.com/tangzhangming/nova-backend/internal/debuginfo"
	"github.com/tangzhangming/nova-backend/internal/mach"
)

// processSafepoint 记录 offset 处安全点的完整描述
// 调用的描述挂在返回地址上
func (c *Compile) processSafepoint(sfpt *mach.Node, offset int) error {
	pc := offset
	if sfpt.IsMachCall() {
		pc += sfpt.RetAddrOffset()
	}

	if err := c.debug.AddSafepoint(pc, sfpt.OopMap); err != nil {
		return err
	}

	// 对象池必须先于作用域写出，反优化时先读它
	pool := &debuginfo.ObjectPool{}
	if err := c.debug.DumpObjectPool(pool); err != nil {
		return err
	}

	youngest := sfpt.JVMS
	maxDepth := youngest.Depth()
	for depth := 1; depth <= maxDepth; depth++ {
		jvms := youngest.OfDepth(depth)
		method := jvms.Method

		if method != nil && jvms.BCI >= 0 && method.MaxLocals != len(jvms.Locals) {
			return fmt.Errorf("%w: %s has %d locals, state carries %d",
				ErrDebugInfo, method.Name, method.MaxLocals, len(jvms.Locals))
		}

		var locals, exprs []debuginfo.ScopeValue
		var err error
		// 运行时桩没有局部变量和表达式栈，只有监视器
		if method != nil {
			for idx, local := range jvms.Locals {
				if locals, err = c.fillLocArray(idx, sfpt, local, locals, pool); err != nil {
					return err
				}
			}
			for idx, e := range jvms.Stack {
				if exprs, err = c.fillLocArray(idx, sfpt, e, exprs, pool); err != nil {
					return err
				}
			}
		}

		monitors := make([]*debuginfo.MonitorValue, 0, len(jvms.Monitors))
		for _, m := range jvms.Monitors {
			mv, err := c.monitorValue(sfpt, m, pool)
			if err != nil {
				return err
			}
			monitors = append(monitors, mv)
		}

		scopeMethod := method
		if scopeMethod == nil {
			scopeMethod = c.method
		}
		if err := c.debug.DescribeScope(pc, scopeMethod, jvms.BCI, locals, exprs, monitors); err != nil {
			return err
		}
	}

	return c.debug.EndSafepoint(pc)
}

// monitorValue 描述一个被持有的监视器
func (c *Compile) monitorValue(sfpt *mach.Node, m mach.MonitorRef, pool *debuginfo.ObjectPool) (*debuginfo.MonitorValue, error) {
	obj := m.Obj
	var owner debuginfo.ScopeValue
	switch {
	case obj == nil:
		return nil, fmt.Errorf("%w: monitor without object at %v", ErrDebugInfo, sfpt)
	case obj.Op == mach.OpScalarObject:
		sv, err := c.objectValue(sfpt, obj, pool)
		if err != nil {
			return nil, err
		}
		owner = sv
	case !obj.Type.Con:
		owner = c.newLocValue(c.ra.RegFirst(obj), debuginfo.LocOop)
	default:
		owner = &debuginfo.ConstantOopValue{Oop: obj.Type.Oop}
	}

	box := m.Box
	if box == nil {
		return nil, fmt.Errorf("%w: monitor without lock slot at %v", ErrDebugInfo, sfpt)
	}
	basicLock := debuginfo.StackLocation(debuginfo.LocNormal, c.ra.Reg2Offset(c.ra.RegFirst(box)))
	eliminated := box.Op == mach.OpBoxLock && box.BoxEliminated

	return &debuginfo.MonitorValue{Owner: owner, BasicLock: basicLock, Eliminated: eliminated}, nil
}

// objectValue 查找或创建标量替换对象的描述
func (c *Compile) objectValue(sfpt, obj *mach.Node, pool *debuginfo.ObjectPool) (*debuginfo.ObjectValue, error) {
	if sv := pool.Find(obj.ID); sv != nil {
		return sv, nil
	}
	if obj.Scalar == nil {
		return nil, fmt.Errorf("%w: scalar object %v without field info", ErrDebugInfo, obj)
	}
	sv := &debuginfo.ObjectValue{
		ID:    obj.ID,
		Klass: &debuginfo.ConstantOopValue{Oop: obj.Scalar.Klass},
	}
	// 先登记再描述字段，字段可以引用对象自身
	pool.Add(sv)
	for _, fld := range obj.Scalar.Fields {
		fields, err := c.fillLocArray(len(sv.Fields), sfpt, fld, sv.Fields, pool)
		if err != nil {
			return nil, err
		}
		sv.Fields = fields
	}
	return sv, nil
}

// newLocValue 寄存器或栈槽位置
func (c *Compile) newLocValue(r mach.Reg, t debuginfo.LocationType) *debuginfo.LocationValue {
	if c.ra.IsReg(r) {
		return &debuginfo.LocationValue{Loc: debuginfo.RegLocation(t, r)}
	}
	return &debuginfo.LocationValue{Loc: debuginfo.StackLocation(t, c.ra.Reg2Offset(r))}
}

func isTop(n *mach.Node) bool {
	return n == nil || n.Type.Basic == mach.TypeTop
}

// fillLocArray 把 local 的描述追加到 array 的 idx 处
//
// long 和 double 占两个槽，描述第一个槽时已经写入两项；
// 紧随其后的第二个槽必须是未定义值，直接跳过。
func (c *Compile) fillLocArray(idx int, sfpt, local *mach.Node, array []debuginfo.ScopeValue, pool *debuginfo.ObjectPool) ([]debuginfo.ScopeValue, error) {
	if len(array) != idx {
		if len(array) != idx+1 {
			return array, fmt.Errorf("%w: slot %d written out of order at %v", ErrDebugInfo, idx, sfpt)
		}
		if isTop(local) || local.Type.Basic == mach.TypeHalf {
			return array, nil
		}
		return array, fmt.Errorf("%w: slot %d collides with a two-slot value at %v", ErrDebugInfo, idx, sfpt)
	}

	if local != nil && local.Op == mach.OpScalarObject {
		sv, err := c.objectValue(sfpt, local, pool)
		if err != nil {
			return array, err
		}
		return append(array, sv), nil
	}

	if isTop(local) {
		return append(array, &debuginfo.LocationValue{Loc: debuginfo.IllegalLocation()}), nil
	}

	t := local.Type
	if r := c.ra.RegFirst(local); r.Valid() {
		return c.appendRegisterValue(array, local, r), nil
	}

	switch t.Basic {
	case mach.TypeHalf:
		return append(array, &debuginfo.LocationValue{Loc: debuginfo.IllegalLocation()}), nil
	case mach.TypeAnyPtr:
		return append(array, &debuginfo.ConstantOopValue{}), nil
	case mach.TypeOopPtr, mach.TypeKlassPtr:
		return append(array, &debuginfo.ConstantOopValue{Oop: t.Oop}), nil
	case mach.TypeInt:
		return append(array, &debuginfo.ConstantIntValue{Value: int32(t.Bits)}), nil
	case mach.TypeRawPtr:
		if c.target.LP64() {
			return append(array, &debuginfo.ConstantLongValue{Value: t.Bits}), nil
		}
		return append(array, &debuginfo.ConstantIntValue{Value: int32(t.Bits)}), nil
	case mach.TypeFloat:
		return append(array, &debuginfo.ConstantIntValue{Value: int32(uint32(t.Bits))}), nil
	case mach.TypeDouble:
		if c.target.LP64() {
			// 第一个槽放占位，值在第二个槽
			return append(array,
				&debuginfo.ConstantIntValue{Value: 0},
				&debuginfo.ConstantDoubleValue{Value: math.Float64frombits(uint64(t.Bits))}), nil
		}
		return c.appendWordPair(array, uint64(t.Bits)), nil
	case mach.TypeLong:
		if c.target.LP64() {
			return append(array,
				&debuginfo.ConstantIntValue{Value: 0},
				&debuginfo.ConstantLongValue{Value: t.Bits}), nil
		}
		return c.appendWordPair(array, uint64(t.Bits)), nil
	}
	return array, fmt.Errorf("%w: unexpected constant type %d for %v", ErrDebugInfo, t.Basic, local)
}

// appendWordPair 32 位目标机上的 64 位常量按两个字记录
// 第二个局部变量槽放内存中的第一个字
func (c *Compile) appendWordPair(array []debuginfo.ScopeValue, bits uint64) []debuginfo.ScopeValue {
	var mem [8]byte
	order := c.target.ByteOrder()
	order.PutUint64(mem[:], bits)
	w0 := int32(order.Uint32(mem[0:4]))
	w1 := int32(order.Uint32(mem[4:8]))
	return append(array,
		&debuginfo.ConstantIntValue{Value: w1},
		&debuginfo.ConstantIntValue{Value: w0})
}

// appendRegisterValue 有寄存器或栈槽的值
func (c *Compile) appendRegisterValue(array []debuginfo.ScopeValue, local *mach.Node, r mach.Reg) []debuginfo.ScopeValue {
	t := local.Type.Basic
	if c.target.LP64() {
		switch t {
		case mach.TypeDouble:
			return append(array, &debuginfo.ConstantIntValue{Value: 0}, c.newLocValue(r, debuginfo.LocDbl))
		case mach.TypeLong:
			return append(array, &debuginfo.ConstantIntValue{Value: 0}, c.newLocValue(r, debuginfo.LocLng))
		case mach.TypeRawPtr:
			return append(array, c.newLocValue(r, debuginfo.LocLng))
		}
	} else {
		switch {
		case t == mach.TypeLong && c.target.LongInRegisterPair() && c.ra.IsReg(r):
			return append(array, c.newLocValue(r, debuginfo.LocNormal), c.newLocValue(r+1, debuginfo.LocNormal))
		case t == mach.TypeDouble || t == mach.TypeLong:
			// 与解释器栈的增长方向一致，高编号的半个槽在前
			return append(array, c.newLocValue(r+1, debuginfo.LocNormal), c.newLocValue(r, debuginfo.LocNormal))
		}
	}

	switch {
	case t == mach.TypeFloat && c.ra.IsReg(r):
		lt := debuginfo.LocNormal
		if c.target.FloatInDouble() {
			lt = debuginfo.LocFloatInDbl
		}
		return append(array, c.newLocValue(r, lt))
	case t == mach.TypeInt && c.ra.IsReg(r):
		lt := debuginfo.LocNormal
		if c.target.IntInLong() {
			lt = debuginfo.LocIntInLong
		}
		return append(array, c.newLocValue(r, lt))
	case c.ra.IsOop(local):
		return append(array, c.newLocValue(r, debuginfo.LocOop))
	}
	return append(array, c.newLocValue(r, debuginfo.LocNormal))
}
