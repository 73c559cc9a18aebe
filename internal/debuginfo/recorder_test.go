package debuginfo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/nova-backend/internal/mach"
)

func recordSafepoint(t *testing.T, r *Recorder, pc int, pool *ObjectPool, scopes ...*mach.Method) {
	t.Helper()
	require.NoError(t, r.AddSafepoint(pc, nil))
	require.NoError(t, r.DumpObjectPool(pool))
	for i, m := range scopes {
		require.NoError(t, r.DescribeScope(pc, m, 10*i, nil, nil, nil))
	}
	require.NoError(t, r.EndSafepoint(pc))
}

func TestRecorderSafepoints(t *testing.T) {
	outer := &mach.Method{Name: "A.outer"}
	inner := &mach.Method{Name: "B.inner"}
	r := NewRecorder(false)

	pool100 := &ObjectPool{}
	pool100.Add(&ObjectValue{ID: 7, Klass: &ConstantOopValue{Oop: "Point"}})
	recordSafepoint(t, r, 100, pool100, outer, inner)
	recordSafepoint(t, r, 140, &ObjectPool{}, outer, inner)

	d, ok := r.Lookup(100)
	require.True(t, ok)
	require.Len(t, d.Scopes, 2)
	assert.Same(t, outer, d.Scopes[0].Method, "scopes run outermost first")
	assert.Same(t, inner, d.Youngest().Method)
	assert.Equal(t, 1, d.Objects.Len())

	d140, ok := r.Lookup(140)
	require.True(t, ok)
	assert.Equal(t, 0, d140.Objects.Len())
	assert.NotSame(t, d.Objects, d140.Objects, "object pools are per safepoint")

	_, ok = r.Lookup(120)
	assert.False(t, ok)
	floor, ok := r.Table().Floor(120)
	require.True(t, ok)
	assert.Equal(t, 100, floor.Offset)

	assert.Len(t, r.Safepoints(), 2)
	assert.Equal(t, 140, r.LastPCOffset())
}

func TestRecorderOrdering(t *testing.T) {
	m := &mach.Method{Name: "A.m"}
	r := NewRecorder(false)
	recordSafepoint(t, r, 40, &ObjectPool{}, m)

	err := r.AddSafepoint(40, nil)
	assert.True(t, errors.Is(err, ErrPCOrder), "same pc twice")
	err = r.AddSafepoint(20, nil)
	assert.True(t, errors.Is(err, ErrPCOrder), "pc going backwards")

	require.NoError(t, r.AddSafepoint(60, nil))
	err = r.DescribeScope(61, m, 0, nil, nil, nil)
	assert.True(t, errors.Is(err, ErrNotOpen))
	require.NoError(t, r.DescribeScope(60, m, 0, nil, nil, nil))
	assert.Error(t, r.DumpObjectPool(&ObjectPool{}), "pool after scopes")
	require.NoError(t, r.EndSafepoint(60))

	assert.Error(t, r.EndSafepoint(60), "closing twice")
}

func TestRecorderNonSafepoints(t *testing.T) {
	m := &mach.Method{Name: "A.m"}

	off := NewRecorder(false)
	assert.Error(t, off.AddNonSafepoint(4))

	r := NewRecorder(true)
	require.NoError(t, r.AddNonSafepoint(4))
	require.NoError(t, r.DescribeScope(4, m, 1, nil, nil, nil))
	require.NoError(t, r.EndNonSafepoint(4))

	// 相同的作用域链被合并
	require.NoError(t, r.AddNonSafepoint(8))
	require.NoError(t, r.DescribeScope(8, m, 1, nil, nil, nil))
	require.NoError(t, r.EndNonSafepoint(8))
	assert.Equal(t, 1, r.Table().Len())

	require.NoError(t, r.AddNonSafepoint(12))
	require.NoError(t, r.DescribeScope(12, m, 2, nil, nil, nil))
	require.NoError(t, r.EndNonSafepoint(12))
	assert.Equal(t, 2, r.Table().Len())
	assert.Empty(t, r.Safepoints())

	assert.Error(t, r.EndSafepoint(12))
}

func TestObjectPool(t *testing.T) {
	p := &ObjectPool{}
	o := &ObjectValue{ID: 3, Klass: &ConstantOopValue{Oop: "Box"}}
	p.Add(o)
	assert.Same(t, o, p.Find(3))
	assert.Nil(t, p.Find(4))
	assert.Panics(t, func() { p.Add(&ObjectValue{ID: 3}) })
}

func TestLocationString(t *testing.T) {
	assert.Equal(t, "r3(oop)", RegLocation(LocOop, 3).String())
	assert.Equal(t, "stack[16](lng)", StackLocation(LocLng, 16).String())
	assert.True(t, IllegalLocation().IsIllegal())
	assert.Equal(t, "oop null", (&ConstantOopValue{}).String())
}
