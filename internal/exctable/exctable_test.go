// exctable_test.go - 异常表测试

package exctable

import "testing"

// TestHandlerTable 测试子表与去重
func TestHandlerTable(t *testing.T) {
	ht := NewHandlerTable()
	if err := ht.AddSubtable(24, []int{3, 7, 3}, []int{100, 120, 140}); err != nil {
		t.Fatalf("AddSubtable failed: %v", err)
	}
	if err := ht.AddSubtable(24, []int{1}, []int{10}); err == nil {
		t.Error("Expected error for duplicate catch pc")
	}
	if err := ht.AddSubtable(30, []int{1}, nil); err == nil {
		t.Error("Expected error for mismatched lengths")
	}
	if err := ht.AddSubtable(40, nil, nil); err != nil || ht.Len() != 1 {
		t.Errorf("empty subtable should be skipped, err=%v len=%d", err, ht.Len())
	}

	sub, ok := ht.SubtableFor(24)
	if !ok || len(sub.Handlers) != 2 {
		t.Fatalf("Expected 2 handlers without duplicate bci, got %+v", sub)
	}
	if pc, ok := ht.FindHandler(24, 3); !ok || pc != 100 {
		t.Errorf("Expected first handler 100 for bci 3, got %d", pc)
	}
	if pc, ok := ht.FindHandler(24, 7); !ok || pc != 120 {
		t.Errorf("Expected handler 120 for bci 7, got %d", pc)
	}
	if _, ok := ht.FindHandler(28, 3); ok {
		t.Error("unknown catch pc should have no handler")
	}
}

// TestImplicitTable 测试隐式空检查表
func TestImplicitTable(t *testing.T) {
	it := NewImplicitTable(2)
	if err := it.Append(8, 64); err != nil {
		t.Fatal(err)
	}
	if err := it.Append(20, 96); err != nil {
		t.Fatal(err)
	}
	if err := it.Append(20, 100); err == nil {
		t.Error("Expected error for non-increasing offset")
	}
	if c, ok := it.Continuation(20); !ok || c != 96 {
		t.Errorf("Expected continuation 96, got %d", c)
	}
	if _, ok := it.Continuation(12); ok {
		t.Error("offset 12 is not a null check")
	}
}
