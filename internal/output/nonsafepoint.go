package output

import "github.com/tangzhangming/nova-backend/internal/mach"

// nonSafepointEmitter 延迟记录非安全点指令的源位置
//
// 连续若干条指令的调用链相同时只记录最后一条的偏移；
// 调用链变化或遇到真正的安全点时才写出挂起的记录。
type nonSafepointEmitter struct {
	c             *Compile
	pendingJVMS   *mach.JVMState
	pendingOffset int
}

// observeInstruction 指令 n 发射完毕，pc 为其结束偏移
func (e *nonSafepointEmitter) observeInstruction(n *mach.Node, pc int) {
	debug := e.c.debug
	if !debug.RecordingNonSafepoints() {
		return
	}
	jvms := n.Notes
	if jvms == nil {
		return
	}
	if e.pendingJVMS != nil && e.pendingJVMS.SameCallsAs(jvms) {
		// 调用链相同，延伸到这里
		e.pendingOffset = pc
		return
	}
	if e.pendingJVMS != nil && e.pendingOffset < pc {
		e.emit()
	}
	e.pendingJVMS = nil
	if pc > debug.LastPCOffset() {
		e.pendingJVMS = jvms
		e.pendingOffset = pc
	}
}

// observeSafepoint 真正的安全点优先
func (e *nonSafepointEmitter) observeSafepoint(jvms *mach.JVMState, pc int) {
	if e.pendingJVMS != nil && !e.pendingJVMS.SameCallsAs(jvms) && e.pendingOffset < pc {
		e.emit()
	}
	e.pendingJVMS = nil
}

func (e *nonSafepointEmitter) flushAtEnd() {
	if e.pendingJVMS != nil {
		e.emit()
	}
	e.pendingJVMS = nil
}

func (e *nonSafepointEmitter) emit() {
	youngest := e.pendingJVMS
	pc := e.pendingOffset
	e.pendingJVMS = nil

	debug := e.c.debug
	if err := debug.AddNonSafepoint(pc); err != nil {
		e.c.RecordFailure(err)
		return
	}
	for depth := 1; depth <= youngest.Depth(); depth++ {
		jvms := youngest.OfDepth(depth)
		if err := debug.DescribeScope(pc, jvms.Method, jvms.BCI, nil, nil, nil); err != nil {
			e.c.RecordFailure(err)
			return
		}
	}
	if err := debug.EndNonSafepoint(pc); err != nil {
		e.c.RecordFailure(err)
	}
}
