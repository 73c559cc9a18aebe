// antidep.go - 寄存器反依赖
//
// 对每个寄存器，合法的调度是一个循环：一次定义，若干使用（由真依赖连接），
// 若干杀死（没有使用者的定义），然后是下一次定义。使用之间可以相互浮动，
// 杀死之间也可以，但任何使用都不能越过其后的杀死或定义。
//
// 需要在一次定义的所有使用与其后所有杀死之间加边。为了控制边数，
// 使用多于一个或杀死多于一个时引入一个钳点：
//
//	use1   use2  use3
//	    \   |   /
//	      pinch
//	    /   |   \
//	kill1 kill2 kill3
//
// 整个过程是一次自底向上的遍历：先处理指令的定义/杀死，再处理它的使用。

package sched

import (
	"github.com/tangzhangming/nova-backend/internal/mach"
)

// dataStart 第一个数据输入的下标（投影的 0 号输入是其基节点）
func dataStart(n *mach.Node) int {
	if n.IsProj() {
		return 1
	}
	return 0
}

// edgeFromTo from 是否已有来自 to 的输入边
func edgeFromTo(from, to *mach.Node) bool {
	for i := 0; i < from.Len(); i++ {
		if from.In(i) == to {
			return true
		}
	}
	return false
}

// addPrecEdgeFromTo 添加优先级边（to 先于 from），投影上的边转移到其基节点
func addPrecEdgeFromTo(from, to *mach.Node) {
	if from.IsProj() {
		from = from.In(0)
	}
	if from != to && !edgeFromTo(from, to) {
		from.AddPrec(to)
	}
}

func (s *Scheduler) getRegNode(r mach.Reg) *mach.Node {
	if int(r) < len(s.regNode) {
		return s.regNode[r]
	}
	return nil
}

func (s *Scheduler) setRegNode(r mach.Reg, n *mach.Node) {
	if int(r) >= len(s.regNode) {
		g := make([]*mach.Node, int(r)+1)
		copy(g, s.regNode)
		s.regNode = g
	}
	s.regNode[r] = n
}

// newPinch 从空闲表取出或新建一个钳点
func (s *Scheduler) newPinch(b *mach.Block) *mach.Node {
	var pinch *mach.Node
	if n := len(s.pinchFreeList); n > 0 {
		pinch = s.pinchFreeList[n-1]
		s.pinchFreeList = s.pinchFreeList[:n-1]
	} else {
		pinch = s.cfg.NewNode(mach.OpNode)
		pinch.Pinch = &mach.PinchState{}
		s.pinchAllocated++
	}
	if pinch.ID >= s.ra.NodeRegsMaxIndex() {
		s.fail(ErrTooManyPinchPoints)
		return nil
	}
	*pinch.Pinch = mach.PinchState{}
	pinch.Block = b
	s.ensure(pinch)
	return pinch
}

// releasePinch 把钳点放回空闲表，调用前所有边必须已经清除
func (s *Scheduler) releasePinch(pinch *mach.Node) {
	*pinch.Pinch = mach.PinchState{}
	pinch.Block = nil
	s.pinchFreeList = append(s.pinchFreeList, pinch)
}

// PinchAllocated 新建的钳点数量（不含复用）
func (s *Scheduler) PinchAllocated() int { return s.pinchAllocated }

// antiDoDef 处理 def 对寄存器 reg 的定义或杀死
func (s *Scheduler) antiDoDef(b *mach.Block, def *mach.Node, reg mach.Reg, isDef bool) {
	if !reg.Valid() {
		return
	}

	pinch := s.getRegNode(reg)
	if pinch == nil || pinch.Block != b || isDef {
		// 真正的定义（或块内第一次写）只作为乐观钳点记录
		s.setRegNode(reg, def)
		return
	}

	kill := def
	var laterDef *mach.Node

	if !pinch.IsPinch() {
		laterDef = pinch
		pinch = s.newPinch(b)
		if pinch == nil {
			return
		}
		s.setRegNode(reg, pinch)
		// 没有使用者的 later 其实也是杀死
		if laterDef.OutCnt() == 0 || laterDef.FatProj {
			addPrecEdgeFromTo(laterDef, pinch)
			laterDef = nil
		}
		pinch.Pinch.LaterDef = laterDef
	} else {
		laterDef = pinch.Pinch.LaterDef
	}

	if laterDef != nil {
		addPrecEdgeFromTo(laterDef, kill)
	}

	// 杀死本身也读取该寄存器时，它就是钳点
	if pinch.IsPinch() && !pinch.Pinch.Placed {
		uses := kill
		if kill.IsProj() {
			uses = kill.In(0)
		}
		for i := dataStart(uses); i < uses.Req(); i++ {
			in := uses.In(i)
			if in == nil {
				continue
			}
			if s.ra.RegFirst(in) == reg || s.ra.RegSecond(in) == reg {
				pinch.Pinch.LaterDef = nil
				pinch.ReplaceBy(kill)
				s.releasePinch(pinch)
				s.setRegNode(reg, kill)
				return
			}
		}
	}

	addPrecEdgeFromTo(kill, pinch)
}

// antiDoUse 处理 use 对寄存器 reg 的读取
func (s *Scheduler) antiDoUse(b *mach.Block, use *mach.Node, reg mach.Reg) {
	if !reg.Valid() {
		return
	}
	pinch := s.getRegNode(reg)
	if pinch == nil || pinch.Block != b || use.Block != b {
		return
	}
	if pinch.IsPinch() && !pinch.Pinch.Placed {
		// 钳点插到最后一个使用之后
		pinch.Pinch.Placed = true
		pinch.Pinch.LaterDef = nil
		b.InsertNode(pinch, b.FindNode(use)+1)
		s.bbEnd++
	}
	addPrecEdgeFromTo(pinch, use)
}

// computeRegisterAntidependencies 为块内可调度区间插入反依赖边
func (s *Scheduler) computeRegisterAntidependencies(b *mach.Block) {
	if s.bbEnd-1 < s.bbStart {
		return
	}
	lastSafept := s.bbEnd - 1
	endNode := b.Nodes[lastSafept]
	lastSafeptNode := endNode

	for i := s.bbEnd - 1; i >= s.bbStart; i-- {
		n := b.Nodes[i]
		// 加优先级边之前有使用者才算定义
		isDef := n.OutCnt() > 0
		if n.FatProj {
			for _, kill := range n.Kills {
				s.antiDoDef(b, n, kill, isDef)
			}
		} else {
			s.antiDoDef(b, n, s.ra.RegFirst(n), isDef)
			s.antiDoDef(b, n, s.ra.RegSecond(n), isDef)
		}
		if s.err != nil {
			return
		}

		for j := dataStart(n); j < n.Req(); j++ {
			def := n.In(j)
			if def == nil {
				continue
			}
			s.antiDoUse(b, n, s.ra.RegFirst(def))
			s.antiDoUse(b, n, s.ra.RegSecond(def))
		}

		// 派生指针的新定义不能浮到安全点之上
		m := b.Nodes[i]
		if lastSafeptNode != endNode && m != lastSafeptNode {
			for k := dataStart(m); k < m.Req(); k++ {
				if in := m.In(k); in != nil && in.Type.IsDerivedPtr() {
					lastSafeptNode.AddPrec(m)
					break
				}
			}
		}

		if n.JVMS != nil {
			// 钳点插入可能移动了上一个安全点
			if b.Nodes[lastSafept] != lastSafeptNode {
				lastSafept = b.FindNode(lastSafeptNode)
			}
			for j := lastSafept; j > i; j-- {
				if mm := b.Nodes[j]; mm.Mach && mm.Op == mach.OpAddP {
					mm.AddPrec(n)
				}
			}
			lastSafept = i
			lastSafeptNode = m
		}
	}

	s.garbageCollectPinchNodes()
}

// garbageCollectPinchNodes 回收没有被插入块中的钳点
// 块内有两个以上调用时，胖投影会为每个被杀死的寄存器建一个钳点，
// 其中大多数寄存器在块内根本没有使用。
func (s *Scheduler) garbageCollectPinchNodes() {
	reclaimed := 0
	for k, pinch := range s.regNode {
		if pinch == nil || !pinch.IsPinch() || pinch.Pinch.Placed {
			continue
		}
		s.cleanupPinch(pinch)
		s.releasePinch(pinch)
		s.regNode[k] = nil
		reclaimed++
	}
	if reclaimed > 0 && s.opts.Trace {
		s.log.Sugar().Debugf("reclaimed %d pinch nodes", reclaimed)
	}
}

// cleanupPinch 删除指向钳点的全部优先级边
func (s *Scheduler) cleanupPinch(pinch *mach.Node) {
	for _, use := range pinch.Outs() {
		for j := use.Len() - 1; j >= use.Req(); j-- {
			if use.In(j) == pinch {
				use.RmPrec(j)
			}
		}
	}
	pinch.DisconnectInputs()
	pinch.Pinch.LaterDef = nil
}
