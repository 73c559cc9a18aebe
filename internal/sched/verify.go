package sched

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tangzhangming/nova-backend/internal/mach"
)

// VerifyGoodSchedule 检查块内没有定义杀死仍在使用的值
// 只检查块内的活跃区间；所有违规汇总成一个错误返回
func (s *Scheduler) VerifyGoodSchedule(b *mach.Block, msg string) error {
	live := make(map[mach.Reg]*mach.Node)
	var errs error

	verifyDoDef := func(n *mach.Node, def mach.Reg) {
		if !def.Valid() {
			return
		}
		if prior := live[def]; prior != nil && !edgeFromTo(prior, n) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: block %d: r%d defined by %v while %v still reads an older value",
				ErrBadSchedule, msg, b.ID, def, n, prior))
		}
		delete(live, def)
	}

	verifyUse := func(n, def *mach.Node, r mach.Reg) {
		if !r.Valid() {
			return
		}
		if prior := live[r]; prior != nil && !edgeFromTo(prior, def) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: block %d: r%d read by %v and %v from different defs",
				ErrBadSchedule, msg, b.ID, r, n, prior))
		}
		live[r] = n
	}

	for i := len(b.Nodes) - 1; i >= s.bbStart && i >= 0; i-- {
		n := b.Nodes[i]
		if n.FatProj {
			for _, kill := range n.Kills {
				verifyDoDef(n, kill)
			}
		} else if !n.IsPinch() {
			verifyDoDef(n, s.ra.RegFirst(n))
			verifyDoDef(n, s.ra.RegSecond(n))
		}

		for j := dataStart(n); j < n.Req(); j++ {
			def := n.In(j)
			if def == nil {
				errs = multierr.Append(errs, fmt.Errorf("%w: %s: %v has a nil required input %d", ErrBadSchedule, msg, n, j))
				continue
			}
			verifyUse(n, def, s.ra.RegFirst(def))
			verifyUse(n, def, s.ra.RegSecond(def))
		}
	}
	return errs
}
