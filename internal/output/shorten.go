// shorten.go - 分支缩短与块偏移计算
//
// 三遍扫描：
// 1. 悲观估算：按最坏对齐计算每个块的大小和块尾分支的结束位置
// 2. 替换：块尾分支的目标在短位移范围内时换成短形式
// 3. 定址：按实际大小重新计算块起点，插入对齐和安全点区分用的 nop，绑定块标签
//
// 第三遍之后不会再迭代；缩短过的分支在最终偏移下一定放得下，
// 否则说明大小模型有错（VerifyBranches 打开时报告）。

package output

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/mach"
)

// Sizes 分支缩短得到的缓冲区需求
type Sizes struct {
	Code   int // 主体代码字节
	Relocs int // 重定位条目数
	Stubs  int // 桩区字节
	Consts int // 常量区字节

	// BlockStarts 每个块的起始偏移，最后一项为代码末尾
	BlockStarts []int
}

// relocRecordsPerEntry 单个重定位条目占用的记录数上限
const relocRecordsPerEntry = 5

// shortBranch 被缩短的分支
type shortBranch struct {
	block  int
	target int
	node   *mach.Node
}

// ShortenBranches 计算块偏移并缩短分支，labels 按块编号绑定
// labels 需要有 len(Blocks)+1 个，最后一个留给代码末尾。
// 已经缩短过的方法再次调用时结果不变。
func (c *Compile) ShortenBranches(labels []*codebuf.Label) (Sizes, error) {
	blocks := c.cfg.Blocks
	nblocks := len(blocks)
	if c.cb == nil {
		return Sizes{}, ErrNoCodeBuffer
	}
	if len(labels) < nblocks+1 {
		return Sizes{}, fmt.Errorf("need %d block labels, got %d", nblocks+1, len(labels))
	}
	addrUnit := c.target.AddrUnit()
	nopSize := c.target.NopSize()

	jmpEnd := make([]int, nblocks)
	blkStarts := make([]int, nblocks+1)

	sz := Sizes{Relocs: 1}

	// 第一遍：悲观估算
	minOffsetFromLastCall := 1
	for i, b := range blocks {
		blkSize := 0
		for _, n := range b.Nodes {
			instSize := n.Size(c.ra)
			blkSize += instSize
			if n.Mach {
				blkSize += (n.AlignmentRequired() - 1) * addrUnit
				sz.Relocs += n.RelocCount()
				sz.Consts += n.ConstSize()
				if n.Op == mach.OpCall {
					if n.Call != nil && n.Call.JavaCall {
						sz.Stubs += c.target.SizeJavaToInterp()
						sz.Relocs += c.target.RelocJavaToInterp()
					}
				} else if n.IsSafePoint() && minOffsetFromLastCall == 0 {
					blkSize += nopSize
				}
			}
			minOffsetFromLastCall += instSize
			if n.IsMachCall() {
				minOffsetFromLastCall = 0
			}
		}

		jmpEnd[i] = blkSize
		if i < nblocks-1 {
			if maxLoopPad := blocks[i+1].CodeAlignment() - addrUnit; maxLoopPad > 0 {
				blkSize += maxLoopPad
			}
		}
		blkStarts[i+1] = blkStarts[i] + blkSize
	}

	// 第二遍：替换短分支
	var shortened []shortBranch
	for i, b := range blocks {
		n := lastInstruction(b)
		if n == nil {
			continue
		}
		if !n.Mach || !n.MayBeShortBranch() || len(b.Succs) == 0 {
			continue
		}
		bnum := b.NonConnectorSuccessor(0).ID
		offset := blkStarts[bnum] - (blkStarts[i] + jmpEnd[i])
		if !c.target.IsShortBranchOffset(offset) {
			continue
		}
		long := n.Size(c.ra)
		n.Inst = n.Inst.(mach.ShortBrancher).ShortVersion()
		jmpEnd[i] -= long - n.Size(c.ra)
		shortened = append(shortened, shortBranch{block: i, target: bnum, node: n})
	}

	c.computeLoopFirstInstSizes()

	// 第三遍：实际偏移
	branchEnd := make(map[*mach.Node]int, len(shortened))
	lastCallAdr := -1
	for i, b := range blocks {
		c.cb.BindLoc(labels[i], blkStarts[i])

		adr := blkStarts[i]
		for j := 0; j < len(b.Nodes); j++ {
			n := b.Nodes[j]
			if n.Mach {
				padding := n.ComputePadding(adr)
				if padding == 0 && n.IsSafePoint() && !n.IsMachCall() && adr == lastCallAdr {
					padding = nopSize
				}
				if padding > 0 {
					b.InsertNode(c.newNop(padding/nopSize), j)
					j++
					adr += padding
				}
			}
			adr += n.Size(c.ra)
			branchEnd[n] = adr

			if n.IsMachCall() {
				lastCallAdr = adr
			}
		}

		if i != nblocks-1 {
			blkStarts[i+1] = adr + blocks[i+1].AlignmentPadding(adr, c.conf.MaxLoopPad)
		}
	}

	if c.conf.VerifyBranches {
		for _, sb := range shortened {
			offset := blkStarts[sb.target] - branchEnd[sb.node]
			if !c.target.IsShortBranchOffset(offset) {
				c.RecordFailure(fmt.Errorf("%w: B%d -> B%d offset %d",
					ErrShortBranchOutOfRange, sb.block, sb.target, offset))
			}
		}
	}

	last := nblocks - 1
	sz.Code = blkStarts[last] + jmpEnd[last]
	blkStarts[nblocks] = sz.Code
	sz.BlockStarts = blkStarts
	// 异常处理器一条；每条按最坏情况 5 个记录估算，不够时缓冲区自行扩容
	sz.Relocs++
	sz.Relocs *= relocRecordsPerEntry

	if c.conf.TraceOutput {
		c.log.Debug("branches shortened",
			zap.String("method", c.name),
			zap.Int("shortened", len(shortened)),
			zap.Int("code_size", sz.Code))
	}
	return sz, nil
}

// computeLoopFirstInstSizes 估算每个对齐循环开头若干条指令的大小
// 开头的指令已经填满取指窗口时，循环头不再补齐
func (c *Compile) computeLoopFirstInstSizes() {
	if c.conf.MaxLoopPad >= c.conf.OptoLoopAlignment-1 {
		return
	}
	blocks := c.cfg.Blocks
	lastBlock := len(blocks) - 1
	fetch := c.conf.OptoLoopAlignment

	for i := 1; i <= lastBlock; i++ {
		b := blocks[i]
		if !b.Loop || b.CodeAlignment() <= c.target.AddrUnit() {
			continue
		}
		sum := 0
		cnt := b.ComputeFirstInstSize(&sum, c.conf.NumberOfLoopInstrToAlign, fetch, c.ra)

		// 循环体跨越多个块时继续累加后面的块
		if cnt > 0 && i < lastBlock {
			bx := loopBackEdgeBlock(b)
			if bx != b {
				var nb *mach.Block
				for cnt > 0 && i < lastBlock && nb != bx && !blocks[i+1].Loop {
					i++
					nb = blocks[i]
					cnt = nb.ComputeFirstInstSize(&sum, cnt, fetch, c.ra)
				}
			}
		}
		b.SetFirstInstSize(sum)
	}
}

// loopBackEdgeBlock 循环头的回边来源块（跳过连接块）
// 循环头的 Preds[0] 为入口边，Preds[1] 为回边
func loopBackEdgeBlock(head *mach.Block) *mach.Block {
	if len(head.Preds) < 2 {
		return head
	}
	bx := head.Preds[1]
	for limit := 16; bx.Connector && len(bx.Preds) > 0 && limit > 0; limit-- {
		bx = bx.Preds[0]
	}
	return bx
}
