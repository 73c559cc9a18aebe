package pipeline

// Bundle 单个节点的发射包信息
// 调度器写入，代码发射阶段读取
type Bundle struct {
	flags         uint8
	InstrCount    int          // 本节点开启的发射包中的指令条数
	ResourcesUsed ResourceMask // 本节点开启的发射包占用的单元
}

const (
	flagStartsBundle uint8 = 1 << iota
	flagUseUnconditionalDelay
	flagUsedInUnconditionalDelay
	flagUsedInConditionalDelay
)

// StartsBundle 节点开启一个新的发射包
func (b Bundle) StartsBundle() bool { return b.flags&flagStartsBundle != 0 }

// SetStartsBundle 标记节点开启新发射包
func (b *Bundle) SetStartsBundle() { b.flags |= flagStartsBundle }

// UseUnconditionalDelay 分支自身的延迟槽已被其他指令填充
func (b Bundle) UseUnconditionalDelay() bool { return b.flags&flagUseUnconditionalDelay != 0 }

// SetUseUnconditionalDelay 标记分支使用了延迟槽
func (b *Bundle) SetUseUnconditionalDelay() { b.flags |= flagUseUnconditionalDelay }

// UsedInUnconditionalDelay 节点被放进了某个分支的延迟槽
func (b Bundle) UsedInUnconditionalDelay() bool {
	return b.flags&flagUsedInUnconditionalDelay != 0
}

// SetUsedInUnconditionalDelay 标记节点位于延迟槽
func (b *Bundle) SetUsedInUnconditionalDelay() { b.flags |= flagUsedInUnconditionalDelay }

// UsedInDelay 节点位于条件分支的延迟槽
func (b Bundle) UsedInDelay() bool { return b.flags&flagUsedInConditionalDelay != 0 }

// SetUsedInDelay 标记节点位于条件延迟槽
func (b *Bundle) SetUsedInDelay() { b.flags |= flagUsedInConditionalDelay }

// Reset 清空信息
func (b *Bundle) Reset() { *b = Bundle{} }

// ============================================================================
// 侧表
// ============================================================================

// Bundling 以节点编号为下标的发射包侧表
//
// 调度开始前记录当时的节点数作为有效上限，之后创建的节点（补齐 nop 等）
// 没有有效的发射包信息，查询时返回零值。
type Bundling struct {
	limit int
	info  []Bundle
}

// NewBundling 创建侧表，limit 为有效节点编号上限
func NewBundling(limit int) *Bundling {
	return &Bundling{limit: limit, info: make([]Bundle, limit)}
}

// Limit 有效上限
func (bt *Bundling) Limit() int {
	if bt == nil {
		return 0
	}
	return bt.limit
}

// Valid 节点编号是否有有效信息
func (bt *Bundling) Valid(id int) bool {
	return bt != nil && id >= 0 && id < bt.limit
}

// At 返回可写的条目，必要时扩容
func (bt *Bundling) At(id int) *Bundle {
	if id >= len(bt.info) {
		grown := make([]Bundle, id+1+len(bt.info)/2)
		copy(grown, bt.info)
		bt.info = grown
	}
	return &bt.info[id]
}

// Get 返回只读副本，无效编号返回零值
func (bt *Bundling) Get(id int) Bundle {
	if !bt.Valid(id) || id >= len(bt.info) {
		return Bundle{}
	}
	return bt.info[id]
}
