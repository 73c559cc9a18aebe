// cache.go - 代码缓存空间
//
// 本文件管理所有编译共享的代码缓存容量。
// 每次编译从缓存中预留代码缓冲区所需的字节，缓冲区扩容时追加预留；
// 编译失败或结果被丢弃时归还。
//
// 缓存耗尽后：
// - 如果剩余空间仍然充足，说明是单次请求过大，只让本次编译失败
// - 否则视为缓存已满，关闭后续编译

package codebuf

import (
	"sync"

	"go.uber.org/atomic"
)

// CodeCache 代码缓存
type CodeCache struct {
	mu       sync.Mutex
	maxSize  int // 最大缓存大小
	usedSize int // 已预留大小

	// MinimumFreeSpace 保留给运行时桩的最小空间
	MinimumFreeSpace int

	disabled atomic.Bool
}

// NewCodeCache 创建代码缓存
func NewCodeCache(maxSize, minimumFreeSpace int) *CodeCache {
	return &CodeCache{
		maxSize:          maxSize,
		MinimumFreeSpace: minimumFreeSpace,
	}
}

// Reserve 预留 size 字节，空间不足返回 false
func (cc *CodeCache) Reserve(size int) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if size < 0 || cc.usedSize+size > cc.maxSize {
		return false
	}
	cc.usedSize += size
	return true
}

// Release 归还 size 字节
func (cc *CodeCache) Release(size int) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.usedSize -= size
	if cc.usedSize < 0 {
		cc.usedSize = 0
	}
}

// UnallocatedCapacity 尚未预留的容量
func (cc *CodeCache) UnallocatedCapacity() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.maxSize - cc.usedSize
}

// UsedSize 已预留的容量
func (cc *CodeCache) UsedSize() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.usedSize
}

// DisableCompilation 关闭后续编译
func (cc *CodeCache) DisableCompilation() {
	cc.disabled.Store(true)
}

// CompilationDisabled 编译是否已被关闭
func (cc *CodeCache) CompilationDisabled() bool {
	return cc.disabled.Load()
}
