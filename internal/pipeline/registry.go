package pipeline

import (
	"fmt"

	"github.com/launix-de/NonLockingReadMap"
)

// Registry 按名字登记的流水线模型
// 读多写少，编译线程并发查询时不加锁
type Registry struct {
	models NonLockingReadMap.NonLockingReadMap[Model, string]
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{models: NonLockingReadMap.New[Model, string]()}
}

// Register 登记模型，同名模型被替换
func (r *Registry) Register(m *Model) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("pipeline: cannot register unnamed model")
	}
	r.models.Set(m)
	return nil
}

// Lookup 按名字查找
func (r *Registry) Lookup(name string) (*Model, bool) {
	m := r.models.Get(name)
	return m, m != nil
}

// Names 返回所有已登记的模型名
func (r *Registry) Names() []string {
	all := r.models.GetAll()
	names := make([]string, 0, len(all))
	for _, m := range all {
		names = append(names, m.Name)
	}
	return names
}
