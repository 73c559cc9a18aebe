package pipeline

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// ModelFile 流水线描述文件
//
//	name = "demo"
//	resources = ["alu0", "alu1", "ms", "br"]
//	max_instrs_per_cycle = 3
//
//	[classes.ialu]
//	instruction_count = 1
//	result_latency = 1
//	uses = [{ units = ["alu0", "alu1"], cycles = [0] }]
type ModelFile struct {
	Name               string               `toml:"name"`
	Resources          []string             `toml:"resources"`
	MaxInstrsPerCycle  int                  `toml:"max_instrs_per_cycle"`
	BranchHasDelaySlot bool                 `toml:"branch_has_delay_slot"`
	RequiresBundling   bool                 `toml:"requires_bundling"`
	InstrUnitSize      int                  `toml:"instr_unit_size"`
	NopClass           string               `toml:"nop_class"`
	DefaultClass       string               `toml:"default_class"`
	Classes            map[string]ClassFile `toml:"classes"`
}

// ClassFile 单个类别的描述
type ClassFile struct {
	InstructionCount int       `toml:"instruction_count"`
	ResultLatency    int       `toml:"result_latency"`
	BranchDelay      bool      `toml:"branch_delay"`
	MayHaveNoCode    bool      `toml:"may_have_no_code"`
	MultipleBundles  bool      `toml:"multiple_bundles"`
	Uses             []UseFile `toml:"uses"`
}

// UseFile 单个占用元素的描述
type UseFile struct {
	Units  []string `toml:"units"`
	Cycles []int    `toml:"cycles"`
}

// LoadModel 从 TOML 文件加载流水线模型
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParseModel(data)
}

// ParseModel 解析 TOML 格式的流水线模型
func ParseModel(data []byte) (*Model, error) {
	var mf ModelFile
	if err := toml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	return mf.Build()
}

// Build 校验并构造 Model，所有错误一次性汇总返回
func (mf *ModelFile) Build() (*Model, error) {
	var errs error
	if mf.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("pipeline: missing name"))
	}
	if len(mf.Resources) > MaxResources {
		errs = multierr.Append(errs, fmt.Errorf("pipeline %s: %d resources exceeds limit %d",
			mf.Name, len(mf.Resources), MaxResources))
	}
	if mf.MaxInstrsPerCycle <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("pipeline %s: max_instrs_per_cycle must be positive", mf.Name))
	}
	if mf.InstrUnitSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("pipeline %s: negative instr_unit_size", mf.Name))
	}

	m := &Model{
		Name:               mf.Name,
		Resources:          mf.Resources,
		MaxInstrsPerCycle:  mf.MaxInstrsPerCycle,
		BranchHasDelaySlot: mf.BranchHasDelaySlot,
		RequiresBundling:   mf.RequiresBundling,
		InstrUnitSize:      mf.InstrUnitSize,
		Classes:            make(map[string]*Class, len(mf.Classes)),
	}

	for name, cf := range mf.Classes {
		c := &Class{
			Name:             name,
			InstructionCount: cf.InstructionCount,
			ResultLatency:    cf.ResultLatency,
			BranchDelay:      cf.BranchDelay,
			MayHaveNoCode:    cf.MayHaveNoCode,
			MultipleBundles:  cf.MultipleBundles,
		}
		for _, uf := range cf.Uses {
			mask, err := m.ResourceMaskOf(uf.Units...)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("class %s: %w", name, err))
				continue
			}
			var cycles uint64
			for _, cy := range uf.Cycles {
				if cy < 0 || cy >= 64 {
					errs = multierr.Append(errs, fmt.Errorf("class %s: cycle %d out of range", name, cy))
					continue
				}
				cycles |= 1 << uint(cy)
			}
			c.Resources = append(c.Resources, UseElement{Units: mask, Cycles: cycles})
		}
		if c.BranchDelay && !mf.BranchHasDelaySlot {
			errs = multierr.Append(errs, fmt.Errorf("class %s: branch_delay on a target without delay slots", name))
		}
		m.Classes[name] = c
	}

	if mf.NopClass != "" {
		if m.NopClass = m.Classes[mf.NopClass]; m.NopClass == nil {
			errs = multierr.Append(errs, fmt.Errorf("pipeline %s: unknown nop_class %q", mf.Name, mf.NopClass))
		}
	}
	if mf.DefaultClass != "" {
		if m.Default = m.Classes[mf.DefaultClass]; m.Default == nil {
			errs = multierr.Append(errs, fmt.Errorf("pipeline %s: unknown default_class %q", mf.Name, mf.DefaultClass))
		}
	}
	if m.Default == nil {
		m.Default = &Class{Name: "pipe_class_default", MayHaveNoCode: true}
	}
	if m.NopClass == nil {
		m.NopClass = &Class{Name: "pipe_class_nop", InstructionCount: 1}
	}

	if errs != nil {
		return nil, errs
	}
	return m, nil
}
