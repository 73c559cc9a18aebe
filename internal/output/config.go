// config.go - 代码发射配置

package output

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// 常量定义
const (
	ConfigFileName = "backend.toml" // 默认配置文件名

	// DefaultMaxMethodCodeSize 单个方法主体代码的上限
	DefaultMaxMethodCodeSize = 500000
)

// Config 调度与发射选项
type Config struct {
	// DoScheduling 是否进行块内调度
	DoScheduling bool `toml:"do_scheduling"`

	// VerifySchedule 调度前后校验寄存器活跃性（调试用）
	VerifySchedule bool `toml:"verify_schedule"`

	// VerifyBranches 最终偏移确定后复查缩短过的分支
	VerifyBranches bool `toml:"verify_branches"`

	// TraceOutput 以 Debug 级别输出调度过程
	TraceOutput bool `toml:"trace_output"`

	// RecordNonSafepoints 为非安全点指令记录源位置
	RecordNonSafepoints bool `toml:"record_non_safepoints"`

	// PrintAssembly 记录每个节点的偏移并生成汇编清单
	PrintAssembly bool `toml:"print_assembly"`

	// OptoLoopAlignment 循环头的对齐字节数（2 的幂）
	OptoLoopAlignment int `toml:"opto_loop_alignment"`

	// MaxLoopPad 循环头前最多补齐的字节数
	MaxLoopPad int `toml:"max_loop_pad"`

	// NumberOfLoopInstrToAlign 估算循环开头大小时计入的指令条数
	NumberOfLoopInstrToAlign int `toml:"number_of_loop_instr_to_align"`

	// StressCodeBuffers 用极小的初始容量强制走扩容路径
	StressCodeBuffers bool `toml:"stress_code_buffers"`

	// MaxMethodCodeSize 主体代码大小的上限
	MaxMethodCodeSize int `toml:"max_method_code_size"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		DoScheduling:             true,
		VerifyBranches:           true,
		OptoLoopAlignment:        16,
		MaxLoopPad:               15,
		NumberOfLoopInstrToAlign: 4,
		MaxMethodCodeSize:        DefaultMaxMethodCodeSize,
	}
}

// LoadConfig 从文件加载配置，文件中没有出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 检查配置，所有问题一次性返回
func (c *Config) Validate() error {
	var errs error
	if c.OptoLoopAlignment <= 0 || c.OptoLoopAlignment&(c.OptoLoopAlignment-1) != 0 {
		errs = multierr.Append(errs, fmt.Errorf("opto_loop_alignment %d is not a power of 2", c.OptoLoopAlignment))
	}
	if c.MaxLoopPad < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_loop_pad must not be negative"))
	}
	if c.OptoLoopAlignment > 0 && c.MaxLoopPad >= c.OptoLoopAlignment {
		errs = multierr.Append(errs, fmt.Errorf("max_loop_pad %d must be less than opto_loop_alignment %d",
			c.MaxLoopPad, c.OptoLoopAlignment))
	}
	if c.NumberOfLoopInstrToAlign < 0 {
		errs = multierr.Append(errs, fmt.Errorf("number_of_loop_instr_to_align must not be negative"))
	}
	if c.MaxMethodCodeSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_method_code_size must be positive"))
	}
	return errs
}
