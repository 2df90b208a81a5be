package entities

import "time"

const (
	DefaultMemoryLimitBytes = 512 * 1024 * 1024
	DefaultCpuQuotaUs       = 10 * 1000 * 1000
	DefaultCpuPeriodUs      = 60 * 1000 * 1000
	DefaultTimeoutSeconds   = 300

	MaxOutputSize   = 10 * 1024 * 1024
	MaxJobFilesSize = 100 * 1024 * 1024
	TmpfsSizeLimit  = 100 * 1024 * 1024

	MaxProcessesPerJob = 32
	MaxOpenFiles       = 256

	DefaultGpuMemoryLimitBytes = 8 * 1024 * 1024 * 1024
)

// TruncationMarker is appended to a captured stream once it hits MaxOutputSize.
const TruncationMarker = "\n[Output truncated at 10MB limit]"

type SandboxConfig struct {
	MemoryLimitBytes uint64        `mapstructure:"memory_limit_bytes" validate:"omitempty,gt=0"`
	CpuQuotaUs       uint64        `mapstructure:"cpu_quota_us" validate:"omitempty,gt=0"`
	CpuPeriodUs      uint64        `mapstructure:"cpu_period_us"`
	TimeoutSeconds   uint64        `mapstructure:"timeout_seconds" validate:"omitempty,gt=0"`
	AllowNetwork     bool          `mapstructure:"allow_network"`
	Interpreter      Interpreter   `mapstructure:"interpreter" validate:"required"`
	Gpu              *GpuConfig    `mapstructure:"gpu"`

	// When set, a failure to establish namespace isolation (usually for
	// lack of privileges) degrades to seccomp+rlimit-only confinement
	// instead of failing the job. The degradation is logged.
	AllowDegradedIsolation bool `mapstructure:"allow_degraded_isolation"`
}

// GpuConfig is accepted and forwarded to the child as environment hints
// only. The engine does not enforce GPU limits.
type GpuConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	DeviceId         int    `mapstructure:"device_id" validate:"gte=0"`
	MemoryLimitBytes uint64 `mapstructure:"memory_limit_bytes"`
}

// WithDefaults fills zero-valued limits with the stock quotas.
func (c SandboxConfig) WithDefaults() SandboxConfig {
	if c.MemoryLimitBytes == 0 {
		c.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if c.CpuQuotaUs == 0 {
		c.CpuQuotaUs = DefaultCpuQuotaUs
	}
	if c.CpuPeriodUs == 0 {
		c.CpuPeriodUs = DefaultCpuPeriodUs
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Gpu != nil && c.Gpu.Enabled && c.Gpu.MemoryLimitBytes == 0 {
		c.Gpu.MemoryLimitBytes = DefaultGpuMemoryLimitBytes
	}
	return c
}

func (c SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CpuSeconds derives the RLIMIT_CPU value from the configured quota.
// The wall-clock timeout and this cap are independent; either may fire first.
func (c SandboxConfig) CpuSeconds() uint64 {
	return c.CpuQuotaUs / 1000000
}
