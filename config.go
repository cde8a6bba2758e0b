package rhi

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/rhi/internal/descriptor"
	"github.com/gogpu/rhi/internal/transient"
)

// Default configuration values.
const (
	// DefaultRenderTargetHeapSize is the initial render-target heap capacity.
	DefaultRenderTargetHeapSize = 1024

	// DefaultDepthStencilHeapSize is the initial depth-stencil heap capacity.
	DefaultDepthStencilHeapSize = 1024

	// DefaultShaderResourceHeapSize is the initial capacity of the
	// shader-visible constant/shader-resource/unordered-access heap.
	DefaultShaderResourceHeapSize = 16384

	// DefaultSamplerHeapSize is the initial sampler heap capacity.
	DefaultSamplerHeapSize = 1024

	// DefaultDescriptorStride is the size of one descriptor record in bytes.
	DefaultDescriptorStride = descriptorRecordSize

	// DefaultScratchBudget caps device-local scratch memory per command list (256 MB).
	DefaultScratchBudget = 256 << 20

	// DefaultWaitTimeout bounds a single blocking fence wait.
	DefaultWaitTimeout = 5 * time.Second
)

// Config configures a Device. The zero value is not valid; start from
// DefaultConfig.
type Config struct {
	Heaps     HeapConfig      `toml:"heaps"`
	Transient TransientConfig `toml:"transient"`

	// WaitTimeoutMS bounds WaitForIdle when the caller's context has no
	// deadline. Zero waits forever.
	WaitTimeoutMS int64 `toml:"wait_timeout_ms"`

	// PanicOnContractViolation turns contract violations (permanent-state
	// misuse, double release) into panics after they are reported.
	PanicOnContractViolation bool `toml:"panic_on_contract_violation"`
}

// HeapConfig holds the initial descriptor heap capacities.
type HeapConfig struct {
	RenderTarget     uint32 `toml:"render_target"`
	DepthStencil     uint32 `toml:"depth_stencil"`
	ShaderResource   uint32 `toml:"shader_resource"`
	Sampler          uint32 `toml:"sampler"`
	DescriptorStride uint32 `toml:"descriptor_stride"`
}

// TransientConfig sizes the per-command-list upload and scratch pools.
type TransientConfig struct {
	UploadChunkSize  uint64 `toml:"upload_chunk_size"`
	ScratchChunkSize uint64 `toml:"scratch_chunk_size"`

	// ScratchBudget caps scratch memory per command list. Zero means unlimited.
	ScratchBudget uint64 `toml:"scratch_budget"`

	// ChunkAlignment rounds every new chunk size up.
	ChunkAlignment uint64 `toml:"chunk_alignment"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Heaps: HeapConfig{
			RenderTarget:     DefaultRenderTargetHeapSize,
			DepthStencil:     DefaultDepthStencilHeapSize,
			ShaderResource:   DefaultShaderResourceHeapSize,
			Sampler:          DefaultSamplerHeapSize,
			DescriptorStride: DefaultDescriptorStride,
		},
		Transient: TransientConfig{
			UploadChunkSize:  transient.DefaultUploadChunkSize,
			ScratchChunkSize: transient.DefaultScratchChunkSize,
			ScratchBudget:    DefaultScratchBudget,
			ChunkAlignment:   transient.DefaultSizeAlignment,
		},
		WaitTimeoutMS: DefaultWaitTimeout.Milliseconds(),
	}
}

// LoadConfig reads a TOML configuration file. Keys missing from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("rhi: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML configuration on top of DefaultConfig. Unknown
// keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("rhi: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the device cannot use.
func (c Config) Validate() error {
	if c.Heaps.DescriptorStride < descriptorRecordSize {
		return fmt.Errorf("%w: descriptor stride %d below record size %d",
			ErrInvalidDescriptor, c.Heaps.DescriptorStride, descriptorRecordSize)
	}
	if c.Transient.ChunkAlignment == 0 || c.Transient.ChunkAlignment&(c.Transient.ChunkAlignment-1) != 0 {
		return fmt.Errorf("%w: chunk alignment %d is not a power of two", ErrInvalidDescriptor, c.Transient.ChunkAlignment)
	}
	if c.Transient.UploadChunkSize == 0 || c.Transient.ScratchChunkSize == 0 {
		return fmt.Errorf("%w: transient chunk sizes must be non-zero", ErrInvalidDescriptor)
	}
	if c.WaitTimeoutMS < 0 {
		return fmt.Errorf("%w: negative wait timeout", ErrInvalidDescriptor)
	}
	return nil
}

// WaitTimeout returns the configured wait timeout.
func (c Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMS) * time.Millisecond
}

func (c Config) heapCapacity(kind descriptor.Kind) uint32 {
	switch kind {
	case descriptor.RenderTarget:
		return c.Heaps.RenderTarget
	case descriptor.DepthStencil:
		return c.Heaps.DepthStencil
	case descriptor.ShaderResource:
		return c.Heaps.ShaderResource
	default:
		return c.Heaps.Sampler
	}
}

// MarshalTOML encodes the configuration.
func (c Config) MarshalTOML() ([]byte, error) {
	return toml.Marshal(c)
}
