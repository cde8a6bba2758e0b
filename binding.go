package rhi

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/descriptor"
	"github.com/gogpu/rhi/internal/diag"
	"github.com/gogpu/rhi/internal/layoutcache"
	"github.com/gogpu/rhi/internal/state"
)

// ResourceType is the kind of resource a binding slot holds.
type ResourceType uint8

// Resource types.
const (
	ResourceTypeNone ResourceType = iota
	ResourceTypeTextureSRV
	ResourceTypeTextureUAV
	ResourceTypeBufferSRV
	ResourceTypeBufferUAV
	ResourceTypeConstantBuffer
	ResourceTypeVolatileConstantBuffer
	ResourceTypeSampler
)

var resourceTypeNames = [...]string{
	ResourceTypeNone:                   "None",
	ResourceTypeTextureSRV:             "TextureSRV",
	ResourceTypeTextureUAV:             "TextureUAV",
	ResourceTypeBufferSRV:              "BufferSRV",
	ResourceTypeBufferUAV:              "BufferUAV",
	ResourceTypeConstantBuffer:         "ConstantBuffer",
	ResourceTypeVolatileConstantBuffer: "VolatileConstantBuffer",
	ResourceTypeSampler:                "Sampler",
}

func (t ResourceType) String() string {
	if int(t) < len(resourceTypeNames) {
		return resourceTypeNames[t]
	}
	return fmt.Sprintf("ResourceType(%d)", t)
}

// RequiredState returns the state a bound resource of this type must be in.
func (t ResourceType) RequiredState() ResourceStates {
	switch t {
	case ResourceTypeTextureSRV, ResourceTypeBufferSRV:
		return StateShaderResource
	case ResourceTypeTextureUAV, ResourceTypeBufferUAV:
		return StateUnorderedAccess
	case ResourceTypeConstantBuffer:
		return StateConstantBuffer
	default:
		return StateUnknown
	}
}

func (t ResourceType) isTexture() bool {
	return t == ResourceTypeTextureSRV || t == ResourceTypeTextureUAV
}

func (t ResourceType) isBuffer() bool {
	switch t {
	case ResourceTypeBufferSRV, ResourceTypeBufferUAV, ResourceTypeConstantBuffer, ResourceTypeVolatileConstantBuffer:
		return true
	}
	return false
}

func (t ResourceType) heapKind() descriptor.Kind {
	if t == ResourceTypeSampler {
		return descriptor.Sampler
	}
	return descriptor.ShaderResource
}

// BindingLayoutItem is a range of binding slots of one resource type.
type BindingLayoutItem struct {
	Slot uint32
	Type ResourceType

	// Count is the array size; zero means one.
	Count uint32

	// Format is the storage format of TextureUAV items.
	Format gputypes.TextureFormat
}

func (i BindingLayoutItem) count() uint32 { return max(i.Count, 1) }

// BindingLayoutDesc describes the shape of a binding set.
type BindingLayoutDesc struct {
	Name          string
	Visibility    gputypes.ShaderStage
	RegisterSpace uint32
	Items         []BindingLayoutItem
}

// BindingLayout is a created binding layout.
type BindingLayout struct {
	refCount

	device *Device
	desc   BindingLayoutDesc
	id     layoutcache.LayoutID
	native hal.BindGroupLayout

	// counts holds the descriptor slots a set needs per heap.
	counts [descriptor.KindCount]uint32

	// offsets holds each item's first slot within its heap range.
	offsets []uint32
}

// Desc returns the creation descriptor.
func (l *BindingLayout) Desc() BindingLayoutDesc { return l.desc }

// ID returns the identity used by the pipeline layout cache.
func (l *BindingLayout) ID() uint64 { return uint64(l.id) }

// Native returns the HAL bind group layout.
func (l *BindingLayout) Native() hal.BindGroupLayout { return l.native }

// DescriptorCount returns how many descriptors of the heap kind a binding
// set of this layout occupies.
func (l *BindingLayout) DescriptorCount(kind descriptor.Kind) uint32 { return l.counts[kind] }

// Retain adds a reference.
func (l *BindingLayout) Retain() {
	if !l.retain() {
		diag.Report(l.device.sink, diag.Error, "retain of released binding layout %q", l.desc.Name)
	}
}

// Release drops a reference.
func (l *BindingLayout) Release() {
	if !l.release(l.device.sink, "binding layout", l.desc.Name) {
		return
	}
	l.device.unregisterLayout(l)
	if l.native != nil {
		l.device.backend.DestroyBindingLayout(l.native)
		l.native = nil
	}
}

func (l *BindingLayout) item(slot uint32, typ ResourceType) (int, uint32, bool) {
	for i, it := range l.desc.Items {
		if it.Type == typ && slot >= it.Slot && slot < it.Slot+it.count() {
			return i, slot - it.Slot, true
		}
	}
	return 0, 0, false
}

// BindingRange is one item of a pipeline layout, placed after the items of
// the layouts before it.
type BindingRange struct {
	Layout int
	Slot   uint32
	Type   ResourceType
	Count  uint32

	// TableOffset is the first slot of the range in the concatenated
	// descriptor table of its heap kind.
	TableOffset uint32
}

// PipelineLayout is a cached native layout for an ordered list of binding
// layouts. Equal lists share one PipelineLayout while it is referenced.
type PipelineLayout struct {
	native           hal.PipelineLayout
	layouts          []*BindingLayout
	ranges           []BindingRange
	allowInputLayout bool
	hash             uint64

	entry *layoutcache.Entry[*PipelineLayout]
}

// Native returns the HAL pipeline layout.
func (p *PipelineLayout) Native() hal.PipelineLayout { return p.native }

// Layouts returns the binding layouts in order.
func (p *PipelineLayout) Layouts() []*BindingLayout { return p.layouts }

// Ranges returns the concatenated binding ranges.
func (p *PipelineLayout) Ranges() []BindingRange { return p.ranges }

// AllowInputLayout reports the input-assembler flag.
func (p *PipelineLayout) AllowInputLayout() bool { return p.allowInputLayout }

// Retain adds a reference.
func (p *PipelineLayout) Retain() error {
	if err := p.entry.Retain(); err != nil {
		return fmt.Errorf("%w: pipeline layout %016x", ErrReleased, p.hash)
	}
	return nil
}

// Release drops a reference. The last release removes the layout from the
// device cache and destroys it.
func (p *PipelineLayout) Release() { p.entry.Release() }

// BindingSetItem binds one resource to one slot.
type BindingSetItem struct {
	Slot uint32
	Type ResourceType

	Texture      *Texture
	Subresources TextureSubresourceSet

	Buffer *Buffer
	Offset uint64
	Size   uint64

	Sampler *Sampler
}

// BindingSetDesc lists the items of a binding set.
type BindingSetDesc struct {
	Name  string
	Items []BindingSetItem
}

// BindingSet assigns resources to the slots of a binding layout. It owns a
// descriptor range per heap kind and the state requirements of its
// resources, which every command list that binds the set applies again.
type BindingSet struct {
	refCount

	device *Device
	layout *BindingLayout
	desc   BindingSetDesc

	ranges       [descriptor.KindCount]descriptor.Index
	requirements []state.Requirement
	resources    []interface{ Release() }
}

// Layout returns the binding layout.
func (s *BindingSet) Layout() *BindingLayout { return s.layout }

// DescriptorRange returns the first descriptor index and the count of the
// set's range in the heap of kind. The index is invalid when the set has
// no descriptors of that kind.
func (s *BindingSet) DescriptorRange(kind descriptor.Kind) (descriptor.Index, uint32) {
	return s.ranges[kind], s.layout.counts[kind]
}

// Retain adds a reference.
func (s *BindingSet) Retain() {
	if !s.retain() {
		diag.Report(s.device.sink, diag.Error, "retain of released binding set %q", s.desc.Name)
	}
}

// Release drops a reference. The last release frees the descriptor ranges
// and the references to the bound resources.
func (s *BindingSet) Release() {
	if !s.release(s.device.sink, "binding set", s.desc.Name) {
		return
	}
	s.free()
	s.device.live.bindingSets.Add(-1)
}

func (s *BindingSet) free() {
	for kind, idx := range s.ranges {
		if idx.Valid() {
			s.device.heaps[kind].Release(idx, s.layout.counts[kind])
			s.ranges[kind] = descriptor.InvalidIndex
		}
	}
	for _, r := range s.resources {
		r.Release()
	}
	s.resources = nil
	s.requirements = nil
	s.layout.Release()
}

// checkPermanentBinding verifies at bind time that a permanent resource is
// fixed in a state that satisfies the binding.
func checkPermanentBinding(sink diag.Sink, kind, name string, permanent, required ResourceStates) error {
	if permanent == StateUnknown || required == StateUnknown || permanent.Has(required) {
		return nil
	}
	diag.Report(sink, diag.Error,
		"permanent %s %q bound as %s while fixed in %s", kind, name, required, permanent)
	return errors.WithAssertionFailure(errors.Mark(
		errors.Newf("permanent %s %q bound as %s while fixed in %s", kind, name, required, permanent),
		ErrPermanentState))
}

// Sampler is a sampler description written into sampler descriptors.
type Sampler struct {
	id   uint64
	desc SamplerDesc
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Name   string
	Linear bool
	Repeat bool
}

// Desc returns the creation descriptor.
func (s *Sampler) Desc() SamplerDesc { return s.desc }

func (s *Sampler) record() descriptorRecord {
	var format uint32
	if s.desc.Linear {
		format |= 1
	}
	if s.desc.Repeat {
		format |= 2
	}
	return descriptorRecord{Object: s.id, Type: ResourceTypeSampler, Format: format}
}
