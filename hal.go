// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/container"
	"github.com/gogpu/rhi/internal/descriptor"
	"github.com/gogpu/rhi/internal/lifecycle"
	"github.com/gogpu/rhi/internal/transient"
)

// halPollInterval is how often Wait polls the queue for completed
// submissions.
const halPollInterval = time.Millisecond

// NewDeviceFromHAL creates a device over a gogpu/wgpu HAL device and queue.
// The caller keeps ownership of device and queue; Device.Destroy only
// releases what rhi created on them.
func NewDeviceFromHAL(device hal.Device, queue hal.Queue, opts ...DeviceOption) (*Device, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("%w: nil HAL device or queue", ErrInvalidDescriptor)
	}
	b := newHALBackend(device, queue)
	d, err := NewDevice(b, opts...)
	if err != nil {
		b.Destroy()
		return nil, err
	}
	return d, nil
}

// NewDeviceFromProvider creates a device sharing the GPU device of a host
// application. The provider must implement HalDevice() any and HalQueue()
// any returning hal.Device and hal.Queue.
func NewDeviceFromProvider(provider gpucontext.DeviceProvider, opts ...DeviceOption) (*Device, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("rhi: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("rhi: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("rhi: provider HalQueue is not hal.Queue")
	}
	return NewDeviceFromHAL(device, queue, opts...)
}

// halBackend implements Backend on gogpu/wgpu HAL.
//
// wgpu tracks buffer hazards itself and has no descriptor heaps, so
// descriptor records are mirrored into storage buffers and only texture
// transitions reach the encoder.
type halBackend struct {
	device hal.Device
	queue  hal.Queue
	fence  *halFence
}

func newHALBackend(device hal.Device, queue hal.Queue) *halBackend {
	return &halBackend{
		device: device,
		queue:  queue,
		fence:  &halFence{queue: queue},
	}
}

// AllocateStorage creates host records and, for shader-visible heaps, a
// storage buffer mirror.
func (b *halBackend) AllocateStorage(desc descriptor.StorageDesc) (descriptor.Storage, error) {
	s := &halDescriptorStorage{backend: b, host: make([]byte, desc.SizeBytes())}
	if desc.ShaderVisible {
		buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
			Label: fmt.Sprintf("rhi-%s-heap-%d", desc.Kind, desc.Capacity),
			Size:  desc.SizeBytes(),
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("rhi: create %s descriptor buffer: %w", desc.Kind, err)
		}
		s.mirror = buf
	}
	return s, nil
}

// AllocateChunk creates a transient chunk buffer. Upload chunks keep a CPU
// copy that Flush writes through the queue.
func (b *halBackend) AllocateChunk(desc transient.ChunkDesc) (transient.Backing, error) {
	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.Kind == transient.Scratch {
		usage |= gputypes.BufferUsageStorage
	}
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("rhi: create %s chunk: %w", desc.Kind, err)
	}
	c := &halChunk{
		backend: b,
		buffer:  buf,
		address: uint64(desc.ID+1) << 40,
	}
	if desc.Kind == transient.Upload {
		c.data = make([]byte, desc.Size)
	}
	return c, nil
}

func (b *halBackend) CreateTexture(desc *TextureDesc) (hal.Texture, error) {
	return b.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Name,
		Size: hal.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: max(desc.ArraySize, 1),
		},
		MipLevelCount: max(desc.MipLevels, 1),
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
}

func (b *halBackend) DestroyTexture(tex hal.Texture) { b.device.DestroyTexture(tex) }

func (b *halBackend) CreateBuffer(desc *BufferDesc) (hal.Buffer, error) {
	return b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Name,
		Size:  desc.Size,
		Usage: desc.Usage | gputypes.BufferUsageCopyDst,
	})
}

func (b *halBackend) DestroyBuffer(buf hal.Buffer) { b.device.DestroyBuffer(buf) }

func (b *halBackend) CreateBindingLayout(desc *BindingLayoutDesc) (hal.BindGroupLayout, error) {
	var entries []gputypes.BindGroupLayoutEntry
	for _, item := range desc.Items {
		for i := range item.count() {
			entries = append(entries, layoutEntry(item, item.Slot+i, desc.Visibility))
		}
	}
	return b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Name,
		Entries: entries,
	})
}

func (b *halBackend) DestroyBindingLayout(layout hal.BindGroupLayout) {
	b.device.DestroyBindGroupLayout(layout)
}

// CreatePipelineLayout ignores allowInputLayout; wgpu derives vertex input
// from the pipeline.
func (b *halBackend) CreatePipelineLayout(label string, layouts []hal.BindGroupLayout, _ bool) (hal.PipelineLayout, error) {
	return b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: layouts,
	})
}

func (b *halBackend) DestroyPipelineLayout(layout hal.PipelineLayout) {
	b.device.DestroyPipelineLayout(layout)
}

func (b *halBackend) CreateEncoder(label string) (Encoder, error) {
	enc, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("rhi: create command encoder: %w", err)
	}
	return &halEncoder{backend: b, encoder: enc}, nil
}

func (b *halBackend) Submit(enc Encoder, value uint64) error {
	e, ok := enc.(*halEncoder)
	if !ok || e.cmdBuf == nil {
		return fmt.Errorf("rhi: submit of an encoder that was not ended")
	}
	index, err := b.queue.Submit([]hal.CommandBuffer{e.cmdBuf})
	if err != nil {
		return err
	}
	b.fence.track(value, index)
	return nil
}

func (b *halBackend) Fence() lifecycle.Fence { return b.fence }

// Destroy does nothing; the HAL queue owns its submission fences.
func (b *halBackend) Destroy() {}

// halSubmission pairs a completion value with the queue submission index
// that carries it.
type halSubmission struct {
	value uint64
	index uint64
}

// halFence derives completion values from the submission indices of a HAL
// queue. Submissions complete in order, so pending is kept oldest first.
type halFence struct {
	queue     hal.Queue
	pending   container.Ring[halSubmission]
	completed uint64
}

func (f *halFence) track(value, index uint64) {
	f.pending.PushBack(halSubmission{value: value, index: index})
}

// Completed returns the newest value whose submission index the queue
// reports as finished.
func (f *halFence) Completed() (uint64, error) {
	done := f.queue.PollCompleted()
	for {
		s, ok := f.pending.Front()
		if !ok || s.index > done {
			break
		}
		f.pending.PopFront()
		f.completed = max(f.completed, s.value)
	}
	return f.completed, nil
}

// Wait polls the queue every halPollInterval until value has completed or
// ctx is done.
func (f *halFence) Wait(ctx context.Context, value uint64) error {
	ticker := time.NewTicker(halPollInterval)
	defer ticker.Stop()
	for {
		if done, _ := f.Completed(); done >= value {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type halDescriptorStorage struct {
	backend *halBackend
	host    []byte
	mirror  hal.Buffer
}

func (s *halDescriptorStorage) Host() []byte { return s.host }

func (s *halDescriptorStorage) PublishShaderVisible(offset uint64, data []byte) error {
	if s.mirror == nil {
		return descriptor.ErrNotShaderVisible
	}
	if err := s.backend.queue.WriteBuffer(s.mirror, offset, data); err != nil {
		return fmt.Errorf("rhi: publish descriptors: %w", err)
	}
	return nil
}

func (s *halDescriptorStorage) Destroy() {
	if s.mirror != nil {
		s.backend.device.DestroyBuffer(s.mirror)
		s.mirror = nil
	}
	s.host = nil
}

type halChunk struct {
	backend *halBackend
	buffer  hal.Buffer
	data    []byte
	address uint64
}

func (c *halChunk) Bytes() []byte { return c.data }

func (c *halChunk) Flush(offset, size uint64) error {
	if c.data == nil {
		return nil
	}
	if err := c.backend.queue.WriteBuffer(c.buffer, offset, c.data[offset:offset+size]); err != nil {
		return fmt.Errorf("rhi: flush chunk: %w", err)
	}
	return nil
}

// GPUAddress returns a per-chunk tag. wgpu does not expose device addresses.
func (c *halChunk) GPUAddress() uint64 { return c.address }

func (c *halChunk) Destroy() {
	if c.buffer != nil {
		c.backend.device.DestroyBuffer(c.buffer)
		c.buffer = nil
	}
	c.data = nil
}

type halEncoder struct {
	backend *halBackend
	encoder hal.CommandEncoder
	cmdBuf  hal.CommandBuffer
	open    bool
}

// Begin frees the command buffer of the previous recording; the command
// list only reuses an encoder after that recording has completed.
func (e *halEncoder) Begin(label string) error {
	if e.cmdBuf != nil {
		e.backend.device.FreeCommandBuffer(e.cmdBuf)
		e.cmdBuf = nil
	}
	if err := e.encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("rhi: begin encoding: %w", err)
	}
	e.open = true
	return nil
}

func (e *halEncoder) TextureBarriers(barriers []TextureBarrier) {
	if len(barriers) == 0 {
		return
	}
	out := make([]hal.TextureBarrier, 0, len(barriers))
	seen := make(map[*Texture]int, len(barriers))
	for _, b := range barriers {
		tex, ok := b.Texture.Owner().(*Texture)
		if !ok || tex.native == nil {
			continue
		}
		from, to := textureUsage(b.Before), textureUsage(b.After)
		// wgpu transitions whole textures; merge subresource barriers.
		if i, dup := seen[tex]; dup {
			out[i].Usage.NewUsage = to
			continue
		}
		if from == to {
			continue
		}
		seen[tex] = len(out)
		out = append(out, hal.TextureBarrier{
			Texture: tex.native,
			Usage: hal.TextureUsageTransition{
				OldUsage: from,
				NewUsage: to,
			},
		})
	}
	if len(out) > 0 {
		e.encoder.TransitionTextures(out)
	}
}

// BufferBarriers is a no-op; wgpu inserts buffer barriers itself.
func (e *halEncoder) BufferBarriers(barriers []BufferBarrier) {
	if len(barriers) > 0 {
		Logger().Debug("rhi: buffer barriers handled by wgpu", "count", len(barriers))
	}
}

// ScratchBarrier is a no-op; wgpu orders storage buffer reuse itself.
func (e *halEncoder) ScratchBarrier(transient.Backing) {}

func (e *halEncoder) CopyBuffer(dst *Buffer, dstOffset uint64, src transient.Backing, srcOffset, size uint64) {
	c, ok := src.(*halChunk)
	if !ok || dst.native == nil {
		return
	}
	e.encoder.CopyBufferToBuffer(c.buffer, dst.native, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
}

func (e *halEncoder) End() error {
	if !e.open {
		return nil
	}
	e.open = false
	cb, err := e.encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("rhi: end encoding: %w", err)
	}
	e.cmdBuf = cb
	return nil
}

func (e *halEncoder) Discard() {
	if e.open {
		e.encoder.DiscardEncoding()
		e.open = false
	}
}

func (e *halEncoder) Destroy() {
	e.Discard()
	if e.cmdBuf != nil {
		e.backend.device.FreeCommandBuffer(e.cmdBuf)
		e.cmdBuf = nil
	}
}

// textureUsage maps tracked states to the wgpu usage a texture is
// transitioned to.
func textureUsage(s ResourceStates) gputypes.TextureUsage {
	var u gputypes.TextureUsage
	if s&(StateRenderTarget|StateDepthWrite|StateDepthRead|StateResolveDest) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	if s&StateShaderResource != 0 {
		u |= gputypes.TextureUsageTextureBinding
	}
	if s&StateUnorderedAccess != 0 {
		u |= gputypes.TextureUsageStorageBinding
	}
	if s&(StateCopySource|StateResolveSource) != 0 {
		u |= gputypes.TextureUsageCopySrc
	}
	if s&StateCopyDest != 0 {
		u |= gputypes.TextureUsageCopyDst
	}
	return u
}

// layoutEntry maps one binding slot to a wgpu bind group layout entry.
func layoutEntry(item BindingLayoutItem, binding uint32, visibility gputypes.ShaderStage) gputypes.BindGroupLayoutEntry {
	e := gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: visibility,
	}
	switch item.Type {
	case ResourceTypeConstantBuffer, ResourceTypeVolatileConstantBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case ResourceTypeBufferSRV:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
	case ResourceTypeBufferUAV:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
	case ResourceTypeTextureSRV:
		e.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case ResourceTypeTextureUAV:
		format := item.Format
		if format == gputypes.TextureFormatUndefined {
			format = gputypes.TextureFormatRGBA8Unorm
		}
		e.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        gputypes.StorageTextureAccessReadWrite,
			Format:        format,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case ResourceTypeSampler:
		e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	}
	return e
}
