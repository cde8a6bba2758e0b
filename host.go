// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/descriptor"
	"github.com/gogpu/rhi/internal/lifecycle"
	"github.com/gogpu/rhi/internal/transient"
)

// HostSubmission is one command buffer submitted to a HostBackend.
type HostSubmission struct {
	Value           uint64
	Label           string
	TextureBarriers []TextureBarrier
	BufferBarriers  []BufferBarrier
	ScratchBarriers int
	Copies          []HostCopy
}

// HostCopy is a recorded buffer copy.
type HostCopy struct {
	Dst       *Buffer
	DstOffset uint64
	Src       transient.Backing
	SrcOffset uint64
	Size      uint64
}

// HostBackend is a Backend without a GPU. Descriptors and transient chunks
// live in Go memory, native objects are nil and submissions are recorded.
//
// By default every submission completes immediately. With DeferCompletion
// set, the fence only advances when Complete is called, which lets tests
// hold work in flight.
type HostBackend struct {
	descAlloc  descriptor.HostAllocator
	chunkAlloc transient.HostAllocator

	DeferCompletion bool

	// FailSubmit, when non-nil, is returned by Submit.
	FailSubmit error

	mu        sync.Mutex
	fence     *lifecycle.SoftwareFence
	submitted []HostSubmission
}

// NewHostBackend creates a host backend.
func NewHostBackend() *HostBackend {
	return &HostBackend{fence: lifecycle.NewSoftwareFence()}
}

// AllocateStorage allocates descriptor records in Go memory.
func (b *HostBackend) AllocateStorage(desc descriptor.StorageDesc) (descriptor.Storage, error) {
	return b.descAlloc.AllocateStorage(desc)
}

// AllocateChunk allocates a transient chunk in Go memory.
func (b *HostBackend) AllocateChunk(desc transient.ChunkDesc) (transient.Backing, error) {
	return b.chunkAlloc.AllocateChunk(desc)
}

// CreateTexture returns a nil native texture.
func (b *HostBackend) CreateTexture(*TextureDesc) (hal.Texture, error) {
	return nil, nil //nolint:nilnil // host textures have no native object
}

// DestroyTexture does nothing.
func (b *HostBackend) DestroyTexture(hal.Texture) {}

// CreateBuffer returns a nil native buffer.
func (b *HostBackend) CreateBuffer(*BufferDesc) (hal.Buffer, error) {
	return nil, nil //nolint:nilnil // host buffers have no native object
}

// DestroyBuffer does nothing.
func (b *HostBackend) DestroyBuffer(hal.Buffer) {}

// CreateBindingLayout returns a nil native layout.
func (b *HostBackend) CreateBindingLayout(*BindingLayoutDesc) (hal.BindGroupLayout, error) {
	return nil, nil //nolint:nilnil // no native layout
}

// DestroyBindingLayout does nothing.
func (b *HostBackend) DestroyBindingLayout(hal.BindGroupLayout) {}

// CreatePipelineLayout returns a nil native layout.
func (b *HostBackend) CreatePipelineLayout(string, []hal.BindGroupLayout, bool) (hal.PipelineLayout, error) {
	return nil, nil //nolint:nilnil // no native layout
}

// DestroyPipelineLayout does nothing.
func (b *HostBackend) DestroyPipelineLayout(hal.PipelineLayout) {}

// CreateEncoder returns a recording encoder.
func (b *HostBackend) CreateEncoder(string) (Encoder, error) {
	return &hostEncoder{}, nil
}

// Submit records the encoder contents and, unless DeferCompletion is set,
// completes value.
func (b *HostBackend) Submit(enc Encoder, value uint64) error {
	if b.FailSubmit != nil {
		return b.FailSubmit
	}
	e := enc.(*hostEncoder)

	b.mu.Lock()
	b.submitted = append(b.submitted, HostSubmission{
		Value:           value,
		Label:           e.label,
		TextureBarriers: e.textureBarriers,
		BufferBarriers:  e.bufferBarriers,
		ScratchBarriers: e.scratchBarriers,
		Copies:          e.copies,
	})
	deferred := b.DeferCompletion
	b.mu.Unlock()

	if !deferred {
		b.fence.Signal(value)
	}
	return nil
}

// Complete advances the fence to value.
func (b *HostBackend) Complete(value uint64) { b.fence.Signal(value) }

// Submissions returns the recorded submissions in order.
func (b *HostBackend) Submissions() []HostSubmission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]HostSubmission(nil), b.submitted...)
}

// Fence returns the software fence.
func (b *HostBackend) Fence() lifecycle.Fence { return b.fence }

// Destroy does nothing.
func (b *HostBackend) Destroy() {}

type hostEncoder struct {
	label           string
	open            bool
	textureBarriers []TextureBarrier
	bufferBarriers  []BufferBarrier
	scratchBarriers int
	copies          []HostCopy
}

func (e *hostEncoder) Begin(label string) error {
	*e = hostEncoder{label: label, open: true}
	return nil
}

func (e *hostEncoder) TextureBarriers(barriers []TextureBarrier) {
	e.textureBarriers = append(e.textureBarriers, barriers...)
}

func (e *hostEncoder) BufferBarriers(barriers []BufferBarrier) {
	e.bufferBarriers = append(e.bufferBarriers, barriers...)
}

func (e *hostEncoder) ScratchBarrier(transient.Backing) { e.scratchBarriers++ }

func (e *hostEncoder) CopyBuffer(dst *Buffer, dstOffset uint64, src transient.Backing, srcOffset, size uint64) {
	e.copies = append(e.copies, HostCopy{Dst: dst, DstOffset: dstOffset, Src: src, SrcOffset: srcOffset, Size: size})
}

func (e *hostEncoder) End() error {
	e.open = false
	return nil
}

func (e *hostEncoder) Discard() { *e = hostEncoder{} }

func (e *hostEncoder) Destroy() {}
