// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/descriptor"
	"github.com/gogpu/rhi/internal/lifecycle"
	"github.com/gogpu/rhi/internal/state"
	"github.com/gogpu/rhi/internal/transient"
)

// ResourceStates is a bitmask of simultaneous usage intents.
type ResourceStates = state.States

// Resource states.
const (
	StateUnknown               = state.Unknown
	StateCommon                = state.Common
	StateConstantBuffer        = state.ConstantBuffer
	StateVertexBuffer          = state.VertexBuffer
	StateIndexBuffer           = state.IndexBuffer
	StateIndirectArgument      = state.IndirectArgument
	StateShaderResource        = state.ShaderResource
	StateUnorderedAccess       = state.UnorderedAccess
	StateRenderTarget          = state.RenderTarget
	StateDepthWrite            = state.DepthWrite
	StateDepthRead             = state.DepthRead
	StateStreamOut             = state.StreamOut
	StateCopyDest              = state.CopyDest
	StateCopySource            = state.CopySource
	StateResolveDest           = state.ResolveDest
	StateResolveSource         = state.ResolveSource
	StatePresent               = state.Present
	StateAccelStructRead       = state.AccelStructRead
	StateAccelStructWrite      = state.AccelStructWrite
	StateAccelStructBuildInput = state.AccelStructBuildInput
	StateShadingRateSurface    = state.ShadingRateSurface
)

// TextureSubresourceSet selects mip levels and array slices of a texture.
type TextureSubresourceSet = state.SubresourceSet

// AllSubresources selects a whole texture.
var AllSubresources = state.AllSubresources

// TextureBarrier is a texture transition recorded by a command list. The
// rhi texture is available through Texture.Owner().
type TextureBarrier = state.TextureBarrier

// BufferBarrier is a buffer transition recorded by a command list.
type BufferBarrier = state.BufferBarrier

// Backend is the native graphics layer under a Device. NewDeviceFromHAL
// builds one over gogpu/wgpu HAL; HostBackend keeps everything in Go
// memory for tests and headless tools.
//
// Natives returned by a Backend may be nil when the backend has no native
// objects of that kind.
type Backend interface {
	descriptor.Allocator
	transient.ChunkAllocator

	CreateTexture(desc *TextureDesc) (hal.Texture, error)
	DestroyTexture(tex hal.Texture)

	CreateBuffer(desc *BufferDesc) (hal.Buffer, error)
	DestroyBuffer(buf hal.Buffer)

	CreateBindingLayout(desc *BindingLayoutDesc) (hal.BindGroupLayout, error)
	DestroyBindingLayout(layout hal.BindGroupLayout)

	// CreatePipelineLayout concatenates layouts in order.
	CreatePipelineLayout(label string, layouts []hal.BindGroupLayout, allowInputLayout bool) (hal.PipelineLayout, error)
	DestroyPipelineLayout(layout hal.PipelineLayout)

	CreateEncoder(label string) (Encoder, error)

	// Submit hands the recorded encoder to the queue and arranges for the
	// fence to reach value once the device has consumed it.
	Submit(enc Encoder, value uint64) error

	// Fence is the completion fence of the queue.
	Fence() lifecycle.Fence

	Destroy()
}

// Encoder records native commands for one command list. An encoder is
// reused only after its previous submission has completed.
type Encoder interface {
	Begin(label string) error
	TextureBarriers(barriers []TextureBarrier)
	BufferBarriers(barriers []BufferBarrier)

	// ScratchBarrier orders earlier accesses to a reused scratch chunk
	// before later ones.
	ScratchBarrier(b transient.Backing)

	CopyBuffer(dst *Buffer, dstOffset uint64, src transient.Backing, srcOffset, size uint64)
	End() error
	Discard()
	Destroy()
}
