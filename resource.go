package rhi

import (
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/descriptor"
	"github.com/gogpu/rhi/internal/diag"
	"github.com/gogpu/rhi/internal/state"
)

// TextureDesc describes a texture.
type TextureDesc struct {
	Name      string
	Width     uint32
	Height    uint32
	MipLevels uint32
	ArraySize uint32
	Format    gputypes.TextureFormat
	Usage     gputypes.TextureUsage

	// InitialState is the state the texture is created in.
	InitialState ResourceStates

	// KeepInitialState makes every command list that uses the texture
	// return it to InitialState when it is closed.
	KeepInitialState bool

	// Permanent fixes the texture in InitialState for its whole life.
	// Uses are checked against that state and never produce barriers.
	Permanent bool
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Name  string
	Size  uint64
	Usage gputypes.BufferUsage

	InitialState     ResourceStates
	KeepInitialState bool
	Permanent        bool

	// Volatile buffers are written through upload memory every time they
	// are used and are never transitioned.
	Volatile bool

	// CPUAccess buffers are host-visible and keep their state.
	CPUAccess bool
}

// refCount is the shared reference count of device objects. The creator
// holds the first reference.
type refCount struct {
	refs atomic.Int32
}

func (r *refCount) init() { r.refs.Store(1) }

func (r *refCount) retain() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release returns true for the last reference.
func (r *refCount) release(sink diag.Sink, what, name string) bool {
	n := r.refs.Add(-1)
	if n < 0 {
		r.refs.Store(0)
		diag.Report(sink, diag.Error, "%s %q released more often than retained", what, name)
		return false
	}
	return n == 0
}

// Texture is a device texture. It is released when the creator and every
// binding set and in-flight command list that use it have released it.
type Texture struct {
	refCount

	device  *Device
	desc    TextureDesc
	id      uint64
	native  hal.Texture
	tracked *state.Texture

	// attachment is the render-target or depth-stencil descriptor.
	attachment     descriptor.Index
	attachmentKind descriptor.Kind
}

// Desc returns the creation descriptor.
func (t *Texture) Desc() TextureDesc { return t.desc }

// Native returns the HAL texture, nil on backends without one.
func (t *Texture) Native() hal.Texture { return t.native }

// Attachment returns the render-target or depth-stencil descriptor index
// and its heap kind. The index is invalid for textures that are not
// render attachments.
func (t *Texture) Attachment() (descriptor.Index, descriptor.Kind) {
	return t.attachment, t.attachmentKind
}

// PermanentState returns the state the texture is fixed in, or
// StateUnknown while it is tracked.
func (t *Texture) PermanentState() ResourceStates { return t.tracked.PermanentState() }

// Retain adds a reference.
func (t *Texture) Retain() {
	if !t.retain() {
		diag.Report(t.device.sink, diag.Error, "retain of released texture %q", t.desc.Name)
	}
}

// Release drops a reference. The last release frees the attachment
// descriptor and the native texture.
func (t *Texture) Release() {
	if !t.release(t.device.sink, "texture", t.desc.Name) {
		return
	}
	if t.attachment.Valid() {
		t.device.heaps[t.attachmentKind].Release(t.attachment, 1)
		t.attachment = descriptor.InvalidIndex
	}
	if t.native != nil {
		t.device.backend.DestroyTexture(t.native)
		t.native = nil
	}
	t.device.live.textures.Add(-1)
}

// Buffer is a device buffer.
type Buffer struct {
	refCount

	device  *Device
	desc    BufferDesc
	id      uint64
	native  hal.Buffer
	tracked *state.Buffer
}

// Desc returns the creation descriptor.
func (b *Buffer) Desc() BufferDesc { return b.desc }

// Native returns the HAL buffer, nil on backends without one.
func (b *Buffer) Native() hal.Buffer { return b.native }

// PermanentState returns the state the buffer is fixed in, or StateUnknown.
func (b *Buffer) PermanentState() ResourceStates { return b.tracked.PermanentState() }

// Retain adds a reference.
func (b *Buffer) Retain() {
	if !b.retain() {
		diag.Report(b.device.sink, diag.Error, "retain of released buffer %q", b.desc.Name)
	}
}

// Release drops a reference. The last release frees the native buffer.
func (b *Buffer) Release() {
	if !b.release(b.device.sink, "buffer", b.desc.Name) {
		return
	}
	if b.native != nil {
		b.device.backend.DestroyBuffer(b.native)
		b.native = nil
	}
	b.device.live.buffers.Add(-1)
}

func isDepthFormat(f gputypes.TextureFormat) bool {
	return f == gputypes.TextureFormatDepth24PlusStencil8
}
