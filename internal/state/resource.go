package state

// AllMipLevels and AllArraySlices select every remaining level or slice.
const (
	AllMipLevels   = ^uint32(0)
	AllArraySlices = ^uint32(0)
)

// SubresourceSet selects a range of mip levels and array slices.
type SubresourceSet struct {
	BaseMipLevel   uint32
	NumMipLevels   uint32
	BaseArraySlice uint32
	NumArraySlices uint32
}

// AllSubresources selects the whole texture.
var AllSubresources = SubresourceSet{NumMipLevels: AllMipLevels, NumArraySlices: AllArraySlices}

// Resolve clamps the set to the texture's mip levels and array slices.
func (s SubresourceSet) Resolve(desc TextureDesc) SubresourceSet {
	s.BaseMipLevel = min(s.BaseMipLevel, desc.MipLevels)
	s.BaseArraySlice = min(s.BaseArraySlice, desc.ArraySize)
	s.NumMipLevels = min(s.NumMipLevels, desc.MipLevels-s.BaseMipLevel)
	s.NumArraySlices = min(s.NumArraySlices, desc.ArraySize-s.BaseArraySlice)
	return s
}

// IsEntireTexture reports whether a resolved set covers the whole texture.
func (s SubresourceSet) IsEntireTexture(desc TextureDesc) bool {
	return s.BaseMipLevel == 0 && s.NumMipLevels >= desc.MipLevels &&
		s.BaseArraySlice == 0 && s.NumArraySlices >= desc.ArraySize
}

// TextureDesc is the part of a texture description that matters to the tracker.
type TextureDesc struct {
	Name      string
	MipLevels uint32
	ArraySize uint32

	// InitialState is the state the texture is created in.
	InitialState States

	// KeepInitialState returns the texture to InitialState at the end of
	// every command list that used it.
	KeepInitialState bool

	// Permanent fixes the texture in InitialState for its whole life.
	Permanent bool
}

// Texture is a tracked texture.
type Texture struct {
	desc           TextureDesc
	permanentState States
	owner          any
}

// NewTexture registers a texture with the tracker model. owner is returned
// in barriers so the native layer can find its object.
func NewTexture(desc TextureDesc, owner any) *Texture {
	desc.MipLevels = max(desc.MipLevels, 1)
	desc.ArraySize = max(desc.ArraySize, 1)
	t := &Texture{desc: desc, owner: owner}
	if desc.Permanent {
		t.permanentState = desc.InitialState
	}
	return t
}

// Desc returns the texture description.
func (t *Texture) Desc() TextureDesc { return t.desc }

// PermanentState returns the fixed state, or Unknown while tracked.
func (t *Texture) PermanentState() States { return t.permanentState }

// Owner returns the object passed to NewTexture.
func (t *Texture) Owner() any { return t.owner }

func (t *Texture) subresourceIndex(mip, slice uint32) uint32 {
	return mip + slice*t.desc.MipLevels
}

// BufferDesc is the part of a buffer description that matters to the tracker.
type BufferDesc struct {
	Name         string
	InitialState States

	// KeepInitialState returns the buffer to InitialState at the end of
	// every command list that used it.
	KeepInitialState bool

	// Permanent fixes the buffer in InitialState for its whole life.
	Permanent bool

	// Volatile buffers live in upload memory and are never transitioned.
	Volatile bool

	// CPUAccess buffers are host-visible and cannot change state.
	CPUAccess bool
}

// Buffer is a tracked buffer.
type Buffer struct {
	desc           BufferDesc
	permanentState States
	owner          any
}

// NewBuffer registers a buffer with the tracker model.
func NewBuffer(desc BufferDesc, owner any) *Buffer {
	b := &Buffer{desc: desc, owner: owner}
	if desc.Permanent {
		b.permanentState = desc.InitialState
	}
	return b
}

// Desc returns the buffer description.
func (b *Buffer) Desc() BufferDesc { return b.desc }

// PermanentState returns the fixed state, or Unknown while tracked.
func (b *Buffer) PermanentState() States { return b.permanentState }

// Owner returns the object passed to NewBuffer.
func (b *Buffer) Owner() any { return b.owner }
