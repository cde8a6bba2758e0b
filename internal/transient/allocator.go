package transient

import "sync/atomic"

// ChunkDesc describes a chunk requested from the native layer.
type ChunkDesc struct {
	Kind  Kind
	ID    uint32
	Size  uint64
	Label string
}

// ChunkAllocator creates chunk memory. The native layer implements it.
type ChunkAllocator interface {
	AllocateChunk(desc ChunkDesc) (Backing, error)
}

// ChunkAllocatorFunc adapts a function to the ChunkAllocator interface.
type ChunkAllocatorFunc func(desc ChunkDesc) (Backing, error)

// AllocateChunk calls f(desc).
func (f ChunkAllocatorFunc) AllocateChunk(desc ChunkDesc) (Backing, error) { return f(desc) }

// HostAllocator allocates chunks in Go memory. Upload chunks get a CPU
// mapping; scratch chunks do not. Addresses are synthetic and unique.
type HostAllocator struct{}

var hostAddress atomic.Uint64

// AllocateChunk returns host memory for desc.
func (HostAllocator) AllocateChunk(desc ChunkDesc) (Backing, error) {
	b := &HostBacking{
		size:    desc.Size,
		address: hostAddress.Add(1) << 40,
	}
	if desc.Kind == Upload {
		b.data = make([]byte, desc.Size)
	}
	return b, nil
}

// HostBacking is Backing held in Go memory.
type HostBacking struct {
	data    []byte
	size    uint64
	address uint64
	flushed uint64
}

// Bytes returns the mapping, nil for scratch.
func (b *HostBacking) Bytes() []byte { return b.data }

// Flush records the flushed byte count.
func (b *HostBacking) Flush(_, size uint64) error {
	b.flushed += size
	return nil
}

// Flushed returns the total number of bytes flushed.
func (b *HostBacking) Flushed() uint64 { return b.flushed }

// GPUAddress returns the synthetic base address.
func (b *HostBacking) GPUAddress() uint64 { return b.address }

// Destroy drops the mapping.
func (b *HostBacking) Destroy() { b.data = nil }
