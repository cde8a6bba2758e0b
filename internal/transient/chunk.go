package transient

import "golang.org/x/exp/constraints"

// Backing is the native memory behind a chunk.
type Backing interface {
	// Bytes returns the CPU mapping, or nil for device-local memory.
	Bytes() []byte

	// Flush makes CPU writes in [offset, offset+size) visible to the device.
	Flush(offset, size uint64) error

	// GPUAddress returns the device address of the first byte, or 0 when
	// the native layer does not expose one.
	GPUAddress() uint64

	// Destroy releases the native memory.
	Destroy()
}

// Chunk is a linearly suballocated block of transient memory.
type Chunk struct {
	id           uint32
	backing      Backing
	size         uint64
	writePointer uint64
	version      Version
}

// ID returns the chunk identifier, unique within its pool.
func (c *Chunk) ID() uint32 { return c.id }

// Size returns the chunk size in bytes.
func (c *Chunk) Size() uint64 { return c.size }

// Version returns the stamp of the last command list that wrote the chunk.
func (c *Chunk) Version() Version { return c.version }

// Backing returns the native memory.
func (c *Chunk) Backing() Backing { return c.backing }

// TryAllocate reserves size bytes at the next offset aligned to alignment.
// It fails without side effects when the chunk cannot fit the request.
func (c *Chunk) TryAllocate(size, alignment uint64) (uint64, bool) {
	offset := alignUp(c.writePointer, max(alignment, 1))
	if offset+size > c.size || offset+size < offset {
		return 0, false
	}
	c.writePointer = offset + size
	return offset, true
}

func (c *Chunk) reset() { c.writePointer = 0 }

// alignUp rounds v up to a multiple of alignment.
func alignUp[T constraints.Unsigned](v, alignment T) T {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}
