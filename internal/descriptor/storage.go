package descriptor

// StorageDesc describes the backing storage requested for a heap.
type StorageDesc struct {
	Kind          Kind
	Capacity      uint32
	Stride        uint32
	ShaderVisible bool
}

// SizeBytes returns the size of the host region in bytes.
func (d StorageDesc) SizeBytes() uint64 {
	return uint64(d.Capacity) * uint64(d.Stride)
}

// Storage is the native memory behind a heap.
type Storage interface {
	// Host returns the CPU-written descriptor records, Capacity*Stride bytes.
	Host() []byte

	// PublishShaderVisible copies data into the shader-visible mirror at
	// the given byte offset. Only called for shader-visible heaps.
	PublishShaderVisible(offset uint64, data []byte) error

	// Destroy releases the native memory.
	Destroy()
}

// ShaderVisibleReader is implemented by storages whose mirror can be read
// back on the CPU. Used by diagnostics and tests.
type ShaderVisibleReader interface {
	ShaderVisibleBytes() []byte
}

// Allocator creates heap storage. The native layer implements it; a failing
// allocation makes heap growth fail.
type Allocator interface {
	AllocateStorage(desc StorageDesc) (Storage, error)
}

// AllocatorFunc adapts a function to the Allocator interface.
type AllocatorFunc func(desc StorageDesc) (Storage, error)

// AllocateStorage calls f(desc).
func (f AllocatorFunc) AllocateStorage(desc StorageDesc) (Storage, error) { return f(desc) }

// HostAllocator allocates storage in ordinary Go memory, mirror included.
type HostAllocator struct{}

// AllocateStorage returns host-only storage for desc.
func (HostAllocator) AllocateStorage(desc StorageDesc) (Storage, error) {
	s := &HostStorage{host: make([]byte, desc.SizeBytes())}
	if desc.ShaderVisible {
		s.visible = make([]byte, desc.SizeBytes())
	}
	return s, nil
}

// HostStorage is Storage backed by Go slices.
type HostStorage struct {
	host    []byte
	visible []byte
}

// Host returns the descriptor records.
func (s *HostStorage) Host() []byte { return s.host }

// PublishShaderVisible copies data into the mirror.
func (s *HostStorage) PublishShaderVisible(offset uint64, data []byte) error {
	if s.visible == nil {
		return ErrNotShaderVisible
	}
	if offset+uint64(len(data)) > uint64(len(s.visible)) {
		return ErrOutOfRange
	}
	copy(s.visible[offset:], data)
	return nil
}

// ShaderVisibleBytes returns the mirror contents.
func (s *HostStorage) ShaderVisibleBytes() []byte { return s.visible }

// Destroy drops both regions.
func (s *HostStorage) Destroy() {
	s.host = nil
	s.visible = nil
}
