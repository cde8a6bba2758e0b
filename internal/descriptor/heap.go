package descriptor

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/exp/constraints"

	"github.com/gogpu/rhi/internal/diag"
)

// Heap errors.
var (
	// ErrGrowFailed is returned when the native layer refuses a larger heap.
	ErrGrowFailed = errors.New("descriptor: heap growth failed")

	// ErrOutOfRange is returned for index ranges outside the heap.
	ErrOutOfRange = errors.New("descriptor: index range out of bounds")

	// ErrNotShaderVisible is returned when publishing from a heap without a mirror.
	ErrNotShaderVisible = errors.New("descriptor: heap is not shader-visible")

	// ErrDescriptorTooLarge is returned when a record exceeds the heap stride.
	ErrDescriptorTooLarge = errors.New("descriptor: record larger than stride")
)

// Kind identifies what a heap stores.
type Kind uint8

const (
	// RenderTarget holds color attachment views.
	RenderTarget Kind = iota
	// DepthStencil holds depth-stencil attachment views.
	DepthStencil
	// ShaderResource holds mixed constant, shader-resource and unordered-access views.
	ShaderResource
	// Sampler holds sampler states.
	Sampler

	// KindCount is the number of heap kinds.
	KindCount
)

// String returns the heap kind name.
func (k Kind) String() string {
	switch k {
	case RenderTarget:
		return "render-target"
	case DepthStencil:
		return "depth-stencil"
	case ShaderResource:
		return "shader-resource"
	case Sampler:
		return "sampler"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ShaderVisible reports whether heaps of this kind carry a shader-visible mirror.
func (k Kind) ShaderVisible() bool {
	return k == ShaderResource || k == Sampler
}

// Index is the first slot of an allocated range.
type Index uint32

// InvalidIndex is returned when an allocation cannot be satisfied.
const InvalidIndex = ^Index(0)

// Valid reports whether i refers to a slot.
func (i Index) Valid() bool { return i != InvalidIndex }

// HeapStats describes heap occupancy.
type HeapStats struct {
	Kind      Kind
	Capacity  uint32
	Stride    uint32
	Allocated uint32
	Peak      uint32
	Grows     uint64
}

// Heap is a growable fixed-stride slot allocator.
//
// Heap is safe for concurrent use; a single mutex serializes allocation,
// release and growth.
type Heap struct {
	mu sync.Mutex

	kind          Kind
	stride        uint32
	shaderVisible bool

	capacity  uint32
	allocated uint32
	peak      uint32
	cursor    uint32
	grows     uint64

	// One bit per slot, set while allocated.
	used *bitset.BitSet

	storage Storage
	alloc   Allocator
	sink    diag.Sink
}

// NewHeap creates a heap of the given kind with an initial capacity.
// Messages about exhaustion and misuse go to sink.
func NewHeap(kind Kind, capacity, stride uint32, alloc Allocator, sink diag.Sink) (*Heap, error) {
	if capacity == 0 {
		capacity = 1
	}
	if stride == 0 {
		return nil, fmt.Errorf("descriptor: %s heap needs a non-zero stride", kind)
	}
	if alloc == nil {
		alloc = HostAllocator{}
	}

	h := &Heap{
		kind:          kind,
		stride:        stride,
		shaderVisible: kind.ShaderVisible(),
		capacity:      capacity,
		used:          bitset.New(uint(capacity)),
		alloc:         alloc,
		sink:          sink,
	}

	st, err := alloc.AllocateStorage(h.storageDesc(capacity))
	if err != nil {
		return nil, fmt.Errorf("descriptor: create %s heap: %w", kind, err)
	}
	h.storage = st

	diag.Logger().Debug("descriptor heap created",
		"kind", kind.String(), "capacity", capacity, "stride", stride)
	return h, nil
}

// Kind returns the heap kind.
func (h *Heap) Kind() Kind { return h.kind }

// Stride returns the size of one descriptor record in bytes.
func (h *Heap) Stride() uint32 { return h.stride }

// Capacity returns the current number of slots.
func (h *Heap) Capacity() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity
}

// Allocate reserves count contiguous slots and returns the first index.
//
// The scan starts at the search cursor. If it reaches the end of the heap
// without finding room, the range is placed at the old capacity and the
// heap grows. InvalidIndex is returned, after a Fatal report, only when the
// native layer refuses the larger heap.
func (h *Heap) Allocate(count uint32) Index {
	if count == 0 {
		return InvalidIndex
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start, ok := h.findFreeLocked(count)
	if !ok {
		start = h.capacity
		if err := h.growLocked(uint64(h.capacity) + uint64(count)); err != nil {
			diag.Report(h.sink, diag.Fatal,
				"failed to grow %s descriptor heap for %d slots: %v", h.kind, count, err)
			return InvalidIndex
		}
	}

	for i := start; i < start+count; i++ {
		h.used.Set(uint(i))
	}
	h.allocated += count
	h.peak = max(h.peak, h.allocated)
	h.cursor = start + count
	return Index(start)
}

// Release returns count slots starting at index. Releasing slots that are
// not allocated is reported at Error severity and otherwise ignored.
func (h *Heap) Release(index Index, count uint32) {
	if count == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !index.Valid() || uint64(index)+uint64(count) > uint64(h.capacity) {
		diag.Report(h.sink, diag.Error,
			"release of %s descriptors [%d, +%d) outside heap capacity %d", h.kind, index, count, h.capacity)
		return
	}

	var stray uint32
	for i := uint32(index); i < uint32(index)+count; i++ {
		if !h.used.Test(uint(i)) {
			stray++
			continue
		}
		h.used.Clear(uint(i))
		h.allocated--
	}
	if stray > 0 {
		diag.Report(h.sink, diag.Error,
			"released %d unallocated %s descriptors in [%d, +%d)", stray, h.kind, index, count)
	}

	if uint32(index) < h.cursor {
		h.cursor = uint32(index)
	}
}

// Write stores a descriptor record in host storage at index. The record is
// not visible to shaders until CopyToShaderVisible.
func (h *Heap) Write(index Index, record []byte) error {
	if uint32(len(record)) > h.stride { //nolint:gosec // G115: record length compared against a uint32 stride
		return fmt.Errorf("%w: %d > %d", ErrDescriptorTooLarge, len(record), h.stride)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkRangeLocked(index, 1); err != nil {
		return err
	}
	slot := h.slotLocked(index)
	n := copy(slot, record)
	clear(slot[n:])
	return nil
}

// Read returns a copy of the host record at index.
func (h *Heap) Read(index Index) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkRangeLocked(index, 1); err != nil {
		return nil, err
	}
	return append([]byte(nil), h.slotLocked(index)...), nil
}

// CopyToShaderVisible publishes count host records starting at index to
// the shader-visible mirror at the same index.
func (h *Heap) CopyToShaderVisible(index Index, count uint32) error {
	if !h.shaderVisible {
		return ErrNotShaderVisible
	}
	if count == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkRangeLocked(index, count); err != nil {
		return err
	}
	off := uint64(index) * uint64(h.stride)
	end := off + uint64(count)*uint64(h.stride)
	return h.storage.PublishShaderVisible(off, h.storage.Host()[off:end])
}

// ShaderVisibleRecord returns the mirror contents at index when the storage
// supports CPU readback.
func (h *Heap) ShaderVisibleRecord(index Index) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.storage.(ShaderVisibleReader)
	if !ok || h.checkRangeLocked(index, 1) != nil {
		return nil, false
	}
	vis := r.ShaderVisibleBytes()
	if vis == nil {
		return nil, false
	}
	off := uint64(index) * uint64(h.stride)
	return append([]byte(nil), vis[off:off+uint64(h.stride)]...), true
}

// IsAllocated reports whether the slot at index is allocated.
func (h *Heap) IsAllocated(index Index) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(index) < h.capacity && h.used.Test(uint(index))
}

// Stats returns a snapshot of heap occupancy.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeapStats{
		Kind:      h.kind,
		Capacity:  h.capacity,
		Stride:    h.stride,
		Allocated: h.allocated,
		Peak:      h.peak,
		Grows:     h.grows,
	}
}

// Destroy releases the backing storage.
func (h *Heap) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.storage != nil {
		h.storage.Destroy()
		h.storage = nil
	}
}

// findFreeLocked looks for count free slots in [cursor, capacity).
func (h *Heap) findFreeLocked(count uint32) (uint32, bool) {
	start := uint64(h.cursor)
	for start+uint64(count) <= uint64(h.capacity) {
		next, found := h.used.NextSet(uint(start))
		if !found || uint64(next) >= start+uint64(count) {
			return uint32(start), true
		}
		start = uint64(next) + 1
	}
	return 0, false
}

// growLocked replaces the storage with one of at least minCapacity slots
// and copies [0, oldCapacity) to the same indices.
func (h *Heap) growLocked(minCapacity uint64) error {
	if minCapacity > uint64(InvalidIndex) {
		return fmt.Errorf("%w: %d slots exceeds index range", ErrGrowFailed, minCapacity)
	}
	newCapacity := uint32(nextPowerOfTwo(minCapacity))
	oldBytes := uint64(h.capacity) * uint64(h.stride)

	st, err := h.alloc.AllocateStorage(h.storageDesc(newCapacity))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGrowFailed, err)
	}

	copy(st.Host(), h.storage.Host()[:oldBytes])
	if h.shaderVisible && oldBytes > 0 {
		if err := st.PublishShaderVisible(0, st.Host()[:oldBytes]); err != nil {
			st.Destroy()
			return fmt.Errorf("%w: %w", ErrGrowFailed, err)
		}
	}

	h.storage.Destroy()
	h.storage = st

	diag.Logger().Debug("descriptor heap grown",
		"kind", h.kind.String(), "from", h.capacity, "to", newCapacity)
	h.capacity = newCapacity
	h.grows++
	return nil
}

func (h *Heap) storageDesc(capacity uint32) StorageDesc {
	return StorageDesc{
		Kind:          h.kind,
		Capacity:      capacity,
		Stride:        h.stride,
		ShaderVisible: h.shaderVisible,
	}
}

func (h *Heap) checkRangeLocked(index Index, count uint32) error {
	if !index.Valid() || uint64(index)+uint64(count) > uint64(h.capacity) {
		return fmt.Errorf("%w: [%d, +%d) in %s heap of %d", ErrOutOfRange, index, count, h.kind, h.capacity)
	}
	return nil
}

func (h *Heap) slotLocked(index Index) []byte {
	off := uint64(index) * uint64(h.stride)
	return h.storage.Host()[off : off+uint64(h.stride)]
}

// nextPowerOfTwo returns the smallest power of two >= v.
func nextPowerOfTwo[T constraints.Unsigned](v T) T {
	if v <= 1 {
		return 1
	}
	return T(1) << bits.Len64(uint64(v-1))
}
