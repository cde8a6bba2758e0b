// Package transient implements fence-gated pools of linearly suballocated
// chunks for upload staging and device-local scratch memory.
//
// A pool serves requests from its current chunk first, then from parked
// chunks whose last writer has completed on the device, and only then
// allocates a new chunk. Scratch pools may carry a memory limit; once it is
// reached the pool reuses its least recently stamped chunk instead of
// growing, after waiting for the chunk's last writer and recording a reuse
// barrier.
package transient

import (
	"errors"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gogpu/rhi/internal/diag"
)

// Pool errors.
var (
	// ErrBudgetExceeded is returned when a pool at its memory limit has no
	// chunk large enough to reuse.
	ErrBudgetExceeded = errors.New("transient: memory budget exceeded")

	// ErrZeroSize is returned for empty requests.
	ErrZeroSize = errors.New("transient: zero-size suballocation")

	// ErrPoolDestroyed is returned after Destroy.
	ErrPoolDestroyed = errors.New("transient: pool destroyed")
)

// Kind selects the memory a pool manages.
type Kind uint8

const (
	// Upload chunks are CPU-writable staging memory.
	Upload Kind = iota
	// Scratch chunks are device-local and never mapped.
	Scratch
)

func (k Kind) String() string {
	if k == Scratch {
		return "scratch"
	}
	return "upload"
}

// Default sizes.
const (
	// DefaultUploadChunkSize is the default size of an upload chunk (64 KiB).
	DefaultUploadChunkSize = 64 << 10

	// DefaultScratchChunkSize is the default size of a scratch chunk (4 MiB).
	DefaultScratchChunkSize = 4 << 20

	// DefaultSizeAlignment rounds every new chunk (64 KiB).
	DefaultSizeAlignment = 64 << 10

	// maxTrackedChunks bounds the recency list. Pools never get close.
	maxTrackedChunks = 1 << 16
)

// Config configures a Pool.
type Config struct {
	Kind Kind

	// DefaultChunkSize is the minimum size of a new chunk.
	DefaultChunkSize uint64

	// SizeAlignment rounds new chunk sizes up.
	SizeAlignment uint64

	// MemoryLimit caps the total size of all chunks. Zero means unlimited.
	MemoryLimit uint64

	// Label prefixes native chunk labels.
	Label string
}

func (c *Config) setDefaults() {
	if c.DefaultChunkSize == 0 {
		if c.Kind == Scratch {
			c.DefaultChunkSize = DefaultScratchChunkSize
		} else {
			c.DefaultChunkSize = DefaultUploadChunkSize
		}
	}
	if c.SizeAlignment == 0 {
		c.SizeAlignment = DefaultSizeAlignment
	}
	if c.Label == "" {
		c.Label = c.Kind.String()
	}
}

// Synchronizer lets a scratch pool reuse a chunk that the device may still
// be accessing.
type Synchronizer interface {
	// WaitForInstance blocks until the queue has completed instance.
	WaitForInstance(instance uint64) error

	// ReuseBarrier orders earlier device accesses to b before later ones.
	ReuseBarrier(b Backing)
}

// Allocation is a suballocated range of a chunk.
type Allocation struct {
	Chunk  *Chunk
	Offset uint64
	Size   uint64

	// CPU is the mapped range, nil for scratch memory.
	CPU []byte

	// GPUAddress is the device address of the range, 0 when unavailable.
	GPUAddress uint64
}

// Backing returns the native memory of the allocation.
func (a Allocation) Backing() Backing { return a.Chunk.backing }

// PoolStats describes pool occupancy.
type PoolStats struct {
	Kind           Kind
	Chunks         int
	AllocatedBytes uint64
	MemoryLimit    uint64
	Suballocations uint64
	Reuses         uint64
	BudgetReuses   uint64
}

// Pool manages the transient chunks of one command list.
//
// Pool is not safe for concurrent use.
type Pool struct {
	cfg   Config
	alloc ChunkAllocator
	sink  diag.Sink

	current *Chunk
	parked  []*Chunk

	// recent orders chunks by their last stamp, oldest first.
	recent *lru.Cache[uint32, *Chunk]

	nextID         uint32
	allocatedBytes uint64
	suballocations uint64
	reuses         uint64
	budgetReuses   uint64
	destroyed      bool
}

// NewPool creates an empty pool.
func NewPool(cfg Config, alloc ChunkAllocator, sink diag.Sink) (*Pool, error) {
	cfg.setDefaults()
	if alloc == nil {
		alloc = HostAllocator{}
	}
	recent, err := lru.New[uint32, *Chunk](maxTrackedChunks)
	if err != nil {
		return nil, fmt.Errorf("transient: create recency list: %w", err)
	}
	return &Pool{
		cfg:    cfg,
		alloc:  alloc,
		sink:   sink,
		recent: recent,
	}, nil
}

// Kind returns the pool kind.
func (p *Pool) Kind() Kind { return p.cfg.Kind }

// SetMemoryLimit changes the memory limit. Existing chunks are kept even if
// they exceed the new limit; it only stops further growth.
func (p *Pool) SetMemoryLimit(limit uint64) { p.cfg.MemoryLimit = limit }

// Suballocate reserves size bytes aligned to alignment.
//
// current is the version of the recording command list and is stamped on
// the chunk that serves the request. completed is the last instance the
// queue has finished; parked chunks are only reused once their stamp is at
// or below it. sync is required for scratch pools with a memory limit.
func (p *Pool) Suballocate(size, alignment uint64, current Version, completed uint64, sync Synchronizer) (Allocation, error) {
	if p.destroyed {
		return Allocation{}, ErrPoolDestroyed
	}
	if size == 0 {
		return Allocation{}, ErrZeroSize
	}

	if p.current != nil {
		if off, ok := p.current.TryAllocate(size, alignment); ok {
			return p.stamp(p.current, off, size, current), nil
		}
		p.parked = append(p.parked, p.current)
		p.current = nil
	}

	chunk := p.takeReusable(size, completed)
	if chunk != nil {
		p.reuses++
	} else {
		chunkSize := alignUp(max(size, p.cfg.DefaultChunkSize), p.cfg.SizeAlignment)
		if p.cfg.MemoryLimit > 0 && p.allocatedBytes+chunkSize > p.cfg.MemoryLimit {
			var err error
			if chunk, err = p.reclaimUnderBudget(size, sync); err != nil {
				diag.Report(p.sink, diag.Error,
					"%s pool: cannot serve %d bytes within %d byte budget: %v",
					p.cfg.Label, size, p.cfg.MemoryLimit, err)
				return Allocation{}, err
			}
		} else {
			var err error
			if chunk, err = p.createChunk(chunkSize); err != nil {
				return Allocation{}, err
			}
		}
	}

	chunk.reset()
	p.current = chunk
	off, ok := chunk.TryAllocate(size, alignment)
	if !ok {
		// Offset zero is always aligned and the chunk fits size.
		return Allocation{}, fmt.Errorf("transient: chunk %d of %d bytes cannot hold %d", chunk.id, chunk.size, size)
	}
	return p.stamp(chunk, off, size, current), nil
}

// SubmitChunks parks the current chunk and promotes every chunk stamped
// with the recording version to the submitted version. Called when the
// owning command list is executed.
func (p *Pool) SubmitChunks(recording, submitted Version) {
	if p.current != nil {
		p.parked = append(p.parked, p.current)
		p.current = nil
	}
	for _, c := range p.parked {
		if c.version == recording {
			c.version = submitted
		}
	}
}

// DiscardChunks parks the current chunk and makes every chunk stamped with
// the recording version reusable again. Called when the owning command list
// abandons a recording that was never submitted.
func (p *Pool) DiscardChunks(recording Version) {
	if p.current != nil {
		p.parked = append(p.parked, p.current)
		p.current = nil
	}
	n := 0
	for _, c := range p.parked {
		if c.version == recording {
			c.version = 0
			n++
		}
	}
	if n > 0 {
		diag.Logger().Debug("transient chunks discarded",
			"pool", p.cfg.Label, "chunks", n, "stamp", recording.String())
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() PoolStats {
	n := len(p.parked)
	if p.current != nil {
		n++
	}
	return PoolStats{
		Kind:           p.cfg.Kind,
		Chunks:         n,
		AllocatedBytes: p.allocatedBytes,
		MemoryLimit:    p.cfg.MemoryLimit,
		Suballocations: p.suballocations,
		Reuses:         p.reuses,
		BudgetReuses:   p.budgetReuses,
	}
}

// Chunks returns every chunk the pool owns, current first.
func (p *Pool) Chunks() []*Chunk {
	out := make([]*Chunk, 0, len(p.parked)+1)
	if p.current != nil {
		out = append(out, p.current)
	}
	return append(out, p.parked...)
}

// Destroy releases every chunk. The pool cannot be used afterwards.
func (p *Pool) Destroy() {
	if p.destroyed {
		return
	}
	for _, c := range p.Chunks() {
		c.backing.Destroy()
	}
	p.current = nil
	p.parked = nil
	p.recent.Purge()
	p.allocatedBytes = 0
	p.destroyed = true
}

// takeReusable removes and returns the first parked chunk that the device
// has finished with and that can hold size bytes.
func (p *Pool) takeReusable(size uint64, completed uint64) *Chunk {
	for _, c := range p.parked {
		if c.version != 0 && c.version.Reusable(completed) {
			c.version = 0
		}
	}
	for i, c := range p.parked {
		if c.version == 0 && c.size >= size {
			p.parked = slices.Delete(p.parked, i, i+1)
			return c
		}
	}
	return nil
}

// reclaimUnderBudget picks the least recently stamped parked chunk that can
// hold size bytes. Submitted chunks win over chunks written by the current
// recording; among chunks with the same stamp the larger one wins.
func (p *Pool) reclaimUnderBudget(size uint64, sync Synchronizer) (*Chunk, error) {
	if sync == nil {
		return nil, fmt.Errorf("%w: no synchronizer for budget reuse", ErrBudgetExceeded)
	}

	var best *Chunk
	for _, id := range p.recent.Keys() {
		c, ok := p.recent.Peek(id)
		if !ok || c == p.current || c.size < size || !slices.Contains(p.parked, c) {
			continue
		}
		if best == nil || betterReuse(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no chunk of at least %d bytes", ErrBudgetExceeded, size)
	}

	if best.version.Submitted() {
		if err := sync.WaitForInstance(best.version.Instance()); err != nil {
			return nil, fmt.Errorf("transient: wait for chunk %d: %w", best.id, err)
		}
	}
	sync.ReuseBarrier(best.backing)

	i := slices.Index(p.parked, best)
	p.parked = slices.Delete(p.parked, i, i+1)
	p.budgetReuses++
	diag.Logger().Warn("transient pool reusing chunk under budget",
		"pool", p.cfg.Label, "chunk", best.id, "size", best.size, "stamp", best.version.String())
	return best, nil
}

// betterReuse reports whether a is a better budget-reuse candidate than b.
// Candidates arrive oldest first, so only strictly better ones replace b.
func betterReuse(a, b *Chunk) bool {
	if a.version.Submitted() != b.version.Submitted() {
		return a.version.Submitted()
	}
	if a.version.Instance() != b.version.Instance() {
		return a.version.Instance() < b.version.Instance()
	}
	return a.size > b.size
}

func (p *Pool) createChunk(size uint64) (*Chunk, error) {
	id := p.nextID
	backing, err := p.alloc.AllocateChunk(ChunkDesc{
		Kind:  p.cfg.Kind,
		ID:    id,
		Size:  size,
		Label: fmt.Sprintf("%s chunk %d", p.cfg.Label, id),
	})
	if err != nil {
		return nil, fmt.Errorf("transient: allocate %s chunk of %d bytes: %w", p.cfg.Kind, size, err)
	}
	p.nextID++
	p.allocatedBytes += size

	diag.Logger().Debug("transient chunk created",
		"pool", p.cfg.Label, "chunk", id, "size", size, "total", p.allocatedBytes)
	return &Chunk{id: id, backing: backing, size: size}, nil
}

func (p *Pool) stamp(c *Chunk, off, size uint64, current Version) Allocation {
	c.version = current
	p.recent.Add(c.id, c)
	p.suballocations++

	a := Allocation{Chunk: c, Offset: off, Size: size}
	if data := c.backing.Bytes(); data != nil {
		a.CPU = data[off : off+size : off+size]
	}
	if base := c.backing.GPUAddress(); base != 0 {
		a.GPUAddress = base + off
	}
	return a
}
