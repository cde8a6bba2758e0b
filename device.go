package rhi

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/google/uuid"

	"github.com/gogpu/rhi/internal/descriptor"
	"github.com/gogpu/rhi/internal/layoutcache"
	"github.com/gogpu/rhi/internal/lifecycle"
	"github.com/gogpu/rhi/internal/state"
)

// Device owns the descriptor heaps, the pipeline layout cache and the
// submission queue, and creates every other object.
//
// Device follows a single-producer model: resource creation, recording
// and submission happen on one goroutine. Descriptor heaps and the layout
// cache are additionally safe for concurrent use.
type Device struct {
	id      uuid.UUID
	label   string
	cfg     Config
	backend Backend
	sink    MessageSink

	heaps   [descriptor.KindCount]*descriptor.Heap
	layouts *layoutcache.Cache[*PipelineLayout]
	queue   *lifecycle.Queue

	nextID        atomic.Uint64
	nextRecording atomic.Uint64

	mu             sync.Mutex
	bindingLayouts map[layoutcache.LayoutID]*BindingLayout
	commandLists   []*CommandList

	live struct {
		textures    atomic.Int64
		buffers     atomic.Int64
		bindingSets atomic.Int64
	}

	destroyed bool
}

// NewDevice creates a device on backend.
func NewDevice(backend Backend, opts ...DeviceOption) (*Device, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidDescriptor)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		id:             uuid.New(),
		label:          o.label,
		cfg:            o.config,
		backend:        backend,
		sink:           o.sink,
		bindingLayouts: make(map[layoutcache.LayoutID]*BindingLayout),
	}
	if d.label == "" {
		d.label = "rhi-" + d.id.String()[:8]
	}

	for kind := range descriptor.KindCount {
		h, err := descriptor.NewHeap(kind, o.config.heapCapacity(kind), o.config.Heaps.DescriptorStride, backend, d.sink)
		if err != nil {
			d.destroyHeaps()
			return nil, fmt.Errorf("rhi: %w", err)
		}
		d.heaps[kind] = h
	}
	d.layouts = layoutcache.New(d.buildPipelineLayout, d.destroyPipelineLayout, d.sink)
	d.queue = lifecycle.NewQueue(backend.Fence(), d.sink)

	Logger().Info("rhi: device created", "device", d.label, "id", d.id.String())
	return d, nil
}

// ID returns the unique id of the device instance.
func (d *Device) ID() uuid.UUID { return d.id }

// Label returns the device label.
func (d *Device) Label() string { return d.label }

// Config returns the active configuration.
func (d *Device) Config() Config { return d.cfg }

// Backend returns the native layer.
func (d *Device) Backend() Backend { return d.backend }

// DescriptorHeap returns the heap of the given kind.
func (d *Device) DescriptorHeap(kind descriptor.Kind) *descriptor.Heap { return d.heaps[kind] }

// Lost returns the device-loss error, or nil.
func (d *Device) Lost() error { return d.queue.Lost() }

// LastCompleted returns the newest completion value known to be reached.
func (d *Device) LastCompleted() uint64 { return d.queue.LastCompleted() }

// LastSubmitted returns the completion value of the newest submission.
func (d *Device) LastSubmitted() uint64 { return d.queue.LastSubmitted() }

// CreateTexture creates a texture. Render attachments get a render-target
// or depth-stencil descriptor.
func (d *Device) CreateTexture(desc TextureDesc) (*Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: texture %q has zero size", ErrInvalidDescriptor, desc.Name)
	}
	desc.MipLevels = max(desc.MipLevels, 1)
	desc.ArraySize = max(desc.ArraySize, 1)
	if desc.Permanent && desc.InitialState == StateUnknown {
		return nil, fmt.Errorf("%w: permanent texture %q needs an initial state", ErrInvalidDescriptor, desc.Name)
	}

	native, err := d.backend.CreateTexture(&desc)
	if err != nil {
		return nil, fmt.Errorf("rhi: create texture %q: %w", desc.Name, err)
	}

	t := &Texture{
		device:     d,
		desc:       desc,
		id:         d.nextID.Add(1),
		native:     native,
		attachment: descriptor.InvalidIndex,
	}
	t.tracked = state.NewTexture(state.TextureDesc{
		Name:             desc.Name,
		MipLevels:        desc.MipLevels,
		ArraySize:        desc.ArraySize,
		InitialState:     desc.InitialState,
		KeepInitialState: desc.KeepInitialState,
		Permanent:        desc.Permanent,
	}, t)
	t.init()

	if desc.Usage&gputypes.TextureUsageRenderAttachment != 0 {
		rec := descriptorRecord{Object: t.id, Type: ResourceTypeNone, Format: uint32(desc.Format)}
		t.attachmentKind = descriptor.RenderTarget
		rec.Flags = recordFlagRenderTarget
		if isDepthFormat(desc.Format) {
			t.attachmentKind = descriptor.DepthStencil
			rec.Flags = recordFlagDepthStencil
		}
		idx := d.heaps[t.attachmentKind].Allocate(1)
		if !idx.Valid() {
			if native != nil {
				d.backend.DestroyTexture(native)
			}
			return nil, fmt.Errorf("%w: %s attachment for %q", ErrDescriptorHeapExhausted, t.attachmentKind, desc.Name)
		}
		if err := d.heaps[t.attachmentKind].Write(idx, rec.encode(nil)); err != nil {
			d.heaps[t.attachmentKind].Release(idx, 1)
			if native != nil {
				d.backend.DestroyTexture(native)
			}
			return nil, fmt.Errorf("rhi: write attachment descriptor: %w", err)
		}
		t.attachment = idx
	}

	d.live.textures.Add(1)
	return t, nil
}

// CreateBuffer creates a buffer.
func (d *Device) CreateBuffer(desc BufferDesc) (*Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidDescriptor, desc.Name)
	}
	if desc.Permanent && desc.InitialState == StateUnknown {
		return nil, fmt.Errorf("%w: permanent buffer %q needs an initial state", ErrInvalidDescriptor, desc.Name)
	}
	native, err := d.backend.CreateBuffer(&desc)
	if err != nil {
		return nil, fmt.Errorf("rhi: create buffer %q: %w", desc.Name, err)
	}
	b := &Buffer{device: d, desc: desc, id: d.nextID.Add(1), native: native}
	b.tracked = state.NewBuffer(state.BufferDesc{
		Name:             desc.Name,
		InitialState:     desc.InitialState,
		KeepInitialState: desc.KeepInitialState,
		Permanent:        desc.Permanent,
		Volatile:         desc.Volatile,
		CPUAccess:        desc.CPUAccess,
	}, b)
	b.init()
	d.live.buffers.Add(1)
	return b, nil
}

// CreateSampler creates a sampler description.
func (d *Device) CreateSampler(desc SamplerDesc) *Sampler {
	return &Sampler{id: d.nextID.Add(1), desc: desc}
}

// CreateBindingLayout creates a binding layout. Slots of one resource class
// must not overlap.
func (d *Device) CreateBindingLayout(desc BindingLayoutDesc) (*BindingLayout, error) {
	l := &BindingLayout{
		device:  d,
		desc:    desc,
		id:      layoutcache.LayoutID(d.nextID.Add(1)),
		offsets: make([]uint32, len(desc.Items)),
	}
	desc.Items = slices.Clone(desc.Items)
	l.desc = desc

	for i, it := range desc.Items {
		if it.Type == ResourceTypeNone {
			return nil, fmt.Errorf("%w: layout %q item %d has no type", ErrInvalidDescriptor, desc.Name, i)
		}
		for _, prev := range desc.Items[:i] {
			if prev.Type.heapKind() == it.Type.heapKind() &&
				it.Slot < prev.Slot+prev.count() && prev.Slot < it.Slot+it.count() {
				return nil, fmt.Errorf("%w: layout %q slot %d overlaps", ErrInvalidDescriptor, desc.Name, it.Slot)
			}
		}
		kind := it.Type.heapKind()
		l.offsets[i] = l.counts[kind]
		l.counts[kind] += it.count()
	}

	native, err := d.backend.CreateBindingLayout(&l.desc)
	if err != nil {
		return nil, fmt.Errorf("rhi: create binding layout %q: %w", desc.Name, err)
	}
	l.native = native
	l.init()

	d.mu.Lock()
	d.bindingLayouts[l.id] = l
	d.mu.Unlock()
	return l, nil
}

func (d *Device) unregisterLayout(l *BindingLayout) {
	d.mu.Lock()
	delete(d.bindingLayouts, l.id)
	d.mu.Unlock()
}

// ResolvePipelineLayout returns the pipeline layout for the ordered list of
// binding layouts, building it on first use. Every call returns one new
// reference that the caller releases.
func (d *Device) ResolvePipelineLayout(layouts []*BindingLayout, allowInputLayout bool) (*PipelineLayout, error) {
	ids := make([]layoutcache.LayoutID, len(layouts))
	for i, l := range layouts {
		if l == nil {
			return nil, fmt.Errorf("%w: nil binding layout %d", ErrInvalidDescriptor, i)
		}
		ids[i] = l.id
	}
	e, err := d.layouts.Resolve(ids, allowInputLayout)
	if err != nil {
		return nil, fmt.Errorf("rhi: %w", err)
	}
	p := e.Value()
	p.entry = e
	return p, nil
}

// buildPipelineLayout concatenates the binding ranges of the key's layouts.
func (d *Device) buildPipelineLayout(key layoutcache.Key) (*PipelineLayout, error) {
	ids := key.Layouts()
	p := &PipelineLayout{
		layouts:          make([]*BindingLayout, 0, len(ids)),
		allowInputLayout: key.AllowInputLayout(),
		hash:             key.Hash(),
	}

	d.mu.Lock()
	for _, id := range ids {
		l, ok := d.bindingLayouts[id]
		if !ok || !l.retain() {
			d.mu.Unlock()
			for _, held := range p.layouts {
				held.Release()
			}
			return nil, fmt.Errorf("%w: binding layout %d", ErrReleased, id)
		}
		p.layouts = append(p.layouts, l)
	}
	d.mu.Unlock()

	var offsets [descriptor.KindCount]uint32
	natives := make([]hal.BindGroupLayout, 0, len(p.layouts))
	for i, l := range p.layouts {
		for j, it := range l.desc.Items {
			kind := it.Type.heapKind()
			p.ranges = append(p.ranges, BindingRange{
				Layout:      i,
				Slot:        it.Slot,
				Type:        it.Type,
				Count:       it.count(),
				TableOffset: offsets[kind] + l.offsets[j],
			})
		}
		for kind := range offsets {
			offsets[kind] += l.counts[kind]
		}
		natives = append(natives, l.native)
	}

	native, err := d.backend.CreatePipelineLayout(fmt.Sprintf("rhi-pipeline-layout-%016x", p.hash), natives, p.allowInputLayout)
	if err != nil {
		for _, l := range p.layouts {
			l.Release()
		}
		return nil, err
	}
	p.native = native
	return p, nil
}

func (d *Device) destroyPipelineLayout(p *PipelineLayout) {
	if p.native != nil {
		d.backend.DestroyPipelineLayout(p.native)
		p.native = nil
	}
	for _, l := range p.layouts {
		l.Release()
	}
	p.layouts = nil
}

// CreateBindingSet allocates descriptors for layout, writes one per item,
// publishes them to the shader-visible heaps and records the state every
// bound resource needs. Slots without an item get null descriptors.
func (d *Device) CreateBindingSet(desc BindingSetDesc, layout *BindingLayout) (*BindingSet, error) {
	if layout == nil {
		return nil, fmt.Errorf("%w: nil binding layout", ErrInvalidDescriptor)
	}
	if !layout.retain() {
		return nil, fmt.Errorf("%w: binding layout %q", ErrReleased, layout.desc.Name)
	}
	s := &BindingSet{device: d, layout: layout, desc: desc}
	for kind := range s.ranges {
		s.ranges[kind] = descriptor.InvalidIndex
	}
	s.init()

	fail := func(err error) (*BindingSet, error) {
		s.free()
		return nil, d.contract(err)
	}

	for kind, n := range layout.counts {
		if n == 0 {
			continue
		}
		idx := d.heaps[kind].Allocate(n)
		if !idx.Valid() {
			return fail(fmt.Errorf("%w: %d %s descriptors for %q",
				ErrDescriptorHeapExhausted, n, descriptor.Kind(kind), desc.Name))
		}
		s.ranges[kind] = idx
		null := descriptorRecord{Flags: recordFlagNull}.encode(nil)
		for i := range n {
			if err := d.heaps[kind].Write(idx+descriptor.Index(i), null); err != nil {
				return fail(err)
			}
		}
	}

	for _, item := range desc.Items {
		rec, err := d.bindItem(s, item)
		if err != nil {
			return fail(err)
		}
		i, elem, _ := layout.item(item.Slot, item.Type)
		kind := item.Type.heapKind()
		idx := s.ranges[kind] + descriptor.Index(layout.offsets[i]+elem)
		if err := d.heaps[kind].Write(idx, rec.encode(nil)); err != nil {
			return fail(err)
		}
	}

	for kind, idx := range s.ranges {
		if !idx.Valid() {
			continue
		}
		if err := d.heaps[kind].CopyToShaderVisible(idx, layout.counts[kind]); err != nil {
			return fail(fmt.Errorf("rhi: publish %s descriptors: %w", descriptor.Kind(kind), err))
		}
	}

	d.live.bindingSets.Add(1)
	return s, nil
}

// bindItem validates item against the layout, records its requirement and
// retains its resource.
func (d *Device) bindItem(s *BindingSet, item BindingSetItem) (descriptorRecord, error) {
	if _, _, ok := s.layout.item(item.Slot, item.Type); !ok {
		return descriptorRecord{}, fmt.Errorf("%w: %s at slot %d not in layout %q",
			ErrBindingMismatch, item.Type, item.Slot, s.layout.desc.Name)
	}
	required := item.Type.RequiredState()

	switch {
	case item.Type.isTexture():
		t := item.Texture
		if t == nil {
			return descriptorRecord{}, fmt.Errorf("%w: slot %d needs a texture", ErrBindingMismatch, item.Slot)
		}
		if err := checkPermanentBinding(d.sink, "texture", t.desc.Name, t.PermanentState(), required); err != nil {
			return descriptorRecord{}, err
		}
		sub := item.Subresources
		if sub == (TextureSubresourceSet{}) {
			sub = AllSubresources
		}
		if !t.retain() {
			return descriptorRecord{}, fmt.Errorf("%w: texture %q", ErrReleased, t.desc.Name)
		}
		s.resources = append(s.resources, t)
		s.requirements = append(s.requirements, state.TextureRequirement(t.tracked, sub, required))
		resolved := sub.Resolve(t.tracked.Desc())
		return descriptorRecord{
			Object: t.id,
			Type:   item.Type,
			Format: resolved.BaseMipLevel | resolved.BaseArraySlice<<16,
			Size:   uint64(resolved.NumMipLevels) | uint64(resolved.NumArraySlices)<<32,
		}, nil

	case item.Type.isBuffer():
		b := item.Buffer
		if b == nil {
			return descriptorRecord{}, fmt.Errorf("%w: slot %d needs a buffer", ErrBindingMismatch, item.Slot)
		}
		if item.Type == ResourceTypeVolatileConstantBuffer && !b.desc.Volatile {
			return descriptorRecord{}, fmt.Errorf("%w: buffer %q is not volatile", ErrBindingMismatch, b.desc.Name)
		}
		if err := checkPermanentBinding(d.sink, "buffer", b.desc.Name, b.PermanentState(), required); err != nil {
			return descriptorRecord{}, err
		}
		size := item.Size
		if size == 0 && item.Offset < b.desc.Size {
			size = b.desc.Size - item.Offset
		}
		if item.Offset+size > b.desc.Size {
			return descriptorRecord{}, fmt.Errorf("%w: range [%d, +%d) outside buffer %q",
				ErrBindingMismatch, item.Offset, size, b.desc.Name)
		}
		if !b.retain() {
			return descriptorRecord{}, fmt.Errorf("%w: buffer %q", ErrReleased, b.desc.Name)
		}
		s.resources = append(s.resources, b)
		if required != StateUnknown {
			s.requirements = append(s.requirements, state.BufferRequirement(b.tracked, required))
		}
		return descriptorRecord{Object: b.id, Type: item.Type, Offset: item.Offset, Size: size}, nil

	default:
		if item.Sampler == nil {
			return descriptorRecord{}, fmt.Errorf("%w: slot %d needs a sampler", ErrBindingMismatch, item.Slot)
		}
		return item.Sampler.record(), nil
	}
}

// CreateCommandList creates a command list with its own state tracker and
// transient pools.
func (d *Device) CreateCommandList(name string) (*CommandList, error) {
	cl, err := newCommandList(d, name)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.commandLists = append(d.commandLists, cl)
	d.mu.Unlock()
	return cl, nil
}

func (d *Device) removeCommandList(cl *CommandList) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := slices.Index(d.commandLists, cl); i >= 0 {
		d.commandLists = slices.Delete(d.commandLists, i, i+1)
	}
}

// ExecuteCommandList submits a closed command list and returns its
// completion value. The resources it referenced stay alive until that
// value completes.
func (d *Device) ExecuteCommandList(cl *CommandList) (uint64, error) {
	if cl.device != d {
		return 0, fmt.Errorf("%w: command list of another device", ErrInvalidDescriptor)
	}
	return cl.execute()
}

// RunGarbageCollection polls the fence and releases everything held by
// completed submissions. Call it at least once per frame.
func (d *Device) RunGarbageCollection() error {
	n, err := d.queue.Poll()
	if n > 0 {
		Logger().Debug("rhi: command lists retired", "count", n, "completed", d.queue.LastCompleted())
	}
	return err
}

// WaitForIdle blocks until every submission has completed and releases
// their resources. Without a deadline on ctx, the configured wait timeout
// applies.
func (d *Device) WaitForIdle(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && d.cfg.WaitTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.WaitTimeout())
		defer cancel()
	}
	if err := d.queue.WaitIdle(ctx); err != nil {
		return err
	}
	Logger().Debug("rhi: device idle", "device", d.label, "completed", d.queue.LastCompleted())
	return nil
}

// SetScratchBudget changes the scratch memory budget of every command list.
// Zero removes the budget.
func (d *Device) SetScratchBudget(budget uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Transient.ScratchBudget = budget
	for _, cl := range d.commandLists {
		cl.scratch.SetMemoryLimit(budget)
	}
}

// Destroy waits for the device to become idle and releases the heaps, the
// command lists and the backend. Objects still referenced by the
// application must not be used afterwards.
func (d *Device) Destroy() {
	if d.destroyed {
		return
	}
	if err := d.WaitForIdle(context.Background()); err != nil {
		Logger().Warn("rhi: destroy without idle", "device", d.label, "err", err)
	}

	d.mu.Lock()
	lists := slices.Clone(d.commandLists)
	d.mu.Unlock()
	for _, cl := range lists {
		cl.destroy()
	}
	d.destroyHeaps()
	d.backend.Destroy()
	d.destroyed = true
	Logger().Info("rhi: device destroyed", "device", d.label)
}

func (d *Device) destroyHeaps() {
	for i, h := range d.heaps {
		if h != nil {
			h.Destroy()
			d.heaps[i] = nil
		}
	}
}

// contract panics on assertion failures when the configuration asks for
// it. Every other error is returned unchanged.
func (d *Device) contract(err error) error {
	if err != nil && d.cfg.PanicOnContractViolation && errors.HasAssertionFailure(err) {
		panic(err)
	}
	return err
}
