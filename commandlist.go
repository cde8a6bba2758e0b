package rhi

import (
	"context"
	"fmt"
	"slices"

	"github.com/gogpu/rhi/internal/lifecycle"
	"github.com/gogpu/rhi/internal/state"
	"github.com/gogpu/rhi/internal/transient"
)

// TransientAllocation is a range of upload or scratch memory owned by a
// command list until its submission completes.
type TransientAllocation = transient.Allocation

// uploadAlignment aligns WriteBuffer staging copies.
const uploadAlignment = 16

type pooledEncoder struct {
	enc           Encoder
	lastSubmitted uint64
}

// CommandList records barriers and copies for one submission at a time.
//
// Open and Close bracket recording; Device.ExecuteCommandList submits. The
// list reuses a native encoder only after the encoder's last submission has
// completed, and its transient chunks follow the same rule.
//
// CommandList is not safe for concurrent use.
type CommandList struct {
	device *Device
	name   string

	tracker *state.Tracker
	upload  *transient.Pool
	scratch *transient.Pool

	encoders  []*pooledEncoder
	current   *pooledEncoder
	recording transient.Version
	open      bool
	closed    bool

	referenced map[lifecycle.Resource]struct{}
	retained   []lifecycle.Resource
}

func newCommandList(d *Device, name string) (*CommandList, error) {
	tc := d.cfg.Transient
	upload, err := transient.NewPool(transient.Config{
		Kind:             transient.Upload,
		DefaultChunkSize: tc.UploadChunkSize,
		SizeAlignment:    tc.ChunkAlignment,
		Label:            fmt.Sprintf("%s/%s/upload", d.label, name),
	}, d.backend, d.sink)
	if err != nil {
		return nil, err
	}
	scratch, err := transient.NewPool(transient.Config{
		Kind:             transient.Scratch,
		DefaultChunkSize: tc.ScratchChunkSize,
		SizeAlignment:    tc.ChunkAlignment,
		MemoryLimit:      tc.ScratchBudget,
		Label:            fmt.Sprintf("%s/%s/scratch", d.label, name),
	}, d.backend, d.sink)
	if err != nil {
		upload.Destroy()
		return nil, err
	}
	return &CommandList{
		device:     d,
		name:       name,
		tracker:    state.NewTracker(d.sink),
		upload:     upload,
		scratch:    scratch,
		referenced: make(map[lifecycle.Resource]struct{}),
	}, nil
}

// Name returns the command list name.
func (cl *CommandList) Name() string { return cl.name }

// IsOpen reports whether the list is recording.
func (cl *CommandList) IsOpen() bool { return cl.open }

// Open starts recording. It reuses a native encoder whose last submission
// has completed, or creates one.
func (cl *CommandList) Open() error {
	if cl.open {
		return ErrCommandListOpen
	}
	if cl.closed {
		cl.Discard()
	}
	if err := cl.device.Lost(); err != nil {
		return err
	}
	completed, err := cl.device.queue.UpdateCompleted()
	if err != nil {
		return err
	}

	var pe *pooledEncoder
	for _, e := range cl.encoders {
		if e.lastSubmitted <= completed {
			pe = e
			break
		}
	}
	if pe == nil {
		enc, err := cl.device.backend.CreateEncoder(cl.name)
		if err != nil {
			return err
		}
		pe = &pooledEncoder{enc: enc}
		cl.encoders = append(cl.encoders, pe)
		Logger().Debug("rhi: command encoder created", "list", cl.name, "encoders", len(cl.encoders))
	}
	if err := pe.enc.Begin(cl.name); err != nil {
		return err
	}

	cl.current = pe
	cl.recording = transient.MakeVersion(cl.device.nextRecording.Add(1), 0, false)
	cl.open = true
	cl.closed = false
	return nil
}

// Close ends recording. Resources created with KeepInitialState are
// returned to their initial state first.
func (cl *CommandList) Close() error {
	if !cl.open {
		return ErrCommandListClosed
	}
	keepErr := cl.tracker.KeepInitialStates()
	cl.CommitBarriers()
	if err := cl.current.enc.End(); err != nil {
		return err
	}
	cl.open = false
	cl.closed = true
	return cl.device.contract(keepErr)
}

// Discard abandons the current recording, open or closed but not yet
// executed. Its transient chunks become reusable immediately.
func (cl *CommandList) Discard() {
	if !cl.open && !cl.closed {
		return
	}
	cl.current.enc.Discard()
	cl.tracker.ClearBarriers()
	cl.tracker.CommandListSubmitted()
	cl.releaseReferences()
	cl.upload.DiscardChunks(cl.recording)
	cl.scratch.DiscardChunks(cl.recording)
	cl.open = false
	cl.closed = false
}

// CommitBarriers hands the pending barriers to the encoder.
func (cl *CommandList) CommitBarriers() {
	if tb := cl.tracker.TextureBarriers(); len(tb) > 0 {
		cl.current.enc.TextureBarriers(append([]TextureBarrier(nil), tb...))
	}
	if bb := cl.tracker.BufferBarriers(); len(bb) > 0 {
		cl.current.enc.BufferBarriers(append([]BufferBarrier(nil), bb...))
	}
	cl.tracker.ClearBarriers()
}

// SetBindingSets binds sets for the next draw or dispatch: each set's
// resources are required in the states its bindings need and the
// resulting barriers are committed.
func (cl *CommandList) SetBindingSets(sets ...*BindingSet) error {
	if !cl.open {
		return ErrCommandListClosed
	}
	for _, s := range sets {
		if s == nil {
			continue
		}
		cl.reference(s)
		for _, r := range s.requirements {
			if err := r.Apply(cl.tracker); err != nil {
				return cl.device.contract(err)
			}
		}
	}
	cl.CommitBarriers()
	return nil
}

// RequireTextureState makes subresources of t available in s.
func (cl *CommandList) RequireTextureState(t *Texture, subresources TextureSubresourceSet, s ResourceStates) error {
	if !cl.open {
		return ErrCommandListClosed
	}
	cl.reference(t)
	return cl.device.contract(cl.tracker.RequireTexture(t.tracked, subresources, s))
}

// RequireBufferState makes b available in s.
func (cl *CommandList) RequireBufferState(b *Buffer, s ResourceStates) error {
	if !cl.open {
		return ErrCommandListClosed
	}
	cl.reference(b)
	return cl.device.contract(cl.tracker.RequireBuffer(b.tracked, s))
}

// BeginTrackingTextureState declares the current state of subresources of
// t, which the application changed outside this command list.
func (cl *CommandList) BeginTrackingTextureState(t *Texture, subresources TextureSubresourceSet, s ResourceStates) {
	if cl.open {
		cl.reference(t)
	}
	cl.tracker.BeginTrackingTexture(t.tracked, subresources, s)
}

// BeginTrackingBufferState declares the current state of b.
func (cl *CommandList) BeginTrackingBufferState(b *Buffer, s ResourceStates) {
	if cl.open {
		cl.reference(b)
	}
	cl.tracker.BeginTrackingBuffer(b.tracked, s)
}

// SetPermanentTextureState transitions t to s and fixes it there once this
// command list is submitted.
func (cl *CommandList) SetPermanentTextureState(t *Texture, s ResourceStates) error {
	if !cl.open {
		return ErrCommandListClosed
	}
	cl.reference(t)
	return cl.device.contract(cl.tracker.EndTrackingTexture(t.tracked, AllSubresources, s, true))
}

// SetPermanentBufferState transitions b to s and fixes it there once this
// command list is submitted.
func (cl *CommandList) SetPermanentBufferState(b *Buffer, s ResourceStates) error {
	if !cl.open {
		return ErrCommandListClosed
	}
	cl.reference(b)
	return cl.device.contract(cl.tracker.EndTrackingBuffer(b.tracked, s, true))
}

// SetEnableUAVBarriersForTexture controls barriers between consecutive
// unordered-access uses of t.
func (cl *CommandList) SetEnableUAVBarriersForTexture(t *Texture, enable bool) {
	cl.tracker.SetEnableUAVBarriersForTexture(t.tracked, enable)
}

// SetEnableUAVBarriersForBuffer controls barriers between consecutive
// unordered-access uses of b.
func (cl *CommandList) SetEnableUAVBarriersForBuffer(b *Buffer, enable bool) {
	cl.tracker.SetEnableUAVBarriersForBuffer(b.tracked, enable)
}

// TextureSubresourceState returns the tracked state of one subresource.
func (cl *CommandList) TextureSubresourceState(t *Texture, mip, slice uint32) ResourceStates {
	if p := t.PermanentState(); p != StateUnknown {
		return p
	}
	return cl.tracker.TextureSubresourceState(t.tracked, mip, slice)
}

// BufferState returns the tracked state of b.
func (cl *CommandList) BufferState(b *Buffer) ResourceStates {
	if p := b.PermanentState(); p != StateUnknown {
		return p
	}
	return cl.tracker.BufferState(b.tracked)
}

// WriteBuffer stages data in upload memory and records a copy into b at
// offset. Buffers that are not volatile or CPU-accessible are moved to
// the copy-destination state first.
func (cl *CommandList) WriteBuffer(b *Buffer, data []byte, offset uint64) error {
	if !cl.open {
		return ErrCommandListClosed
	}
	size := uint64(len(data))
	if size == 0 {
		return nil
	}
	if offset+size > b.desc.Size {
		return fmt.Errorf("%w: write [%d, +%d) outside buffer %q", ErrInvalidDescriptor, offset, size, b.desc.Name)
	}
	cl.reference(b)
	if !b.desc.Volatile && !b.desc.CPUAccess {
		if err := cl.tracker.RequireBuffer(b.tracked, StateCopyDest); err != nil {
			return cl.device.contract(err)
		}
		cl.CommitBarriers()
	}

	a, err := cl.AllocateUpload(size, uploadAlignment)
	if err != nil {
		return err
	}
	copy(a.CPU, data)
	if err := a.Backing().Flush(a.Offset, size); err != nil {
		return fmt.Errorf("rhi: flush upload: %w", err)
	}
	cl.current.enc.CopyBuffer(b, offset, a.Backing(), a.Offset, size)
	return nil
}

// AllocateUpload returns CPU-writable staging memory valid until this
// recording's submission completes.
func (cl *CommandList) AllocateUpload(size, alignment uint64) (TransientAllocation, error) {
	if !cl.open {
		return TransientAllocation{}, ErrCommandListClosed
	}
	return cl.upload.Suballocate(size, alignment, cl.recording, cl.device.queue.LastCompleted(), nil)
}

// AllocateScratch returns device-local scratch memory. Under the scratch
// budget the list may wait for an older submission and reuse its chunk.
func (cl *CommandList) AllocateScratch(size, alignment uint64) (TransientAllocation, error) {
	if !cl.open {
		return TransientAllocation{}, ErrCommandListClosed
	}
	return cl.scratch.Suballocate(size, alignment, cl.recording, cl.device.queue.LastCompleted(), scratchSync{cl})
}

// scratchSync lets the scratch pool wait for an older submission.
type scratchSync struct{ cl *CommandList }

func (s scratchSync) WaitForInstance(instance uint64) error {
	ctx := context.Background()
	if s.cl.device.cfg.WaitTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cl.device.cfg.WaitTimeout())
		defer cancel()
	}
	return s.cl.device.queue.WaitFor(ctx, instance)
}

func (s scratchSync) ReuseBarrier(b transient.Backing) {
	s.cl.current.enc.ScratchBarrier(b)
}

// reference keeps r alive while the list records and until its
// submission completes.
func (cl *CommandList) reference(r lifecycle.Resource) {
	if _, ok := cl.referenced[r]; ok {
		return
	}
	r.Retain()
	cl.referenced[r] = struct{}{}
	cl.retained = append(cl.retained, r)
}

func (cl *CommandList) releaseReferences() {
	for _, r := range cl.retained {
		r.Release()
	}
	cl.retained = cl.retained[:0]
	clear(cl.referenced)
}

func (cl *CommandList) execute() (uint64, error) {
	if cl.open {
		return 0, ErrCommandListOpen
	}
	if !cl.closed {
		return 0, ErrCommandListClosed
	}
	pe := cl.current
	inst, err := cl.device.queue.Submit(func(value uint64) error {
		return cl.device.backend.Submit(pe.enc, value)
	}, slices.Clone(cl.retained))
	cl.closed = false
	if err != nil {
		cl.tracker.CommandListSubmitted()
		cl.releaseReferences()
		cl.upload.DiscardChunks(cl.recording)
		cl.scratch.DiscardChunks(cl.recording)
		return 0, err
	}

	value := inst.Value()
	pe.lastSubmitted = value
	submitted := transient.MakeVersion(value, 0, true)
	cl.upload.SubmitChunks(cl.recording, submitted)
	cl.scratch.SubmitChunks(cl.recording, submitted)
	cl.tracker.CommandListSubmitted()

	// The queue holds its own references now.
	cl.releaseReferences()

	Logger().Debug("rhi: command list executed", "list", cl.name, "value", value)
	return value, nil
}

// UploadStats returns the upload pool occupancy.
func (cl *CommandList) UploadStats() transient.PoolStats { return cl.upload.Stats() }

// ScratchStats returns the scratch pool occupancy.
func (cl *CommandList) ScratchStats() transient.PoolStats { return cl.scratch.Stats() }

// Destroy waits for the list's submissions and releases its encoders and
// transient memory.
func (cl *CommandList) Destroy() {
	cl.device.removeCommandList(cl)
	cl.destroy()
}

func (cl *CommandList) destroy() {
	cl.Discard()
	var last uint64
	for _, e := range cl.encoders {
		last = max(last, e.lastSubmitted)
	}
	if last > 0 {
		if err := (scratchSync{cl}).WaitForInstance(last); err != nil {
			Logger().Warn("rhi: command list destroyed while in flight", "list", cl.name, "err", err)
		}
	}
	for _, e := range cl.encoders {
		e.enc.Destroy()
	}
	cl.encoders = nil
	cl.current = nil
	cl.upload.Destroy()
	cl.scratch.Destroy()
}
