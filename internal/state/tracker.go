package state

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/internal/diag"
)

// ErrPermanentState marks a use that a permanent resource's state does not
// satisfy. The returned errors are assertion failures: they indicate a
// caller bug and match errors.IsAssertionFailure.
var ErrPermanentState = errors.New("state: permanent state does not satisfy use")

// TextureBarrier is a transition of a whole texture or of one subresource.
type TextureBarrier struct {
	Texture       *Texture
	EntireTexture bool
	MipLevel      uint32
	ArraySlice    uint32
	Before        States
	After         States
}

// BufferBarrier is a transition of a buffer.
type BufferBarrier struct {
	Buffer *Buffer
	Before States
	After  States
}

// IsUAV reports whether the barrier only orders unordered-access work.
func (b TextureBarrier) IsUAV() bool { return b.Before == b.After && b.After&UnorderedAccess != 0 }

// IsUAV reports whether the barrier only orders unordered-access work.
func (b BufferBarrier) IsUAV() bool { return b.Before == b.After && b.After&UnorderedAccess != 0 }

type textureTracking struct {
	state        States
	subresources []States

	enableUAVBarriers     bool
	firstUAVBarrierPlaced bool
	permanentTransition   bool
}

type bufferTracking struct {
	state States

	enableUAVBarriers     bool
	firstUAVBarrierPlaced bool
	permanentTransition   bool
}

type pendingTexture struct {
	texture *Texture
	state   States
}

type pendingBuffer struct {
	buffer *Buffer
	state  States
}

// Tracker records the states of the resources used by one command list and
// the barriers those uses require.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	textures     map[*Texture]*textureTracking
	textureOrder []*Texture
	buffers      map[*Buffer]*bufferTracking
	bufferOrder  []*Buffer

	textureBarriers []TextureBarrier
	bufferBarriers  []BufferBarrier

	permanentTextures []pendingTexture
	permanentBuffers  []pendingBuffer

	sink diag.Sink
}

// NewTracker creates an empty tracker reporting to sink.
func NewTracker(sink diag.Sink) *Tracker {
	return &Tracker{
		textures: make(map[*Texture]*textureTracking),
		buffers:  make(map[*Buffer]*bufferTracking),
		sink:     sink,
	}
}

// SetEnableUAVBarriersForTexture controls whether consecutive unordered
// access to t is separated by barriers. With barriers disabled only the
// first such use in the command list gets one.
func (tr *Tracker) SetEnableUAVBarriersForTexture(t *Texture, enable bool) {
	tracking := tr.textureTracking(t)
	tracking.enableUAVBarriers = enable
	tracking.firstUAVBarrierPlaced = false
}

// SetEnableUAVBarriersForBuffer is the buffer counterpart of
// SetEnableUAVBarriersForTexture.
func (tr *Tracker) SetEnableUAVBarriersForBuffer(b *Buffer, enable bool) {
	tracking := tr.bufferTracking(b)
	tracking.enableUAVBarriers = enable
	tracking.firstUAVBarrierPlaced = false
}

// BeginTrackingTexture seeds the state of subresources without a barrier.
func (tr *Tracker) BeginTrackingTexture(t *Texture, subresources SubresourceSet, s States) {
	tracking := tr.textureTracking(t)
	subresources = subresources.Resolve(t.desc)

	if subresources.IsEntireTexture(t.desc) {
		tracking.state = s
		tracking.subresources = nil
		return
	}

	tracking.expand(t)
	forEachSubresource(subresources, func(mip, slice uint32) {
		tracking.subresources[t.subresourceIndex(mip, slice)] = s
	})
}

// BeginTrackingBuffer seeds the state of b without a barrier.
func (tr *Tracker) BeginTrackingBuffer(b *Buffer, s States) {
	tr.bufferTracking(b).state = s
}

// EndTrackingTexture requires s for subresources and, when permanent is
// set, fixes the whole texture in s once the command list is submitted.
// A permanent transition of a subset is reported and downgraded.
func (tr *Tracker) EndTrackingTexture(t *Texture, subresources SubresourceSet, s States, permanent bool) error {
	subresources = subresources.Resolve(t.desc)
	if permanent && !subresources.IsEntireTexture(t.desc) {
		diag.Report(tr.sink, diag.Error,
			"permanent state transition requested on a subset of texture %q", t.desc.Name)
		permanent = false
	}

	if err := tr.RequireTexture(t, subresources, s); err != nil {
		return err
	}

	if permanent {
		tr.permanentTextures = append(tr.permanentTextures, pendingTexture{t, s})
		tr.textureTracking(t).permanentTransition = true
	}
	return nil
}

// EndTrackingBuffer requires s and, when permanent is set, fixes the buffer
// in s once the command list is submitted.
func (tr *Tracker) EndTrackingBuffer(b *Buffer, s States, permanent bool) error {
	if err := tr.RequireBuffer(b, s); err != nil {
		return err
	}
	if permanent {
		tr.permanentBuffers = append(tr.permanentBuffers, pendingBuffer{b, s})
		tr.bufferTracking(b).permanentTransition = true
	}
	return nil
}

// RequireTexture makes subresources of t available in state s, recording
// the barriers needed to get there.
func (tr *Tracker) RequireTexture(t *Texture, subresources SubresourceSet, s States) error {
	if t.permanentState != Unknown {
		return tr.verifyPermanent(t.permanentState, s, "texture", t.desc.Name)
	}

	subresources = subresources.Resolve(t.desc)
	tracking := tr.textureTracking(t)
	uav := s&UnorderedAccess != 0

	if subresources.IsEntireTexture(t.desc) && tracking.subresources == nil {
		transition := tracking.state != s
		uavBarrier := uav && (tracking.enableUAVBarriers || !tracking.firstUAVBarrierPlaced)
		if transition || uavBarrier {
			tr.textureBarriers = append(tr.textureBarriers, TextureBarrier{
				Texture:       t,
				EntireTexture: true,
				Before:        tracking.state,
				After:         s,
			})
		}
		tracking.state = s
		if uavBarrier && !transition {
			tracking.firstUAVBarrierPlaced = true
		}
		return nil
	}

	expanded := false
	if tracking.subresources == nil {
		if tracking.state == Unknown {
			tr.reportUnknownTexture(t)
		}
		tracking.expand(t)
		expanded = true
	}

	anyUAVBarrier := false
	forEachSubresource(subresources, func(mip, slice uint32) {
		idx := t.subresourceIndex(mip, slice)
		prior := tracking.subresources[idx]
		if prior == Unknown && !expanded {
			diag.Report(tr.sink, diag.Error,
				"unknown prior state of texture %q subresource (mip %d, slice %d)", t.desc.Name, mip, slice)
		}

		transition := prior != s
		uavBarrier := uav && !anyUAVBarrier && (tracking.enableUAVBarriers || !tracking.firstUAVBarrierPlaced)
		if transition || uavBarrier {
			tr.textureBarriers = append(tr.textureBarriers, TextureBarrier{
				Texture:    t,
				MipLevel:   mip,
				ArraySlice: slice,
				Before:     prior,
				After:      s,
			})
		}
		tracking.subresources[idx] = s
		if uavBarrier && !transition {
			anyUAVBarrier = true
			tracking.firstUAVBarrierPlaced = true
		}
	})
	return nil
}

// RequireBuffer makes b available in state s. A transition of a buffer that
// already has a barrier in the current batch is merged into that barrier.
func (tr *Tracker) RequireBuffer(b *Buffer, s States) error {
	if b.desc.Volatile {
		return nil
	}
	if b.permanentState != Unknown {
		return tr.verifyPermanent(b.permanentState, s, "buffer", b.desc.Name)
	}
	if b.desc.CPUAccess {
		return nil
	}

	tracking := tr.bufferTracking(b)
	if tracking.state == Unknown {
		diag.Report(tr.sink, diag.Error,
			"unknown prior state of buffer %q; begin tracking it or create it with KeepInitialState", b.desc.Name)
	}

	transition := tracking.state != s
	uavBarrier := s&UnorderedAccess != 0 && (tracking.enableUAVBarriers || !tracking.firstUAVBarrierPlaced)

	if transition {
		for i := range tr.bufferBarriers {
			if tr.bufferBarriers[i].Buffer == b {
				tr.bufferBarriers[i].After |= s
				tracking.state = tr.bufferBarriers[i].After
				return nil
			}
		}
	}

	if transition || uavBarrier {
		tr.bufferBarriers = append(tr.bufferBarriers, BufferBarrier{Buffer: b, Before: tracking.state, After: s})
	}
	if uavBarrier && !transition {
		tracking.firstUAVBarrierPlaced = true
	}
	tracking.state = s
	return nil
}

// TextureSubresourceState returns the tracked state of one subresource, or
// Unknown when t is not tracked by this command list.
func (tr *Tracker) TextureSubresourceState(t *Texture, mip, slice uint32) States {
	tracking, ok := tr.textures[t]
	if !ok {
		return Unknown
	}
	if tracking.subresources == nil {
		return tracking.state
	}
	return tracking.subresources[t.subresourceIndex(mip, slice)]
}

// BufferState returns the tracked state of b, or Unknown.
func (tr *Tracker) BufferState(b *Buffer) States {
	tracking, ok := tr.buffers[b]
	if !ok {
		return Unknown
	}
	return tracking.state
}

// KeepInitialStates requires every tracked KeepInitialState resource to be
// back in its initial state. Called when a command list is closed.
func (tr *Tracker) KeepInitialStates() error {
	var errs error
	for _, t := range tr.textureOrder {
		if t.desc.KeepInitialState && t.permanentState == Unknown && !tr.textures[t].permanentTransition {
			errs = errors.CombineErrors(errs, tr.RequireTexture(t, AllSubresources, t.desc.InitialState))
		}
	}
	for _, b := range tr.bufferOrder {
		if b.desc.KeepInitialState && b.permanentState == Unknown && !b.desc.Volatile && !tr.buffers[b].permanentTransition {
			errs = errors.CombineErrors(errs, tr.RequireBuffer(b, b.desc.InitialState))
		}
	}
	return errs
}

// CommandListSubmitted commits the permanent transitions recorded by
// EndTracking and forgets all tracked states. Switching the permanent
// state of a resource to a different one is reported and ignored.
func (tr *Tracker) CommandListSubmitted() {
	for _, p := range tr.permanentTextures {
		t := p.texture
		if t.permanentState != Unknown && t.permanentState != p.state {
			diag.Report(tr.sink, diag.Error,
				"attempted to switch permanent state of texture %q from %s to %s", t.desc.Name, t.permanentState, p.state)
			continue
		}
		t.permanentState = p.state
	}
	for _, p := range tr.permanentBuffers {
		b := p.buffer
		if b.permanentState != Unknown && b.permanentState != p.state {
			diag.Report(tr.sink, diag.Error,
				"attempted to switch permanent state of buffer %q from %s to %s", b.desc.Name, b.permanentState, p.state)
			continue
		}
		b.permanentState = p.state
	}

	tr.permanentTextures = tr.permanentTextures[:0]
	tr.permanentBuffers = tr.permanentBuffers[:0]
	clear(tr.textures)
	clear(tr.buffers)
	tr.textureOrder = tr.textureOrder[:0]
	tr.bufferOrder = tr.bufferOrder[:0]
}

// TextureBarriers returns the texture barriers recorded since the last
// ClearBarriers.
func (tr *Tracker) TextureBarriers() []TextureBarrier { return tr.textureBarriers }

// BufferBarriers returns the buffer barriers recorded since the last
// ClearBarriers.
func (tr *Tracker) BufferBarriers() []BufferBarrier { return tr.bufferBarriers }

// ClearBarriers drops recorded barriers once they have been committed to
// the native command buffer.
func (tr *Tracker) ClearBarriers() {
	tr.textureBarriers = tr.textureBarriers[:0]
	tr.bufferBarriers = tr.bufferBarriers[:0]
}

func (tr *Tracker) verifyPermanent(permanent, required States, kind, name string) error {
	if permanent.Has(required) {
		return nil
	}
	diag.Report(tr.sink, diag.Error,
		"permanent %s %q lacks required state bits: required %s, present %s", kind, name, required, permanent)
	return errors.WithAssertionFailure(errors.Mark(
		errors.Newf("permanent %s %q used as %s while fixed in %s", kind, name, required, permanent),
		ErrPermanentState))
}

func (tr *Tracker) reportUnknownTexture(t *Texture) {
	diag.Report(tr.sink, diag.Error,
		"unknown prior state of texture %q; begin tracking it or create it with KeepInitialState", t.desc.Name)
}

func (tr *Tracker) textureTracking(t *Texture) *textureTracking {
	if tracking, ok := tr.textures[t]; ok {
		return tracking
	}
	tracking := &textureTracking{enableUAVBarriers: true}
	if t.desc.KeepInitialState {
		tracking.state = t.desc.InitialState
	}
	tr.textures[t] = tracking
	tr.textureOrder = append(tr.textureOrder, t)
	return tracking
}

func (tr *Tracker) bufferTracking(b *Buffer) *bufferTracking {
	if tracking, ok := tr.buffers[b]; ok {
		return tracking
	}
	tracking := &bufferTracking{enableUAVBarriers: true}
	if b.desc.KeepInitialState {
		tracking.state = b.desc.InitialState
	}
	tr.buffers[b] = tracking
	tr.bufferOrder = append(tr.bufferOrder, b)
	return tracking
}

// expand switches to per-subresource tracking, seeding every subresource
// with the whole-texture state.
func (tt *textureTracking) expand(t *Texture) {
	if tt.subresources != nil {
		return
	}
	tt.subresources = make([]States, t.desc.MipLevels*t.desc.ArraySize)
	for i := range tt.subresources {
		tt.subresources[i] = tt.state
	}
	tt.state = Unknown
}

func forEachSubresource(s SubresourceSet, fn func(mip, slice uint32)) {
	for slice := s.BaseArraySlice; slice < s.BaseArraySlice+s.NumArraySlices; slice++ {
		for mip := s.BaseMipLevel; mip < s.BaseMipLevel+s.NumMipLevels; mip++ {
			fn(mip, slice)
		}
	}
}
