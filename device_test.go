package rhi

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/internal/descriptor"
)

type sinkMessage struct {
	severity MessageSeverity
	text     string
}

type messageLog struct {
	mu   sync.Mutex
	msgs []sinkMessage
}

func (l *messageLog) Message(severity MessageSeverity, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, sinkMessage{severity, text})
}

func (l *messageLog) count(severity MessageSeverity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if m.severity == severity {
			n++
		}
	}
	return n
}

// smallConfig keeps heaps and chunks small so tests exercise growth.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Heaps.RenderTarget = 4
	cfg.Heaps.DepthStencil = 4
	cfg.Heaps.ShaderResource = 64
	cfg.Heaps.Sampler = 8
	cfg.Transient.UploadChunkSize = 64 << 10
	cfg.Transient.ScratchChunkSize = 64 << 10
	cfg.Transient.ChunkAlignment = 64 << 10
	return cfg
}

func newTestDevice(t *testing.T, opts ...DeviceOption) *Device {
	t.Helper()
	d, _, _ := newHostDevice(t, opts...)
	return d
}

func newHostDevice(t *testing.T, opts ...DeviceOption) (*Device, *HostBackend, *messageLog) {
	t.Helper()
	backend := NewHostBackend()
	msgs := &messageLog{}
	opts = append([]DeviceOption{WithMessageSink(msgs), WithLabel("test")}, opts...)
	d, err := NewDevice(backend, opts...)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(d.Destroy)
	return d, backend, msgs
}

func newShaderTexture(t *testing.T, d *Device, name string) *Texture {
	t.Helper()
	tex, err := d.CreateTexture(TextureDesc{
		Name:             name,
		Width:            64,
		Height:           64,
		Format:           gputypes.TextureFormatRGBA8Unorm,
		Usage:            gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
		InitialState:     StateShaderResource,
		KeepInitialState: true,
	})
	if err != nil {
		t.Fatalf("CreateTexture(%s): %v", name, err)
	}
	return tex
}

func newPermanentTexture(t *testing.T, d *Device, name string) *Texture {
	t.Helper()
	tex, err := d.CreateTexture(TextureDesc{
		Name:         name,
		Width:        16,
		Height:       16,
		Format:       gputypes.TextureFormatRGBA8Unorm,
		Usage:        gputypes.TextureUsageTextureBinding,
		InitialState: StateShaderResource,
		Permanent:    true,
	})
	if err != nil {
		t.Fatalf("CreateTexture(%s): %v", name, err)
	}
	return tex
}

func mustCommandList(t *testing.T, d *Device, name string) *CommandList {
	t.Helper()
	cl, err := d.CreateCommandList(name)
	if err != nil {
		t.Fatalf("CreateCommandList(%s): %v", name, err)
	}
	return cl
}

func mustOpen(t *testing.T, cl *CommandList) {
	t.Helper()
	if err := cl.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

// mustExecute closes cl and submits it.
func mustExecute(t *testing.T, d *Device, cl *CommandList) uint64 {
	t.Helper()
	if err := cl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	v, err := d.ExecuteCommandList(cl)
	if err != nil {
		t.Fatalf("ExecuteCommandList: %v", err)
	}
	return v
}

func expectPanic(t *testing.T, name string, fn func()) (value any) {
	t.Helper()
	defer func() {
		value = recover()
		if value == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
	return nil
}

// TestBindingSetEndToEnd binds a 16-slot descriptor range, submits it and
// checks that completion gates its release.
func TestBindingSetEndToEnd(t *testing.T) {
	d, backend, _ := newHostDevice(t, WithConfig(smallConfig()))
	backend.DeferCompletion = true

	layout, err := d.CreateBindingLayout(BindingLayoutDesc{
		Name:       "material",
		Visibility: gputypes.ShaderStageFragment,
		Items:      []BindingLayoutItem{{Slot: 0, Type: ResourceTypeTextureSRV, Count: 16}},
	})
	if err != nil {
		t.Fatalf("CreateBindingLayout: %v", err)
	}
	if got := layout.DescriptorCount(descriptor.ShaderResource); got != 16 {
		t.Fatalf("DescriptorCount = %d, want 16", got)
	}

	textures := make([]*Texture, 16)
	items := make([]BindingSetItem, 16)
	for i := range textures {
		textures[i] = newShaderTexture(t, d, "albedo")
		items[i] = BindingSetItem{Slot: uint32(i), Type: ResourceTypeTextureSRV, Texture: textures[i]}
	}
	set, err := d.CreateBindingSet(BindingSetDesc{Name: "material-set", Items: items}, layout)
	if err != nil {
		t.Fatalf("CreateBindingSet: %v", err)
	}

	heap := d.DescriptorHeap(descriptor.ShaderResource)
	start, count := set.DescriptorRange(descriptor.ShaderResource)
	if !start.Valid() || count != 16 {
		t.Fatalf("DescriptorRange = (%d, %d), want 16 valid slots", start, count)
	}
	for i := range count {
		idx := start + descriptor.Index(i)
		host, err := heap.Read(idx)
		if err != nil {
			t.Fatalf("Read(%d): %v", idx, err)
		}
		visible, ok := heap.ShaderVisibleRecord(idx)
		if !ok || !bytes.Equal(host, visible) {
			t.Errorf("slot %d: shader-visible record differs from host record", idx)
		}
		rec, ok := decodeRecord(host)
		if !ok {
			t.Fatalf("slot %d: record does not decode", idx)
		}
		if rec.Object != textures[i].id || rec.Type != ResourceTypeTextureSRV {
			t.Errorf("slot %d: record %+v, want texture %d", idx, rec, textures[i].id)
		}
	}

	buf, err := d.CreateBuffer(BufferDesc{
		Name:             "constants",
		Size:             256,
		Usage:            gputypes.BufferUsageUniform,
		InitialState:     StateConstantBuffer,
		KeepInitialState: true,
	})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	cl := mustCommandList(t, d, "main")
	mustOpen(t, cl)
	if err := cl.WriteBuffer(buf, make([]byte, 256), 0); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := cl.SetBindingSets(set); err != nil {
		t.Fatalf("SetBindingSets: %v", err)
	}
	if v := mustExecute(t, d, cl); v != 1 {
		t.Fatalf("completion value = %d, want 1", v)
	}

	// The application drops its references while the work is in flight.
	set.Release()
	for _, tex := range textures {
		tex.Release()
	}
	if !heap.IsAllocated(start) {
		t.Fatal("set descriptors freed while in flight")
	}

	if n := d.queue.GarbageCollect(0); n != 0 {
		t.Errorf("GarbageCollect(0) = %d, want 0", n)
	}
	if n := d.queue.InFlight(); n != 1 {
		t.Errorf("InFlight = %d, want 1", n)
	}

	backend.Complete(1)
	if n := d.queue.GarbageCollect(1); n != 1 {
		t.Errorf("GarbageCollect(1) = %d, want 1", n)
	}
	if d.queue.InFlight() != 0 || heap.IsAllocated(start) {
		t.Error("completed submission still holds its binding set")
	}
	if s := d.Stats(); s.BindingSets != 0 || s.Textures != 0 {
		t.Errorf("live binding sets %d, textures %d; want 0, 0", s.BindingSets, s.Textures)
	}

	// The upload chunk of the first recording is reused by the next one.
	mustOpen(t, cl)
	if _, err := cl.AllocateUpload(1024, 16); err != nil {
		t.Fatalf("AllocateUpload: %v", err)
	}
	if st := cl.UploadStats(); st.Reuses != 1 || st.Chunks != 1 {
		t.Errorf("upload pool: %d reuses, %d chunks; want 1, 1", st.Reuses, st.Chunks)
	}
	cl.Discard()
	buf.Release()
}

func TestTwoFullChunkUploadsInOneFrame(t *testing.T) {
	d := newTestDevice(t, WithConfig(smallConfig()))
	cl := mustCommandList(t, d, "upload")
	mustOpen(t, cl)
	defer cl.Discard()

	a, err := cl.AllocateUpload(64<<10, 256)
	if err != nil {
		t.Fatalf("AllocateUpload: %v", err)
	}
	b, err := cl.AllocateUpload(64<<10, 256)
	if err != nil {
		t.Fatalf("AllocateUpload: %v", err)
	}
	if a.Chunk == b.Chunk {
		t.Error("two full-chunk uploads share a chunk")
	}
	if a.Offset != 0 || b.Offset != 0 {
		t.Errorf("offsets = %d, %d; want 0, 0", a.Offset, b.Offset)
	}
	if len(a.CPU) != 64<<10 {
		t.Errorf("len(CPU) = %d, want %d", len(a.CPU), 64<<10)
	}
	if n := cl.UploadStats().Chunks; n != 2 {
		t.Errorf("chunks = %d, want 2", n)
	}

	c, err := cl.AllocateUpload(16<<10, 256)
	if err != nil {
		t.Fatalf("AllocateUpload: %v", err)
	}
	e, err := cl.AllocateUpload(16<<10, 256)
	if err != nil {
		t.Fatalf("AllocateUpload: %v", err)
	}
	if c.Chunk != e.Chunk {
		t.Error("small uploads did not share the current chunk")
	}
	if e.Offset < c.Offset+c.Size {
		t.Errorf("allocations overlap: [%d,+%d) and %d", c.Offset, c.Size, e.Offset)
	}
}

func TestDiscardedRecordingsReuseUploadChunks(t *testing.T) {
	d := newTestDevice(t, WithConfig(smallConfig()))
	cl := mustCommandList(t, d, "upload")

	const frames = 10
	for range frames {
		mustOpen(t, cl)
		for range 2 {
			if _, err := cl.AllocateUpload(64<<10, 256); err != nil {
				t.Fatalf("AllocateUpload: %v", err)
			}
		}
		cl.Discard()
	}

	st := cl.UploadStats()
	if st.Chunks != 2 || st.AllocatedBytes != 2*64<<10 {
		t.Errorf("upload pool: %d chunks, %d bytes; want 2, %d", st.Chunks, st.AllocatedBytes, 2*64<<10)
	}
	if st.Reuses != 2*(frames-1) {
		t.Errorf("reuses = %d, want %d", st.Reuses, 2*(frames-1))
	}
}

func TestReopenWithoutExecuteDiscardsRecording(t *testing.T) {
	d := newTestDevice(t, WithConfig(smallConfig()))
	cl := mustCommandList(t, d, "main")

	mustOpen(t, cl)
	if _, err := cl.AllocateUpload(1024, 16); err != nil {
		t.Fatalf("AllocateUpload: %v", err)
	}
	if err := cl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mustOpen(t, cl)
	defer cl.Discard()
	if _, err := cl.AllocateUpload(1024, 16); err != nil {
		t.Fatalf("AllocateUpload: %v", err)
	}
	if st := cl.UploadStats(); st.Chunks != 1 || st.Reuses != 1 {
		t.Errorf("upload pool: %d chunks, %d reuses; want 1, 1", st.Chunks, st.Reuses)
	}
}

func TestPermanentTextureRejectsOtherState(t *testing.T) {
	d, _, msgs := newHostDevice(t)
	tex := newPermanentTexture(t, d, "lut")
	defer tex.Release()
	if got := tex.PermanentState(); got != StateShaderResource {
		t.Fatalf("PermanentState = %s, want %s", got, StateShaderResource)
	}

	cl := mustCommandList(t, d, "main")
	mustOpen(t, cl)
	defer cl.Discard()

	if err := cl.RequireTextureState(tex, AllSubresources, StateShaderResource); err != nil {
		t.Fatalf("RequireTextureState(fixed state): %v", err)
	}

	err := cl.RequireTextureState(tex, AllSubresources, StateRenderTarget)
	if !errors.Is(err, ErrPermanentState) {
		t.Fatalf("err = %v, want ErrPermanentState", err)
	}
	if !errors.IsAssertionFailure(err) {
		t.Errorf("err %v is not an assertion failure", err)
	}
	if n := msgs.count(SeverityError); n != 1 {
		t.Errorf("%d error messages, want 1", n)
	}

	// Permanent resources never produce barriers.
	cl.CommitBarriers()
	if got := cl.TextureSubresourceState(tex, 0, 0); got != StateShaderResource {
		t.Errorf("state = %s, want %s", got, StateShaderResource)
	}
}

func TestPermanentTextureRejectedAtBindTime(t *testing.T) {
	d, _, msgs := newHostDevice(t)
	tex := newPermanentTexture(t, d, "lut")
	defer tex.Release()

	layout, err := d.CreateBindingLayout(BindingLayoutDesc{
		Name:  "rw",
		Items: []BindingLayoutItem{{Slot: 0, Type: ResourceTypeTextureUAV}},
	})
	if err != nil {
		t.Fatalf("CreateBindingLayout: %v", err)
	}
	defer layout.Release()

	heap := d.DescriptorHeap(descriptor.ShaderResource)
	before := heap.Stats().Allocated

	_, err = d.CreateBindingSet(BindingSetDesc{
		Items: []BindingSetItem{{Slot: 0, Type: ResourceTypeTextureUAV, Texture: tex}},
	}, layout)
	if !errors.Is(err, ErrPermanentState) || !errors.IsAssertionFailure(err) {
		t.Fatalf("err = %v, want a permanent-state assertion failure", err)
	}
	if n := msgs.count(SeverityError); n != 1 {
		t.Errorf("%d error messages, want 1", n)
	}
	if got := heap.Stats().Allocated; got != before {
		t.Errorf("failed set leaked descriptors: %d allocated, want %d", got, before)
	}
}

func TestPanicOnContractViolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PanicOnContractViolation = true

	t.Run("require state", func(t *testing.T) {
		d := newTestDevice(t, WithConfig(cfg))
		tex := newPermanentTexture(t, d, "lut")
		defer tex.Release()

		cl := mustCommandList(t, d, "main")
		mustOpen(t, cl)
		defer cl.Discard()

		v := expectPanic(t, "RequireTextureState", func() {
			_ = cl.RequireTextureState(tex, AllSubresources, StateRenderTarget)
		})
		if err, ok := v.(error); !ok || !errors.Is(err, ErrPermanentState) {
			t.Errorf("panic value = %v, want ErrPermanentState", v)
		}
	})

	t.Run("bind time", func(t *testing.T) {
		d := newTestDevice(t, WithConfig(cfg))
		tex := newPermanentTexture(t, d, "lut")
		defer tex.Release()

		layout, err := d.CreateBindingLayout(BindingLayoutDesc{
			Name:  "rw",
			Items: []BindingLayoutItem{{Slot: 0, Type: ResourceTypeTextureUAV}},
		})
		if err != nil {
			t.Fatalf("CreateBindingLayout: %v", err)
		}
		defer layout.Release()

		v := expectPanic(t, "CreateBindingSet", func() {
			_, _ = d.CreateBindingSet(BindingSetDesc{
				Items: []BindingSetItem{{Slot: 0, Type: ResourceTypeTextureUAV, Texture: tex}},
			}, layout)
		})
		if err, ok := v.(error); !ok || !errors.Is(err, ErrPermanentState) {
			t.Errorf("panic value = %v, want ErrPermanentState", v)
		}
	})

	t.Run("ordinary errors are returned", func(t *testing.T) {
		d := newTestDevice(t, WithConfig(cfg))
		cl := mustCommandList(t, d, "main")
		if err := cl.Close(); !errors.Is(err, ErrCommandListClosed) {
			t.Errorf("Close on idle list = %v, want ErrCommandListClosed", err)
		}
	})
}

func TestKeepInitialStateRestoredAtClose(t *testing.T) {
	d, backend, _ := newHostDevice(t)
	tex, err := d.CreateTexture(TextureDesc{
		Name:             "shadow",
		Width:            32,
		Height:           32,
		Format:           gputypes.TextureFormatRGBA8Unorm,
		Usage:            gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
		InitialState:     StateShaderResource,
		KeepInitialState: true,
	})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	defer tex.Release()

	cl := mustCommandList(t, d, "main")
	mustOpen(t, cl)
	if err := cl.RequireTextureState(tex, AllSubresources, StateRenderTarget); err != nil {
		t.Fatalf("RequireTextureState: %v", err)
	}
	mustExecute(t, d, cl)

	subs := backend.Submissions()
	if len(subs) != 1 {
		t.Fatalf("%d submissions, want 1", len(subs))
	}
	barriers := subs[0].TextureBarriers
	if len(barriers) != 2 {
		t.Fatalf("%d texture barriers, want 2", len(barriers))
	}
	if barriers[0].Before != StateShaderResource || barriers[0].After != StateRenderTarget {
		t.Errorf("barrier 0 = %s -> %s, want shader resource -> render target", barriers[0].Before, barriers[0].After)
	}
	if barriers[1].Before != StateRenderTarget || barriers[1].After != StateShaderResource {
		t.Errorf("barrier 1 = %s -> %s, want render target -> shader resource", barriers[1].Before, barriers[1].After)
	}
	if barriers[0].Texture.Owner() != tex {
		t.Error("barrier does not reference the texture")
	}
}

func TestSetPermanentStateCommitsAtSubmit(t *testing.T) {
	d := newTestDevice(t)
	buf, err := d.CreateBuffer(BufferDesc{
		Name:         "vertices",
		Size:         1024,
		Usage:        gputypes.BufferUsageVertex,
		InitialState: StateCopyDest,
	})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	defer buf.Release()

	cl := mustCommandList(t, d, "init")
	mustOpen(t, cl)
	cl.BeginTrackingBufferState(buf, StateCopyDest)
	if err := cl.WriteBuffer(buf, []byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := cl.SetPermanentBufferState(buf, StateVertexBuffer); err != nil {
		t.Fatalf("SetPermanentBufferState: %v", err)
	}
	if got := buf.PermanentState(); got != StateUnknown {
		t.Errorf("PermanentState before submit = %s, want unknown", got)
	}
	mustExecute(t, d, cl)

	if got := buf.PermanentState(); got != StateVertexBuffer {
		t.Errorf("PermanentState after submit = %s, want %s", got, StateVertexBuffer)
	}
}

func TestBeginTrackingRetainsResource(t *testing.T) {
	d := newTestDevice(t)
	buf, err := d.CreateBuffer(BufferDesc{Name: "staging", Size: 64, CPUAccess: true})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	cl := mustCommandList(t, d, "main")
	mustOpen(t, cl)
	cl.BeginTrackingBufferState(buf, StateCopySource)
	buf.Release()
	if n := d.Stats().Buffers; n != 1 {
		t.Errorf("buffer destroyed while tracked: %d live, want 1", n)
	}

	cl.Discard()
	if n := d.Stats().Buffers; n != 0 {
		t.Errorf("%d live buffers after discard, want 0", n)
	}
}

func TestCommandListStateErrors(t *testing.T) {
	d := newTestDevice(t)
	cl := mustCommandList(t, d, "main")

	if err := cl.Close(); !errors.Is(err, ErrCommandListClosed) {
		t.Errorf("Close before Open = %v, want ErrCommandListClosed", err)
	}
	if _, err := d.ExecuteCommandList(cl); !errors.Is(err, ErrCommandListClosed) {
		t.Errorf("Execute before Open = %v, want ErrCommandListClosed", err)
	}

	mustOpen(t, cl)
	if err := cl.Open(); !errors.Is(err, ErrCommandListOpen) {
		t.Errorf("second Open = %v, want ErrCommandListOpen", err)
	}
	if _, err := d.ExecuteCommandList(cl); !errors.Is(err, ErrCommandListOpen) {
		t.Errorf("Execute while open = %v, want ErrCommandListOpen", err)
	}
	mustExecute(t, d, cl)

	if _, err := d.ExecuteCommandList(cl); !errors.Is(err, ErrCommandListClosed) {
		t.Errorf("second Execute = %v, want ErrCommandListClosed (a closed list is submitted once)", err)
	}

	mustOpen(t, cl)
	if err := cl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	cl.Discard()
	if _, err := d.ExecuteCommandList(cl); !errors.Is(err, ErrCommandListClosed) {
		t.Errorf("Execute after Discard = %v, want ErrCommandListClosed", err)
	}
}

func TestEncoderReusedOnlyAfterCompletion(t *testing.T) {
	d, backend, _ := newHostDevice(t)
	backend.DeferCompletion = true

	cl := mustCommandList(t, d, "main")
	submit := func() uint64 {
		mustOpen(t, cl)
		return mustExecute(t, d, cl)
	}

	submit()
	submit()
	if n := len(cl.encoders); n != 2 {
		t.Fatalf("%d encoders while both in flight, want 2", n)
	}

	backend.Complete(2)
	if err := d.RunGarbageCollection(); err != nil {
		t.Fatalf("RunGarbageCollection: %v", err)
	}
	submit()
	if n := len(cl.encoders); n != 2 {
		t.Errorf("%d encoders after completion, want 2", n)
	}
	backend.Complete(3)
}

func TestDeviceLostOnSubmitFailure(t *testing.T) {
	d, backend, msgs := newHostDevice(t)
	backend.FailSubmit = errors.New("device removed")

	cl := mustCommandList(t, d, "main")
	mustOpen(t, cl)
	if err := cl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := d.ExecuteCommandList(cl); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("ExecuteCommandList = %v, want ErrDeviceLost", err)
	}
	if err := d.Lost(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Lost() = %v, want ErrDeviceLost", err)
	}
	if err := cl.Open(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Open after loss = %v, want ErrDeviceLost", err)
	}
	if n := msgs.count(SeverityFatal); n != 1 {
		t.Errorf("%d fatal messages, want 1", n)
	}
}

func TestScratchBudgetReusesSubmittedChunk(t *testing.T) {
	cfg := smallConfig()
	cfg.Transient.ScratchBudget = 64 << 10
	d, backend, _ := newHostDevice(t, WithConfig(cfg))
	backend.DeferCompletion = true

	cl := mustCommandList(t, d, "compute")
	mustOpen(t, cl)
	first, err := cl.AllocateScratch(64<<10, 256)
	if err != nil {
		t.Fatalf("AllocateScratch: %v", err)
	}
	if first.CPU != nil {
		t.Error("scratch memory is CPU visible")
	}
	mustExecute(t, d, cl)

	// The fence passes 1 after Open, so the list has not seen it complete
	// and the pool has to wait on the chunk under the budget.
	mustOpen(t, cl)
	backend.Complete(1)
	second, err := cl.AllocateScratch(32<<10, 256)
	if err != nil {
		t.Fatalf("AllocateScratch under budget: %v", err)
	}
	if second.Chunk != first.Chunk {
		t.Error("budget reuse did not take the submitted chunk")
	}
	mustExecute(t, d, cl)

	if n := cl.ScratchStats().BudgetReuses; n != 1 {
		t.Errorf("budget reuses = %d, want 1", n)
	}
	if n := backend.Submissions()[1].ScratchBarriers; n != 1 {
		t.Errorf("scratch barriers = %d, want 1", n)
	}
	backend.Complete(2)
}

func TestScratchBudgetExhausted(t *testing.T) {
	cfg := smallConfig()
	cfg.Transient.ScratchBudget = 64 << 10
	d, _, msgs := newHostDevice(t, WithConfig(cfg))

	cl := mustCommandList(t, d, "compute")
	mustOpen(t, cl)
	defer cl.Discard()

	if _, err := cl.AllocateScratch(64<<10, 256); err != nil {
		t.Fatalf("AllocateScratch: %v", err)
	}
	if _, err := cl.AllocateScratch(128<<10, 256); !errors.Is(err, ErrScratchBudgetExceeded) {
		t.Errorf("oversized scratch = %v, want ErrScratchBudgetExceeded", err)
	}
	if n := msgs.count(SeverityError); n != 1 {
		t.Errorf("%d error messages, want 1", n)
	}
}

func TestSetScratchBudgetAppliesToCommandLists(t *testing.T) {
	d := newTestDevice(t)
	cl := mustCommandList(t, d, "compute")

	d.SetScratchBudget(1 << 20)
	if got := cl.ScratchStats().MemoryLimit; got != 1<<20 {
		t.Errorf("list MemoryLimit = %d, want %d", got, 1<<20)
	}
	if got := d.Config().Transient.ScratchBudget; got != 1<<20 {
		t.Errorf("device ScratchBudget = %d, want %d", got, 1<<20)
	}
}

func TestRenderTargetDescriptorLifetime(t *testing.T) {
	d := newTestDevice(t, WithConfig(smallConfig()))
	rtv := d.DescriptorHeap(descriptor.RenderTarget)
	dsv := d.DescriptorHeap(descriptor.DepthStencil)

	color, err := d.CreateTexture(TextureDesc{
		Name:   "color",
		Width:  8,
		Height: 8,
		Format: gputypes.TextureFormatBGRA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatalf("CreateTexture(color): %v", err)
	}
	depth, err := d.CreateTexture(TextureDesc{
		Name:   "depth",
		Width:  8,
		Height: 8,
		Format: gputypes.TextureFormatDepth24PlusStencil8,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatalf("CreateTexture(depth): %v", err)
	}

	idx, kind := color.Attachment()
	if kind != descriptor.RenderTarget || !rtv.IsAllocated(idx) {
		t.Errorf("color attachment = (%d, %s), want an allocated render-target slot", idx, kind)
	}
	didx, dkind := depth.Attachment()
	if dkind != descriptor.DepthStencil || !dsv.IsAllocated(didx) {
		t.Errorf("depth attachment = (%d, %s), want an allocated depth-stencil slot", didx, dkind)
	}

	color.Release()
	depth.Release()
	if rtv.IsAllocated(idx) || dsv.IsAllocated(didx) {
		t.Error("attachment descriptors outlive their textures")
	}
}

func TestHeapGrowthKeepsBindingSetDescriptors(t *testing.T) {
	d := newTestDevice(t, WithConfig(smallConfig()))
	buf, err := d.CreateBuffer(BufferDesc{
		Name:             "data",
		Size:             4096,
		Usage:            gputypes.BufferUsageStorage,
		InitialState:     StateShaderResource,
		KeepInitialState: true,
	})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	defer buf.Release()

	layout, err := d.CreateBindingLayout(BindingLayoutDesc{
		Name:  "buffers",
		Items: []BindingLayoutItem{{Slot: 0, Type: ResourceTypeBufferSRV, Count: 48}},
	})
	if err != nil {
		t.Fatalf("CreateBindingLayout: %v", err)
	}
	defer layout.Release()

	item := []BindingSetItem{{Slot: 0, Type: ResourceTypeBufferSRV, Buffer: buf, Offset: 1024}}
	a, err := d.CreateBindingSet(BindingSetDesc{Name: "a", Items: item}, layout)
	if err != nil {
		t.Fatalf("CreateBindingSet(a): %v", err)
	}
	defer a.Release()
	heap := d.DescriptorHeap(descriptor.ShaderResource)
	idx, _ := a.DescriptorRange(descriptor.ShaderResource)
	before, err := heap.Read(idx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	b, err := d.CreateBindingSet(BindingSetDesc{Name: "b", Items: item}, layout)
	if err != nil {
		t.Fatalf("CreateBindingSet(b): %v", err)
	}
	defer b.Release()
	if n := heap.Stats().Grows; n != 1 {
		t.Errorf("grows = %d, want 1", n)
	}

	after, err := heap.Read(idx)
	if err != nil {
		t.Fatalf("Read after growth: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("growth changed an existing descriptor")
	}
	if visible, ok := heap.ShaderVisibleRecord(idx); !ok || !bytes.Equal(before, visible) {
		t.Error("growth lost the shader-visible copy")
	}

	rec, ok := decodeRecord(after)
	if !ok {
		t.Fatal("record does not decode")
	}
	if rec.Offset != 1024 || rec.Size != 3072 {
		t.Errorf("record range = [%d,+%d), want [1024,+3072)", rec.Offset, rec.Size)
	}
}

func TestBindingSetValidation(t *testing.T) {
	d := newTestDevice(t)
	layout, err := d.CreateBindingLayout(BindingLayoutDesc{
		Name: "mixed",
		Items: []BindingLayoutItem{
			{Slot: 0, Type: ResourceTypeConstantBuffer},
			{Slot: 1, Type: ResourceTypeTextureSRV},
			{Slot: 0, Type: ResourceTypeSampler},
		},
	})
	if err != nil {
		t.Fatalf("CreateBindingLayout: %v", err)
	}
	defer layout.Release()
	if got := layout.DescriptorCount(descriptor.ShaderResource); got != 2 {
		t.Errorf("shader resource count = %d, want 2", got)
	}
	if got := layout.DescriptorCount(descriptor.Sampler); got != 1 {
		t.Errorf("sampler count = %d, want 1", got)
	}

	tests := []struct {
		name string
		item BindingSetItem
	}{
		{"slot not in layout", BindingSetItem{Slot: 5, Type: ResourceTypeTextureSRV}},
		{"type mismatch", BindingSetItem{Slot: 1, Type: ResourceTypeTextureUAV}},
		{"missing texture", BindingSetItem{Slot: 1, Type: ResourceTypeTextureSRV}},
		{"missing sampler", BindingSetItem{Slot: 0, Type: ResourceTypeSampler}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CreateBindingSet(BindingSetDesc{Items: []BindingSetItem{tt.item}}, layout)
			if !errors.Is(err, ErrBindingMismatch) {
				t.Errorf("err = %v, want ErrBindingMismatch", err)
			}
		})
	}

	_, err = d.CreateBindingLayout(BindingLayoutDesc{
		Name: "overlap",
		Items: []BindingLayoutItem{
			{Slot: 0, Type: ResourceTypeTextureSRV, Count: 4},
			{Slot: 3, Type: ResourceTypeBufferSRV},
		},
	})
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("overlapping layout = %v, want ErrInvalidDescriptor", err)
	}

	sampler := d.CreateSampler(SamplerDesc{Name: "linear", Linear: true})
	set, err := d.CreateBindingSet(BindingSetDesc{Items: []BindingSetItem{
		{Slot: 0, Type: ResourceTypeSampler, Sampler: sampler},
	}}, layout)
	if err != nil {
		t.Fatalf("CreateBindingSet: %v", err)
	}
	defer set.Release()

	idx, n := set.DescriptorRange(descriptor.Sampler)
	if n != 1 {
		t.Fatalf("sampler range size = %d, want 1", n)
	}
	raw, err := d.DescriptorHeap(descriptor.Sampler).Read(idx)
	if err != nil {
		t.Fatalf("Read sampler: %v", err)
	}
	if rec, _ := decodeRecord(raw); rec.Type != ResourceTypeSampler {
		t.Errorf("sampler record type = %s, want %s", rec.Type, ResourceTypeSampler)
	}

	// The unbound constant buffer slot holds a null descriptor.
	cbv, _ := set.DescriptorRange(descriptor.ShaderResource)
	raw, err = d.DescriptorHeap(descriptor.ShaderResource).Read(cbv)
	if err != nil {
		t.Fatalf("Read constant buffer slot: %v", err)
	}
	if rec, _ := decodeRecord(raw); rec.Flags != recordFlagNull {
		t.Errorf("unbound slot flags = %#x, want null", rec.Flags)
	}
}

func TestResolvePipelineLayout(t *testing.T) {
	d := newTestDevice(t)
	newLayout := func(name string, typ ResourceType, count uint32) *BindingLayout {
		l, err := d.CreateBindingLayout(BindingLayoutDesc{
			Name:  name,
			Items: []BindingLayoutItem{{Slot: 0, Type: typ, Count: count}},
		})
		if err != nil {
			t.Fatalf("CreateBindingLayout(%s): %v", name, err)
		}
		return l
	}
	a := newLayout("a", ResourceTypeTextureSRV, 4)
	b := newLayout("b", ResourceTypeTextureSRV, 2)
	defer a.Release()
	defer b.Release()

	resolve := func(layouts []*BindingLayout, allowInputLayout bool) *PipelineLayout {
		p, err := d.ResolvePipelineLayout(layouts, allowInputLayout)
		if err != nil {
			t.Fatalf("ResolvePipelineLayout: %v", err)
		}
		return p
	}
	p1 := resolve([]*BindingLayout{a, b}, true)
	p2 := resolve([]*BindingLayout{a, b}, true)
	if p1 != p2 {
		t.Error("equal keys resolved to different layouts")
	}
	p3 := resolve([]*BindingLayout{b, a}, true)
	if p1 == p3 {
		t.Error("reordered key shares a layout")
	}
	p4 := resolve([]*BindingLayout{a, b}, false)
	if p1 == p4 {
		t.Error("input-layout flag ignored by the key")
	}

	ranges := p1.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("%d ranges, want 2", len(ranges))
	}
	if ranges[0].TableOffset != 0 || ranges[1].TableOffset != 4 || ranges[1].Layout != 1 {
		t.Errorf("ranges = %+v, want offsets 0 and 4", ranges)
	}

	p3.Release()
	p4.Release()
	p1.Release()
	if n := d.Stats().Layouts.Entries; n != 1 {
		t.Errorf("%d cached layouts, want 1", n)
	}
	p2.Release()
	if n := d.Stats().Layouts.Entries; n != 0 {
		t.Errorf("%d cached layouts after last release, want 0", n)
	}
	if err := p2.Retain(); !errors.Is(err, ErrReleased) {
		t.Errorf("Retain after release = %v, want ErrReleased", err)
	}

	p5 := resolve([]*BindingLayout{a, b}, true)
	if p5 == p1 {
		t.Error("evicted layout resurrected")
	}
	p5.Release()
}

func TestWaitForIdleReleasesEverything(t *testing.T) {
	d, backend, _ := newHostDevice(t)
	backend.DeferCompletion = true

	buf, err := d.CreateBuffer(BufferDesc{Name: "b", Size: 64, CPUAccess: true})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	cl := mustCommandList(t, d, "main")
	for range 3 {
		mustOpen(t, cl)
		if err := cl.WriteBuffer(buf, []byte("data"), 0); err != nil {
			t.Fatalf("WriteBuffer: %v", err)
		}
		mustExecute(t, d, cl)
	}
	buf.Release()
	if s := d.Stats(); s.Buffers != 1 || s.InFlight != 3 {
		t.Errorf("live buffers %d, in flight %d; want 1, 3", s.Buffers, s.InFlight)
	}

	go backend.Complete(3)
	if err := d.WaitForIdle(context.Background()); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
	if s := d.Stats(); s.Buffers != 0 || s.InFlight != 0 {
		t.Errorf("after idle: live buffers %d, in flight %d; want 0, 0", s.Buffers, s.InFlight)
	}
}

func TestWaitForIdleHonorsContext(t *testing.T) {
	d, backend, _ := newHostDevice(t)
	backend.DeferCompletion = true

	cl := mustCommandList(t, d, "main")
	mustOpen(t, cl)
	mustExecute(t, d, cl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.WaitForIdle(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForIdle = %v, want context.Canceled", err)
	}
	if err := d.Lost(); err != nil {
		t.Errorf("cancellation marked the device lost: %v", err)
	}
	backend.Complete(1)
}

func TestDoubleReleaseReported(t *testing.T) {
	d, _, msgs := newHostDevice(t)
	buf, err := d.CreateBuffer(BufferDesc{Name: "b", Size: 16, CPUAccess: true})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	buf.Release()
	buf.Release()
	if n := msgs.count(SeverityError); n != 1 {
		t.Errorf("%d error messages, want 1", n)
	}
}
