package rhi

import (
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/rhi/internal/descriptor"
	"github.com/gogpu/rhi/internal/layoutcache"
	"github.com/gogpu/rhi/internal/transient"
)

// Stats is a snapshot of device resource usage.
type Stats struct {
	Device  string
	Heaps   [descriptor.KindCount]descriptor.HeapStats
	Upload  transient.PoolStats
	Scratch transient.PoolStats
	Layouts layoutcache.Stats

	CommandLists  int
	InFlight      int
	LastSubmitted uint64
	LastCompleted uint64

	Textures    int64
	Buffers     int64
	BindingSets int64
}

// Stats returns a snapshot of the heaps, the transient pools of all
// command lists, the layout cache and the queue.
func (d *Device) Stats() Stats {
	s := Stats{
		Device:        d.label,
		Layouts:       d.layouts.Stats(),
		InFlight:      d.queue.InFlight(),
		LastSubmitted: d.queue.LastSubmitted(),
		LastCompleted: d.queue.LastCompleted(),
		Textures:      d.live.textures.Load(),
		Buffers:       d.live.buffers.Load(),
		BindingSets:   d.live.bindingSets.Load(),
	}
	for i, h := range d.heaps {
		if h != nil {
			s.Heaps[i] = h.Stats()
		}
	}
	s.Upload.Kind = transient.Upload
	s.Scratch.Kind = transient.Scratch
	s.Scratch.MemoryLimit = d.cfg.Transient.ScratchBudget

	d.mu.Lock()
	lists := d.commandLists
	s.CommandLists = len(lists)
	for _, cl := range lists {
		addPoolStats(&s.Upload, cl.upload.Stats())
		addPoolStats(&s.Scratch, cl.scratch.Stats())
	}
	d.mu.Unlock()
	return s
}

func addPoolStats(dst *PoolStats, src transient.PoolStats) {
	dst.Chunks += src.Chunks
	dst.AllocatedBytes += src.AllocatedBytes
	dst.Suballocations += src.Suballocations
	dst.Reuses += src.Reuses
	dst.BudgetReuses += src.BudgetReuses
}

// PoolStats is the occupancy of a transient pool.
type PoolStats = transient.PoolStats

// String formats the snapshot for humans.
func (s Stats) String() string {
	p := message.NewPrinter(language.English)
	var b strings.Builder
	p.Fprintf(&b, "device %s: %d textures, %d buffers, %d binding sets\n",
		s.Device, s.Textures, s.Buffers, s.BindingSets)
	for _, h := range s.Heaps {
		p.Fprintf(&b, "  %-14s heap: %d/%d slots (peak %d, %d grows)\n",
			h.Kind, h.Allocated, h.Capacity, h.Peak, h.Grows)
	}
	for _, ps := range []PoolStats{s.Upload, s.Scratch} {
		p.Fprintf(&b, "  %-7s pool: %d chunks, %d bytes, %d suballocations, %d reuses",
			ps.Kind, ps.Chunks, ps.AllocatedBytes, ps.Suballocations, ps.Reuses)
		if ps.MemoryLimit > 0 {
			p.Fprintf(&b, ", budget %d bytes, %d budget reuses", ps.MemoryLimit, ps.BudgetReuses)
		}
		b.WriteByte('\n')
	}
	p.Fprintf(&b, "  layouts: %d cached, %d hits, %d misses\n", s.Layouts.Entries, s.Layouts.Hits, s.Layouts.Misses)
	p.Fprintf(&b, "  queue: %d in flight, submitted %d, completed %d",
		s.InFlight, s.LastSubmitted, s.LastCompleted)
	return b.String()
}

// StatsJSON returns a detailed JSON dump of the heaps and of the chunks of
// every command list.
func (d *Device) StatsJSON() []byte {
	s := d.Stats()
	w := jwriter.NewWriter()
	root := w.Object()
	root.Name("Device").String(s.Device)
	root.Name("ID").String(d.id.String())

	heaps := root.Name("DescriptorHeaps").Array()
	for _, h := range s.Heaps {
		obj := heaps.Object()
		obj.Name("Kind").String(h.Kind.String())
		obj.Name("Capacity").Int(int(h.Capacity))
		obj.Name("Stride").Int(int(h.Stride))
		obj.Name("Allocated").Int(int(h.Allocated))
		obj.Name("Peak").Int(int(h.Peak))
		obj.Name("Grows").Int(int(h.Grows)) //nolint:gosec // G115: grow count fits int
		obj.End()
	}
	heaps.End()

	d.mu.Lock()
	lists := root.Name("CommandLists").Array()
	for _, cl := range d.commandLists {
		obj := lists.Object()
		obj.Name("Name").String(cl.name)
		printPool(obj, "Upload", cl.upload)
		printPool(obj, "Scratch", cl.scratch)
		obj.End()
	}
	lists.End()
	d.mu.Unlock()

	queue := root.Name("Queue").Object()
	queue.Name("InFlight").Int(s.InFlight)
	queue.Name("LastSubmitted").Int(int(s.LastSubmitted)) //nolint:gosec // G115: completion values fit int
	queue.Name("LastCompleted").Int(int(s.LastCompleted)) //nolint:gosec // G115: completion values fit int
	queue.End()

	layouts := root.Name("PipelineLayouts").Object()
	layouts.Name("Entries").Int(s.Layouts.Entries)
	layouts.Name("Hits").Int(int(s.Layouts.Hits))     //nolint:gosec // G115: counters fit int
	layouts.Name("Misses").Int(int(s.Layouts.Misses)) //nolint:gosec // G115: counters fit int
	layouts.End()

	root.End()
	return w.Bytes()
}

func printPool(obj jwriter.ObjectState, name string, p *transient.Pool) {
	st := p.Stats()
	pool := obj.Name(name).Object()
	pool.Name("AllocatedBytes").Int(int(st.AllocatedBytes)) //nolint:gosec // G115: pool sizes fit int
	if st.MemoryLimit > 0 {
		pool.Name("MemoryLimit").Int(int(st.MemoryLimit)) //nolint:gosec // G115: pool sizes fit int
	}
	chunks := pool.Name("Chunks").Array()
	for _, c := range p.Chunks() {
		co := chunks.Object()
		co.Name("ID").Int(int(c.ID()))
		co.Name("Size").Int(int(c.Size())) //nolint:gosec // G115: chunk sizes fit int
		co.Name("Version").String(c.Version().String())
		co.End()
	}
	chunks.End()
	pool.End()
}
