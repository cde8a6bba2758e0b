// Package rhi is the resource-binding and lifetime-management core of a
// rendering hardware interface built on gogpu/wgpu.
//
// It turns backend-agnostic textures, buffers and binding layouts into the
// native objects the HAL accepts, and manages the descriptor storage and
// transient memory shared by many in-flight frames:
//
//   - descriptor heaps hand out contiguous descriptor slots and grow without
//     invalidating outstanding indices
//   - per-command-list upload and scratch pools suballocate fence-gated chunks
//   - a state tracker decides which barriers each use of a resource needs
//   - a cache deduplicates pipeline layouts built from binding layouts
//   - a FIFO of submitted command lists releases resources once the device
//     has finished with them
//
// # Quick Start
//
//	dev, err := rhi.NewDeviceFromHAL(halDevice, halQueue)
//	if err != nil { ... }
//	defer dev.Destroy()
//
//	cl, _ := dev.CreateCommandList("frame")
//	_ = cl.Open()
//	_ = cl.WriteBuffer(constants, data, 0)
//	_ = cl.SetBindingSets(set)
//	_ = cl.Close()
//	_, _ = dev.ExecuteCommandList(cl)
//
//	// Once per frame:
//	_ = dev.RunGarbageCollection()
//
// # Logging and messages
//
// The package is silent by default. SetLogger installs a slog.Logger for
// diagnostics; conditions the caller must act on (exhausted heaps, scratch
// budget failures, permanent-state violations, device loss) are also
// delivered to the device's MessageSink.
//
// # Concurrency
//
// A Device is driven by a single producer goroutine that records and
// submits command lists. Descriptor heaps and the pipeline-layout cache are
// internally locked; everything else must be serialized by the caller.
package rhi
