package rhi

import (
	"errors"

	"github.com/gogpu/rhi/internal/lifecycle"
	"github.com/gogpu/rhi/internal/state"
	"github.com/gogpu/rhi/internal/transient"
)

// Errors returned by rhi.
var (
	// ErrDeviceLost is returned after the native device reported a fatal
	// failure. The device must be recreated.
	ErrDeviceLost = lifecycle.ErrDeviceLost

	// ErrPermanentState marks the use of a permanent resource in a state it
	// was not fixed in. Such errors are assertion failures.
	ErrPermanentState = state.ErrPermanentState

	// ErrScratchBudgetExceeded is returned when scratch memory is at its
	// budget and no chunk is large enough to reuse.
	ErrScratchBudgetExceeded = transient.ErrBudgetExceeded

	// ErrDescriptorHeapExhausted is returned when a descriptor heap could
	// not grow to satisfy an allocation.
	ErrDescriptorHeapExhausted = errors.New("rhi: descriptor heap exhausted")

	// ErrCommandListOpen is returned when executing or reopening a command
	// list that is still recording.
	ErrCommandListOpen = errors.New("rhi: command list is open")

	// ErrCommandListClosed is returned when recording into a closed command list.
	ErrCommandListClosed = errors.New("rhi: command list is not open")

	// ErrBindingMismatch is returned when a binding set item does not match
	// its layout.
	ErrBindingMismatch = errors.New("rhi: binding does not match layout")

	// ErrInvalidDescriptor is returned for malformed creation descriptors.
	ErrInvalidDescriptor = errors.New("rhi: invalid descriptor")

	// ErrReleased is returned when using an object after its last release.
	ErrReleased = errors.New("rhi: object already released")

	// ErrNilProvider is returned when a nil DeviceProvider is passed.
	ErrNilProvider = errors.New("rhi: nil DeviceProvider")
)
