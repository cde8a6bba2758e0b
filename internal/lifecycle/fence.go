package lifecycle

import (
	"context"
	"sync"
)

//go:generate mockgen -source=fence.go -destination=mock_fence_test.go -package=lifecycle

// Fence is the completion counter a queue signals as it finishes work.
type Fence interface {
	// Completed returns the last value the device reached.
	Completed() (uint64, error)

	// Wait blocks until the fence reaches value or ctx is done.
	Wait(ctx context.Context, value uint64) error
}

// SoftwareFence is a Fence advanced by Signal. It stands in for devices
// that complete work synchronously.
type SoftwareFence struct {
	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

// NewSoftwareFence creates a fence at zero.
func NewSoftwareFence() *SoftwareFence {
	return &SoftwareFence{changed: make(chan struct{})}
}

// Signal advances the fence to value. Lower values are ignored.
func (f *SoftwareFence) Signal(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value <= f.value {
		return
	}
	f.value = value
	close(f.changed)
	f.changed = make(chan struct{})
}

// Completed returns the current value.
func (f *SoftwareFence) Completed() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, nil
}

// Wait blocks until the fence reaches value.
func (f *SoftwareFence) Wait(ctx context.Context, value uint64) error {
	for {
		f.mu.Lock()
		if f.value >= value {
			f.mu.Unlock()
			return nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
