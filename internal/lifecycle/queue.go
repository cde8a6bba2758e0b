// Package lifecycle tracks submitted command buffers until the device has
// consumed them.
//
// Every submission gets the next value of a monotonically increasing
// completion counter and is queued in submission order. Because the queue
// is FIFO, completion polling stops at the first unfinished instance and
// waiting for idle only needs to wait for the newest one.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/rhi/internal/container"
	"github.com/gogpu/rhi/internal/diag"
)

// ErrDeviceLost is returned once the device has reported a fatal failure.
// There is no recovery; the device has to be recreated.
var ErrDeviceLost = errors.New("lifecycle: device lost")

// Resource is an object kept alive by in-flight command buffers.
type Resource interface {
	Retain()
	Release()
}

// SubmitFunc hands recorded work to the device and arranges for the fence
// to reach value when it completes.
type SubmitFunc func(value uint64) error

// Instance is one submitted command buffer.
type Instance struct {
	value      uint64
	resources  []Resource
	onComplete []func(value uint64)
}

// Value returns the completion value assigned at submission.
func (i *Instance) Value() uint64 { return i.value }

func (i *Instance) complete() {
	for _, fn := range i.onComplete {
		fn(i.value)
	}
	for _, r := range i.resources {
		r.Release()
	}
	i.resources = nil
	i.onComplete = nil
}

// Queue is the in-flight FIFO of one execution queue.
//
// Queue is not safe for concurrent use.
type Queue struct {
	fence Fence
	sink  diag.Sink

	inFlight      container.Ring[*Instance]
	lastSubmitted uint64
	lastCompleted uint64
	lost          error
}

// NewQueue creates an empty queue signalling fence.
func NewQueue(fence Fence, sink diag.Sink) *Queue {
	return &Queue{fence: fence, sink: sink}
}

// Submit assigns the next completion value, calls submit with it and
// enqueues the instance. resources stay retained until the instance
// completes; onComplete callbacks run at that point in order.
func (q *Queue) Submit(submit SubmitFunc, resources []Resource, onComplete ...func(value uint64)) (*Instance, error) {
	if q.lost != nil {
		return nil, q.lost
	}

	value := q.lastSubmitted + 1
	if err := submit(value); err != nil {
		return nil, q.markLost(fmt.Errorf("submit %d: %w", value, err))
	}
	q.lastSubmitted = value

	for _, r := range resources {
		r.Retain()
	}
	inst := &Instance{
		value:      value,
		resources:  resources,
		onComplete: onComplete,
	}
	q.inFlight.PushBack(inst)
	return inst, nil
}

// GarbageCollect completes every queued instance with a value at or below
// completed and returns how many were removed.
func (q *Queue) GarbageCollect(completed uint64) int {
	if completed > q.lastCompleted {
		q.lastCompleted = min(completed, q.lastSubmitted)
	}

	n := 0
	for {
		inst, ok := q.inFlight.Front()
		if !ok || inst.value > completed {
			break
		}
		q.inFlight.PopFront()
		inst.complete()
		n++
	}
	return n
}

// UpdateCompleted refreshes the completed value from the fence. The fence
// is only queried while work is outstanding.
func (q *Queue) UpdateCompleted() (uint64, error) {
	if q.lost != nil {
		return q.lastCompleted, q.lost
	}
	if q.lastCompleted < q.lastSubmitted {
		v, err := q.fence.Completed()
		if err != nil {
			return q.lastCompleted, q.markLost(fmt.Errorf("query fence: %w", err))
		}
		q.lastCompleted = max(q.lastCompleted, min(v, q.lastSubmitted))
	}
	return q.lastCompleted, nil
}

// Poll refreshes the completed value and collects finished instances.
func (q *Queue) Poll() (int, error) {
	completed, err := q.UpdateCompleted()
	if err != nil {
		return 0, err
	}
	return q.GarbageCollect(completed), nil
}

// WaitFor blocks until value has completed.
func (q *Queue) WaitFor(ctx context.Context, value uint64) error {
	if value <= q.lastCompleted {
		return nil
	}
	if q.lost != nil {
		return q.lost
	}
	if err := q.fence.Wait(ctx, value); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return q.markLost(fmt.Errorf("wait for %d: %w", value, err))
	}
	q.lastCompleted = max(q.lastCompleted, value)
	return nil
}

// WaitIdle blocks until the newest submission has completed and then
// completes every queued instance.
func (q *Queue) WaitIdle(ctx context.Context) error {
	tail, ok := q.inFlight.Back()
	if !ok {
		return nil
	}
	if err := q.WaitFor(ctx, tail.value); err != nil {
		return err
	}
	q.GarbageCollect(tail.value)
	return nil
}

// LastSubmitted returns the value of the newest submission.
func (q *Queue) LastSubmitted() uint64 { return q.lastSubmitted }

// LastCompleted returns the newest value known to have completed.
func (q *Queue) LastCompleted() uint64 { return q.lastCompleted }

// InFlight returns the number of queued instances.
func (q *Queue) InFlight() int { return q.inFlight.Len() }

// Lost returns the device-loss error, or nil.
func (q *Queue) Lost() error { return q.lost }

// markLost records the first fatal failure and reports it once.
func (q *Queue) markLost(cause error) error {
	if q.lost == nil {
		q.lost = fmt.Errorf("%w: %w", ErrDeviceLost, cause)
		diag.Report(q.sink, diag.Fatal, "device lost: %v", cause)
	}
	return q.lost
}
