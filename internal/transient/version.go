package transient

import "fmt"

// Version stamps a chunk with the command-list instance that last wrote it.
//
// Layout: bit 63 is the submitted flag, bits 60..62 the queue, bits 0..59
// the instance. A pending version belongs to a recording that has not been
// submitted; Pool.SubmitChunks turns it into a submitted one.
type Version uint64

const (
	versionSubmittedFlag Version = 1 << 63
	versionQueueShift            = 60
	versionQueueMask             = 0x7
	versionInstanceMask  Version = 0x0FFF_FFFF_FFFF_FFFF
)

// MakeVersion packs an instance, a queue index and the submitted flag.
func MakeVersion(instance uint64, queue uint8, submitted bool) Version {
	v := Version(instance) & versionInstanceMask
	v |= Version(queue&versionQueueMask) << versionQueueShift
	if submitted {
		v |= versionSubmittedFlag
	}
	return v
}

// Instance returns the command-list instance.
func (v Version) Instance() uint64 { return uint64(v & versionInstanceMask) }

// Queue returns the queue index.
func (v Version) Queue() uint8 { return uint8(v>>versionQueueShift) & versionQueueMask }

// Submitted reports whether the instance has been handed to the queue.
func (v Version) Submitted() bool { return v&versionSubmittedFlag != 0 }

// Reusable reports whether a chunk stamped with v may be rewritten once the
// queue has completed the given instance. Zero means never used.
func (v Version) Reusable(completed uint64) bool {
	return v == 0 || (v.Submitted() && v.Instance() <= completed)
}

func (v Version) String() string {
	state := "pending"
	if v.Submitted() {
		state = "submitted"
	}
	return fmt.Sprintf("q%d#%d(%s)", v.Queue(), v.Instance(), state)
}
