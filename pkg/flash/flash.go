// Package flash is the write-handle layer between the update receiver and
// the device's storage. It guarantees the safety property the receiver
// relies on: bytes land in the candidate slot in order, at most one handle
// is open per slot, and the boot target only moves when asked.
package flash

import (
	"io"

	"github.com/omnirobotics/otagent/pkg/partition"
)

// SizeUnknown is passed to Begin when the image length is not known up
// front. The update protocol carries no length header, so this is the normal
// case.
const SizeUnknown int64 = -1

// Handle is an open streamed write against a single slot. The first call to
// Finalize or Abort consumes the handle whether or not it succeeds; callers
// do not Abort after a failed Finalize.
type Handle interface {
	io.Writer

	// Finalize commits the written bytes. The slot is only eligible to
	// become the boot target after Finalize succeeds. A failed Finalize
	// still consumes the handle and must release the slot.
	Finalize() error

	// Abort releases the handle without committing. Bytes already written
	// are not rolled back; the slot is left indeterminate but inert.
	Abort() error
}

// Flash exposes the storage operations the receiver needs.
type Flash interface {
	// Begin opens a write handle against the slot. size may be SizeUnknown.
	// Begin fails if the slot already has an open handle or the declared
	// size exceeds the slot.
	Begin(p partition.Partition, size int64) (Handle, error)

	// SetBootTarget durably records the slot to execute on next restart.
	SetBootTarget(p partition.Partition) error

	// BootTarget returns the label of the recorded boot target, or "" when
	// no record exists yet (fresh device).
	BootTarget() (string, error)
}
