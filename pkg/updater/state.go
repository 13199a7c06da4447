package updater

import "fmt"

// State is the update session's position in the progression
//
//	Idle -> PartitionSelected -> Writing -> Finalized -> Activated -> Restarting
//
// with Failed absorbing any fault from PartitionSelected, Writing, or
// Finalized. Restarting and Failed are terminal.
type State string

const (
	StateIdle              State = "idle"
	StatePartitionSelected State = "partition-selected"
	StateWriting           State = "writing"
	StateFinalized         State = "finalized"
	StateActivated         State = "activated"
	StateRestarting        State = "restarting"
	StateFailed            State = "failed"
)

// Reason tags a terminal failure with the stage that produced it. Every
// reason is fatal for the attempt; nothing is retried within the receiver.
type Reason string

const (
	// ReasonPartitionNotFound: no candidate slot exists. No fallback slot
	// is attempted.
	ReasonPartitionNotFound Reason = "partition-not-found"
	// ReasonBegin: the flash layer rejected the write handle.
	ReasonBegin Reason = "begin"
	// ReasonWrite: a chunk could not be committed to the slot.
	ReasonWrite Reason = "write"
	// ReasonTransport: the session read errored (including a drop mid-
	// transfer, which must never masquerade as a clean end-of-stream).
	ReasonTransport Reason = "transport"
	// ReasonFinalize: the committed handle could not be finalized.
	ReasonFinalize Reason = "finalize"
	// ReasonActivate: the boot-target switch itself failed. The previous
	// target remains in effect.
	ReasonActivate Reason = "activate"
)

// Failure is the error carried by a Failed outcome.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("update failed (%s)", f.Reason)
	}
	return fmt.Sprintf("update failed (%s): %v", f.Reason, f.Err)
}

// Cause supports pkg/errors unwrapping.
func (f *Failure) Cause() error { return f.Err }

// Unwrap supports stdlib errors unwrapping.
func (f *Failure) Unwrap() error { return f.Err }

// FailureReason extracts the Reason from an outcome error, or "" when the
// error is not a Failure.
func FailureReason(err error) Reason {
	f, ok := err.(*Failure)
	if !ok {
		return ""
	}
	return f.Reason
}
