// Package updater is the core of the agent: the state machine that selects
// the candidate slot, commits the streamed image to it, and switches the
// boot target. Everything here is written against one safety invariant: no
// failure path may leave the device booting anything other than the image it
// is already running. Activation is reachable only from a successful
// finalize, never from a fault.
package updater

import (
	"context"
	"io"

	"github.com/omnirobotics/otagent/pkg/flash"
	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/omnirobotics/otagent/pkg/partition"
	"github.com/omnirobotics/otagent/pkg/reboot"
	"github.com/omnirobotics/otagent/pkg/telemetry"
	"github.com/pkg/errors"
)

// DefaultChunkSize is the read buffer used when none is configured.
const DefaultChunkSize = 1024

// Outcome is the terminal result of one update attempt.
type Outcome struct {
	State        State
	Candidate    partition.Partition
	BytesWritten uint64
	Err          error
}

// Succeeded reports whether the attempt ran to restart.
func (o Outcome) Succeeded() bool {
	return o.State == StateRestarting
}

// session is the single update attempt's mutable state. It is a value owned
// by the worker running the attempt; it never outlives the attempt and is
// never shared.
type session struct {
	candidate    partition.Partition
	handle       flash.Handle
	bytesWritten uint64
	state        State
}

// Receiver drives update attempts. One attempt runs at a time, sequentially,
// on whichever worker calls Run.
type Receiver struct {
	log       logging.Logger
	table     *partition.Table
	flash     flash.Flash
	restarter reboot.Restarter
	chunkSize int
}

// New builds a Receiver. chunkSize <= 0 selects DefaultChunkSize.
func New(log logging.Logger, table *partition.Table, fl flash.Flash, restarter reboot.Restarter, chunkSize int) *Receiver {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Receiver{
		log:       log,
		table:     table,
		flash:     fl,
		restarter: restarter,
		chunkSize: chunkSize,
	}
}

// Run consumes the session stream to a terminal state. The receiver takes
// exclusive ownership of the stream and always closes it. Cancelling ctx
// closes the stream out from under a blocked read, which surfaces as a
// transport failure; cancellation can never be mistaken for completion.
//
// The peer closing the stream in order is the only end-of-image signal; the
// protocol carries no length or checksum. An immediate close is therefore a
// valid zero-byte image and is finalized and activated like any other.
func (r *Receiver) Run(ctx context.Context, stream io.ReadCloser) Outcome {
	unwatch := make(chan struct{})
	defer close(unwatch)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-unwatch:
		}
	}()
	defer stream.Close()

	up := session{state: StateIdle}

	candidate, err := r.table.Candidate()
	if err != nil {
		return r.fail(up, ReasonPartitionNotFound, err)
	}
	up.candidate = candidate
	up.state = StatePartitionSelected

	log := r.log.WithField("slot", candidate.Label)
	log.WithField("running", r.table.Running().Label).Info("candidate slot selected")

	// The image length is unknown up front; the flash layer bounds the
	// write against the slot size instead.
	handle, err := r.flash.Begin(candidate, flash.SizeUnknown)
	if err != nil {
		return r.fail(up, ReasonBegin, err)
	}
	up.handle = handle
	up.state = StateWriting
	log.Info("streaming image")

	buf := make([]byte, r.chunkSize)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			if _, werr := handle.Write(buf[:n]); werr != nil {
				handle.Abort()
				return r.fail(up, ReasonWrite, werr)
			}
			up.bytesWritten += uint64(n)
			telemetry.BytesStreamed.Add(float64(n))
		}
		if rerr == io.EOF {
			// Orderly close: the sole success signal for end-of-image.
			break
		}
		if rerr != nil {
			handle.Abort()
			if cerr := ctx.Err(); cerr != nil {
				rerr = errors.Wrap(cerr, "session closed by cancellation")
			}
			return r.fail(up, ReasonTransport, rerr)
		}
	}

	log.WithField("bytes", up.bytesWritten).Info("image received, finalizing")
	if err := up.handle.Finalize(); err != nil {
		return r.fail(up, ReasonFinalize, err)
	}
	up.state = StateFinalized

	// The single irreversible step. Reachable only from Finalized.
	if err := r.flash.SetBootTarget(up.candidate); err != nil {
		return r.fail(up, ReasonActivate, err)
	}
	up.state = StateActivated
	log.Info("boot target switched to candidate")

	up.state = StateRestarting
	telemetry.UpdateAttempts.WithLabelValues(string(StateRestarting)).Inc()
	if err := r.restarter.Restart(); err != nil {
		// The update is committed either way; the new image boots on the
		// next restart however it happens.
		log.WithError(err).Error("restart request failed")
	}

	return Outcome{
		State:        StateRestarting,
		Candidate:    up.candidate,
		BytesWritten: up.bytesWritten,
	}
}

func (r *Receiver) fail(up session, reason Reason, err error) Outcome {
	telemetry.UpdateAttempts.WithLabelValues(string(reason)).Inc()
	r.log.WithError(err).
		WithField("reason", string(reason)).
		WithField("bytes", up.bytesWritten).
		Error("update attempt failed, boot target unchanged")
	return Outcome{
		State:        StateFailed,
		Candidate:    up.candidate,
		BytesWritten: up.bytesWritten,
		Err:          &Failure{Reason: reason, Err: err},
	}
}
