package updater

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/omnirobotics/otagent/pkg/flash"
	"github.com/omnirobotics/otagent/pkg/internal/testoutput"
	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/omnirobotics/otagent/pkg/partition"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func testTable(t *testing.T) *partition.Table {
	table, err := partition.NewTable([]partition.Partition{
		{Label: "ota_0", Type: partition.TypeApp, Subtype: partition.SubtypeOTA0, Offset: 0, Size: 1 << 20},
		{Label: "ota_1", Type: partition.TypeApp, Subtype: partition.SubtypeOTA1, Offset: 1 << 20, Size: 1 << 20},
	}, "ota_0")
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func testReceiver(t *testing.T, chunkSize int) (*Receiver, *testHooks) {
	hooks := &testHooks{
		Flash:     &testFlash{},
		Restarter: &testRestarter{},
	}
	r := New(
		testoutput.Logger(t, logging.New("updater")),
		testTable(t),
		hooks.Flash,
		hooks.Restarter,
		chunkSize,
	)
	return r, hooks
}

type testHooks struct {
	Flash     *testFlash
	Restarter *testRestarter
}

type testFlash struct {
	BeginFn         func(p partition.Partition, size int64) (flash.Handle, error)
	SetBootTargetFn func(p partition.Partition) error

	Handle      testHandle
	BootTargets []string
	Order       []string
}

func (f *testFlash) Begin(p partition.Partition, size int64) (flash.Handle, error) {
	f.Order = append(f.Order, "begin")
	if f.BeginFn != nil {
		return f.BeginFn(p, size)
	}
	f.Handle.flash = f
	return &f.Handle, nil
}

func (f *testFlash) SetBootTarget(p partition.Partition) error {
	f.Order = append(f.Order, "activate")
	if f.SetBootTargetFn != nil {
		return f.SetBootTargetFn(p)
	}
	f.BootTargets = append(f.BootTargets, p.Label)
	return nil
}

func (f *testFlash) BootTarget() (string, error) {
	if len(f.BootTargets) == 0 {
		return "", nil
	}
	return f.BootTargets[len(f.BootTargets)-1], nil
}

type testHandle struct {
	WriteFn    func(b []byte) (int, error)
	FinalizeFn func() error

	flash     *testFlash
	Committed bytes.Buffer
	Finalized bool
	Aborted   bool
}

func (h *testHandle) Write(b []byte) (int, error) {
	if h.WriteFn != nil {
		return h.WriteFn(b)
	}
	return h.Committed.Write(b)
}

func (h *testHandle) Finalize() error {
	h.flash.Order = append(h.flash.Order, "finalize")
	if h.FinalizeFn != nil {
		return h.FinalizeFn()
	}
	h.Finalized = true
	return nil
}

func (h *testHandle) Abort() error {
	h.Aborted = true
	return nil
}

type testRestarter struct {
	Requests int
}

func (r *testRestarter) Restart() error {
	r.Requests++
	return nil
}

// chunkStream serves each chunk as one Read, then finishes with EOF (orderly
// close) or the configured error (drop).
type chunkStream struct {
	chunks [][]byte
	err    error
	Closed bool
}

func (s *chunkStream) Read(b []byte) (int, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	next := s.chunks[0]
	n := copy(b, next)
	if n < len(next) {
		s.chunks[0] = next[n:]
	} else {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *chunkStream) Close() error {
	s.Closed = true
	return nil
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(0xA5 ^ i)
	}
	return b
}

func chunked(image []byte, sizes ...int) [][]byte {
	chunks := [][]byte{}
	for _, n := range sizes {
		chunks = append(chunks, image[:n])
		image = image[n:]
	}
	return chunks
}

func TestRunEndToEnd(t *testing.T) {
	image := pattern(5000)
	stream := &chunkStream{chunks: chunked(image, 1024, 1024, 1024, 1024, 904)}

	r, hooks := testReceiver(t, 1024)
	outcome := r.Run(context.Background(), stream)

	assert.Check(t, outcome.Succeeded())
	assert.Check(t, outcome.State == StateRestarting)
	assert.Check(t, outcome.BytesWritten == 5000)
	assert.Check(t, outcome.Candidate.Label == "ota_1")
	assert.Check(t, bytes.Equal(hooks.Flash.Handle.Committed.Bytes(), image))
	assert.Check(t, hooks.Flash.Handle.Finalized)

	target, _ := hooks.Flash.BootTarget()
	assert.Check(t, target == "ota_1")
	assert.Check(t, hooks.Restarter.Requests == 1)
	assert.Check(t, stream.Closed)
}

func TestRunConcatenationAcrossChunkBoundaries(t *testing.T) {
	image := pattern(4096)
	boundaries := [][]int{
		{4096},
		{1, 4095},
		{511, 1024, 2, 989, 1570},
		{2048, 2048},
	}

	for _, sizes := range boundaries {
		stream := &chunkStream{chunks: chunked(image, sizes...)}
		r, hooks := testReceiver(t, 1024)

		outcome := r.Run(context.Background(), stream)
		assert.Check(t, outcome.Succeeded())
		assert.Check(t, bytes.Equal(hooks.Flash.Handle.Committed.Bytes(), image))
	}
}

func TestRunEmptyStreamIsAccepted(t *testing.T) {
	// An immediate orderly close is a valid zero-byte image: end-of-stream
	// is the sole termination signal on this wire.
	stream := &chunkStream{}
	r, hooks := testReceiver(t, 0)

	outcome := r.Run(context.Background(), stream)

	assert.Check(t, outcome.State == StateRestarting)
	assert.Check(t, outcome.BytesWritten == 0)
	target, _ := hooks.Flash.BootTarget()
	assert.Check(t, target == "ota_1")
	assert.Check(t, hooks.Restarter.Requests == 1)
}

func TestRunWriteFailureLeavesBootTarget(t *testing.T) {
	stream := &chunkStream{chunks: chunked(pattern(2048), 1024, 1024)}
	r, hooks := testReceiver(t, 1024)

	writes := 0
	hooks.Flash.Handle.WriteFn = func(b []byte) (int, error) {
		writes++
		if writes > 1 {
			return 0, errors.New("flash write rejected")
		}
		return len(b), nil
	}

	outcome := r.Run(context.Background(), stream)

	assert.Check(t, outcome.State == StateFailed)
	assert.Check(t, FailureReason(outcome.Err) == ReasonWrite)
	assert.Check(t, hooks.Flash.Handle.Aborted)
	assert.Check(t, len(hooks.Flash.BootTargets) == 0)
	assert.Check(t, hooks.Restarter.Requests == 0)
	assert.Check(t, stream.Closed)
}

func TestRunTransportDropIsNeverCleanEOF(t *testing.T) {
	// A dropped session mid-write must surface as a transport failure; a
	// partial image must never be activated.
	stream := &chunkStream{
		chunks: chunked(pattern(2048), 1024, 1024),
		err:    errors.New("connection reset by peer"),
	}
	r, hooks := testReceiver(t, 1024)

	outcome := r.Run(context.Background(), stream)

	assert.Check(t, outcome.State == StateFailed)
	assert.Check(t, FailureReason(outcome.Err) == ReasonTransport)
	assert.Check(t, outcome.BytesWritten == 2048)
	assert.Check(t, hooks.Flash.Handle.Aborted)
	assert.Check(t, len(hooks.Flash.BootTargets) == 0)
	assert.Check(t, hooks.Restarter.Requests == 0)
}

func TestRunFinalizeFailureLeavesBootTarget(t *testing.T) {
	stream := &chunkStream{chunks: chunked(pattern(1024), 1024)}
	r, hooks := testReceiver(t, 1024)

	hooks.Flash.Handle.FinalizeFn = func() error {
		return errors.New("validation failed")
	}

	outcome := r.Run(context.Background(), stream)

	assert.Check(t, outcome.State == StateFailed)
	assert.Check(t, FailureReason(outcome.Err) == ReasonFinalize)
	assert.Check(t, len(hooks.Flash.BootTargets) == 0)
	assert.Check(t, hooks.Restarter.Requests == 0)
}

func TestRunBeginFailure(t *testing.T) {
	stream := &chunkStream{chunks: chunked(pattern(1024), 1024)}
	r, hooks := testReceiver(t, 1024)

	hooks.Flash.BeginFn = func(p partition.Partition, size int64) (flash.Handle, error) {
		return nil, errors.New("handle already active")
	}

	outcome := r.Run(context.Background(), stream)

	assert.Check(t, outcome.State == StateFailed)
	assert.Check(t, FailureReason(outcome.Err) == ReasonBegin)
	assert.Check(t, len(hooks.Flash.BootTargets) == 0)
	assert.Check(t, stream.Closed)
}

func TestRunPartitionNotFound(t *testing.T) {
	table, err := partition.NewTable([]partition.Partition{
		{Label: "ota_0", Type: partition.TypeApp, Subtype: partition.SubtypeOTA0, Size: 1 << 20},
	}, "ota_0")
	assert.NilError(t, err)

	hooks := &testHooks{Flash: &testFlash{}, Restarter: &testRestarter{}}
	r := New(testoutput.Logger(t, logging.New("updater")), table, hooks.Flash, hooks.Restarter, 0)

	stream := &chunkStream{}
	outcome := r.Run(context.Background(), stream)

	assert.Check(t, outcome.State == StateFailed)
	assert.Check(t, FailureReason(outcome.Err) == ReasonPartitionNotFound)
	assert.Check(t, len(hooks.Flash.Order) == 0)
	assert.Check(t, stream.Closed)
}

func TestRunActivateFailureLeavesBootTarget(t *testing.T) {
	stream := &chunkStream{chunks: chunked(pattern(1024), 1024)}
	r, hooks := testReceiver(t, 1024)

	hooks.Flash.SetBootTargetFn = func(p partition.Partition) error {
		return errors.New("boot record write failed")
	}

	outcome := r.Run(context.Background(), stream)

	assert.Check(t, outcome.State == StateFailed)
	assert.Check(t, FailureReason(outcome.Err) == ReasonActivate)
	assert.Check(t, hooks.Restarter.Requests == 0)
}

func TestRunActivationExactlyOnceAfterFinalize(t *testing.T) {
	stream := &chunkStream{chunks: chunked(pattern(3000), 1024, 1024, 952)}
	r, hooks := testReceiver(t, 1024)

	outcome := r.Run(context.Background(), stream)
	assert.Check(t, outcome.Succeeded())

	assert.DeepEqual(t, hooks.Flash.Order, []string{"begin", "finalize", "activate"})
	assert.Check(t, len(hooks.Flash.BootTargets) == 1)
}

// blockingStream parks readers until the stream is closed, mimicking a
// stalled peer.
type blockingStream struct {
	unblock chan struct{}
}

func (s *blockingStream) Read(b []byte) (int, error) {
	<-s.unblock
	return 0, errors.New("use of closed connection")
}

func (s *blockingStream) Close() error {
	select {
	case <-s.unblock:
	default:
		close(s.unblock)
	}
	return nil
}

func TestRunCancellationSurfacesAsTransportFailure(t *testing.T) {
	stream := &blockingStream{unblock: make(chan struct{})}
	r, hooks := testReceiver(t, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	outcome := r.Run(ctx, stream)

	assert.Check(t, outcome.State == StateFailed)
	assert.Check(t, FailureReason(outcome.Err) == ReasonTransport)
	assert.Check(t, len(hooks.Flash.BootTargets) == 0)
}
