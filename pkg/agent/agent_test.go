package agent

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/omnirobotics/otagent/pkg/internal/testoutput"
	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/omnirobotics/otagent/pkg/partition"
	"github.com/omnirobotics/otagent/pkg/transport"
	"github.com/omnirobotics/otagent/pkg/updater"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

type fakeNet struct {
	WaitFn func(ctx context.Context) (net.IP, error)
}

func (n *fakeNet) WaitConnected(ctx context.Context) (net.IP, error) {
	if n.WaitFn != nil {
		return n.WaitFn(ctx)
	}
	return net.IPv4(10, 0, 0, 2), nil
}

type fakeReceiver struct {
	RunFn func(ctx context.Context, stream io.ReadCloser) updater.Outcome

	Runs int
}

func (r *fakeReceiver) Run(ctx context.Context, stream io.ReadCloser) updater.Outcome {
	r.Runs++
	stream.Close()
	if r.RunFn != nil {
		return r.RunFn(ctx, stream)
	}
	return updater.Outcome{
		State:     updater.StateRestarting,
		Candidate: partition.Partition{Label: "ota_1"},
	}
}

type nopStream struct{}

func (nopStream) Read(b []byte) (int, error) { return 0, io.EOF }
func (nopStream) Close() error               { return nil }

func testAgent(t *testing.T, receiver *fakeReceiver, opts Options) *Agent {
	t.Helper()
	if opts.Endpoint.Host == "" {
		opts.Endpoint = transport.Endpoint{Host: "192.168.1.53", Port: 12345}
	}
	a, err := New(testoutput.Logger(t, logging.New("agent")), &fakeNet{}, receiver, opts)
	assert.NilError(t, err)
	a.dial = func(ctx context.Context) (io.ReadCloser, error) {
		return nopStream{}, nil
	}
	return a
}

func TestNewValidation(t *testing.T) {
	log := testoutput.Logger(t, logging.New("agent"))
	ep := transport.Endpoint{Host: "h", Port: 1}

	_, err := New(log, nil, &fakeReceiver{}, Options{Endpoint: ep})
	assert.Check(t, err != nil)

	_, err = New(log, &fakeNet{}, nil, Options{Endpoint: ep})
	assert.Check(t, err != nil)

	_, err = New(log, &fakeNet{}, &fakeReceiver{}, Options{})
	assert.Check(t, err != nil)
}

func TestRunStopsAfterSuccessfulUpdate(t *testing.T) {
	receiver := &fakeReceiver{}
	a := testAgent(t, receiver, Options{})

	err := a.Run(context.Background())
	assert.NilError(t, err)
	assert.Check(t, receiver.Runs == 1)
}

func TestRunOnceSurfacesAttemptError(t *testing.T) {
	attemptErr := errors.New("connection reset by peer")
	receiver := &fakeReceiver{
		RunFn: func(ctx context.Context, stream io.ReadCloser) updater.Outcome {
			return updater.Outcome{State: updater.StateFailed, Err: attemptErr}
		},
	}
	a := testAgent(t, receiver, Options{Once: true})

	err := a.Run(context.Background())
	assert.Check(t, err == attemptErr)
	assert.Check(t, receiver.Runs == 1)
}

func TestRunOnceSurfacesDialError(t *testing.T) {
	receiver := &fakeReceiver{}
	a := testAgent(t, receiver, Options{Once: true})
	a.dial = func(ctx context.Context) (io.ReadCloser, error) {
		return nil, errors.New("connection refused")
	}

	err := a.Run(context.Background())
	assert.Check(t, err != nil)
	assert.Check(t, receiver.Runs == 0)
}

func TestRunRetriesFailedAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	receiver := &fakeReceiver{}
	receiver.RunFn = func(rctx context.Context, stream io.ReadCloser) updater.Outcome {
		if receiver.Runs < 3 {
			return updater.Outcome{State: updater.StateFailed, Err: errors.New("short read")}
		}
		cancel()
		return updater.Outcome{State: updater.StateRestarting}
	}
	a := testAgent(t, receiver, Options{})

	err := a.Run(ctx)
	assert.NilError(t, err)
	assert.Check(t, receiver.Runs == 3)
}

func TestRunCooldownSpacesAttempts(t *testing.T) {
	receiver := &fakeReceiver{}
	receiver.RunFn = func(ctx context.Context, stream io.ReadCloser) updater.Outcome {
		if receiver.Runs < 2 {
			return updater.Outcome{State: updater.StateFailed, Err: errors.New("short read")}
		}
		return updater.Outcome{State: updater.StateRestarting}
	}
	a := testAgent(t, receiver, Options{Cooldown: 150 * time.Millisecond})

	start := time.Now()
	err := a.Run(context.Background())
	assert.NilError(t, err)
	assert.Check(t, receiver.Runs == 2)
	assert.Check(t, time.Since(start) >= 150*time.Millisecond)
}

func TestRunReturnsWhenCancelledWaiting(t *testing.T) {
	receiver := &fakeReceiver{}
	a := testAgent(t, receiver, Options{})
	a.net = &fakeNet{
		WaitFn: func(ctx context.Context) (net.IP, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := a.Run(ctx)
	assert.NilError(t, err)
	assert.Check(t, receiver.Runs == 0)
}
