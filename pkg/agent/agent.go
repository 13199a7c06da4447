// Package agent sequences an update attempt end to end: block on
// connectivity, open the session, move it into the receiver, observe the
// outcome. The receiver itself never retries; retry lives here, gated by a
// TTL cooldown so a failing server is not hammered.
package agent

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/karlseguin/ccache"
	"github.com/omnirobotics/otagent/pkg/diagnostics"
	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/omnirobotics/otagent/pkg/transport"
	"github.com/omnirobotics/otagent/pkg/updater"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// waiter is the connectivity contract the agent consumes.
type waiter interface {
	WaitConnected(ctx context.Context) (net.IP, error)
}

// runner is the receiver contract: one attempt, run to a terminal state.
type runner interface {
	Run(ctx context.Context, stream io.ReadCloser) updater.Outcome
}

// Options tune the agent loop.
type Options struct {
	// Endpoint is the fixed update server.
	Endpoint transport.Endpoint
	// DialTimeout bounds the single connect attempt.
	DialTimeout time.Duration
	// Cooldown is the minimum pause after a failed attempt against the
	// same endpoint.
	Cooldown time.Duration
	// Once restricts the agent to a single attempt.
	Once bool
	// ForwardDiagnostics opens a second session and mirrors log lines onto
	// it as LOG: frames.
	ForwardDiagnostics bool
	// DiagnosticsLevel is the minimum severity forwarded.
	DiagnosticsLevel string
}

// Agent owns the join -> dial -> update sequence.
type Agent struct {
	log      logging.Logger
	net      waiter
	receiver runner
	opts     Options

	// dial is replaceable to keep the loop testable without a server.
	dial func(ctx context.Context) (io.ReadCloser, error)

	attempts     *ccache.Cache
	diagAttached bool
}

// New wires an Agent.
func New(log logging.Logger, network waiter, receiver runner, opts Options) (*Agent, error) {
	if network == nil {
		return nil, errors.New("connectivity manager is nil")
	}
	if receiver == nil {
		return nil, errors.New("update receiver is nil")
	}
	if opts.Endpoint.Host == "" {
		return nil, errors.New("update server endpoint must be provided")
	}
	a := &Agent{
		log:      log,
		net:      network,
		receiver: receiver,
		opts:     opts,
		attempts: ccache.New(ccache.Configure().MaxSize(16)),
	}
	a.dial = func(ctx context.Context) (io.ReadCloser, error) {
		return transport.Dial(ctx, opts.Endpoint, opts.DialTimeout)
	}
	return a, nil
}

// Run loops attempts until one succeeds (the restart is already requested by
// then), ctx is cancelled, or Once is set and the attempt ends.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Debug("starting")
	defer a.log.Debug("finished")

	for {
		addr, err := a.net.WaitConnected(ctx)
		if err != nil {
			return nil // cancelled while waiting
		}
		a.log.WithField("addr", addr.String()).Debug("connectivity established")

		if err := a.cooldown(ctx); err != nil {
			return nil
		}

		a.attachDiagnostics(ctx)

		stream, err := a.dial(ctx)
		if err != nil {
			a.recordAttempt("connect")
			a.log.WithError(err).Error("unable to open update session")
			if a.opts.Once {
				return errors.WithMessage(err, "connect")
			}
			continue
		}
		a.log.WithField("server", a.opts.Endpoint.Address()).Info("update session open")

		// Ownership of the stream moves to the receiver here; it closes
		// the stream on every path.
		outcome := a.receiver.Run(ctx, stream)
		if outcome.Succeeded() {
			a.log.WithFields(logrus.Fields{
				"slot":  outcome.Candidate.Label,
				"bytes": outcome.BytesWritten,
			}).Info("update complete, restart requested")
			return nil
		}

		a.recordAttempt(string(updater.FailureReason(outcome.Err)))
		if a.opts.Once {
			return outcome.Err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// cooldown blocks until the last failed attempt against the endpoint has
// aged out.
func (a *Agent) cooldown(ctx context.Context) error {
	item := a.attempts.Get(a.opts.Endpoint.Address())
	if item == nil || item.Expired() {
		return nil
	}
	wait := time.Until(item.Expires())
	a.log.WithField("wait", wait.String()).Info("cooling down after failed attempt")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (a *Agent) recordAttempt(reason string) {
	if a.opts.Cooldown <= 0 {
		return
	}
	a.attempts.Set(a.opts.Endpoint.Address(), reason, a.opts.Cooldown)
}

// attachDiagnostics opens the forwarding session on first connectivity. Its
// absence never affects the update path.
func (a *Agent) attachDiagnostics(ctx context.Context) {
	if !a.opts.ForwardDiagnostics || a.diagAttached {
		return
	}
	sess, err := transport.Dial(ctx, a.opts.Endpoint, a.opts.DialTimeout)
	if err != nil {
		a.log.WithError(err).Warn("diagnostics session unavailable")
		return
	}
	levels := diagnostics.DefaultLevels
	if lvl, err := logrus.ParseLevel(a.opts.DiagnosticsLevel); err == nil {
		levels = logrus.AllLevels[:lvl+1]
	}
	logging.Set(logging.AddHook(diagnostics.NewForwarder(sess, levels...)))
	a.diagAttached = true
	a.log.Debug("diagnostics forwarding attached")
}
