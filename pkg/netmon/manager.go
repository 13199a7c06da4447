// Package netmon keeps the network link joined. It has exactly one promise
// to the rest of the agent: WaitConnected blocks until the link is up and
// addressed, and a dropped link is rejoined forever. There is no terminal
// failure state for connectivity, only cancellation.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/omnirobotics/otagent/pkg/telemetry"
	"github.com/pkg/errors"
)

// State is the connectivity manager's externally visible state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateJoining      State = "joining"
	StateConnected    State = "connected"

	// Rejoin attempts back off exponentially between these bounds. The
	// retry count itself is unbounded.
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Manager drives the Link through join/rejoin and exposes the blocking
// connected signal.
type Manager struct {
	log   logging.Logger
	link  Link
	creds Credentials

	mu        sync.Mutex
	state     State
	addr      net.IP
	connected chan struct{}
}

// New builds a Manager in the Disconnected state.
func New(log logging.Logger, link Link, creds Credentials) *Manager {
	return &Manager{
		log:       log,
		link:      link,
		creds:     creds,
		state:     StateDisconnected,
		connected: make(chan struct{}),
	}
}

// State reports the current connectivity state and address (nil unless
// connected).
func (m *Manager) State() (State, net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.addr
}

// WaitConnected blocks until the manager reaches Connected, returning the
// acquired address. Cancellation of ctx is the only early exit; an
// unreachable network blocks for as long as the caller allows.
func (m *Manager) WaitConnected(ctx context.Context) (net.IP, error) {
	for {
		m.mu.Lock()
		if m.state == StateConnected {
			addr := m.addr
			m.mu.Unlock()
			return addr, nil
		}
		ch := m.connected
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "wait for connectivity")
		case <-ch:
		}
	}
}

// Run consumes link events until ctx is done. It attempts an initial join
// immediately and rejoins on every drop.
func (m *Manager) Run(ctx context.Context) error {
	events, err := m.link.Events(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to subscribe to link events")
	}

	backoff := initialBackoff
	var retry <-chan time.Time

	join := func() {
		m.setState(StateJoining, nil)
		if err := m.link.Join(m.creds); err != nil {
			m.log.WithError(err).Warn("join attempt failed")
		}
		// Arm the retry timer regardless: a join that silently stalls is
		// retried the same as one that errored.
		retry = time.After(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	join()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-retry:
			join()

		case ev, ok := <-events:
			if !ok {
				return errors.New("link event stream closed")
			}
			switch ev := ev.(type) {
			case LinkUp:
				m.log.Debug("link started, attempting to join")
				backoff = initialBackoff
				join()

			case LinkDown:
				m.log.Warn("link dropped, rejoining")
				backoff = initialBackoff
				join()

			case AddrAcquired:
				m.log.WithField("addr", ev.Addr.String()).Info("address acquired")
				backoff = initialBackoff
				retry = nil
				m.setState(StateConnected, ev.Addr)
			}
		}
	}
}

func (m *Manager) setState(s State, addr net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnected && s != StateConnected {
		// Re-arm the connected signal for the next round of waiters.
		m.connected = make(chan struct{})
	}
	if s == StateConnected && m.state != StateConnected {
		close(m.connected)
	}
	m.state = s
	m.addr = addr

	switch s {
	case StateDisconnected:
		telemetry.ConnectivityState.Set(0)
	case StateJoining:
		telemetry.ConnectivityState.Set(1)
	case StateConnected:
		telemetry.ConnectivityState.Set(2)
	}
}
