package netmon

import (
	"context"
	"net"
)

// Event is the closed set of link-layer occurrences that drive connectivity
// state. Dispatch is by type switch over this sealed interface; there is no
// event-id comparison anywhere.
type Event interface {
	event()
}

// LinkUp reports that the interface started or came (back) up and a join may
// be attempted.
type LinkUp struct{}

// LinkDown reports that the link dropped. The manager reacts by rejoining,
// unconditionally and indefinitely.
type LinkDown struct{}

// AddrAcquired reports that the link obtained an address and traffic can
// flow.
type AddrAcquired struct {
	Addr net.IP
}

func (LinkUp) event()       {}
func (LinkDown) event()     {}
func (AddrAcquired) event() {}

// Credentials are the opaque join parameters handed to the link. The agent
// never interprets them.
type Credentials struct {
	SSID       string
	Passphrase string
}

// Link is the platform hook the manager drives: a source of Events and a
// join trigger. Implementations own the actual supplicant/interface plumbing.
type Link interface {
	// Events starts event delivery. The channel closes when ctx is done.
	Events(ctx context.Context) (<-chan Event, error)

	// Join asks the platform to (re)associate using the credentials. A nil
	// return does not imply connectivity; that is signaled by AddrAcquired.
	Join(creds Credentials) error
}
