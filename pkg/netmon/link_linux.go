//go:build linux
// +build linux

package netmon

import (
	"context"
	"net"

	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// netlinkLink sources events from rtnetlink subscriptions for a single
// interface. Association and authentication are owned by the platform's
// supplicant; this layer raises the link and watches for the address.
type netlinkLink struct {
	log   logging.Logger
	iface string
}

// NewPlatformLink returns the Linux link implementation for the named
// interface.
func NewPlatformLink(log logging.Logger, iface string) (Link, error) {
	if iface == "" {
		return nil, errors.New("network interface must be configured")
	}
	return &netlinkLink{log: log, iface: iface}, nil
}

func (l *netlinkLink) Join(creds Credentials) error {
	link, err := netlink.LinkByName(l.iface)
	if err != nil {
		return errors.Wrapf(err, "interface %s not found", l.iface)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, "unable to bring %s up", l.iface)
	}
	return nil
}

func (l *netlinkLink) Events(ctx context.Context) (<-chan Event, error) {
	link, err := netlink.LinkByName(l.iface)
	if err != nil {
		return nil, errors.Wrapf(err, "interface %s not found", l.iface)
	}
	index := link.Attrs().Index

	done := make(chan struct{})
	linkCh := make(chan netlink.LinkUpdate, 16)
	if err := netlink.LinkSubscribe(linkCh, done); err != nil {
		close(done)
		return nil, errors.Wrap(err, "unable to subscribe to link updates")
	}
	// ListExisting replays addresses that were assigned before the
	// subscription. Without it an interface that is already up and addressed
	// when the agent starts would never produce an event and the manager
	// would wait forever.
	addrCh := make(chan netlink.AddrUpdate, 16)
	addrOpts := netlink.AddrSubscribeOptions{ListExisting: true}
	if err := netlink.AddrSubscribeWithOptions(addrCh, done, addrOpts); err != nil {
		close(done)
		return nil, errors.Wrap(err, "unable to subscribe to address updates")
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer close(done)

		up := link.Attrs().Flags&net.FlagUp != 0
		for {
			select {
			case <-ctx.Done():
				return

			case lu, ok := <-linkCh:
				if !ok {
					return
				}
				if lu.Link.Attrs().Index != index {
					continue
				}
				nowUp := lu.Link.Attrs().Flags&net.FlagUp != 0
				if nowUp == up {
					continue
				}
				up = nowUp
				if nowUp {
					out <- LinkUp{}
				} else {
					out <- LinkDown{}
				}

			case au, ok := <-addrCh:
				if !ok {
					return
				}
				if au.LinkIndex != index || !au.NewAddr {
					continue
				}
				out <- AddrAcquired{Addr: au.LinkAddress.IP}
			}
		}
	}()

	return out, nil
}
