//go:build !linux
// +build !linux

package netmon

import (
	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/pkg/errors"
)

// NewPlatformLink has no implementation off Linux; the agent only ships on
// Linux devices.
func NewPlatformLink(log logging.Logger, iface string) (Link, error) {
	return nil, errors.New("no link implementation for this platform")
}
