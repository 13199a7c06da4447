// Package reboot requests a device restart once an update is activated. The
// receiver treats the request as fire-and-forget: activation already
// committed the boot target, so a failed request only delays the new image
// until the next restart.
package reboot

import (
	"os/exec"

	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/pkg/errors"
)

// Restarter requests a device reset.
type Restarter interface {
	Restart() error
}

// Command shells out to the platform reboot binary. Used where systemd (or
// D-Bus) is not available.
type Command struct {
	log logging.Logger
}

// NewCommand returns the exec-based restarter.
func NewCommand(log logging.Logger) *Command {
	return &Command{log: log}
}

// Restart invokes the reboot binary and waits for it to be accepted.
func (c *Command) Restart() error {
	c.log.Info("requesting restart via reboot(8)")
	if err := exec.Command("reboot").Run(); err != nil {
		return errors.Wrap(err, "reboot command failed")
	}
	return nil
}

// Noop records that a restart would have been requested. Used by --once dry
// deployments and tests.
type Noop struct {
	log logging.Logger

	// Requested counts restart requests for inspection.
	Requested int
}

// NewNoop returns the inert restarter.
func NewNoop(log logging.Logger) *Noop {
	return &Noop{log: log}
}

// Restart logs and returns.
func (n *Noop) Restart() error {
	n.Requested++
	n.log.Warn("restart requested but suppressed by configuration")
	return nil
}
