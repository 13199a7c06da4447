package reboot

import (
	"os"
	"strconv"

	dbus "github.com/godbus/dbus/v5"
	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/pkg/errors"
)

const (
	logindService   = "org.freedesktop.login1"
	logindPath      = dbus.ObjectPath("/org/freedesktop/login1")
	logindReboot    = "org.freedesktop.login1.Manager.Reboot"
	systemBusSocket = "unix:path=/run/dbus/system_bus_socket"
)

// Logind asks systemd-logind for the reboot over the system bus.
type Logind struct {
	log    logging.Logger
	socket string
}

var _ Restarter = (*Logind)(nil)

// NewLogind returns the logind-backed restarter. An empty socket uses the
// standard system bus location.
func NewLogind(log logging.Logger, socket string) *Logind {
	if socket == "" {
		socket = systemBusSocket
	}
	return &Logind{log: log, socket: socket}
}

// Restart calls logind's Reboot method without interactive authorization.
func (l *Logind) Restart() error {
	conn, err := l.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	l.log.Info("requesting restart via logind")
	call := conn.Object(logindService, logindPath).Call(logindReboot, 0, false)
	if call.Err != nil {
		return errors.Wrap(call.Err, "logind reboot call failed")
	}
	return nil
}

func (l *Logind) connect() (*dbus.Conn, error) {
	conn, err := dbus.Dial(l.socket)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to system bus")
	}
	// Authenticate with the user's authority.
	methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
	if err := conn.Auth(methods); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "unable to authenticate with system bus")
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "unable to register on system bus")
	}
	return conn, nil
}
