// Package testoutput interleaves component logger output with test output.
package testoutput

import (
	"testing"

	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Logger redirects the logger's output to t and raises the level to debug so
// failures carry the full trace. The underlying logrus logger is shared;
// tests using this must not run in parallel.
func Logger(t testing.TB, logger logging.Logger) logging.Logger {
	scoped := logger.WithFields(logrus.Fields{})
	scoped.Logger.SetOutput(writer{t})
	scoped.Logger.SetLevel(logrus.DebugLevel)
	return scoped
}

type writer struct {
	t testing.TB
}

func (w writer) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
