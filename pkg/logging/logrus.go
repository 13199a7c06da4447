// Package logging owns the process-wide logrus root and hands out
// component-scoped loggers derived from it.
package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	rootMu sync.Mutex
	root   = newRoot()
)

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// Logger is the field-scoped logger handed to components.
type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

// Setter mutates the shared root logger under lock.
type Setter func(*logrus.Logger) error

// New returns a logger scoped to the named component. Setters are applied to
// the shared root logger before the component logger is derived.
func New(component string, setters ...Setter) Logger {
	for _, s := range setters {
		_ = Set(s)
	}
	return root.WithField("component", component)
}

// Set applies a Setter to the root logger.
func Set(setter Setter) error {
	rootMu.Lock()
	defer rootMu.Unlock()
	return setter(root)
}

// Level returns a Setter adjusting the root logger's level. An unparsable
// level falls back to debug so misconfiguration is loud rather than silent.
func Level(lvl string) Setter {
	parsed, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.WithError(err).Errorf("unable to parse provided level %q", lvl)
		parsed = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(parsed)
		return nil
	}
}

// Output returns a Setter redirecting the root logger's output.
func Output(w io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(w)
		return nil
	}
}

// AddHook returns a Setter attaching a hook to the root logger. Used to
// attach the diagnostics forwarder once a session is available.
func AddHook(hook logrus.Hook) Setter {
	return func(r *logrus.Logger) error {
		r.AddHook(hook)
		return nil
	}
}

// debugBuild is set through -ldflags to mark builds carrying extra
// diagnostics paths.
var debugBuild string

// Debuggable reports whether this binary is a debug build.
func Debuggable() bool {
	return debugBuild != ""
}
