// Package diagnostics forwards log lines over an established session to the
// update server. Each line is framed as "LOG:" + text in a single write; no
// length prefix, no escaping of the sentinel within the text. The forwarder
// is strictly best-effort: a dead sink never disturbs the update path.
package diagnostics

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const framePrefix = "LOG:"

// DefaultLevels matches the original device behavior of forwarding warnings
// and worse.
var DefaultLevels = []logrus.Level{
	logrus.PanicLevel,
	logrus.FatalLevel,
	logrus.ErrorLevel,
	logrus.WarnLevel,
}

// Forwarder directs matched levels to the session as tagged frames.
type Forwarder struct {
	mu     sync.Mutex
	sink   io.Writer
	levels []logrus.Level
}

var _ logrus.Hook = (*Forwarder)(nil)

// NewForwarder wraps an already-open session (or any writer). Levels default
// to DefaultLevels when none are given.
func NewForwarder(sink io.Writer, levels ...logrus.Level) *Forwarder {
	if len(levels) == 0 {
		levels = DefaultLevels
	}
	return &Forwarder{sink: sink, levels: levels}
}

// Fire is invoked when logrus tries to log any message. Write failures are
// swallowed: losing a diagnostic frame must not affect the caller.
func (f *Forwarder) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.Write(append([]byte(framePrefix), line...))
	return nil
}

// Levels returns the log levels this hook is being applied to.
func (f *Forwarder) Levels() []logrus.Level {
	return f.levels
}
