package diagnostics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
)

func testLogger(sink logrus.Hook) logging.Logger {
	return logging.New("diagnostics-test",
		logging.AddHook(sink),
		logging.Output(new(bytes.Buffer)),
	)
}

func TestFramesArePrefixed(t *testing.T) {
	var sink bytes.Buffer
	log := testLogger(NewForwarder(&sink))

	log.Warn("partition table mismatch")

	frame := sink.String()
	assert.Check(t, strings.HasPrefix(frame, "LOG:"))
	assert.Check(t, strings.Contains(frame, "partition table mismatch"))
}

func TestOnlyConfiguredLevelsForward(t *testing.T) {
	var sink bytes.Buffer
	log := testLogger(NewForwarder(&sink))

	log.Info("chatter")
	assert.Check(t, sink.Len() == 0)

	log.Error("flash write rejected")
	assert.Check(t, strings.Contains(sink.String(), "flash write rejected"))
}

func TestCustomLevels(t *testing.T) {
	var sink bytes.Buffer
	log := testLogger(NewForwarder(&sink, logrus.AllLevels[:logrus.InfoLevel+1]...))
	logging.Set(logging.Level("info"))

	log.Info("now forwarded")
	assert.Check(t, strings.Contains(sink.String(), "now forwarded"))
}

// deadSink refuses every write, standing in for a dropped session.
type deadSink struct{}

func (deadSink) Write(b []byte) (int, error) {
	return 0, errors.New("use of closed connection")
}

func TestDeadSinkDoesNotDisturbLogging(t *testing.T) {
	log := testLogger(NewForwarder(deadSink{}))

	// Must not panic or error back into the caller.
	log.Error("still logged locally")
}

func TestEachEntryIsOneFrame(t *testing.T) {
	var sink bytes.Buffer
	log := testLogger(NewForwarder(&sink))

	log.Warn("first")
	log.Warn("second")

	frames := strings.Count(sink.String(), "LOG:")
	assert.Check(t, frames == 2)
}
