package log

import (
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/datawire/dlib/dlog"
)

// testLogger forwards dlog output to a testing.TB, dropping anything more
// verbose than its level.
type testLogger struct {
	tb     testing.TB
	level  dlog.LogLevel
	prefix string
}

// NewTestLogger returns a dlog.Logger that logs through tb. Messages above
// level are dropped, so a test that exercises chatty machinery can keep its
// output readable.
func NewTestLogger(tb testing.TB, level dlog.LogLevel) dlog.Logger {
	return testLogger{tb: tb, level: level}
}

func (l testLogger) Helper() { l.tb.Helper() }

func (l testLogger) StdLogger(dlog.LogLevel) *log.Logger {
	return log.New(io.Discard, "", 0)
}

func (l testLogger) WithField(key string, value interface{}) dlog.Logger {
	l.prefix += fmt.Sprintf("%s=%v ", key, value)
	return l
}

var levelNames = map[dlog.LogLevel]string{
	dlog.LogLevelError: "error",
	dlog.LogLevelWarn:  "warn",
	dlog.LogLevelInfo:  "info",
	dlog.LogLevelDebug: "debug",
	dlog.LogLevelTrace: "trace",
}

func (l testLogger) Log(level dlog.LogLevel, msg string) {
	if level > l.level {
		return
	}
	l.tb.Helper()
	l.tb.Logf("%-5s %s%s", levelNames[level], l.prefix, msg)
}
