package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type levelSetterKey struct{}

// WithLevelSetter returns a context from which SetLevel can change the level
// of logrusLogger at runtime.
func WithLevelSetter(ctx context.Context, logrusLogger *logrus.Logger) context.Context {
	return context.WithValue(ctx, levelSetterKey{}, func(level string) {
		SetLogrusLevel(logrusLogger, level, true)
	})
}

// SetLevel changes the level of the logger that the context was configured
// with. Contexts without a level setter ignore the call.
func SetLevel(ctx context.Context, level string) {
	if set, ok := ctx.Value(levelSetterKey{}).(func(string)); ok {
		set(level)
	}
}

// SetLogrusLevel parses level and applies it to logrusLogger. An empty or
// unparsable level means info. Caller reporting is only on at trace level.
func SetLogrusLevel(logrusLogger *logrus.Logger, level string, logChange bool) {
	parsed := logrus.InfoLevel
	if level != "" {
		var err error
		if parsed, err = logrus.ParseLevel(level); err != nil {
			parsed = logrus.InfoLevel
			logrusLogger.Errorf("%v, falling back to %q", err, parsed)
		}
	}
	if logrusLogger.GetLevel() == parsed {
		return
	}
	logrusLogger.SetLevel(parsed)
	logrusLogger.SetReportCaller(parsed == logrus.TraceLevel)
	if logChange {
		logrusLogger.Logf(parsed, "Log level changed to %q", parsed)
	}
}
