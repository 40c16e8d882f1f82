package log

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dlog"
)

// MakeBaseLogger configures the given context with a logrus-backed dlog logger
// using vmount's log format, and returns that context. The returned context
// also carries a level setter, see SetLevel.
func MakeBaseLogger(ctx context.Context, logLevel string) context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(NewFormatter("2006-01-02 15:04:05.0000"))

	SetLogrusLevel(logrusLogger, logLevel, false)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	ctx = dlog.WithLogger(ctx, logger)
	return WithLevelSetter(ctx, logrusLogger)
}
