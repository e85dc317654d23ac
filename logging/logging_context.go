package logging

import (
	"context"

	"github.com/roscomm/roscomm/logger"
)

type contextKey int

const (
	contextKeyLogger contextKey = 1 + iota
)

func WithLogger(ctx context.Context, log logger.Logger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, log)
}

// GetLogger returns the logger stored in ctx, tagged with subsys.
// A null logger is returned if ctx carries none.
func GetLogger(ctx context.Context, subsys Subsystem) logger.Logger {
	if log, ok := ctx.Value(contextKeyLogger).(logger.Logger); ok {
		return LogSubsystem(log, subsys)
	}
	return logger.NewNullLogger()
}
