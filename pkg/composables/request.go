package composables

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pulsehq/pulse-sdk/pkg/constants"
)

// UseLogger returns the logger entry from the context. Falls back to the
// standard logger so library code can always log.
func UseLogger(ctx context.Context) *logrus.Entry {
	logger := ctx.Value(constants.LoggerKey)
	if logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return logger.(*logrus.Entry)
}

// WithLogger returns a new context carrying the given logger entry.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, constants.LoggerKey, logger)
}
