// Package testhelper collects small test utilities shared across the
// overpass package's test files.
package testhelper

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Context returns a context bound to the test's deadline (or 30s from now
// if the test has none), along with its cancel func.
func Context(ctx context.Context, t *testing.T) (context.Context, context.CancelFunc) {
	deadline, found := t.Deadline()
	if !found {
		deadline = time.Now().Add(30 * time.Second)
	}

	return context.WithDeadline(ctx, deadline)
}

// Logger returns a logger that writes to the test log, at debug level
// under -v and error level otherwise.
func Logger(t *testing.T) zerolog.Logger {
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.ErrorLevel)
	if testing.Verbose() {
		logger = logger.Level(zerolog.DebugLevel)
	}

	return logger.With().Caller().Timestamp().Logger()
}

// NewTestLogger creates a logger that discards all output, for tests that
// need a logger but don't care about what it prints.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// MustReadFile reads filename or fails the test.
func MustReadFile(t *testing.T, filename string) []byte {
	t.Helper()

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	return data
}
