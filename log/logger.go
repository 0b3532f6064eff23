// Package log is the application logger: a small structured logging
// interface backed by zerolog.
package log

import "context"

// Fields are structured key/value pairs attached to a log line.
type Fields = map[string]any

// Logger defines the logging surface the bridge components depend on.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	Error(ctx context.Context, msg string, err error, fields ...Fields)
	Fatal(ctx context.Context, msg string, err error, fields ...Fields) // exits the process
	With(fields Fields) Logger
}
