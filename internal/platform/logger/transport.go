package logger

//go:generate mockgen -source=transport.go -destination=mocks/transport_mock.go -package=mocks Transport

import "context"

// Transport is an output sink for log entries.
//
// Log is called from the logger's dispatch worker, concurrently with the
// other transports but never concurrently with itself. Returned errors and
// panics are reported to the fallback channel and otherwise ignored.
type Transport interface {
	Name() string
	Enabled() bool
	MinLevel() Level
	Log(ctx context.Context, e Entry) error
	// Flush writes out anything the transport buffers.
	Flush(ctx context.Context) error
}

// Closer is implemented by transports that hold resources released on Logger.Close.
type Closer interface {
	Close() error
}
