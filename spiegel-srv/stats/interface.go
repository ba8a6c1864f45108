package stats

import (
	"context"
	"time"
)

// Collector records proxy traffic. Implementations must be safe for
// concurrent use; recording failures are reported to the caller but never
// interrupt proxying.
type Collector interface {
	// StartConnection registers a proxied connection and returns an ID for
	// later correlation.
	StartConnection(ctx context.Context, clientAddr, targetHost string, targetPort int, protocol string) (int64, error)

	// EndConnection finalizes a connection with its transfer totals.
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// RecordRequest records one forwarded HTTP request and its response
	// status.
	RecordRequest(ctx context.Context, connectionID int64, method, host string, statusCode int) error

	// RecordAuthFailure records a request rejected with 407.
	RecordAuthFailure(ctx context.Context, clientAddr string) error

	// Summary reports aggregate counters.
	Summary(ctx context.Context) (*Summary, error)

	// Close releases backend resources.
	Close() error
}

// Summary holds aggregate traffic counters.
type Summary struct {
	Connections       int64
	ActiveConnections int64
	Requests          int64
	AuthFailures      int64
	BytesSent         int64
	BytesReceived     int64
}
