package stats

import (
	"context"
	"time"
)

// DummyCollector discards everything. Used when statistics are disabled.
type DummyCollector struct{}

// NewDummyCollector creates a collector that records nothing.
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(ctx context.Context, clientAddr, targetHost string, targetPort int, protocol string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordRequest(ctx context.Context, connectionID int64, method, host string, statusCode int) error {
	return nil
}

func (d *DummyCollector) RecordAuthFailure(ctx context.Context, clientAddr string) error {
	return nil
}

func (d *DummyCollector) Summary(ctx context.Context) (*Summary, error) {
	return &Summary{}, nil
}

func (d *DummyCollector) Close() error {
	return nil
}
