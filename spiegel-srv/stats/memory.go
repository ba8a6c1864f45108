package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCollector keeps aggregate counters in process memory. Counters use
// atomics on the hot path; the connection ID map is guarded by a mutex.
type MemoryCollector struct {
	connections   atomic.Int64
	active        atomic.Int64
	requests      atomic.Int64
	authFailures  atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	mu     sync.Mutex
	nextID int64
	open   map[int64]struct{}
}

// NewMemoryCollector creates an in-memory collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		open: make(map[int64]struct{}),
	}
}

func (m *MemoryCollector) StartConnection(ctx context.Context, clientAddr, targetHost string, targetPort int, protocol string) (int64, error) {
	m.connections.Add(1)
	m.active.Add(1)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.open[id] = struct{}{}
	m.mu.Unlock()

	return id, nil
}

func (m *MemoryCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	m.mu.Lock()
	_, known := m.open[connectionID]
	delete(m.open, connectionID)
	m.mu.Unlock()

	if known {
		m.active.Add(-1)
	}
	m.bytesSent.Add(bytesSent)
	m.bytesReceived.Add(bytesReceived)
	return nil
}

func (m *MemoryCollector) RecordRequest(ctx context.Context, connectionID int64, method, host string, statusCode int) error {
	m.requests.Add(1)
	return nil
}

func (m *MemoryCollector) RecordAuthFailure(ctx context.Context, clientAddr string) error {
	m.authFailures.Add(1)
	return nil
}

func (m *MemoryCollector) Summary(ctx context.Context) (*Summary, error) {
	return &Summary{
		Connections:       m.connections.Load(),
		ActiveConnections: m.active.Load(),
		Requests:          m.requests.Load(),
		AuthFailures:      m.authFailures.Load(),
		BytesSent:         m.bytesSent.Load(),
		BytesReceived:     m.bytesReceived.Load(),
	}, nil
}

func (m *MemoryCollector) Close() error {
	return nil
}
