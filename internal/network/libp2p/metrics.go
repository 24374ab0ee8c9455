package libp2p

import (
	"sync"
	"time"
)

// Metrics collects gossip and stream traffic statistics for one node.
// Distinct from internal/netevent's Prometheus-backed channel metrics:
// this is transport-layer bookkeeping (messages, bytes, compression,
// errors), kept in-process and exposed via Snapshot.
type Metrics struct {
	mu sync.Mutex

	messagesSent     map[string]int64
	messagesReceived map[string]int64

	bytesSent     int64
	bytesReceived int64

	bytesBeforeCompression int64
	bytesAfterCompression  int64

	errors map[string]int64

	startTime time.Time
}

// NewMetrics creates an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		messagesSent:     make(map[string]int64),
		messagesReceived: make(map[string]int64),
		errors:           make(map[string]int64),
		startTime:        time.Now(),
	}
}

func (m *Metrics) RecordMessageSent(topic string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesSent[topic]++
	m.bytesSent += int64(size)
}

func (m *Metrics) RecordMessageReceived(topic string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesReceived[topic]++
	m.bytesReceived += int64(size)
}

func (m *Metrics) RecordCompression(originalSize, compressedSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesBeforeCompression += int64(originalSize)
	m.bytesAfterCompression += int64(compressedSize)
}

func (m *Metrics) RecordError(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[errorType]++
}

// Snapshot is a point-in-time view of the collected metrics.
type Snapshot struct {
	Uptime                time.Duration
	TotalMessagesSent     int64
	TotalMessagesReceived int64
	BytesSent             int64
	BytesReceived         int64
	CompressionRatio      float64
	Errors                map[string]int64
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Uptime:        time.Since(m.startTime),
		BytesSent:     m.bytesSent,
		BytesReceived: m.bytesReceived,
		Errors:        make(map[string]int64, len(m.errors)),
	}
	for _, c := range m.messagesSent {
		snap.TotalMessagesSent += c
	}
	for _, c := range m.messagesReceived {
		snap.TotalMessagesReceived += c
	}
	if m.bytesBeforeCompression > 0 {
		snap.CompressionRatio = float64(m.bytesAfterCompression) / float64(m.bytesBeforeCompression)
	}
	for k, v := range m.errors {
		snap.Errors[k] = v
	}
	return snap
}
