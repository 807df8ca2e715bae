package transport

import (
	"sync/atomic"
	"time"
)

// Metrics counts connection and frame events for a listener or server.
// All fields are updated atomically and may be read while traffic flows.
type Metrics struct {
	// Connection metrics
	ActiveConnections   atomic.Int64
	AcceptedConnections atomic.Int64
	RejectedConnections atomic.Int64

	// Frame metrics
	FramesReceived atomic.Int64
	FramesHandled  atomic.Int64
	BytesReceived  atomic.Int64
	BytesSent      atomic.Int64

	// Error metrics
	ReadErrors    atomic.Int64
	WriteErrors   atomic.Int64
	ServiceErrors atomic.Int64

	// Latency of handled requests
	TotalLatencySum atomic.Int64 // nanoseconds
	LatencySamples  atomic.Int64

	StartTime time.Time
}

// NewMetrics creates a metrics instance whose uptime starts now.
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// RecordAccept counts an accepted connection that is now active.
func (m *Metrics) RecordAccept() {
	m.AcceptedConnections.Add(1)
	m.ActiveConnections.Add(1)
}

// RecordClose counts an active connection going away.
func (m *Metrics) RecordClose() {
	m.ActiveConnections.Add(-1)
}

// RecordReject counts a connection turned away by backpressure.
func (m *Metrics) RecordReject() {
	m.RejectedConnections.Add(1)
}

// RecordRead counts one inbound frame of n bytes.
func (m *Metrics) RecordRead(n int) {
	m.FramesReceived.Add(1)
	m.BytesReceived.Add(int64(n))
}

// RecordHandled counts a completed request, its response size and latency.
func (m *Metrics) RecordHandled(respBytes int, latency time.Duration) {
	m.FramesHandled.Add(1)
	m.BytesSent.Add(int64(respBytes))
	m.TotalLatencySum.Add(latency.Nanoseconds())
	m.LatencySamples.Add(1)
}

// RecordError counts an error of the given kind: "read", "write" or "service".
func (m *Metrics) RecordError(kind string) {
	switch kind {
	case "read":
		m.ReadErrors.Add(1)
	case "write":
		m.WriteErrors.Add(1)
	case "service":
		m.ServiceErrors.Add(1)
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	ActiveConnections   int64
	AcceptedConnections int64
	RejectedConnections int64
	FramesReceived      int64
	FramesHandled       int64
	BytesReceived       int64
	BytesSent           int64
	ReadErrors          int64
	WriteErrors         int64
	ServiceErrors       int64
	QueueDepth          int
	AvgLatencyUs        int64
	Uptime              time.Duration
	RequestsPerSec      float64
}

// Snapshot returns current values. QueueDepth is filled in by the owner.
func (m *Metrics) Snapshot() MetricsSnapshot {
	handled := m.FramesHandled.Load()
	samples := m.LatencySamples.Load()
	uptime := time.Since(m.StartTime)

	var avgLatencyUs int64
	if samples > 0 {
		avgLatencyUs = m.TotalLatencySum.Load() / samples / 1000
	}
	var rate float64
	if s := uptime.Seconds(); s > 0 {
		rate = float64(handled) / s
	}

	return MetricsSnapshot{
		ActiveConnections:   m.ActiveConnections.Load(),
		AcceptedConnections: m.AcceptedConnections.Load(),
		RejectedConnections: m.RejectedConnections.Load(),
		FramesReceived:      m.FramesReceived.Load(),
		FramesHandled:       handled,
		BytesReceived:       m.BytesReceived.Load(),
		BytesSent:           m.BytesSent.Load(),
		ReadErrors:          m.ReadErrors.Load(),
		WriteErrors:         m.WriteErrors.Load(),
		ServiceErrors:       m.ServiceErrors.Load(),
		AvgLatencyUs:        avgLatencyUs,
		Uptime:              uptime,
		RequestsPerSec:      rate,
	}
}
