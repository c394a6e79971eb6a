// Package stats holds the process-wide monotonic counters described in
// §3: message/byte totals and task outcomes, updated atomically so the
// dispatcher's hot path and the read-only observability surface never
// contend on a lock.
package stats

import "sync/atomic"

// Counters is a set of monotonically non-decreasing totals for the
// lifetime of the process.
type Counters struct {
	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64
	tasksProcessed   uint64
	tasksFailed      uint64
}

// Snapshot is a point-in-time, lock-free copy of Counters.
type Snapshot struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	TasksProcessed   uint64 `json:"tasks_processed"`
	TasksFailed      uint64 `json:"tasks_failed"`
}

// RecordSent accounts for one outbound datagram.
func (c *Counters) RecordSent(bytes int) {
	atomic.AddUint64(&c.messagesSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(bytes))
}

// RecordReceived accounts for one inbound datagram.
func (c *Counters) RecordReceived(bytes int) {
	atomic.AddUint64(&c.messagesReceived, 1)
	atomic.AddUint64(&c.bytesReceived, uint64(bytes))
}

// RecordTaskProcessed increments the successful-completion counter.
func (c *Counters) RecordTaskProcessed() {
	atomic.AddUint64(&c.tasksProcessed, 1)
}

// RecordTaskFailed increments the failed-completion counter.
func (c *Counters) RecordTaskFailed() {
	atomic.AddUint64(&c.tasksFailed, 1)
}

// Snapshot returns a consistent-per-field read of every counter. Exact
// cross-field consistency is not guaranteed, matching §5's resource model.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		MessagesSent:     atomic.LoadUint64(&c.messagesSent),
		MessagesReceived: atomic.LoadUint64(&c.messagesReceived),
		BytesSent:        atomic.LoadUint64(&c.bytesSent),
		BytesReceived:    atomic.LoadUint64(&c.bytesReceived),
		TasksProcessed:   atomic.LoadUint64(&c.tasksProcessed),
		TasksFailed:      atomic.LoadUint64(&c.tasksFailed),
	}
}
