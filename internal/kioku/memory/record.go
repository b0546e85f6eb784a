// Package memory implements Kioku's semantic memory: an exact inner-product
// vector index over past conversation turns, durable snapshots of that index,
// context-block composition for injection into outgoing requests, and the
// background ingestion pipeline that feeds new exchanges into the index.
package memory

import "time"

// Role identifies who produced a stored conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MemoryRecord is one stored conversation turn. Records are immutable after
// creation; the id is assigned by the store from a monotonically increasing
// counter and is never reused, even across restarts.
type MemoryRecord struct {
	ID             int64
	Text           string
	Role           Role
	ConversationID string
	Model          string
	CreatedAt      time.Time
}
