// Package store persists completed sessions and reconstructed tool calls.
package store

import (
	"context"
	"time"
)

// SessionRecord is the persisted summary of one intercepted stream.
type SessionRecord struct {
	ID             string
	Host           string
	Path           string
	StartedAt      time.Time
	EndedAt        time.Time
	Chunks         int
	BytesExtracted int64
	BytesDelivered int64
	ForcedFlushes  int
}

// ToolCallRecord is one reconstructed invocation, tied to its session.
type ToolCallRecord struct {
	ID        string
	SessionID string
	Name      string
	Arguments map[string]any
	Timestamp time.Time
}

// Store is the persistence interface consumed by the proxy.
type Store interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	SaveToolCall(ctx context.Context, rec *ToolCallRecord) error
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
	ListToolCalls(ctx context.Context, sessionID string) ([]*ToolCallRecord, error)
	Close() error
}
