package stats

import (
	"context"
	"time"
)

// Collector is the sink for per-connection proxy events. Implementations
// must be safe for concurrent use by many connection handlers.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, info ConnectionInfo) error
	EndConnection(ctx context.Context, connectionID string, bytesIn, bytesOut int64, duration time.Duration, closeReason string) error

	// Request tracking
	RecordRequest(ctx context.Context, info RequestInfo) error

	// Policy decisions (acl, auth, filter, port)
	RecordDecision(ctx context.Context, info DecisionInfo) error

	// Error tracking
	RecordError(ctx context.Context, connectionID, kind, message string) error

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// ConnectionInfo holds information about an accepted connection
type ConnectionInfo struct {
	ID        string
	ClientIP  string
	Listener  string
	StartedAt time.Time
}

// RequestInfo holds information about one parsed request
type RequestInfo struct {
	ConnectionID string
	Method       string
	Target       string
	Host         string
	User         string
	Route        string
	StatusCode   int
	Timestamp    time.Time
}

// DecisionInfo holds one policy decision
type DecisionInfo struct {
	ConnectionID string
	ClientIP     string
	Stage        string
	Action       string
	Target       string
	Reason       string
	Timestamp    time.Time
}

// ErrorInfo holds information about an error
type ErrorInfo struct {
	ConnectionID string
	Kind         string
	Message      string
	Timestamp    time.Time
}
