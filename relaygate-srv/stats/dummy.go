package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	return nil
}

func (d *DummyCollector) EndConnection(ctx context.Context, connectionID string, bytesIn, bytesOut int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordRequest(ctx context.Context, info RequestInfo) error {
	return nil
}

func (d *DummyCollector) RecordDecision(ctx context.Context, info DecisionInfo) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, connectionID, kind, message string) error {
	return nil
}

func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
