package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/logger"
)

// DefaultBufferLimit bounds the number of records held between flushes.
const DefaultBufferLimit = 10000

type recordKind int

const (
	recordConnectionStart recordKind = iota
	recordConnectionEnd
	recordRequest
	recordDecision
	recordError
)

type bufferedRecord struct {
	kind       recordKind
	connection ConnectionInfo
	request    RequestInfo
	decision   DecisionInfo
	errInfo    ErrorInfo

	connectionID string
	bytesIn      int64
	bytesOut     int64
	duration     time.Duration
	closeReason  string
}

// BufferedCollector queues events in memory and writes them to the
// underlying collector from a background goroutine, so connection handlers
// never wait on the database. Records are flushed in arrival order.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration
	limit      int

	buffer struct {
		records []bufferedRecord
		dropped int64
		mu      sync.Mutex
	}

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewBufferedCollector creates a new buffered collector flushing every 5 seconds
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second)
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		limit:      DefaultBufferLimit,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
	bc.buffer.records = make([]bufferedRecord, 0, 256)

	go bc.flusher()

	return bc
}

// flusher runs in the background and flushes data every interval
func (b *BufferedCollector) flusher() {
	defer close(b.doneChan)

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopChan:
			b.Flush()
			return
		}
	}
}

func (b *BufferedCollector) push(rec bufferedRecord) {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	if len(b.buffer.records) >= b.limit {
		b.buffer.dropped++
		return
	}
	b.buffer.records = append(b.buffer.records, rec)
}

// StartConnection records the start of a connection
func (b *BufferedCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	b.push(bufferedRecord{kind: recordConnectionStart, connection: info})
	return nil
}

// EndConnection records the end of a connection
func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID string, bytesIn, bytesOut int64, duration time.Duration, closeReason string) error {
	b.push(bufferedRecord{
		kind:         recordConnectionEnd,
		connectionID: connectionID,
		bytesIn:      bytesIn,
		bytesOut:     bytesOut,
		duration:     duration,
		closeReason:  closeReason,
	})
	return nil
}

// RecordRequest records one parsed request
func (b *BufferedCollector) RecordRequest(ctx context.Context, info RequestInfo) error {
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now()
	}
	b.push(bufferedRecord{kind: recordRequest, request: info})
	return nil
}

// RecordDecision records a policy decision
func (b *BufferedCollector) RecordDecision(ctx context.Context, info DecisionInfo) error {
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now()
	}
	b.push(bufferedRecord{kind: recordDecision, decision: info})
	return nil
}

// RecordError records an error
func (b *BufferedCollector) RecordError(ctx context.Context, connectionID, kind, message string) error {
	b.push(bufferedRecord{kind: recordError, errInfo: ErrorInfo{
		ConnectionID: connectionID,
		Kind:         kind,
		Message:      message,
		Timestamp:    time.Now(),
	}})
	return nil
}

// HealthCheck checks if the underlying collector is healthy
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Pending returns the number of buffered records and the number of records
// dropped because the buffer was full.
func (b *BufferedCollector) Pending() (int, int64) {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	return len(b.buffer.records), b.buffer.dropped
}

// Flush writes all buffered records to the underlying collector.
func (b *BufferedCollector) Flush() {
	b.buffer.mu.Lock()
	records := b.buffer.records
	dropped := b.buffer.dropped
	b.buffer.records = make([]bufferedRecord, 0, cap(records))
	b.buffer.dropped = 0
	b.buffer.mu.Unlock()

	if dropped > 0 {
		logger.Warn("Stats buffer full, dropped %d records", dropped)
	}
	if len(records) == 0 {
		return
	}

	logger.Debug("Flushing stats data %d", len(records))

	ctx := context.Background()
	failures := 0
	for i := range records {
		rec := &records[i]
		var err error
		switch rec.kind {
		case recordConnectionStart:
			err = b.underlying.StartConnection(ctx, rec.connection)
		case recordConnectionEnd:
			err = b.underlying.EndConnection(ctx, rec.connectionID, rec.bytesIn, rec.bytesOut, rec.duration, rec.closeReason)
		case recordRequest:
			err = b.underlying.RecordRequest(ctx, rec.request)
		case recordDecision:
			err = b.underlying.RecordDecision(ctx, rec.decision)
		case recordError:
			err = b.underlying.RecordError(ctx, rec.errInfo.ConnectionID, rec.errInfo.Kind, rec.errInfo.Message)
		}
		if err != nil {
			failures++
			if failures == 1 {
				logger.Error("Failed to flush stats record: %v", err)
			}
		}
	}
	if failures > 1 {
		logger.Error("Failed to flush %d stats records", failures)
	}
}

// Close stops the flusher, writes the remaining records and closes the
// underlying collector.
func (b *BufferedCollector) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		<-b.doneChan
		err = b.underlying.Close()
	})
	return err
}
