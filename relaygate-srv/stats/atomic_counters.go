package stats

import (
	"sync/atomic"
	"time"
)

// AtomicInt64Counter is a lock-free 64-bit integer counter
type AtomicInt64Counter int64

// Add atomically adds delta to the counter and returns the new value
func (c *AtomicInt64Counter) Add(delta int64) int64 {
	return atomic.AddInt64((*int64)(c), delta)
}

// Inc atomically increments the counter by one and returns the new value
func (c *AtomicInt64Counter) Inc() int64 {
	return c.Add(1)
}

// Load atomically loads the current value
func (c *AtomicInt64Counter) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Store atomically stores the value
func (c *AtomicInt64Counter) Store(value int64) {
	atomic.StoreInt64((*int64)(c), value)
}

// CompareAndSwap performs atomic compare-and-swap
func (c *AtomicInt64Counter) CompareAndSwap(old, new int64) bool {
	return atomic.CompareAndSwapInt64((*int64)(c), old, new)
}

// StoreMax raises the counter to value if value is larger.
func (c *AtomicInt64Counter) StoreMax(value int64) {
	for {
		cur := c.Load()
		if value <= cur || c.CompareAndSwap(cur, value) {
			return
		}
	}
}

// Counters holds the process-wide proxy counters. Every field is updated
// with atomic operations only, so readers never block the hot path.
type Counters struct {
	TotalConnections    AtomicInt64Counter
	ActiveConnections   AtomicInt64Counter
	PeakConnections     AtomicInt64Counter
	RejectedConnections AtomicInt64Counter
	ClosedConnections   AtomicInt64Counter
	TotalRequests       AtomicInt64Counter
	AuthAttempts        AtomicInt64Counter
	AuthFailures        AtomicInt64Counter
	ACLDenials          AtomicInt64Counter
	FilterDenials       AtomicInt64Counter
	PortDenials         AtomicInt64Counter
	BadRequests         AtomicInt64Counter
	UpstreamErrors      AtomicInt64Counter
	IOErrors            AtomicInt64Counter
	BytesIn             AtomicInt64Counter
	BytesOut            AtomicInt64Counter

	startedAt time.Time
}

// NewCounters creates a zeroed counter set whose uptime starts now.
func NewCounters() *Counters {
	return &Counters{startedAt: time.Now()}
}

// StartedAt returns when the counters were created.
func (c *Counters) StartedAt() time.Time {
	return c.startedAt
}

// TryAcquire increments ActiveConnections if it is below limit. A limit of
// zero or less means unlimited.
func (c *Counters) TryAcquire(limit int64) bool {
	for {
		cur := c.ActiveConnections.Load()
		if limit > 0 && cur >= limit {
			return false
		}
		if c.ActiveConnections.CompareAndSwap(cur, cur+1) {
			c.PeakConnections.StoreMax(cur + 1)
			return true
		}
	}
}

// Release decrements ActiveConnections and counts the closed connection.
func (c *Counters) Release() {
	c.ActiveConnections.Add(-1)
	c.ClosedConnections.Inc()
}

// AddTransfer flushes the byte totals of one finished connection.
func (c *Counters) AddTransfer(bytesIn, bytesOut int64) {
	if bytesIn > 0 {
		c.BytesIn.Add(bytesIn)
	}
	if bytesOut > 0 {
		c.BytesOut.Add(bytesOut)
	}
}

// Snapshot returns a copy of all counter values. Each field is read
// atomically; the set as a whole is not.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		TotalConnections:    c.TotalConnections.Load(),
		ActiveConnections:   c.ActiveConnections.Load(),
		PeakConnections:     c.PeakConnections.Load(),
		RejectedConnections: c.RejectedConnections.Load(),
		ClosedConnections:   c.ClosedConnections.Load(),
		TotalRequests:       c.TotalRequests.Load(),
		AuthAttempts:        c.AuthAttempts.Load(),
		AuthFailures:        c.AuthFailures.Load(),
		ACLDenials:          c.ACLDenials.Load(),
		FilterDenials:       c.FilterDenials.Load(),
		PortDenials:         c.PortDenials.Load(),
		BadRequests:         c.BadRequests.Load(),
		UpstreamErrors:      c.UpstreamErrors.Load(),
		IOErrors:            c.IOErrors.Load(),
		BytesIn:             c.BytesIn.Load(),
		BytesOut:            c.BytesOut.Load(),
		StartedAt:           c.startedAt,
		Uptime:              time.Since(c.startedAt),
	}
}

// CounterSnapshot represents a snapshot of counter values
type CounterSnapshot struct {
	TotalConnections    int64         `json:"total_connections"`
	ActiveConnections   int64         `json:"active_connections"`
	PeakConnections     int64         `json:"peak_connections"`
	RejectedConnections int64         `json:"rejected_connections"`
	ClosedConnections   int64         `json:"closed_connections"`
	TotalRequests       int64         `json:"total_requests"`
	AuthAttempts        int64         `json:"auth_attempts"`
	AuthFailures        int64         `json:"auth_failures"`
	ACLDenials          int64         `json:"acl_denials"`
	FilterDenials       int64         `json:"filter_denials"`
	PortDenials         int64         `json:"port_denials"`
	BadRequests         int64         `json:"bad_requests"`
	UpstreamErrors      int64         `json:"upstream_errors"`
	IOErrors            int64         `json:"io_errors"`
	BytesIn             int64         `json:"bytes_in"`
	BytesOut            int64         `json:"bytes_out"`
	StartedAt           time.Time     `json:"started_at"`
	Uptime              time.Duration `json:"uptime_ns"`
}

// FailedRequests sums the requests that ended in a client, upstream or
// transport error.
func (s CounterSnapshot) FailedRequests() int64 {
	return s.BadRequests + s.UpstreamErrors + s.IOErrors
}

// SuccessRate returns the share of processed requests in percent.
func (s CounterSnapshot) SuccessRate() float64 {
	total := s.TotalRequests + s.FailedRequests()
	if total == 0 {
		return 0
	}
	return float64(s.TotalRequests) / float64(total) * 100
}

// AuthSuccessRate returns the share of successful authentications in percent.
func (s CounterSnapshot) AuthSuccessRate() float64 {
	if s.AuthAttempts == 0 {
		return 0
	}
	return float64(s.AuthAttempts-s.AuthFailures) / float64(s.AuthAttempts) * 100
}
