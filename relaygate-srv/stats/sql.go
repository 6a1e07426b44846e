package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlCollector holds the statements shared by the SQLite and PostgreSQL
// collectors. Queries are written with '?' placeholders and rebound for
// drivers that use numbered parameters.
type sqlCollector struct {
	db     *sql.DB
	driver string
}

func (s *sqlCollector) bind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.bind(query), args...)
	return err
}

// nullable turns empty strings into SQL NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// StartConnection records the start of a connection
func (s *sqlCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	startedAt := info.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	err := s.exec(ctx,
		`INSERT INTO connections (connection_uuid, client_ip, listener, started_at)
		 VALUES (?, ?, ?, ?)`,
		info.ID, nullable(info.ClientIP), nullable(info.Listener), startedAt)
	if err != nil {
		return fmt.Errorf("failed to record connection start: %w", err)
	}
	return nil
}

// EndConnection records the end of a connection
func (s *sqlCollector) EndConnection(ctx context.Context, connectionID string, bytesIn, bytesOut int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_in = ?, bytes_out = ?, duration_ms = ?, close_reason = ?
		 WHERE connection_uuid = ?`,
		time.Now(), bytesIn, bytesOut, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordRequest records one parsed request
func (s *sqlCollector) RecordRequest(ctx context.Context, info RequestInfo) error {
	ts := info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	err := s.exec(ctx,
		`INSERT INTO requests (connection_uuid, method, target, host, username, route, status_code, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ConnectionID, info.Method, info.Target, nullable(info.Host), nullable(info.User),
		nullable(info.Route), info.StatusCode, ts)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// RecordDecision records a policy decision
func (s *sqlCollector) RecordDecision(ctx context.Context, info DecisionInfo) error {
	ts := info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	err := s.exec(ctx,
		`INSERT INTO policy_decisions (connection_uuid, client_ip, stage, action, target, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullable(info.ConnectionID), nullable(info.ClientIP), info.Stage, info.Action,
		nullable(info.Target), nullable(info.Reason), ts)
	if err != nil {
		return fmt.Errorf("failed to record policy decision: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *sqlCollector) RecordError(ctx context.Context, connectionID, kind, message string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_uuid, kind, message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		nullable(connectionID), kind, message, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// HealthCheck pings the database
func (s *sqlCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *sqlCollector) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CountRows returns the number of rows in table. Only the collector tables
// are accepted.
func (s *sqlCollector) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "connections", "requests", "policy_decisions", "errors":
	default:
		return 0, fmt.Errorf("unknown table: %s", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
