package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/codefionn/relaygate/relaygate-srv/stats"
)

// StatsSource is anything that can report the live proxy counters.
type StatsSource interface {
	Stats() stats.CounterSnapshot
}

// StatsSourceFunc adapts a plain function to StatsSource.
type StatsSourceFunc func() stats.CounterSnapshot

func (f StatsSourceFunc) Stats() stats.CounterSnapshot { return f() }

// Data is the JSON document served for the stats page.
type Data struct {
	stats.CounterSnapshot
	FailedRequests  int64     `json:"failed_requests"`
	SuccessRate     float64   `json:"success_rate"`
	AuthSuccessRate float64   `json:"auth_success_rate"`
	BytesInHuman    string    `json:"bytes_in_human"`
	BytesOutHuman   string    `json:"bytes_out_human"`
	UptimeHuman     string    `json:"uptime_human"`
	LastUpdated     time.Time `json:"last_updated"`
}

// NewData derives the served document from a counter snapshot.
func NewData(s stats.CounterSnapshot) Data {
	return Data{
		CounterSnapshot: s,
		FailedRequests:  s.FailedRequests(),
		SuccessRate:     s.SuccessRate(),
		AuthSuccessRate: s.AuthSuccessRate(),
		BytesInHuman:    stats.FormatBytes(s.BytesIn),
		BytesOutHuman:   stats.FormatBytes(s.BytesOut),
		UptimeHuman:     stats.FormatDuration(s.Uptime),
		LastUpdated:     time.Now(),
	}
}

// WriteStatsJSON encodes the stats document for s to w.
func WriteStatsJSON(w io.Writer, s stats.CounterSnapshot) error {
	return json.NewEncoder(w).Encode(NewData(s))
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
