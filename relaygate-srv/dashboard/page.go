package dashboard

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
	"github.com/codefionn/relaygate/relaygate-srv/stats"
)

const pageStyle = `body{font-family:sans-serif;margin:2em;color:#333}` +
	`table{border-collapse:collapse}td,th{padding:4px 12px;text-align:left;border-bottom:1px solid #ddd}` +
	`th{color:#666;font-weight:normal}`

type statRow struct {
	label string
	value string
}

func statRows(s stats.CounterSnapshot) []statRow {
	n := func(v int64) string { return fmt.Sprintf("%d", v) }
	pct := func(v float64) string { return fmt.Sprintf("%.1f%%", v) }
	return []statRow{
		{"Uptime", stats.FormatDuration(s.Uptime)},
		{"Total connections", n(s.TotalConnections)},
		{"Active connections", n(s.ActiveConnections)},
		{"Peak connections", n(s.PeakConnections)},
		{"Rejected connections", n(s.RejectedConnections)},
		{"Total requests", n(s.TotalRequests)},
		{"Success rate", pct(s.SuccessRate())},
		{"Auth attempts", n(s.AuthAttempts)},
		{"Auth failures", n(s.AuthFailures)},
		{"Auth success rate", pct(s.AuthSuccessRate())},
		{"ACL denials", n(s.ACLDenials)},
		{"Filter denials", n(s.FilterDenials)},
		{"Port denials", n(s.PortDenials)},
		{"Bad requests", n(s.BadRequests)},
		{"Upstream errors", n(s.UpstreamErrors)},
		{"I/O errors", n(s.IOErrors)},
		{"Bytes in", stats.FormatBytes(s.BytesIn)},
		{"Bytes out", stats.FormatBytes(s.BytesOut)},
	}
}

// StatsPage renders the HTML stats page for s.
func StatsPage(title string, s stats.CounterSnapshot) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := templ.EscapeString(title)
		if _, err := fmt.Fprintf(w, "<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>%s</title><style>%s</style></head><body><h1>%s</h1><table>",
			title, pageStyle, title); err != nil {
			return err
		}
		for _, row := range statRows(s) {
			if _, err := fmt.Fprintf(w, "<tr><th>%s</th><td>%s</td></tr>",
				templ.EscapeString(row.label), templ.EscapeString(row.value)); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(w, "</table><p>Started %s</p></body></html>",
			templ.EscapeString(s.StartedAt.Format("2006-01-02 15:04:05 MST")))
		return err
	})
}
