package probe

import (
	"bytes"
	"fmt"
	htmlTemplate "html/template"
	"time"

	"github.com/foxzi/rotasend/internal/store"
)

// Report carries the live counters shown in a probe message
type Report struct {
	SessionID string
	Kind      store.ProbeKind
	Number    int
	Sent      int
	Failed    int
	Position  int
	Total     int
	Time      time.Time
}

// SuccessRate returns sent/(sent+failed) in percent
func (r Report) SuccessRate() float64 {
	if r.Sent+r.Failed == 0 {
		return 0
	}
	return float64(r.Sent) / float64(r.Sent+r.Failed) * 100
}

// Title returns the headline for the probe kind
func (r Report) Title() string {
	switch r.Kind {
	case store.ProbeFinal:
		return "Dispatch finished"
	case store.ProbePause:
		return "Dispatch paused"
	case store.ProbeWatchdog:
		return "Watchdog check"
	}
	return "Periodic check"
}

// Subject returns the probe subject line
func (r Report) Subject() string {
	tag := "[PROBE]"
	if r.Kind == store.ProbeFinal {
		tag = "[FINAL]"
	}
	return fmt.Sprintf("%s rotasend session %s #%d", tag, r.SessionID, r.Number)
}

var reportTemplate = htmlTemplate.Must(htmlTemplate.New("probe").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif;">
<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
<h2 style="background-color: {{if eq .Kind "final"}}#2196F3{{else}}#4CAF50{{end}}; color: white; padding: 15px; text-align: center;">{{.Title}}</h2>
<p>This is an automatic health probe.</p>
<table style="background-color: #f5f5f5; padding: 15px; margin: 15px 0;">
<tr><td><strong>Session</strong></td><td>{{.SessionID}}</td></tr>
<tr><td><strong>Probe</strong></td><td>#{{.Number}} ({{.Kind}})</td></tr>
<tr><td><strong>Time</strong></td><td>{{.Time.Format "2006-01-02 15:04:05"}}</td></tr>
<tr><td><strong>Position</strong></td><td>{{.Position}} / {{.Total}}</td></tr>
<tr><td><strong>Sent</strong></td><td>{{.Sent}}</td></tr>
<tr><td><strong>Failed</strong></td><td>{{.Failed}}</td></tr>
<tr><td><strong>Success rate</strong></td><td>{{printf "%.1f" .SuccessRate}}%</td></tr>
</table>
<p><em>Generated automatically</em></p>
</div>
</body>
</html>
`))

// Body renders the HTML probe body
func (r Report) Body() (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("failed to render probe report: %w", err)
	}
	return buf.String(), nil
}
