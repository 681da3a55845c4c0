package report

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// htmlData is what the page template renders.
type htmlData struct {
	*Report
	Requests     metrics.Summary
	Latency      metrics.Summary
	Failed       metrics.Summary
	Checks       metrics.Summary
	Steps        []metrics.Summary
	TimelineJSON template.JS
}

// chartPoint is one timeline bucket as the charts consume it.
type chartPoint struct {
	Elapsed   float64 `json:"t"`
	RPS       float64 `json:"rps"`
	P95       float64 `json:"p95"`
	VUs       int     `json:"vus"`
	ErrorRate float64 `json:"err"`
	Phase     string  `json:"phase"`
}

var pageTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDuration": formatDuration,
	"formatMs":       formatMs,
	"formatNumber":   formatNumber,
	"percent":        func(v float64) string { return fmt.Sprintf("%.2f%%", v*100) },
	"stepName": func(name string) string {
		_, tags := metrics.ParseName(name)
		return tags["step"]
	},
}).Parse(htmlTemplate))

// WriteHTML renders r as a standalone HTML page with timeline charts.
func WriteHTML(w io.Writer, r *Report) error {
	if r == nil {
		return fmt.Errorf("report cannot be nil")
	}

	points := make([]chartPoint, len(r.Timeline))
	for i, b := range r.Timeline {
		points[i] = chartPoint{
			Elapsed:   b.Elapsed.Seconds(),
			RPS:       b.IntervalRPS,
			P95:       b.LatencyP95,
			VUs:       b.ActiveVUs,
			ErrorRate: b.ErrorRate * 100,
			Phase:     string(b.Phase),
		}
	}
	timeline, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("failed to convert timeline: %w", err)
	}

	data := htmlData{Report: r, TimelineJSON: template.JS(timeline)}
	data.Requests, _ = r.Metric(metrics.HTTPReqs)
	data.Latency, _ = r.Metric(metrics.HTTPReqDuration)
	data.Failed, _ = r.Metric(metrics.HTTPReqFailed)
	data.Checks, _ = r.Metric(metrics.Checks)

	prefix := metrics.StepDuration + "{step:"
	for _, s := range r.Metrics {
		if strings.HasPrefix(s.Name, prefix) {
			data.Steps = append(data.Steps, s)
		}
	}

	if err := pageTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

func formatDuration(ms float64) string {
	d := time.Duration(ms * float64(time.Millisecond))
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%dm %ds", mins, secs)
}

func formatMs(ms float64) string {
	switch {
	case ms == 0:
		return "0"
	case ms < 1:
		return fmt.Sprintf("%.0fµs", ms*1000)
	case ms < 10:
		return fmt.Sprintf("%.2fms", ms)
	case ms < 1000:
		return fmt.Sprintf("%.1fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}

// formatNumber formats n with thousands separators.
func formatNumber(n float64) string {
	v := int64(n)
	if v < 0 {
		return "-" + formatNumber(float64(-v))
	}
	str := fmt.Sprintf("%d", v)
	var b strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Name}} - Load Test Report</title>
    <script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f8fafc; color: #1e293b; margin: 0; }
        .container { max-width: 1200px; margin: 0 auto; padding: 2rem; }
        header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 2rem; }
        .meta { color: #64748b; font-size: 0.9rem; }
        .status { padding: 0.5rem 1rem; border-radius: 6px; font-weight: 600; }
        .status.pass { background: #dcfce7; color: #166534; }
        .status.fail { background: #fee2e2; color: #991b1b; }
        .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 1rem; margin-bottom: 2rem; }
        .card { background: #fff; border: 1px solid #e2e8f0; border-radius: 8px; padding: 1rem; }
        .card .label { color: #64748b; font-size: 0.8rem; text-transform: uppercase; }
        .card .value { font-size: 1.5rem; font-weight: 600; }
        .charts { display: grid; grid-template-columns: repeat(auto-fit, minmax(480px, 1fr)); gap: 1rem; margin-bottom: 2rem; }
        table { width: 100%; border-collapse: collapse; background: #fff; margin-bottom: 2rem; }
        th, td { text-align: left; padding: 0.5rem 0.75rem; border-bottom: 1px solid #e2e8f0; }
        th { color: #64748b; font-size: 0.8rem; text-transform: uppercase; }
        .pass { color: #16a34a; }
        .fail { color: #dc2626; }
    </style>
</head>
<body>
<div class="container">
    <header>
        <div>
            <h1>{{.Name}}</h1>
            {{if .Description}}<p>{{.Description}}</p>{{end}}
            <div class="meta">{{.BaseURL}} &middot; {{.StartTime.Format "2006-01-02 15:04:05"}} &middot; {{formatDuration .DurationMs}} &middot; ended: {{.EndReason}}</div>
        </div>
        <div class="status {{if .Passed}}pass{{else}}fail{{end}}">{{if .Passed}}✓ PASSED{{else}}✗ FAILED (exit {{.ExitCode}}){{end}}</div>
    </header>
    {{if .Error}}<p class="fail">{{.Error}}</p>{{end}}

    <div class="cards">
        <div class="card"><div class="label">Requests</div><div class="value">{{formatNumber .Requests.Value}}</div></div>
        <div class="card"><div class="label">Throughput</div><div class="value">{{printf "%.1f" .Requests.Rate}} req/s</div></div>
        <div class="card"><div class="label">Failed</div><div class="value">{{percent .Failed.Rate}}</div></div>
        <div class="card"><div class="label">Failed checks</div><div class="value">{{percent .Checks.Rate}}</div></div>
        <div class="card"><div class="label">P95 Latency</div><div class="value">{{formatMs .Latency.P95}}</div></div>
        <div class="card"><div class="label">Iterations</div><div class="value">{{.Iterations}}</div></div>
    </div>

    {{if .Timeline}}
    <div class="charts">
        <div class="card"><canvas id="rpsChart"></canvas></div>
        <div class="card"><canvas id="latencyChart"></canvas></div>
        <div class="card"><canvas id="vusChart"></canvas></div>
        <div class="card"><canvas id="errorChart"></canvas></div>
    </div>
    {{end}}

    {{if .Steps}}
    <h2>Steps</h2>
    <table>
        <tr><th>Step</th><th>Count</th><th>Avg</th><th>P50</th><th>P95</th><th>P99</th><th>Max</th></tr>
        {{range .Steps}}
        <tr><td>{{stepName .Name}}</td><td>{{.Count}}</td><td>{{formatMs .Mean}}</td><td>{{formatMs .P50}}</td><td>{{formatMs .P95}}</td><td>{{formatMs .P99}}</td><td>{{formatMs .Max}}</td></tr>
        {{end}}
    </table>
    {{end}}

    {{if .Thresholds}}
    <h2>Thresholds</h2>
    <table>
        <tr><th></th><th>Metric</th><th>Expression</th><th>Observed</th><th>Message</th></tr>
        {{range .Thresholds}}
        <tr>
            <td class="{{if .Passed}}pass{{else}}fail{{end}}">{{if .Passed}}✓{{else}}✗{{end}}</td>
            <td>{{.Metric}}</td><td>{{.Expression}}</td>
            <td>{{if .Evaluated}}{{printf "%.4g" .Observed}}{{else}}no data{{end}}</td>
            <td>{{.Message}}</td>
        </tr>
        {{end}}
    </table>
    {{end}}
</div>
<script>
    const timeline = {{.TimelineJSON}};
    function lineChart(id, label, key, color) {
        const el = document.getElementById(id);
        if (!el) return;
        new Chart(el.getContext('2d'), {
            type: 'line',
            data: {
                labels: timeline.map(p => p.t.toFixed(0) + 's'),
                datasets: [{ label: label, data: timeline.map(p => p[key]), borderColor: color, pointRadius: 0, tension: 0.3, borderWidth: 2 }]
            },
            options: { responsive: true, animation: false, scales: { y: { beginAtZero: true } } }
        });
    }
    document.addEventListener('DOMContentLoaded', function() {
        if (!timeline || timeline.length === 0) return;
        lineChart('rpsChart', 'Requests/sec', 'rps', '#3b82f6');
        lineChart('latencyChart', 'P95 latency (ms)', 'p95', '#f59e0b');
        lineChart('vusChart', 'Active VUs', 'vus', '#8b5cf6');
        lineChart('errorChart', 'Error rate (%)', 'err', '#ef4444');
    });
</script>
</body>
</html>`
