// Package output renders live progress and the end-of-run summary on the console.
package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reviewload/reviewload/internal/performance/engine"
	"github.com/reviewload/reviewload/internal/performance/executor"
	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

const (
	ruleChar       = "━"
	progressFilled = "█"
	progressEmpty  = "░"
	ruleWidth      = 60
	labelWidth     = 34
)

// ProgressSource is implemented by *engine.Engine.
type ProgressSource interface {
	Progress() (engine.Progress, bool)
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer io.Writer

	// UpdateInterval is the refresh period of the in-place display on a TTY
	UpdateInterval time.Duration

	// LineInterval is how often a status line is printed when not on a TTY
	LineInterval time.Duration

	Quiet       bool
	NoColor     bool
	ForceColors bool
	ForceTTY    bool
}

// Console manages console output during and after a run.
type Console struct {
	writer         io.Writer
	updateInterval time.Duration
	lineInterval   time.Duration
	isTTY          bool
	noColor        bool
	quiet          bool
	colors         *ColorScheme

	mu          sync.Mutex
	linesOutput int
}

// NewConsole creates a console writer.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Second
	}
	if cfg.LineInterval <= 0 {
		cfg.LineInterval = 10 * time.Second
	}

	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	useColors := !cfg.NoColor && (cfg.ForceColors || (isTTY && supportsColors()))

	c := &Console{
		writer:         cfg.Writer,
		updateInterval: cfg.UpdateInterval,
		lineInterval:   cfg.LineInterval,
		isTTY:          isTTY,
		noColor:        !useColors,
		quiet:          cfg.Quiet,
	}
	if useColors {
		c.colors = DefaultColorScheme()
		c.colors.forceColor()
	} else {
		c.colors = NoColorScheme()
	}
	return c
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return checkIsTerminal(f)
	}
	return false
}

func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	return colorsSupported()
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run banner.
func (c *Console) PrintHeader(name, baseURL string, stages []executor.Stage) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var total time.Duration
	for _, s := range stages {
		total += s.Duration
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(ruleChar, ruleWidth))
	c.writeln(rule)
	c.writeln(c.colors.Title.Sprintf("%s - Running", name))
	c.writeln(rule)
	c.writeln(fmt.Sprintf("  target:   %s", c.colors.Value.Sprint(baseURL)))
	c.writeln(fmt.Sprintf("  stages:   %s (max %d VUs, %s)",
		c.colors.Value.Sprint(formatStages(stages)), executor.MaxTarget(stages), formatDuration(total)))
	c.writeln("")
}

// Watch refreshes the display from src until ctx is done. On a TTY the
// display is rewritten in place; otherwise a status line is printed every
// LineInterval.
func (c *Console) Watch(ctx context.Context, src ProgressSource) {
	if c.quiet {
		<-ctx.Done()
		return
	}

	interval := c.lineInterval
	if c.isTTY {
		interval = c.updateInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p, ok := src.Progress()
			if !ok {
				continue
			}
			if c.isTTY {
				c.Update(p)
			} else {
				c.PrintLine(p)
			}
		}
	}
}

// Update redraws the live display.
func (c *Console) Update(p engine.Progress) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()
	lines := c.renderLive(p)
	for _, line := range lines {
		c.writeln(line)
	}
	c.linesOutput = len(lines)
}

// clearLive erases the previous live display. Callers hold c.mu.
func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *Console) renderLive(p engine.Progress) []string {
	percent := fmt.Sprintf("%3.0f%%", clamp01(p.Fraction)*100)
	timing := fmt.Sprintf("%s / %s", formatDuration(p.Elapsed), formatDuration(p.Total))

	stage := string(p.Phase)
	if p.Stages > 0 {
		stage = fmt.Sprintf("%s (%d/%d)", p.Phase, min(p.Stage+1, p.Stages), p.Stages)
		if p.StageName != "" {
			stage += " " + p.StageName
		}
	}

	errRate := 0.0
	if p.Requests > 0 {
		errRate = float64(p.Failures) / float64(p.Requests)
	}
	errColor := c.colors.rateColor(errRate)

	return []string{
		fmt.Sprintf("Progress: %s %s | %s",
			c.colors.Success.Sprint(renderProgressBar(p.Fraction, 40)),
			c.colors.Title.Sprint(percent),
			c.colors.Dim.Sprint(timing)),
		fmt.Sprintf("Stage:    %s", c.colors.Highlight.Sprint(stage)),
		fmt.Sprintf("VUs:      %s / %d   Iterations: %s",
			c.colors.Value.Sprint(p.ActiveVUs), p.TargetVUs, c.colors.Value.Sprint(formatNumber(p.Iterations))),
		fmt.Sprintf("Requests: %s   RPS: %s   P95: %s",
			c.colors.Value.Sprint(formatNumber(p.Requests)),
			c.colors.Success.Sprintf("%.1f", p.Latest.IntervalRPS),
			c.colors.Value.Sprint(formatMs(p.Latest.LatencyP95))),
		fmt.Sprintf("Errors:   %s (%s)",
			errColor.Sprint(formatNumber(p.Failures)),
			errColor.Sprintf("%.1f%%", errRate*100)),
	}
}

// PrintLine prints a one-line status, used when the output is not a TTY.
func (c *Console) PrintLine(p engine.Progress) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] %s %.0f%% | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d | P95: %s",
		formatDuration(p.Elapsed),
		p.Phase,
		clamp01(p.Fraction)*100,
		p.ActiveVUs,
		p.TargetVUs,
		p.Requests,
		p.Latest.IntervalRPS,
		p.Failures,
		formatMs(p.Latest.LatencyP95)))
}

// PrintSummary prints the end-of-run summary. result may be nil when the
// run failed before starting.
func (c *Console) PrintSummary(result *engine.TestResult, runErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	if c.quiet || result == nil {
		c.writeln(c.verdictLine(result, runErr))
		return
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(ruleChar, ruleWidth))
	c.writeln("")
	c.writeln(rule)
	c.writeln(c.colors.Title.Sprintf("%s - %s", result.Name, result.EndReason))
	c.writeln(rule)
	c.writeln("")
	c.writeln(fmt.Sprintf("  duration: %s   iterations: %s   max VUs: %d",
		c.colors.Value.Sprint(formatDuration(result.Duration)),
		c.colors.Value.Sprint(formatNumber(result.Iterations)),
		result.MaxVUs))
	if result.SteadyStateRPS > 0 {
		c.writeln(fmt.Sprintf("  steady-state RPS: %s", c.colors.Value.Sprintf("%.2f", result.SteadyStateRPS)))
	}
	if result.GracefulStopExpired {
		c.writeln(c.colors.Warn.Sprint("  graceful stop expired, in-flight iterations were interrupted"))
	}
	c.writeln("")

	c.printChecks(result)
	c.printMetrics(result)
	c.printSteps(result)
	c.printThresholds(result)

	c.writeln(c.verdictLine(result, runErr))
}

func (c *Console) printChecks(result *engine.TestResult) {
	prefix := metrics.Checks + "{check:"
	var lines []string
	for _, s := range result.Metrics {
		if !strings.HasPrefix(s.Name, prefix) {
			continue
		}
		_, tags := metrics.ParseName(s.Name)
		icon := SuccessIcon(c.noColor)
		if s.Fails > 0 {
			icon = ErrorIcon(c.noColor)
		}
		lines = append(lines, fmt.Sprintf("    %s %s", icon, tags["check"]))
		if s.Fails > 0 {
			lines = append(lines, c.colors.Error.Sprintf("      ↳ %.0f%% failed ✓ %d / ✗ %d", s.Rate*100, s.Passes, s.Fails))
		}
	}
	if len(lines) == 0 {
		return
	}
	c.writeln(c.colors.Title.Sprint("  Checks"))
	for _, l := range lines {
		c.writeln(l)
	}
	c.writeln("")
}

// printMetrics prints every top-level metric plus the submetrics that a
// threshold refers to, each submetric right below its parent.
func (c *Console) printMetrics(result *engine.TestResult) {
	referenced := make(map[string]bool)
	for _, r := range result.Verdict.Results {
		referenced[r.Metric] = true
	}

	var rows []metrics.Summary
	for _, s := range result.Metrics {
		if _, tags := metrics.ParseName(s.Name); tags != nil && !referenced[s.Name] {
			continue
		}
		rows = append(rows, s)
	}
	if len(rows) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		bi, _ := metrics.ParseName(rows[i].Name)
		bj, _ := metrics.ParseName(rows[j].Name)
		if bi != bj {
			return bi < bj
		}
		return len(rows[i].Name) < len(rows[j].Name)
	})

	c.writeln(c.colors.Title.Sprint("  Metrics"))
	for _, s := range rows {
		label := s.Name
		if base, tags := metrics.ParseName(s.Name); tags != nil {
			label = "  { " + strings.TrimSuffix(strings.TrimPrefix(s.Name, base+"{"), "}") + " }"
		}
		c.writeln(fmt.Sprintf("    %s: %s", c.colors.Label.Sprint(dotted(label, labelWidth)), c.formatSummary(s)))
	}
	c.writeln("")
}

func (c *Console) printSteps(result *engine.TestResult) {
	prefix := metrics.StepDuration + "{step:"
	var rows []metrics.Summary
	for _, s := range result.Metrics {
		if strings.HasPrefix(s.Name, prefix) {
			rows = append(rows, s)
		}
	}
	if len(rows) == 0 {
		return
	}

	c.writeln(c.colors.Title.Sprint("  Steps"))
	for _, s := range rows {
		_, tags := metrics.ParseName(s.Name)
		c.writeln(fmt.Sprintf("    %s: %s", dotted(tags["step"], labelWidth), c.formatSummary(s)))
	}
	c.writeln("")
}

func (c *Console) printThresholds(result *engine.TestResult) {
	if len(result.Verdict.Results) == 0 {
		return
	}

	c.writeln(c.colors.Title.Sprint("  Thresholds"))
	for _, r := range result.Verdict.Results {
		icon := SuccessIcon(c.noColor)
		if !r.Passed {
			icon = ErrorIcon(c.noColor)
		}
		observed := "no data"
		if r.Evaluated {
			observed = fmt.Sprintf("%.4g", r.Observed)
		}
		line := fmt.Sprintf("    %s %s %s (observed: %s)", icon, r.Metric, r.Expression, observed)
		if r.Message != "" && !r.Passed {
			line += " " + c.colors.Dim.Sprint(r.Message)
		}
		c.writeln(line)
	}
	c.writeln("")
}

func (c *Console) verdictLine(result *engine.TestResult, runErr error) string {
	code := engine.ExitCode(result, runErr)
	switch {
	case code == engine.ExitPassed:
		return fmt.Sprintf("%s %s", SuccessIcon(c.noColor), c.colors.Success.Sprint("PASSED"))
	case errors.Is(runErr, engine.ErrTargetUnreachable):
		return fmt.Sprintf("%s %s: target unreachable (exit %d)", ErrorIcon(c.noColor), c.colors.Error.Sprint("FAILED"), code)
	case runErr != nil:
		return fmt.Sprintf("%s %s: %v (exit %d)", ErrorIcon(c.noColor), c.colors.Error.Sprint("FAILED"), runErr, code)
	default:
		return fmt.Sprintf("%s %s: thresholds crossed (exit %d)", ErrorIcon(c.noColor), c.colors.Error.Sprint("FAILED"), code)
	}
}

// formatSummary renders one metric row in the style of its type.
func (c *Console) formatSummary(s metrics.Summary) string {
	v := c.colors.Value
	switch s.Type {
	case metrics.TypeTrend:
		return fmt.Sprintf("avg=%s min=%s med=%s max=%s p(90)=%s p(95)=%s p(99)=%s",
			v.Sprint(formatMs(s.Mean)), v.Sprint(formatMs(s.Min)), v.Sprint(formatMs(s.P50)),
			v.Sprint(formatMs(s.Max)), v.Sprint(formatMs(s.P90)), v.Sprint(formatMs(s.P95)),
			v.Sprint(formatMs(s.P99)))
	case metrics.TypeRate:
		return fmt.Sprintf("%s %s %d %s %d",
			v.Sprintf("%.2f%%", s.Rate*100), SuccessIcon(c.noColor), s.Passes, ErrorIcon(c.noColor), s.Fails)
	case metrics.TypeCounter:
		base, _ := metrics.ParseName(s.Name)
		if base == metrics.DataSent || base == metrics.DataReceived {
			return fmt.Sprintf("%s %s", v.Sprint(formatBytes(s.Value)), c.colors.Dim.Sprintf("%s/s", formatBytes(s.Rate)))
		}
		return fmt.Sprintf("%s %s", v.Sprint(formatNumber(int64(s.Value))), c.colors.Dim.Sprintf("%.2f/s", s.Rate))
	case metrics.TypeGauge:
		return fmt.Sprintf("%s min=%s max=%s", v.Sprint(formatFloat(s.Value)), formatFloat(s.Min), formatFloat(s.Max))
	}
	return ""
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// dotted pads s with dots to width, k6 style.
func dotted(s string, width int) string {
	n := width - len([]rune(s))
	if n < 3 {
		n = 3
	}
	return s + strings.Repeat(".", n)
}

func renderProgressBar(progress float64, width int) string {
	filled := int(clamp01(progress) * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func formatStages(stages []executor.Stage) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = fmt.Sprintf("%s→%d", formatDuration(s.Duration), s.Target)
	}
	return strings.Join(parts, ", ")
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// formatMs formats a millisecond value.
func formatMs(ms float64) string {
	switch {
	case ms <= 0:
		return "0s"
	case ms < 1:
		return fmt.Sprintf("%.0fµs", ms*1000)
	case ms < 1000:
		return fmt.Sprintf("%.2fms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.2fs", ms/1000)
	default:
		return fmt.Sprintf("%.1fm", ms/60000)
	}
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

func formatBytes(b float64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%.0f B", b)
	}
	div, exp := float64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", b/div, "kMGTPE"[exp])
}

func formatFloat(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
