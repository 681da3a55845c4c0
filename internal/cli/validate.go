package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/reviewload/reviewload/internal/performance/config"
	"github.com/reviewload/reviewload/internal/performance/engine"
	"github.com/reviewload/reviewload/internal/performance/output"
)

func newValidateCmd() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a test configuration without running it",
		Long: `Parse a YAML or JSON configuration, apply defaults and print the
resolved stages and thresholds. Exits 1 when the configuration is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return &ExitError{Code: engine.ExitError, Err: err}
			}
			config.ApplyDefaults(cfg)
			if err := cfg.Validate(); err != nil {
				return &ExitError{Code: engine.ExitError, Err: err}
			}
			printResolved(cmd, cfg, noColor)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	return cmd
}

func printResolved(cmd *cobra.Command, cfg *config.TestConfig, noColor bool) {
	w := cmd.OutOrStdout()
	ok := output.SuccessIcon(noColor)

	writeLine(w, "%s %s is valid", ok, cfg.Name)
	writeLine(w, "  base URL:  %s", cfg.Settings.BaseURL)
	writeLine(w, "  pacing:    %s", describePacing(cfg.Settings.Pacing))
	writeLine(w, "  team size: %d", cfg.Scenario.TeamSize)

	exec := cfg.ExecutorConfig()
	writeLine(w, "  stages (%s, max %d VUs):", exec.TotalDuration(), exec.MaxTarget())
	for i, s := range exec.Stages {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("stage-%d", i+1)
		}
		writeLine(w, "    %-10s %8s → %d", name, s.Duration, s.Target)
	}

	metrics := make([]string, 0, len(cfg.Thresholds))
	for m := range cfg.Thresholds {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	writeLine(w, "  thresholds:")
	if len(metrics) == 0 {
		writeLine(w, "    (none)")
	}
	for _, m := range metrics {
		note := ""
		if !config.IsBuiltinMetric(m) {
			note = " (not recorded by the workflow)"
		}
		for _, expr := range cfg.Thresholds[m] {
			writeLine(w, "    %s %s%s", m, expr, note)
		}
	}
}

func describePacing(p *config.PacingConfig) string {
	if p == nil {
		return "none"
	}
	switch p.Type {
	case "constant":
		return fmt.Sprintf("constant %s", p.Duration)
	case "random":
		return fmt.Sprintf("random %s-%s", p.Min, p.Max)
	}
	return p.Type
}
