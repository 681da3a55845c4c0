package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for the console output.
type ColorScheme struct {
	Title     *color.Color
	Rule      *color.Color
	Label     *color.Color
	Value     *color.Color
	Dim       *color.Color
	Success   *color.Color
	Warn      *color.Color
	Error     *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme.
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Title:     color.New(color.Bold),
		Rule:      color.New(color.FgCyan),
		Label:     color.New(color.FgWhite),
		Value:     color.New(color.FgCyan),
		Dim:       color.New(color.Faint),
		Success:   color.New(color.FgGreen),
		Warn:      color.New(color.FgYellow),
		Error:     color.New(color.FgRed),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
}

// NoColorScheme returns a color scheme with all colors disabled.
func NoColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	s.each(func(c *color.Color) { c.DisableColor() })
	return s
}

// forceColor enables every color regardless of terminal detection.
func (s *ColorScheme) forceColor() {
	s.each(func(c *color.Color) { c.EnableColor() })
}

func (s *ColorScheme) each(fn func(*color.Color)) {
	for _, c := range []*color.Color{s.Title, s.Rule, s.Label, s.Value, s.Dim, s.Success, s.Warn, s.Error, s.Highlight} {
		fn(c)
	}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func SuccessIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func ErrorIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// rateColor picks a color for an error share: green up to 1%, yellow up to 5%.
func (s *ColorScheme) rateColor(errRate float64) *color.Color {
	switch {
	case errRate > 0.05:
		return s.Error
	case errRate > 0.01:
		return s.Warn
	default:
		return s.Success
	}
}
