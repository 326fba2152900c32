// Package ui renders CLI output.
package ui

import (
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/shopspring/decimal"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"})
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"})
	boldStyle   = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// DisableColor renders everything as plain text (--no-color, NO_COLOR, pipes).
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// Money formats an amount with two decimals.
func Money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// MoneyPtr formats an optional amount, "-" when nil.
func MoneyPtr(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return Money(*d)
}

// Time formats t in local time, "-" when zero.
func Time(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// TimePtr is Time for optional timestamps.
func TimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return Time(*t)
}

// Ago describes how long ago t was, relative to now.
func Ago(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute") + " ago"
	case d < 48*time.Hour:
		return plural(int(d/time.Hour), "hour") + " ago"
	default:
		return plural(int(d/(24*time.Hour)), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	s := strconv.Itoa(n) + " " + unit
	if n != 1 {
		s += "s"
	}
	return s
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// KeyValues renders aligned "key: value" lines.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString("  ")
		b.WriteString(mutedStyle.Render(p[0] + ":" + strings.Repeat(" ", width-len(p[0]))))
		b.WriteString(" ")
		b.WriteString(p[1])
		b.WriteString("\n")
	}
	return b.String()
}
