package tui

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/control-theory/podtail/internal/k8s"
)

const sparklineWidth = 20

// Base colors shared across the dashboard
var (
	ColorBlue   = lipgloss.Color("12")
	ColorGreen  = lipgloss.Color("10")
	ColorYellow = lipgloss.Color("11")
	ColorRed    = lipgloss.Color("9")
	ColorGray   = lipgloss.Color("8")
	ColorWhite  = lipgloss.Color("15")
)

var (
	titleStyle      = lipgloss.NewStyle().Bold(true).Foreground(ColorBlue)
	headerInfoStyle = lipgloss.NewStyle().Foreground(ColorGray)
	pausedStyle     = lipgloss.NewStyle().Bold(true).Foreground(ColorYellow)
	helpStyle       = lipgloss.NewStyle().Foreground(ColorGray)
	sparkStyle      = lipgloss.NewStyle().Foreground(ColorGreen)
	gapStyle        = lipgloss.NewStyle().Foreground(ColorGray).Italic(true)
)

// prefixPalette is the set of colors assigned to line prefixes. Assignment
// hashes cluster/pod so a pod keeps its color across invocations.
var prefixPalette = []lipgloss.Color{
	lipgloss.Color("1"),  // red
	lipgloss.Color("2"),  // green
	lipgloss.Color("4"),  // blue
	lipgloss.Color("3"),  // yellow
	lipgloss.Color("5"),  // magenta
	lipgloss.Color("6"),  // cyan
	lipgloss.Color("7"),  // white
	lipgloss.Color("8"),  // gray
	lipgloss.Color("9"),  // bright red
	lipgloss.Color("10"), // bright green
	lipgloss.Color("12"), // bright blue
	lipgloss.Color("11"), // bright yellow
	lipgloss.Color("13"), // bright magenta
	lipgloss.Color("14"), // bright cyan
}

// hashIndex maps a string onto a palette slot.
func hashIndex(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

func prefixStyle(key k8s.ContainerKey) lipgloss.Style {
	c := prefixPalette[hashIndex(key.Cluster+"/"+key.Pod, len(prefixPalette))]
	return lipgloss.NewStyle().Foreground(c)
}

// detectLevel classifies a line for display coloring only.
func detectLevel(line string) string {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR") || strings.Contains(upper, "FATAL"):
		return "error"
	case strings.Contains(upper, "WARN"):
		return "warn"
	case strings.Contains(upper, "DEBUG") || strings.Contains(upper, "TRACE"):
		return "debug"
	default:
		return ""
	}
}

func levelStyle(level string) lipgloss.Style {
	switch level {
	case "error":
		return lipgloss.NewStyle().Foreground(ColorRed)
	case "warn":
		return lipgloss.NewStyle().Foreground(ColorYellow)
	case "debug":
		return lipgloss.NewStyle().Foreground(ColorGray)
	default:
		return lipgloss.NewStyle()
	}
}

// formatLine renders one log line: dim line timestamp, colored prefix,
// level-tinted payload.
func (m *Model) formatLine(ev k8s.LogEvent) string {
	ts := headerInfoStyle.Render(ev.Time.Format("15:04:05"))
	prefix := prefixStyle(ev.Key).Render(fmt.Sprintf("[%s]", ev.Key))
	payload := levelStyle(detectLevel(ev.Line)).Render(ev.Line)
	return ts + " " + prefix + " " + payload
}

func (m *Model) formatGap(ev k8s.LogEvent) string {
	prefix := prefixStyle(ev.Key).Render(fmt.Sprintf("[%s]", ev.Key))
	return prefix + " " + gapStyle.Render(fmt.Sprintf("— gap of %s (%s) —", ev.Gap.Round(time.Second), ev.Reason))
}

func (m *Model) formatStateChange(ev k8s.LogEvent) string {
	prefix := prefixStyle(ev.Key).Render(fmt.Sprintf("[%s]", ev.Key))
	return prefix + " " + gapStyle.Render(ev.State.String())
}
