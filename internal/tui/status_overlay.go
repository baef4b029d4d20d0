package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/control-theory/podtail/internal/k8s"
)

// renderStatusOverlay renders the stream-status pane: one row per tailed
// container with its connection state, line count and last-line age.
func (m Model) renderStatusOverlay() string {
	contentWidth := m.width - 4
	contentHeight := m.viewport.Height - 2 // outer border
	if contentWidth < 20 {
		contentWidth = 20
	}
	if contentHeight < 3 {
		contentHeight = 3
	}

	keys := m.sortedKeys()
	allLines := make([]string, 0, len(keys))
	for i, key := range keys {
		allLines = append(allLines, m.renderStatusRow(key, contentWidth, i == m.statusSel))
	}
	if len(allLines) == 0 {
		allLines = append(allLines, headerInfoStyle.Render("no active streams"))
	}

	// Scroll window: keep the selected row visible, clamp the offset.
	totalLines := len(allLines)
	visibleCount := contentHeight
	if visibleCount > totalLines {
		visibleCount = totalLines
	}
	off := m.statusOff
	if m.statusSel < off {
		off = m.statusSel
	} else if m.statusSel >= off+visibleCount {
		off = m.statusSel - visibleCount + 1
	}
	maxScroll := totalLines - visibleCount
	if maxScroll < 0 {
		maxScroll = 0
	}
	if off > maxScroll {
		off = maxScroll
	}
	if off < 0 {
		off = 0
	}

	visible := allLines[off:]
	if len(visible) > visibleCount {
		visible = visible[:visibleCount]
	}

	title := fmt.Sprintf("Streams [%d]", len(keys))
	if totalLines > visibleCount {
		title += fmt.Sprintf(" [%d/%d]", off+1, totalLines)
	}

	pane := lipgloss.NewStyle().
		Width(contentWidth).
		Height(contentHeight).
		Border(lipgloss.NormalBorder()).
		BorderForeground(ColorBlue).
		Render(strings.Join(visible, "\n"))

	return titleStyle.Render(title) + "\n" + pane
}

func (m Model) renderStatusRow(key k8s.ContainerKey, width int, selected bool) string {
	status := m.statuses[key]

	state := status.state.String()
	age := "-"
	if !status.lastLine.IsZero() {
		age = time.Since(status.lastLine).Round(time.Second).String()
	}

	name := key.String()
	maxName := width - 40
	if maxName < 10 {
		maxName = 10
	}
	if len(name) > maxName {
		name = name[:maxName-3] + "..."
	}

	row := fmt.Sprintf("%-*s %8d lines  %6s ago  %s", maxName, name, status.lines, age, state)
	if selected {
		return lipgloss.NewStyle().Background(ColorBlue).Foreground(ColorWhite).Render(row)
	}

	switch status.state.Kind {
	case k8s.StateConnected:
		return lipgloss.NewStyle().Foreground(ColorGreen).Render(row)
	case k8s.StateReconnecting:
		return lipgloss.NewStyle().Foreground(ColorYellow).Render(row)
	default:
		return lipgloss.NewStyle().Foreground(ColorRed).Render(row)
	}
}
