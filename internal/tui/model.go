// Package tui renders the merged log event stream inside an interactive
// terminal UI: a scrollable log pane, a status bar with a line-rate
// sparkline, and a stream-status overlay.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/control-theory/podtail/internal/k8s"
)

// streamStatus is the per-target bookkeeping shown in the status overlay.
type streamStatus struct {
	state    k8s.ConnState
	lastLine time.Time
	lines    int
}

type logEventMsg k8s.LogEvent

type busClosedMsg struct{}

type tickMsg time.Time

// Model is the bubbletea model for the log dashboard.
type Model struct {
	events <-chan k8s.LogEvent
	source *k8s.Source

	viewport viewport.Model
	rate     sparkline.Model

	lines    []string
	maxLines int

	statuses map[k8s.ContainerKey]*streamStatus

	follow     bool
	showStatus bool
	statusSel  int
	statusOff  int

	countThisSecond int
	totalLines      int

	width  int
	height int
	ready  bool
}

// NewModel creates the dashboard model. maxLines bounds the in-memory log
// buffer; events is the source's bus.
func NewModel(events <-chan k8s.LogEvent, source *k8s.Source, maxLines int) Model {
	return Model{
		events:   events,
		source:   source,
		maxLines: maxLines,
		statuses: make(map[k8s.ContainerKey]*streamStatus),
		follow:   true,
		rate:     sparkline.New(sparklineWidth, 1),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tick())
}

// waitForEvent blocks on the bus and feeds the next event into the program.
func waitForEvent(events <-chan k8s.LogEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return busClosedMsg{}
		}
		return logEventMsg(ev)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		paneHeight := m.height - 3 // header + status bar + help line
		if paneHeight < 1 {
			paneHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, paneHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = paneHeight
		}
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case logEventMsg:
		m.apply(k8s.LogEvent(msg))
		return m, waitForEvent(m.events)

	case tickMsg:
		m.rate.Push(float64(m.countThisSecond))
		m.countThisSecond = 0
		return m, tick()

	case busClosedMsg:
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "s":
		m.showStatus = !m.showStatus
		m.statusSel = 0
		m.statusOff = 0
		return m, nil
	case "f":
		m.follow = !m.follow
		if m.follow {
			m.viewport.GotoBottom()
		}
		return m, nil
	case "up", "k":
		if m.showStatus {
			if m.statusSel > 0 {
				m.statusSel--
			}
		} else {
			m.follow = false
			m.viewport.SetYOffset(m.viewport.YOffset - 1)
		}
		return m, nil
	case "down", "j":
		if m.showStatus {
			if m.statusSel < len(m.statuses)-1 {
				m.statusSel++
			}
		} else {
			m.viewport.SetYOffset(m.viewport.YOffset + 1)
		}
		return m, nil
	case "pgup":
		m.follow = false
		m.viewport.SetYOffset(m.viewport.YOffset - m.viewport.Height/2)
		return m, nil
	case "pgdown":
		m.viewport.SetYOffset(m.viewport.YOffset + m.viewport.Height/2)
		return m, nil
	case "g":
		m.follow = false
		m.viewport.GotoTop()
		return m, nil
	case "G":
		m.follow = true
		m.viewport.GotoBottom()
		return m, nil
	}
	return m, nil
}

// apply folds one bus event into the model.
func (m *Model) apply(ev k8s.LogEvent) {
	status, ok := m.statuses[ev.Key]
	if !ok {
		status = &streamStatus{state: k8s.ConnState{Kind: k8s.StateConnected}}
		m.statuses[ev.Key] = status
	}

	switch ev.Type {
	case k8s.LogLine:
		status.lines++
		status.lastLine = ev.Time
		m.countThisSecond++
		m.totalLines++
		m.appendLine(m.formatLine(ev))
	case k8s.LogGap:
		m.appendLine(m.formatGap(ev))
	case k8s.LogStateChange:
		status.state = ev.State
		m.appendLine(m.formatStateChange(ev))
	}
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > m.maxLines {
		m.lines = m.lines[len(m.lines)-m.maxLines:]
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// sortedKeys returns the status overlay's row order.
func (m *Model) sortedKeys() []k8s.ContainerKey {
	keys := make([]k8s.ContainerKey, 0, len(m.statuses))
	for key := range m.statuses {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}

	header := m.renderHeader()
	var pane string
	if m.showStatus {
		pane = m.renderStatusOverlay()
	} else {
		pane = m.viewport.View()
	}
	footer := m.renderFooter()

	return header + "\n" + pane + "\n" + footer
}

func (m Model) renderHeader() string {
	active := 0
	if m.source != nil {
		active = m.source.ActiveStreams()
	}
	title := titleStyle.Render("podtail")
	info := headerInfoStyle.Render(fmt.Sprintf("%d streams  %d lines", active, m.totalLines))
	mode := ""
	if !m.follow {
		mode = pausedStyle.Render(" SCROLL")
	}
	return title + "  " + info + mode
}

func (m Model) renderFooter() string {
	m.rate.Draw()
	spark := sparkStyle.Render(m.rate.View())
	help := helpStyle.Render("q quit  s streams  f follow  g/G top/bottom")
	return spark + "  " + help
}

// Run drives the TUI until the user quits or the bus closes.
func Run(ctx context.Context, events <-chan k8s.LogEvent, source *k8s.Source, maxLines int) error {
	p := tea.NewProgram(
		NewModel(events, source, maxLines),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		// Cancellation is a clean shutdown, not a failure.
		return nil
	}
	return err
}
