package main

import (
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/arctos-robotics/armd/pkg/driver"
	"github.com/arctos-robotics/armd/pkg/motion"
)

type MonitorCommand struct {
	Addr string `long:"addr" short:"a" default:"localhost:5000" description:"Daemon address"`
}

const (
	monHeaderHeight = 2
	monLegendHeight = 2
	monFooterHeight = 4
	monMaxLogs      = 2
	monBorderSize   = 2
)

var jointNames = [driver.NumJoints]string{"base", "shoulder", "elbow", "wrist1", "wrist2", "wrist3"}

// Distinct colors per joint trace.
var jointColors = [driver.NumJoints]string{"196", "208", "226", "46", "51", "201"}

var (
	monTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	monChartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	monStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	monAlertStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

type statusMsg motion.Status
type disconnectMsg struct{ err error }

type monitorModel struct {
	addr     string
	updates  <-chan motion.Status
	chart    *streamlinechart.Model
	last     motion.Status
	width    int
	height   int
	logs     []string
	quitting bool
}

func (m *monitorModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > monMaxLogs {
		m.logs = m.logs[len(m.logs)-monMaxLogs:]
	}
}

func waitForStatus(ch <-chan motion.Status) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return disconnectMsg{}
		}
		return statusMsg(st)
	}
}

func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = m.width - monBorderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - monHeaderHeight - monLegendHeight - monFooterHeight - monBorderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func initialMonitorModel(addr string, updates <-chan motion.Status) monitorModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-math.Pi, math.Pi),
	)
	for i, name := range jointNames {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[i]))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}
	return monitorModel{addr: addr, updates: updates, chart: &chart}
}

func (m monitorModel) Init() tea.Cmd {
	return waitForStatus(m.updates)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.chartSize()
		m.chart.Resize(w, h)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case statusMsg:
		st := motion.Status(msg)
		if st.State != m.last.State {
			m.addLog(fmt.Sprintf("state %s -> %s", m.last.State, st.State))
		}
		m.last = st
		for i, name := range jointNames {
			m.chart.PushDataSet(name, st.Snapshot.Q[i])
		}
		m.chart.DrawAll()
		return m, waitForStatus(m.updates)

	case disconnectMsg:
		m.addLog("connection to daemon lost")
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(monTitleStyle.Render("armd Monitor"))
	sb.WriteString(fmt.Sprintf(" - %s", m.addr))
	if m.last.Mode != "" {
		sb.WriteString(monStatusStyle.Render(fmt.Sprintf("  [%s]", m.last.Mode)))
	}
	state := string(m.last.State)
	switch m.last.State {
	case motion.StateEStopped, motion.StateLimitHit, motion.StateTimeout, motion.StateError:
		state = monAlertStyle.Render(state)
	}
	sb.WriteString(fmt.Sprintf("  %s  queue=%d", state, m.last.QueueLen))
	sb.WriteString("\n\n")

	sb.WriteString(monChartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(monitorLegend())
	sb.WriteString("\n")

	if len(m.logs) == 0 {
		sb.WriteString(monStatusStyle.Render("Press 'q' to quit"))
	} else {
		sb.WriteString(strings.Join(m.logs, "\n"))
	}
	sb.WriteString("\n")

	return sb.String()
}

func monitorLegend() string {
	var items []string
	for i, name := range jointNames {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[i])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+name)
	}
	return strings.Join(items, "  ")
}

func (c *MonitorCommand) Execute(args []string) error {
	url := fmt.Sprintf("ws://%s/api/ws", c.Addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer conn.Close()

	updates := make(chan motion.Status, 16)
	go func() {
		defer close(updates)
		for {
			var st motion.Status
			if err := conn.ReadJSON(&st); err != nil {
				return
			}
			updates <- st
		}
	}()

	p := tea.NewProgram(initialMonitorModel(c.Addr, updates), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run monitor: %w", err)
	}
	return nil
}
