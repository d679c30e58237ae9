package models

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/stackup/pkg/tui"
	"github.com/go-go-golems/stackup/pkg/tui/widgets"
)

type ViewID string

const (
	ViewDashboard ViewID = "dashboard"
	ViewEvents    ViewID = "events"
	ViewService   ViewID = "service"
)

type RootModel struct {
	width  int
	height int

	active ViewID
	last   *tui.StateSnapshot

	dashboard DashboardModel
	events    EventLogModel
	service   ServiceModel
}

func NewRootModel() RootModel {
	return RootModel{
		active:    ViewDashboard,
		dashboard: NewDashboardModel(),
		events:    NewEventLogModel(),
		service:   NewServiceModel(),
	}
}

func (m RootModel) Active() ViewID { return m.active }

func (m RootModel) Init() tea.Cmd { return nil }

func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = v.Width, v.Height
		body := maxInt(3, v.Height-4)
		m.dashboard = m.dashboard.WithSize(v.Width, body)
		m.events = m.events.WithSize(v.Width, body)
		m.service = m.service.WithSize(v.Width, body)
		return m, nil

	case tea.KeyMsg:
		if m.active == ViewEvents && m.events.Searching() {
			var cmd tea.Cmd
			m.events, cmd = m.events.Update(v)
			return m, cmd
		}
		switch v.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			switch m.active {
			case ViewDashboard:
				m.active = ViewEvents
			case ViewEvents:
				m.active = ViewDashboard
			}
			return m, nil
		}
		var cmd tea.Cmd
		switch m.active {
		case ViewEvents:
			m.events, cmd = m.events.Update(v)
		case ViewService:
			m.service, cmd = m.service.Update(v)
		default:
			m.dashboard, cmd = m.dashboard.Update(v)
		}
		return m, cmd

	case tui.StateSnapshotMsg:
		m.last = &v.Snapshot
		m.dashboard = m.dashboard.WithSnapshot(v.Snapshot)
		m.service = m.service.WithSnapshot(v.Snapshot)
		return m, nil
	case tui.EventLogAppendMsg:
		m.events = m.events.Append(v.Entry)
		return m, nil
	case tui.BuildStageMsg:
		m.dashboard = m.dashboard.WithStage(v.Stage)
		return m, nil
	case tui.NavigateToServiceMsg:
		var cmd tea.Cmd
		m.service, cmd = m.service.WithService(v.Name)
		m.active = ViewService
		return m, cmd
	case tui.NavigateBackMsg:
		m.active = ViewDashboard
		return m, nil
	case logTickMsg:
		if m.active != ViewService {
			return m, nil
		}
		var cmd tea.Cmd
		m.service, cmd = m.service.Update(v)
		return m, cmd
	}
	return m, nil
}

func (m RootModel) View() string {
	header := widgets.NewHeader("stackup").WithWidth(m.width)
	if m.last != nil && m.last.State != nil {
		st := m.last.State
		up := 0
		for _, rec := range st.Services {
			if m.last.IsAlive(rec.Name) {
				up++
			}
		}
		header = header.WithProject(st.Project).
			WithStatus(fmt.Sprintf("%d/%d alive", up, len(st.Services)), up == len(st.Services)).
			WithUptime(time.Since(st.CreatedAt))
	}

	var body string
	switch m.active {
	case ViewEvents:
		body = m.events.View()
	case ViewService:
		body = m.service.View()
	default:
		body = m.dashboard.View()
	}

	footer := widgets.NewFooter([]widgets.Keybind{
		{Key: "tab", Label: "dashboard/events"},
		{Key: "q", Label: "quit"},
	}).WithWidth(m.width)

	return lipgloss.JoinVertical(lipgloss.Left, header.Render(), body, footer.Render())
}
