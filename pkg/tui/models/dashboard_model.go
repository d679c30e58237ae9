package models

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/tui"
	"github.com/go-go-golems/stackup/pkg/tui/styles"
	"github.com/go-go-golems/stackup/pkg/tui/widgets"
)

var serviceColumns = []widgets.TableColumn{
	{Header: "SERVICE", Width: 16},
	{Header: "BACKEND", Width: 9},
	{Header: "PHASE", Width: 10},
	{Header: "PID/ID", Width: 14},
	{Header: "CPU", Width: 8, Align: lipgloss.Right},
	{Header: "MEM", Width: 9, Align: lipgloss.Right},
	{Header: "  PROBE", Width: 28},
}

type DashboardModel struct {
	width  int
	height int

	last   *tui.StateSnapshot
	cursor int

	// stages is indexed by stage index of the build in progress.
	stages []tui.BuildStage
}

func NewDashboardModel() DashboardModel { return DashboardModel{} }

func (m DashboardModel) WithSize(width, height int) DashboardModel {
	m.width, m.height = width, height
	return m
}

func (m DashboardModel) WithSnapshot(s tui.StateSnapshot) DashboardModel {
	m.last = &s
	if n := len(m.services()); m.cursor >= n {
		m.cursor = maxInt(0, n-1)
	}
	return m
}

// WithStage folds a stage update in. A stage with index 0 that starts a fresh run
// clears the previous build.
func (m DashboardModel) WithStage(st tui.BuildStage) DashboardModel {
	if st.Index < 0 {
		return m
	}
	if st.Index == 0 && st.Running && st.OK == nil {
		m.stages = nil
	}
	for len(m.stages) <= st.Index {
		m.stages = append(m.stages, tui.BuildStage{Index: len(m.stages)})
	}
	cur := m.stages[st.Index]
	if st.Total == 0 {
		st.Total = cur.Total
	}
	if st.Base == "" {
		st.Base = cur.Base
	}
	m.stages[st.Index] = st
	return m
}

func (m DashboardModel) Selected() string {
	svcs := m.services()
	if m.cursor < 0 || m.cursor >= len(svcs) {
		return ""
	}
	return svcs[m.cursor].Name
}

func (m DashboardModel) Update(msg tea.Msg) (DashboardModel, tea.Cmd) {
	k, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch k.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.services())-1 {
			m.cursor++
		}
	case "enter":
		if name := m.Selected(); name != "" {
			return m, func() tea.Msg { return tui.NavigateToServiceMsg{Name: name} }
		}
	}
	return m, nil
}

func (m DashboardModel) services() []state.ServiceRecord {
	if m.last == nil || m.last.State == nil {
		return nil
	}
	out := append([]state.ServiceRecord{}, m.last.State.Services...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m DashboardModel) View() string {
	theme := styles.DefaultTheme()
	var sections []string

	if len(m.stages) > 0 {
		sections = append(sections, m.buildBox())
	}

	switch {
	case m.last == nil:
		sections = append(sections, theme.TitleMuted.Render("Loading state..."))
	case !m.last.Exists:
		sections = append(sections, theme.TitleMuted.Render("No stack is up (no state file)."))
	case m.last.Error != "":
		sections = append(sections, theme.StatusDead.Render("State error: "+m.last.Error))
	default:
		sections = append(sections, m.servicesBox())
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m DashboardModel) servicesBox() string {
	s := m.last
	svcs := m.services()
	rows := make([]widgets.TableRow, 0, len(svcs))
	ready := 0
	for _, rec := range svcs {
		alive := s.IsAlive(rec.Name)
		if alive && rec.Phase == "ready" {
			ready++
		}
		cpu, mem := "-", "-"
		if st := s.Stats[rec.Name]; st != nil {
			cpu = fmt.Sprintf("%.1f%%", st.CPUPercent)
			mem = fmt.Sprintf("%dMB", st.MemoryMB)
		}
		rows = append(rows, widgets.TableRow{
			Icon:  styles.ServicePhaseIcon(rec.Phase, alive),
			Cells: []string{rec.Name, rec.Backend, phaseLabel(rec, alive), identity(rec), cpu, mem, "  " + probeLabel(rec)},
		})
	}

	table := widgets.NewTable(serviceColumns).WithRows(rows).WithCursor(m.cursor).WithWidth(maxInt(0, m.width-2))
	return widgets.NewBox(fmt.Sprintf("Services (%d/%d ready)", ready, len(svcs))).
		WithTitleRight("[↑/↓] select  [enter] details").
		WithContent(table.Render()).
		WithSize(m.width, 0).
		Render()
}

func (m DashboardModel) buildBox() string {
	theme := styles.DefaultTheme()
	done, total := 0, 0
	lines := make([]string, 0, len(m.stages)+1)
	for _, st := range m.stages {
		if st.Total > total {
			total = st.Total
		}
		if st.OK != nil && *st.OK {
			done++
		}
		icon := styles.StageIcon(st.OK, st.Running, st.Cached)
		text := fmt.Sprintf("%d %s", st.Index, st.Stage)
		if st.Base != "" {
			text += " (" + st.Base + ")"
		}
		switch {
		case st.Error != "":
			text += "  " + st.Error
		case st.OK != nil:
			text += "  " + st.Duration.String()
		}
		lines = append(lines, theme.IconStyle(icon).Render(icon)+" "+text)
	}
	if total < len(m.stages) {
		total = len(m.stages)
	}
	bar := widgets.NewProgressBar(done, total).WithWidth(30).WithStyle(theme.StatusRunning)
	lines = append([]string{bar.Render()}, lines...)

	return widgets.NewBox("Build").
		WithContent(strings.Join(lines, "\n")).
		WithSize(m.width, 0).
		Render()
}

func phaseLabel(rec state.ServiceRecord, alive bool) string {
	if rec.Phase == "ready" && !alive {
		return "exited"
	}
	return rec.Phase
}

func identity(rec state.ServiceRecord) string {
	if rec.ContainerID != "" {
		return rec.ContainerID
	}
	if rec.PID > 0 {
		return fmt.Sprintf("%d", rec.PID)
	}
	return "-"
}

func probeLabel(rec state.ServiceRecord) string {
	if rec.ProbeKind == "" {
		return "-"
	}
	return rec.ProbeKind + " " + rec.ProbeTarget
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
