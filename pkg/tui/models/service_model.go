package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/tui"
	"github.com/go-go-golems/stackup/pkg/tui/styles"
	"github.com/go-go-golems/stackup/pkg/tui/widgets"
)

type LogStream string

const (
	LogStdout LogStream = "stdout"
	LogStderr LogStream = "stderr"
)

type logTickMsg struct{}

// ServiceModel shows one service's record, its exit info once it died and the tail of
// its log files.
type ServiceModel struct {
	width  int
	height int

	last *tui.StateSnapshot
	name string

	active    LogStream
	follow    bool
	tailLines int
	tickEvery time.Duration

	lines   []string
	lastErr string

	vp viewport.Model
}

func NewServiceModel() ServiceModel {
	return ServiceModel{
		active:    LogStdout,
		follow:    true,
		tailLines: 200,
		tickEvery: 500 * time.Millisecond,
		vp:        viewport.New(0, 0),
	}
}

func (m ServiceModel) WithSize(width, height int) ServiceModel {
	m.width, m.height = width, height
	m.vp.Width = maxInt(0, width-2)
	m.vp.Height = maxInt(3, height-12)
	return m
}

func (m ServiceModel) WithSnapshot(s tui.StateSnapshot) ServiceModel {
	m.last = &s
	return m
}

// WithService switches to name and returns the command that keeps its logs fresh.
func (m ServiceModel) WithService(name string) (ServiceModel, tea.Cmd) {
	m.name = name
	m.active = LogStdout
	m.follow = true
	m = m.reload()
	return m, m.tickCmd()
}

func (m ServiceModel) Update(msg tea.Msg) (ServiceModel, tea.Cmd) {
	switch v := msg.(type) {
	case tea.KeyMsg:
		switch v.String() {
		case "esc", "backspace":
			return m, func() tea.Msg { return tui.NavigateBackMsg{} }
		case "s":
			if m.active == LogStdout {
				m.active = LogStderr
			} else {
				m.active = LogStdout
			}
			return m.reload(), nil
		case "f":
			m.follow = !m.follow
			if m.follow {
				return m.reload(), m.tickCmd()
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(v)
		return m, cmd
	case logTickMsg:
		if m.name == "" || !m.follow {
			return m, nil
		}
		return m.reload(), m.tickCmd()
	}
	return m, nil
}

func (m ServiceModel) tickCmd() tea.Cmd {
	return tea.Tick(m.tickEvery, func(time.Time) tea.Msg { return logTickMsg{} })
}

func (m ServiceModel) record() (*state.ServiceRecord, bool) {
	if m.last == nil || m.last.State == nil {
		return nil, false
	}
	return m.last.State.Service(m.name)
}

func (m ServiceModel) reload() ServiceModel {
	m.lines, m.lastErr = nil, ""
	rec, ok := m.record()
	if !ok {
		m.vp.SetContent("")
		return m
	}
	path := rec.StdoutLog
	if m.active == LogStderr {
		path = rec.StderrLog
	}
	switch {
	case path == "":
		m.lastErr = fmt.Sprintf("no %s log file for %s services, use `stackup logs %s`", m.active, rec.Backend, rec.Name)
	default:
		lines, err := state.TailLines(path, m.tailLines, 2<<20)
		if err != nil {
			m.lastErr = err.Error()
		}
		m.lines = lines
	}
	content := "(no log lines yet)"
	if len(m.lines) > 0 {
		content = strings.Join(m.lines, "\n")
	}
	m.vp.SetContent(content)
	if m.follow {
		m.vp.GotoBottom()
	}
	return m
}

func (m ServiceModel) View() string {
	theme := styles.DefaultTheme()
	rec, ok := m.record()
	if !ok {
		return theme.TitleMuted.Render(fmt.Sprintf("No record for service %q in the current state.", m.name))
	}
	alive := m.last.IsAlive(rec.Name)

	var b strings.Builder
	icon := styles.ServicePhaseIcon(rec.Phase, alive)
	fmt.Fprintf(&b, "%s %s  backend=%s  phase=%s  %s\n", theme.IconStyle(icon).Render(icon), rec.Name, rec.Backend, phaseLabel(*rec, alive), identity(*rec))
	if len(rec.Command) > 0 {
		fmt.Fprintf(&b, "command: %s\n", strings.Join(rec.Command, " "))
	}
	if rec.Image != "" {
		fmt.Fprintf(&b, "image: %s\n", rec.Image)
	}
	if rec.ArtifactDigest != "" {
		fmt.Fprintf(&b, "artifact: %s\n", rec.ArtifactDigest)
	}
	if rec.ProbeKind != "" {
		fmt.Fprintf(&b, "probe: %s %s\n", rec.ProbeKind, rec.ProbeTarget)
	}
	if st := m.last.Stats[rec.Name]; st != nil {
		fmt.Fprintf(&b, "usage: %d procs  %.1f%% cpu  %d MB\n", st.Processes, st.CPUPercent, st.MemoryMB)
	}
	if rec.Error != "" {
		b.WriteString(theme.StatusDead.Render("error: "+rec.Error) + "\n")
	}
	if !alive && rec.ExitInfo != "" {
		if ei, err := state.ReadExitInfo(rec.ExitInfo); err == nil {
			b.WriteString(theme.StatusWarn.Render("exit: "+ei.Summary()) + "\n")
			tail := ei.StderrTail
			if len(tail) > 5 {
				tail = tail[len(tail)-5:]
			}
			for _, line := range tail {
				b.WriteString(theme.TitleMuted.Render("! "+line) + "\n")
			}
		}
	}

	follow := "off"
	if m.follow {
		follow = "on"
	}
	logs := m.vp.View()
	if m.lastErr != "" {
		logs = theme.TitleMuted.Render(m.lastErr)
	}
	box := widgets.NewBox(fmt.Sprintf("%s (follow %s)", m.active, follow)).
		WithTitleRight("[s] stream  [f] follow  [esc] back").
		WithContent(logs).
		WithSize(m.width, 0).
		Render()
	return lipgloss.JoinVertical(lipgloss.Left, b.String(), box)
}
