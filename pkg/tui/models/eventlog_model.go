package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/stackup/pkg/tui"
	"github.com/go-go-golems/stackup/pkg/tui/styles"
	"github.com/go-go-golems/stackup/pkg/tui/widgets"
)

const eventLogCapacity = 500

// EventLogModel lists lifecycle events: service transitions, exits and build stages. It
// narrows the list by text, by source (s cycles through the services seen so far) and by
// severity.
type EventLogModel struct {
	entries []tui.EventLogEntry

	width  int
	height int

	searching    bool
	search       textinput.Model
	filter       string
	source       string
	problemsOnly bool

	vp viewport.Model
}

func NewEventLogModel() EventLogModel {
	search := textinput.New()
	search.Placeholder = "text or service…"
	search.Prompt = "/ "
	search.CharLimit = 200
	return EventLogModel{search: search, vp: viewport.New(0, 0)}
}

func (m EventLogModel) WithSize(width, height int) EventLogModel {
	m.width, m.height = width, height
	m.vp.Width = maxInt(0, width-2)
	m.vp.Height = maxInt(3, height-4)
	return m.render(false)
}

// Searching reports whether the filter input has focus.
func (m EventLogModel) Searching() bool { return m.searching }

func (m EventLogModel) Append(e tui.EventLogEntry) EventLogModel {
	m.entries = append(m.entries, e)
	if over := len(m.entries) - eventLogCapacity; over > 0 {
		m.entries = append([]tui.EventLogEntry(nil), m.entries[over:]...)
	}
	return m.render(true)
}

func (m EventLogModel) Update(msg tea.Msg) (EventLogModel, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	if m.searching {
		switch key.String() {
		case "esc":
			m.searching = false
			m.search.Blur()
			return m, nil
		case "enter":
			m.searching = false
			m.search.Blur()
			m.filter = strings.TrimSpace(m.search.Value())
			return m.render(true), nil
		}
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(key)
		return m, cmd
	}

	switch key.String() {
	case "/":
		m.searching = true
		m.search.SetValue(m.filter)
		m.search.CursorEnd()
		m.search.Focus()
		return m, nil
	case "e":
		m.problemsOnly = !m.problemsOnly
		return m.render(true), nil
	case "s":
		m.source = nextSource(m.sources(), m.source)
		return m.render(true), nil
	case "ctrl+l":
		m.filter, m.source, m.problemsOnly = "", "", false
		m.search.SetValue("")
		return m.render(true), nil
	case "c":
		m.entries = nil
		return m.render(true), nil
	}
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(key)
	return m, cmd
}

func (m EventLogModel) View() string {
	theme := styles.DefaultTheme()

	var scope []string
	if m.problemsOnly {
		scope = append(scope, "problems")
	}
	if m.source != "" {
		scope = append(scope, "source="+m.source)
	}
	if m.filter != "" {
		scope = append(scope, fmt.Sprintf("text=%q", m.filter))
	}
	hint := "[/] text  [s] source  [e] problems  [c] clear"
	if len(scope) > 0 {
		hint = strings.Join(scope, " ") + "  " + hint
	}

	content := m.vp.View()
	if len(m.entries) == 0 {
		content = theme.TitleMuted.Render("(no events yet)")
	}
	box := widgets.NewBox(fmt.Sprintf("Events (%d/%d)", m.visibleCount(), len(m.entries))).
		WithTitleRight(hint).
		WithContent(content).
		WithSize(m.width, m.vp.Height+3).
		Render()

	if !m.searching {
		return box
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.search.View(), box)
}

func (m EventLogModel) render(bottom bool) EventLogModel {
	theme := styles.DefaultTheme()
	var b strings.Builder
	for _, e := range m.entries {
		if !m.visible(e) {
			continue
		}
		style := levelStyle(theme, e.Level)
		icon := styles.LogLevelIcon(string(e.Level))
		source := e.Source
		if source == "" {
			source = "stackup"
		}
		fmt.Fprintf(&b, "%s %s %s  %s\n",
			style.Render(icon),
			theme.TitleMuted.Render(e.At.Format("15:04:05")),
			theme.TitleMuted.Render("["+source+"]"),
			style.Render(e.Text))
	}
	m.vp.SetContent(b.String())
	if bottom {
		m.vp.GotoBottom()
	}
	return m
}

func (m EventLogModel) visible(e tui.EventLogEntry) bool {
	if m.problemsOnly && e.Level != tui.LogLevelWarn && e.Level != tui.LogLevelError {
		return false
	}
	if m.source != "" && e.Source != m.source {
		return false
	}
	if m.filter == "" {
		return true
	}
	f := strings.ToLower(m.filter)
	return strings.Contains(strings.ToLower(e.Text), f) || strings.Contains(strings.ToLower(e.Source), f)
}

func (m EventLogModel) visibleCount() int {
	n := 0
	for _, e := range m.entries {
		if m.visible(e) {
			n++
		}
	}
	return n
}

func (m EventLogModel) sources() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range m.entries {
		if e.Source != "" && !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	sort.Strings(out)
	return out
}

// nextSource cycles "" → first → … → last → "".
func nextSource(sources []string, current string) string {
	if current == "" {
		if len(sources) == 0 {
			return ""
		}
		return sources[0]
	}
	for i, s := range sources {
		if s == current && i+1 < len(sources) {
			return sources[i+1]
		}
	}
	return ""
}

func levelStyle(theme styles.Theme, level tui.LogLevel) lipgloss.Style {
	switch level {
	case tui.LogLevelError:
		return theme.StatusDead
	case tui.LogLevelWarn:
		return theme.StatusWarn
	}
	return theme.TitleMuted
}
