package models

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/tui"
	"github.com/stretchr/testify/require"
)

func snapshot() tui.StateSnapshot {
	st := state.New("demo", "/tmp/demo")
	st.Services = []state.ServiceRecord{
		{Name: "app", Backend: "process", Phase: "ready", Seq: 2, PID: 20},
		{Name: "db", Backend: "docker", Phase: "ready", Seq: 1, ContainerID: "abc123", ProbeKind: "tcp", ProbeTarget: "127.0.0.1:5432"},
	}
	return tui.StateSnapshot{Exists: true, At: time.Now(), State: st, Alive: map[string]bool{"db": true}}
}

func update(t *testing.T, m RootModel, msg tea.Msg) (RootModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(RootModel), cmd
}

func TestRootModel_NavigateToService(t *testing.T) {
	m := NewRootModel()
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = update(t, m, tui.StateSnapshotMsg{Snapshot: snapshot()})

	view := m.View()
	require.Contains(t, view, "db")
	require.Contains(t, view, "exited", "ready but dead services show as exited")
	require.Contains(t, view, "1/2 alive")

	// services are listed by start order, so db is first and app is second.
	require.Equal(t, "db", m.dashboard.Selected())
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	require.Equal(t, "app", m.dashboard.Selected())

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	nav := cmd()
	require.Equal(t, tui.NavigateToServiceMsg{Name: "app"}, nav)

	m, _ = update(t, m, nav)
	require.Equal(t, ViewService, m.Active())
	require.Contains(t, m.View(), "backend=process")

	m, _ = update(t, m, tui.NavigateBackMsg{})
	require.Equal(t, ViewDashboard, m.Active())
}

func TestRootModel_EventsAndBuild(t *testing.T) {
	m := NewRootModel()
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	ok := true
	m, _ = update(t, m, tui.BuildStageMsg{Stage: tui.BuildStage{Stage: "builder", Index: 0, Total: 2, Running: true}})
	m, _ = update(t, m, tui.BuildStageMsg{Stage: tui.BuildStage{Stage: "builder", Index: 0, OK: &ok}})
	require.Contains(t, m.View(), "1/2")

	m, _ = update(t, m, tui.EventLogAppendMsg{Entry: tui.EventLogEntry{Source: "db", Level: tui.LogLevelWarn, Text: "service exited"}})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	require.Equal(t, ViewEvents, m.Active())
	require.Contains(t, m.View(), "service exited")

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
}

func TestDashboard_NoState(t *testing.T) {
	m := NewDashboardModel().WithSnapshot(tui.StateSnapshot{})
	require.Contains(t, m.View(), "No stack is up")
}

func TestEventLog_Filters(t *testing.T) {
	m := NewEventLogModel().WithSize(100, 20)
	m = m.Append(tui.EventLogEntry{Source: "db", Level: tui.LogLevelInfo, Text: "db ready"})
	m = m.Append(tui.EventLogEntry{Source: "app", Level: tui.LogLevelError, Text: "app not ready"})
	m = m.Append(tui.EventLogEntry{Source: "app", Level: tui.LogLevelInfo, Text: "app starting"})
	require.Equal(t, 3, m.visibleCount())

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("e")})
	require.Equal(t, 1, m.visibleCount())

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("e")})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	require.Equal(t, "app", m.source)
	require.Equal(t, 2, m.visibleCount())

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlL})
	require.Equal(t, 3, m.visibleCount())
	require.Contains(t, m.View(), "Events (3/3)")
}

func TestNextSource(t *testing.T) {
	sources := []string{"app", "db"}
	require.Equal(t, "app", nextSource(sources, ""))
	require.Equal(t, "db", nextSource(sources, "app"))
	require.Equal(t, "", nextSource(sources, "db"))
	require.Equal(t, "", nextSource(nil, ""))
}
