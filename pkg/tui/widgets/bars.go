package widgets

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/stackup/pkg/tui/styles"
)

type Keybind struct {
	Key   string
	Label string
}

// Header is the top bar: tool name, project, aggregate liveness and stack uptime.
type Header struct {
	title   string
	project string
	status  string
	ok      bool
	uptime  time.Duration
	width   int
}

func NewHeader(title string) Header {
	return Header{title: title}
}

func (h Header) WithProject(name string) Header {
	h.project = name
	return h
}

// WithStatus sets the liveness summary; ok picks the healthy or the failing color.
func (h Header) WithStatus(status string, ok bool) Header {
	h.status = status
	h.ok = ok
	return h
}

func (h Header) WithUptime(d time.Duration) Header {
	h.uptime = d
	return h
}

func (h Header) WithWidth(w int) Header {
	h.width = w
	return h
}

func (h Header) Render() string {
	theme := styles.DefaultTheme()

	left := lipgloss.NewStyle().Bold(true).Foreground(theme.Text).Background(theme.Primary).Padding(0, 1).Render(h.title)
	if h.project != "" {
		left += " " + theme.Title.Render(h.project)
	}
	if h.status != "" {
		icon := styles.StatusIcon(h.ok)
		left += "  " + theme.IconStyle(icon).Render(icon) + " " + h.status
	}

	right := ""
	if h.uptime > 0 {
		right = theme.TitleMuted.Render("up " + formatDuration(h.uptime))
	}
	return spread(left, right, h.width) + "\n" + rule(h.width, theme)
}

// Footer is the bottom bar of centered key hints.
type Footer struct {
	keybinds []Keybind
	width    int
}

func NewFooter(keybinds []Keybind) Footer {
	return Footer{keybinds: keybinds}
}

func (f Footer) WithWidth(w int) Footer {
	f.width = w
	return f
}

func (f Footer) Render() string {
	theme := styles.DefaultTheme()
	hints := RenderKeybinds(f.keybinds, theme)
	pad := maxInt(0, (f.width-lipgloss.Width(hints))/2)
	return rule(f.width, theme) + "\n" + strings.Repeat(" ", pad) + hints
}

func RenderKeybinds(keybinds []Keybind, theme styles.Theme) string {
	parts := make([]string, 0, len(keybinds))
	for _, kb := range keybinds {
		parts = append(parts, theme.KeybindKey.Render("["+kb.Key+"]")+theme.Keybind.Render(" "+kb.Label))
	}
	return strings.Join(parts, "  ")
}

// formatDuration renders whole seconds as "1h 0m 1s", "2m 3s" or "5s".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
